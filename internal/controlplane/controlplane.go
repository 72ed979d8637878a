// Package controlplane implements the relay's control-plane HTTP API: the
// endpoints a developer's CLI or browser extension uses to create, list,
// and tear down tunnels, issue and resolve share tokens, and attach a
// developer agent's Tunnel Link.
package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/wingmanux/tunnelrelay/internal/broker"
	"github.com/wingmanux/tunnelrelay/internal/sessiondir"
	"github.com/wingmanux/tunnelrelay/internal/sharetoken"
	"github.com/wingmanux/tunnelrelay/internal/tunnellink"
	"github.com/wingmanux/tunnelrelay/internal/wire"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

// detectPorts are the common local development ports probed by
// GET /tunnel/detect.
var detectPorts = []int{3000, 3001, 8080, 8000, 4200, 5173, 5000, 8787}

// LinkRegistry is the subset of internal/relay's link table the control
// plane needs to attach newly-registered Tunnel Links and report their
// presence for GET /tunnel/status.
type LinkRegistry interface {
	Attach(link *tunnellink.Link)
	Detach(sessionID string)
	DetachIfCurrent(link *tunnellink.Link) bool
	Active(sessionID string) bool
}

// Server implements the control-plane HTTP API described in the
// specification's external interfaces section.
type Server struct {
	directory  *sessiondir.Directory
	tokens     *sharetoken.Service
	broker     *broker.Broker
	links      LinkRegistry
	baseDomain string

	upgrader websocket.Upgrader

	queueDepth        int
	queueBytes        int64
	heartbeatInterval time.Duration
	heartbeatMisses   int
	bodyTimeout       time.Duration

	logger *logging.Logger
}

// New creates a control-plane Server and its httprouter.Router.
func New(directory *sessiondir.Directory, tokens *sharetoken.Service, requestBroker *broker.Broker, links LinkRegistry, baseDomain string, queueDepth int, queueBytes int64, heartbeatInterval time.Duration, heartbeatMisses int, bodyTimeout time.Duration, logger *logging.Logger) (*Server, http.Handler) {
	s := &Server{
		directory:         directory,
		tokens:            tokens,
		broker:            requestBroker,
		links:             links,
		baseDomain:        baseDomain,
		queueDepth:        queueDepth,
		queueBytes:        queueBytes,
		heartbeatInterval: heartbeatInterval,
		heartbeatMisses:   heartbeatMisses,
		bodyTimeout:       bodyTimeout,
		logger:            logger,
	}

	router := httprouter.New()
	router.POST("/tunnel/create", s.handleCreate)
	router.GET("/tunnel/status", s.handleStatus)
	router.DELETE("/tunnel/stop", s.handleStop)
	router.GET("/tunnel/detect", s.handleDetect)
	router.POST("/tunnel/share", s.handleShareIssue)
	router.GET("/tunnel/share/:token", s.handleShareResolve)
	router.DELETE("/tunnel/share/:token", s.handleShareRevoke)
	router.GET("/tunnel/shares/:sessionId", s.handleShareList)
	router.GET("/tunnel/attach/:sessionId", s.handleAttach)
	router.GET("/tunnel/watch", s.handleWatch)

	return s, router
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": kind})
}

type createRequest struct {
	TargetPort int  `json:"targetPort"`
	EnableP2P  bool `json:"enableP2P,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetPort < 1 || req.TargetPort > 65535 {
		writeError(w, http.StatusBadRequest, "invalid-port")
		return
	}

	session, err := s.directory.Create(req.TargetPort)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "capacity-exhausted")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"sessionId":  session.Identifier,
		"tunnelUrl":  session.TunnelURL(s.baseDomain),
		"targetPort": session.TargetPort,
		"status":     "active",
	})
}

type tunnelStatus struct {
	SessionID      string    `json:"sessionId"`
	TunnelURL      string    `json:"tunnelUrl"`
	TargetPort     int       `json:"targetPort"`
	CreatedAt      time.Time `json:"createdAt"`
	ConnectionMode string    `json:"connectionMode"`
}

func (s *Server) tunnelStatuses() []tunnelStatus {
	var tunnels []tunnelStatus
	for _, identifier := range s.directory.Identifiers() {
		session, err := s.directory.Lookup(identifier)
		if err != nil {
			continue
		}
		mode := "disconnected"
		if s.links.Active(session.Identifier) {
			mode = "connected"
		}
		tunnels = append(tunnels, tunnelStatus{
			SessionID:      session.Identifier,
			TunnelURL:      session.TunnelURL(s.baseDomain),
			TargetPort:     session.TargetPort,
			CreatedAt:      session.CreatedAt,
			ConnectionMode: mode,
		})
	}
	return tunnels
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tunnels := s.tunnelStatuses()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  len(tunnels) > 0,
		"tunnels": tunnels,
	})
}

type stopRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req stopRequest
	json.NewDecoder(r.Body).Decode(&req)

	if req.SessionID == "" {
		for _, identifier := range s.directory.Identifiers() {
			s.stopOne(identifier)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		return
	}

	if err := s.stopOne(req.SessionID); err != nil {
		writeError(w, http.StatusNotFound, "tunnel-not-found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) stopOne(sessionID string) error {
	if err := s.directory.Close(sessionID); err != nil {
		return err
	}
	s.links.Detach(sessionID)
	s.broker.DiscardSession(sessionID, fmt.Errorf("tunnel stopped"))
	return nil
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var detected []int
	client := &http.Client{Timeout: 1 * time.Second}
	for _, port := range detectPorts {
		url := fmt.Sprintf("http://127.0.0.1:%d/", port)
		req, err := http.NewRequest(http.MethodHead, url, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		detected = append(detected, port)
	}

	suggested := 0
	if len(detected) > 0 {
		suggested = detected[0]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detected":  detected,
		"suggested": suggested,
	})
}

type shareRequest struct {
	SessionID   string            `json:"sessionId"`
	Label       string            `json:"label,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	ExpiresIn   int               `json:"expiresIn,omitempty"`
	MaxAccesses int               `json:"maxAccesses,omitempty"`
}

func (s *Server) handleShareIssue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}
	if _, err := s.directory.Lookup(req.SessionID); err != nil {
		writeError(w, http.StatusNotFound, "tunnel-not-found")
		return
	}

	var expiresIn time.Duration
	if req.ExpiresIn > 0 {
		expiresIn = time.Duration(req.ExpiresIn) * time.Hour
	}

	token, err := s.tokens.Issue(req.SessionID, sharetokenOptions(req.Label, req.Labels, expiresIn, req.MaxAccesses))
	if err != nil {
		writeError(w, http.StatusBadRequest, "share-issue-failed")
		return
	}

	response := map[string]interface{}{
		"success":    true,
		"sessionId":  req.SessionID,
		"shareToken": token.Value,
		"shareUrl":   fmt.Sprintf("https://%s/share/%s", s.baseDomain, token.Value),
	}
	if !token.ExpiresAt.IsZero() {
		response["expiresAt"] = token.ExpiresAt
	}
	if token.MaxAccesses > 0 {
		response["maxAccesses"] = token.MaxAccesses
	}
	writeJSON(w, http.StatusOK, response)
}

func sharetokenOptions(label string, labels map[string]string, expiresIn time.Duration, maxAccesses int) sharetoken.IssueOptions {
	return sharetoken.IssueOptions{Label: label, Labels: labels, ExpiresIn: expiresIn, MaxAccesses: maxAccesses}
}

func (s *Server) handleShareResolve(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	token, err := s.tokens.Resolve(params.ByName("token"))
	if err != nil {
		switch {
		case errors.Is(err, sharetoken.ErrExpired):
			writeError(w, http.StatusNotFound, "share-expired")
		case errors.Is(err, sharetoken.ErrExhausted):
			writeError(w, http.StatusNotFound, "share-exhausted")
		default:
			writeError(w, http.StatusNotFound, "share-not-found")
		}
		return
	}

	remaining := -1
	if token.MaxAccesses > 0 {
		remaining = token.MaxAccesses - token.AccessCount
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": token.SessionID,
		"remaining": remaining,
		"label":     token.Label,
	})
}

func (s *Server) handleShareRevoke(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := s.tokens.Revoke(params.ByName("token")); err != nil {
		writeError(w, http.StatusNotFound, "share-not-found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleShareList lists every live share token for a session. An optional
// ?selector= query parameter narrows the result to tokens whose labels
// match a Kubernetes-style label selector (e.g. "env=staging,team!=ops").
func (s *Server) handleShareList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sessionID := params.ByName("sessionId")

	selector := r.URL.Query().Get("selector")
	if selector == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"shares": s.tokens.ListBySession(sessionID)})
		return
	}

	matched, err := s.tokens.ListByLabelSelector(selector)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-selector")
		return
	}

	var shares []*sharetoken.Token
	for _, token := range matched {
		if token.SessionID == sessionID {
			shares = append(shares, token)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shares": shares})
}

// handleAttach upgrades the connection to a websocket and waits for the
// developer agent's register frame before promoting the session to active
// and handing the connection off to a new Tunnel Link.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sessionID := params.ByName("sessionId")
	session, err := s.directory.Lookup(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel-not-found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("attach upgrade failed for session %s: %s", sessionID, err.Error())
		return
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var register wire.Register
	if err := json.Unmarshal(payload, &register); err != nil || register.Type != wire.TypeRegister || register.SessionID != sessionID {
		conn.Close()
		return
	}

	registered := wire.Registered{
		Header:    wire.Header{Type: wire.TypeRegistered, SessionID: sessionID},
		TunnelURL: session.TunnelURL(s.baseDomain),
	}
	encoded, _ := json.Marshal(registered)
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		conn.Close()
		return
	}

	link := tunnellink.New(conn, sessionID, s.broker, s.queueDepth, s.queueBytes, s.heartbeatInterval, s.heartbeatMisses, s.bodyTimeout, s.logger)
	link.OnClose = func(closed *tunnellink.Link) {
		// closed may already have been superseded by a reattach (Attach
		// closes the previous link before installing the new one). Only
		// remove the table entry if it's still this link, and only fail
		// this link's own in-flight requests — a newer link's requests for
		// the same sessionID must be left untouched.
		reason := fmt.Errorf("tunnel link closed")
		if !s.links.DetachIfCurrent(closed) {
			reason = fmt.Errorf("link-replaced")
		}
		s.broker.DiscardOwner(closed, reason)
	}

	s.directory.MarkActive(sessionID)
	s.links.Attach(link)

	go link.Run(r.Context())
}

// handleWatch long-polls the Session Directory's Tracker for the next
// mutation past the client's last-known index, returning the updated tunnel
// status list as soon as one occurs (or immediately, if index=0 or is
// omitted). It lets tunnelrelayctl watch implement an efficient "tell me
// when something changes" loop instead of polling GET /tunnel/status.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var previousIndex uint64
	if raw := r.URL.Query().Get("index"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid-index")
			return
		}
		previousIndex = parsed
	}

	index, err := s.directory.Tracker.WaitForChange(r.Context(), previousIndex)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "watch-cancelled")
		return
	}

	tunnels := s.tunnelStatuses()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"index":   index,
		"active":  len(tunnels) > 0,
		"tunnels": tunnels,
	})
}

// NewRequestID generates a unique identifier for a Pending Request.
func NewRequestID() string {
	return uuid.NewString()
}
