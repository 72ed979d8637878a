// Package relay wires the Session Directory, Share Token Service, Request
// Broker, Ingress Router, and control-plane API into a single running
// daemon, and owns the table of currently-attached Tunnel Links that both
// the control plane and the ingress router need to consult.
package relay

import (
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/wingmanux/tunnelrelay/internal/broker"
	"github.com/wingmanux/tunnelrelay/internal/config"
	"github.com/wingmanux/tunnelrelay/internal/controlplane"
	"github.com/wingmanux/tunnelrelay/internal/ingress"
	"github.com/wingmanux/tunnelrelay/internal/sessiondir"
	"github.com/wingmanux/tunnelrelay/internal/sharetoken"
	"github.com/wingmanux/tunnelrelay/internal/tunnellink"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

// links is the table of currently-attached Tunnel Links, keyed by session
// identifier. It implements both controlplane.LinkRegistry and
// ingress.LinkSource.
type links struct {
	mu    sync.Mutex
	table map[string]*tunnellink.Link
}

func newLinks() *links {
	return &links{table: make(map[string]*tunnellink.Link)}
}

func (l *links) Attach(link *tunnellink.Link) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if previous, ok := l.table[link.SessionID]; ok {
		previous.Close()
	}
	l.table[link.SessionID] = link
}

func (l *links) Detach(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.table, sessionID)
}

// DetachIfCurrent removes link from the table only if it is still the
// entry attached for its session — a compare-and-delete that protects
// against a superseded link's own close-cleanup clobbering a link that has
// since replaced it. It reports whether link was the current entry (and
// was therefore removed).
func (l *links) DetachIfCurrent(link *tunnellink.Link) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.table[link.SessionID]; ok && current == link {
		delete(l.table, link.SessionID)
		return true
	}
	return false
}

func (l *links) Active(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.table[sessionID]
	return ok
}

func (l *links) Link(sessionID string) (ingress.Sender, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	link, ok := l.table[sessionID]
	return link, ok
}

// Relay owns every component of a running relay daemon.
type Relay struct {
	Directory *sessiondir.Directory
	Tokens    *sharetoken.Service
	Broker    *broker.Broker

	controlPlane http.Handler
	ingress      *ingress.Router

	logger *logging.Logger
}

// New assembles a Relay from its configuration.
func New(cfg *config.Config, logger *logging.Logger) *Relay {
	directory := sessiondir.New(cfg.ReservedSubdomains, cfg.SessionTTL, cfg.ExpiryGrace, logger)
	tokens := sharetoken.New(cfg.ShareTokenBits)
	requestBroker := broker.New(cfg.PendingAbandonGrace)
	linkTable := newLinks()

	_, controlPlaneHandler := controlplane.New(
		directory, tokens, requestBroker, linkTable, cfg.TunnelBaseDomain,
		cfg.LinkOutgoingQueueDepth, cfg.LinkOutgoingQueueBytes,
		cfg.HeartbeatInterval, cfg.HeartbeatMisses, cfg.ResponseBodyTimeout, logger,
	)

	ingressRouter := ingress.New(
		directory, requestBroker, linkTable,
		cfg.RequestOverallTimeout, cfg.ResponseBodyTimeout, cfg.MaxRequestBody,
		cfg.LocalFastPath, uuid.NewString, logger,
	)

	return &Relay{
		Directory:    directory,
		Tokens:       tokens,
		Broker:       requestBroker,
		controlPlane: controlPlaneHandler,
		ingress:      ingressRouter,
		logger:       logger,
	}
}

// ServeHTTP dispatches each incoming request to the control plane if its
// Host matches controlPlaneHost, and to the Ingress Router otherwise. This
// lets a single listener serve both the developer-facing API and the
// public subdomain-routed tunnel traffic.
func (r *Relay) ServeHTTP(controlPlaneHost string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Host == controlPlaneHost {
			r.controlPlane.ServeHTTP(w, req)
			return
		}
		r.ingress.ServeHTTP(w, req)
	})
}
