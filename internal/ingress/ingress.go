// Package ingress implements the Ingress Router: the public-facing HTTP
// front-end that resolves an incoming request's subdomain label to a
// session and forwards the request to the attached developer agent, either
// through the Request Broker's frame-based path or, in local development,
// through a direct loopback fast path that bypasses the broker entirely.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/idna"

	"github.com/wingmanux/tunnelrelay/internal/broker"
	"github.com/wingmanux/tunnelrelay/internal/sessiondir"
	"github.com/wingmanux/tunnelrelay/internal/wire"
	"github.com/wingmanux/tunnelrelay/pkg/forwarding"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
	"github.com/wingmanux/tunnelrelay/pkg/must"
)

// LinkSource resolves a session identifier to its currently attached Tunnel
// Link, or reports that none is attached. It is implemented by the
// component that owns active Links (internal/relay).
type LinkSource interface {
	Link(sessionID string) (Sender, bool)
}

// Sender is the subset of *tunnellink.Link the router needs: the ability to
// hand off a request frame and receive its body back through the broker.
type Sender interface {
	SendRequest(req *wire.Request, body []byte) error
}

// responseTransportHeaders are stripped from the developer agent's response
// before re-emission to the public caller, since the router recomputes
// framing itself.
var responseTransportHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection"}

// Router is the Ingress Router.
type Router struct {
	directory *sessiondir.Directory
	broker    *broker.Broker
	links     LinkSource

	overallTimeout  time.Duration
	bodyTimeout     time.Duration
	maxRequestBody  int64
	localFastPath   bool
	logger          *logging.Logger

	requestIDs func() string
}

// New creates an Ingress Router.
func New(directory *sessiondir.Directory, requestBroker *broker.Broker, links LinkSource, overallTimeout, bodyTimeout time.Duration, maxRequestBody int64, localFastPath bool, requestIDs func() string, logger *logging.Logger) *Router {
	return &Router{
		directory:      directory,
		broker:         requestBroker,
		links:          links,
		overallTimeout: overallTimeout,
		bodyTimeout:    bodyTimeout,
		maxRequestBody: maxRequestBody,
		localFastPath:  localFastPath,
		requestIDs:     requestIDs,
		logger:         logger,
	}
}

// ServeHTTP implements http.Handler. It is mounted on the public listener
// for every host other than the control-plane's own address.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	host := normalizeHost(req.Host)

	session, err := r.directory.LookupBySubdomain(host)
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel-not-found")
		return
	}

	if websocketUpgradeRequested(req) {
		if r.localFastPath {
			r.forwardLoopback(w, req, session)
			return
		}
		writeError(w, http.StatusNotImplemented, "upgrade-not-supported-on-tunneled-path")
		return
	}

	if r.localFastPath {
		r.forwardLoopback(w, req, session)
		return
	}

	r.forwardThroughLink(w, req, session.Identifier)
}

// normalizeHost lowercases and IDNA-normalizes the Host header so that
// subdomain comparisons are not fooled by mixed-case or punycode-equivalent
// hostnames.
func normalizeHost(host string) string {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return strings.ToLower(ascii)
	}
	return strings.ToLower(host)
}

func websocketUpgradeRequested(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

// writeError reports a public-facing tunnel error as JSON: a
// lowercase-hyphenated "error" kind alongside an UPPER_SNAKE "code" for
// programmatic matching. The control plane's error body carries "success"
// and "error" only.
func writeError(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": kind,
		"code":  strings.ToUpper(strings.ReplaceAll(kind, "-", "_")),
	})
}

// forwardLoopback implements the local-development fast path: a raw
// bidirectional copy to localhost:targetPort, bypassing the broker. It
// requires the caller's connection to be hijackable.
func (r *Router) forwardLoopback(w http.ResponseWriter, req *http.Request, session *sessiondir.Session) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeError(w, http.StatusInternalServerError, "gateway-timeout")
		return
	}

	target, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", session.TargetPort), 5*time.Second)
	if err != nil {
		writeError(w, http.StatusBadGateway, "developer-not-connected")
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		target.Close()
		return
	}

	req.Host = fmt.Sprintf("127.0.0.1:%d", session.TargetPort)
	if err := req.Write(target); err != nil {
		must.Close(target, r.logger)
		must.Close(clientConn, r.logger)
		return
	}
	if clientBuf.Reader.Buffered() > 0 {
		io.CopyN(target, clientBuf.Reader, int64(clientBuf.Reader.Buffered()))
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.overallTimeout)
	defer cancel()

	var forwarded uint64
	auditor := func(n uint64) { atomic.AddUint64(&forwarded, n) }

	forwarding.ForwardAndClose(ctx, clientConn.(net.Conn), target, auditor, auditor, r.logger)

	if err := r.directory.Touch(session.Identifier); err != nil {
		r.logger.Warnf("unable to record activity for session %s: %s", session.Identifier, err.Error())
	}
	r.logger.Debugf("fast-path forward for session %s moved %s", session.Identifier, humanize.Bytes(atomic.LoadUint64(&forwarded)))
}

// forwardThroughLink implements the frame-based path: it enqueues the
// request on the session's Tunnel Link and waits on the broker for the
// correlated response, enforcing the two-tier timeout discipline.
func (r *Router) forwardThroughLink(w http.ResponseWriter, req *http.Request, sessionID string) {
	link, attached := r.links.Link(sessionID)
	if !attached {
		writeError(w, http.StatusBadGateway, "developer-not-connected")
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, r.maxRequestBody+1))
	if err != nil {
		writeError(w, http.StatusBadGateway, "client-gone")
		return
	}
	if int64(len(body)) > r.maxRequestBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request-too-large")
		return
	}

	requestID := r.requestIDs()
	results := r.broker.Register(sessionID, requestID, link)

	wireReq := &wire.Request{
		Header:     wire.Header{Type: wire.TypeRequest, SessionID: sessionID},
		RequestID:  requestID,
		Method:     req.Method,
		URL:        req.URL.RequestURI(),
		Headers:    req.Header,
		BodyLength: int64(len(body)),
	}
	if err := link.SendRequest(wireReq, body); err != nil {
		r.broker.Abandon(sessionID, requestID)
		writeError(w, http.StatusServiceUnavailable, "link-congested")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.overallTimeout)
	defer cancel()

	result, err := r.broker.Wait(ctx, sessionID, requestID, results)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "gateway-timeout")
		return
	}
	if result.Err != nil {
		writeError(w, http.StatusBadGateway, "upstream-failed")
		return
	}

	for key, values := range result.Response.Headers {
		if isTransportHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(result.Response.StatusCode)
	w.Write(result.Body)
}

func isTransportHeader(key string) bool {
	for _, h := range responseTransportHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
