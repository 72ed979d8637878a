// Package devagent implements the reference Developer Agent: the
// counterpart process that attaches to a relay session's Tunnel Link,
// forwards each inbound request to a local HTTP service, and reports the
// result back. It exists for completeness and end-to-end testing of the
// relay; production developer clients (the CLI, the browser extension) are
// out of scope here.
package devagent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingmanux/tunnelrelay/internal/wire"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
	"github.com/wingmanux/tunnelrelay/pkg/state"
)

// localRequestTimeout bounds how long the agent waits for the local target
// service to respond before reporting an upstream failure.
const localRequestTimeout = 30 * time.Second

// failureCoalescingWindow bounds how often repeated local-target failures
// produce a log line. A backend that's down typically fails every in-flight
// request at once; without coalescing that becomes one warning per request.
const failureCoalescingWindow = 2 * time.Second

// Agent attaches to a relay session and forwards requests to a local
// target port.
type Agent struct {
	relayURL   string
	sessionID  string
	targetPort int
	client     *http.Client
	logger     *logging.Logger

	// failureSignal coalesces bursts of local-request failures (e.g. the
	// local target process restarting) into a single warning per burst.
	failureSignal *state.Coalescer
}

// New creates a Developer Agent that will attach to relayURL (the
// control-plane base URL, e.g. "wss://relay.example.com") for the given
// session and forward requests to localhost:targetPort.
func New(relayURL, sessionID string, targetPort int, logger *logging.Logger) *Agent {
	return &Agent{
		relayURL:      relayURL,
		sessionID:     sessionID,
		targetPort:    targetPort,
		client:        &http.Client{Timeout: localRequestTimeout},
		logger:        logger,
		failureSignal: state.NewCoalescer(failureCoalescingWindow),
	}
}

// Run connects to the relay, registers the session, and serves requests
// until the connection closes or stop is closed.
func (a *Agent) Run(stop <-chan struct{}) error {
	attachURL := fmt.Sprintf("%s/tunnel/attach/%s", a.relayURL, a.sessionID)
	conn, _, err := websocket.DefaultDialer.Dial(attachURL, nil)
	if err != nil {
		return fmt.Errorf("unable to connect to relay: %w", err)
	}
	defer conn.Close()
	defer a.failureSignal.Terminate()

	go a.logCoalescedFailures()

	register := wire.Register{
		Header:     wire.Header{Type: wire.TypeRegister, SessionID: a.sessionID},
		TargetPort: a.targetPort,
	}
	encoded, err := json.Marshal(register)
	if err != nil {
		return fmt.Errorf("unable to encode register frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return fmt.Errorf("unable to send register frame: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	var pendingRequest *wire.Request

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return nil
		}

		switch messageType {
		case websocket.TextMessage:
			var header wire.Header
			if err := json.Unmarshal(payload, &header); err != nil {
				a.logger.Warnf("malformed frame from relay: %s", err.Error())
				continue
			}
			switch header.Type {
			case wire.TypeRegistered:
				a.logger.Infof("attached session %s", a.sessionID)
			case wire.TypePing:
				var ping wire.Ping
				json.Unmarshal(payload, &ping)
				a.sendPong(conn, ping.Nonce)
			case wire.TypeRequest:
				var req wire.Request
				if err := json.Unmarshal(payload, &req); err != nil {
					a.logger.Warnf("malformed request frame: %s", err.Error())
					continue
				}
				if req.BodyLength > 0 {
					pendingRequest = &req
					continue
				}
				a.handleRequest(conn, &req, nil)
			}
		case websocket.BinaryMessage:
			if pendingRequest == nil {
				continue
			}
			req := pendingRequest
			pendingRequest = nil
			a.handleRequest(conn, req, payload)
		}
	}
}

// logCoalescedFailures emits one warning per burst of local-request
// failures rather than one per request, so a backend outage doesn't flood
// the agent's log with a line per in-flight request.
func (a *Agent) logCoalescedFailures() {
	for range a.failureSignal.Events() {
		a.logger.Warnf("local target on port %d is failing requests", a.targetPort)
	}
}

func (a *Agent) sendPong(conn *websocket.Conn, nonce int64) {
	pong := wire.Pong{
		Header: wire.Header{Type: wire.TypePong, SessionID: a.sessionID},
		Nonce:  nonce,
	}
	encoded, _ := json.Marshal(pong)
	conn.WriteMessage(websocket.TextMessage, encoded)
}

// handleRequest performs the local HTTP call and reports the outcome back
// over the control channel.
func (a *Agent) handleRequest(conn *websocket.Conn, req *wire.Request, body []byte) {
	target := fmt.Sprintf("http://127.0.0.1:%d%s", a.targetPort, req.URL)
	localReq, err := http.NewRequest(req.Method, target, bytes.NewReader(body))
	if err != nil {
		a.sendResponse(conn, req.RequestID, 502, nil, nil)
		return
	}
	for key, values := range req.Headers {
		if key == "Host" {
			continue
		}
		for _, value := range values {
			localReq.Header.Add(key, value)
		}
	}
	if hostValues := req.Headers["Host"]; len(hostValues) > 0 {
		localReq.Host = hostValues[0]
	}

	resp, err := a.client.Do(localReq)
	if err != nil {
		a.failureSignal.Strobe()
		a.sendResponse(conn, req.RequestID, 502, nil, nil)
		return
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		a.sendResponse(conn, req.RequestID, 502, nil, nil)
		return
	}

	a.sendResponse(conn, req.RequestID, resp.StatusCode, resp.Header, responseBody)
}

func (a *Agent) sendResponse(conn *websocket.Conn, requestID string, statusCode int, headers map[string][]string, body []byte) {
	response := wire.Response{
		Header:     wire.Header{Type: wire.TypeResponse, SessionID: a.sessionID},
		RequestID:  requestID,
		StatusCode: statusCode,
		Headers:    headers,
		BodyLength: int64(len(body)),
	}
	encoded, err := json.Marshal(response)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return
	}
	if len(body) > 0 {
		conn.WriteMessage(websocket.BinaryMessage, body)
	}
}

// ParseRelayURL validates and normalizes a relay base URL supplied on the
// command line, rewriting an http(s) scheme to the corresponding ws(s)
// scheme expected by the attach endpoint.
func ParseRelayURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}
