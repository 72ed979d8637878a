package ingress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wingmanux/tunnelrelay/internal/broker"
	"github.com/wingmanux/tunnelrelay/internal/sessiondir"
	"github.com/wingmanux/tunnelrelay/internal/wire"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

// decodeError unmarshals a writeError response body into its error/code
// fields.
func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json Content-Type, got %q", ct)
	}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("unable to decode error body %q: %v", recorder.Body.String(), err)
	}
	return body.Error, body.Code
}

type stubLinkSource struct {
	sender Sender
}

func (s *stubLinkSource) Link(sessionID string) (Sender, bool) {
	if s.sender == nil {
		return nil, false
	}
	return s.sender, true
}

type stubSender struct {
	b *broker.Broker
}

func (s *stubSender) SendRequest(req *wire.Request, body []byte) error {
	response := &wire.Response{
		Header:     wire.Header{Type: wire.TypeResponse, SessionID: req.SessionID},
		RequestID:  req.RequestID,
		StatusCode: 200,
		Headers:    map[string][]string{"X-Echo": {"ok"}, "Content-Length": {"999"}},
	}
	go s.b.Resolve(response, []byte("ok"))
	return nil
}

func newTestRouter(t *testing.T, linkSource LinkSource) (*Router, *sessiondir.Directory) {
	t.Helper()
	directory := sessiondir.New([]string{"api"}, 24*time.Hour, 5*time.Minute, logging.RootLogger)
	b := broker.New(5 * time.Second)
	counter := 0
	router := New(directory, b, linkSource, time.Second, time.Second, 1<<20, false, func() string {
		counter++
		return "req-" + string(rune('a'+counter))
	}, logging.RootLogger)
	return router, directory
}

func TestServeHTTPReturnsNotFoundForReservedSubdomain(t *testing.T) {
	router, _ := newTestRouter(t, &stubLinkSource{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "api.tunnels.example.com"
	recorder := httptest.NewRecorder()

	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if kind, code := decodeError(t, recorder); kind != "tunnel-not-found" || code != "TUNNEL_NOT_FOUND" {
		t.Fatalf("unexpected error body: error=%q code=%q", kind, code)
	}
}

func TestServeHTTPReturnsBadGatewayWhenNotAttached(t *testing.T) {
	router, directory := newTestRouter(t, &stubLinkSource{})

	session, err := directory.Create(3000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = session.Identifier + ".tunnels.example.com"
	recorder := httptest.NewRecorder()

	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", recorder.Code)
	}
	if kind, code := decodeError(t, recorder); kind != "developer-not-connected" || code != "DEVELOPER_NOT_CONNECTED" {
		t.Fatalf("unexpected error body: error=%q code=%q", kind, code)
	}
}

func TestServeHTTPForwardsThroughLinkAndStripsTransportHeaders(t *testing.T) {
	b := broker.New(5 * time.Second)
	sender := &stubSender{b: b}
	router, directory := newTestRouter(t, &stubLinkSource{sender: sender})
	router.broker = b

	session, err := directory.Create(3000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = session.Identifier + ".tunnels.example.com"
	recorder := httptest.NewRecorder()

	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get("Content-Length") != "" {
		t.Fatal("expected Content-Length to be stripped from response")
	}
	if recorder.Header().Get("X-Echo") != "ok" {
		t.Fatal("expected X-Echo header to pass through")
	}
}
