package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingmanux/tunnelrelay/internal/broker"
	"github.com/wingmanux/tunnelrelay/internal/config"
	"github.com/wingmanux/tunnelrelay/internal/tunnellink"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

// dialTestLink spins up a one-shot websocket echo server and wraps the
// client side as a Tunnel Link for sessionID.
func dialTestLink(t *testing.T, sessionID string) *tunnellink.Link {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	b := broker.New(5 * time.Second)
	return tunnellink.New(clientConn, sessionID, b, 16, 1<<20, time.Hour, 10, 5*time.Second, logging.RootLogger)
}

// TestLinksDetachIfCurrentIsCompareAndDelete guards against a superseded
// link's close-cleanup clobbering the link that replaced it: Attach closes
// the outgoing link before installing the new one, and the outgoing link's
// own terminate() must not be allowed to delete the new link's table entry.
func TestLinksDetachIfCurrentIsCompareAndDelete(t *testing.T) {
	l := newLinks()

	link1 := dialTestLink(t, "delta-runway")
	link2 := dialTestLink(t, "delta-runway")

	l.Attach(link1)
	l.Attach(link2) // supersedes link1; link1.Close() runs synchronously here

	if !l.Active("delta-runway") {
		t.Fatal("expected session to still be active after reattach")
	}
	current, ok := l.Link("delta-runway")
	if !ok || current != link2 {
		t.Fatal("expected the table to hold the replacement link, not the superseded one")
	}

	if l.DetachIfCurrent(link1) {
		t.Fatal("expected DetachIfCurrent to no-op for a superseded link")
	}
	if !l.Active("delta-runway") {
		t.Fatal("expected the replacement link to remain attached after the stale detach attempt")
	}

	if !l.DetachIfCurrent(link2) {
		t.Fatal("expected DetachIfCurrent to succeed for the current link")
	}
	if l.Active("delta-runway") {
		t.Fatal("expected the session to be inactive after detaching the current link")
	}
}

func TestServeHTTPRoutesControlPlaneByHost(t *testing.T) {
	cfg := config.Default()
	cfg.TunnelBaseDomain = "tunnels.example.com"
	cfg.LocalFastPath = false

	r := New(cfg, logging.RootLogger)
	handler := r.ServeHTTP("relay.internal")

	req := httptest.NewRequest(http.MethodGet, "/tunnel/status", nil)
	req.Host = "relay.internal"
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected control plane to handle status request, got %d", recorder.Code)
	}
}

func TestServeHTTPRoutesTunnelTrafficToIngress(t *testing.T) {
	cfg := config.Default()
	cfg.TunnelBaseDomain = "tunnels.example.com"
	cfg.LocalFastPath = false

	r := New(cfg, logging.RootLogger)
	handler := r.ServeHTTP("relay.internal")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "ghost-session.tunnels.example.com"
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session from ingress, got %d", recorder.Code)
	}
}
