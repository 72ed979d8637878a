package tunnellink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingmanux/tunnelrelay/internal/broker"
	"github.com/wingmanux/tunnelrelay/internal/wire"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

// dialPair spins up a one-shot websocket echo-capable test server and
// returns the server-side and client-side connections.
func dialPair(t *testing.T, handler func(*websocket.Conn)) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handler(conn)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	return clientConn
}

func TestSendRequestDeliversResponse(t *testing.T) {
	b := broker.New(5 * time.Second)

	serverReady := make(chan struct{})
	clientConn := dialPair(t, func(conn *websocket.Conn) {
		close(serverReady)
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req wire.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Errorf("unable to decode request: %v", err)
			return
		}

		response := wire.Response{
			Header:     wire.Header{Type: wire.TypeResponse, SessionID: req.SessionID},
			RequestID:  req.RequestID,
			StatusCode: 200,
			BodyLength: 5,
		}
		encoded, _ := json.Marshal(response)
		conn.WriteMessage(websocket.TextMessage, encoded)
		conn.WriteMessage(websocket.BinaryMessage, []byte("hello"))
	})
	<-serverReady

	link := New(clientConn, "delta-runway", b, 16, 1<<20, time.Hour, 10, 5*time.Second, logging.RootLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	results := b.Register("delta-runway", "req-1", nil)

	if err := link.SendRequest(&wire.Request{RequestID: "req-1", Method: "GET", URL: "/"}, nil); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}

	select {
	case result := <-results:
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if string(result.Body) != "hello" {
			t.Fatalf("unexpected body: %q", result.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestBodyTimeoutFailsPendingRequest(t *testing.T) {
	b := broker.New(5 * time.Second)

	serverReady := make(chan struct{})
	clientConn := dialPair(t, func(conn *websocket.Conn) {
		close(serverReady)
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req wire.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Errorf("unable to decode request: %v", err)
			return
		}

		response := wire.Response{
			Header:     wire.Header{Type: wire.TypeResponse, SessionID: req.SessionID},
			RequestID:  req.RequestID,
			StatusCode: 200,
			BodyLength: 5,
		}
		encoded, _ := json.Marshal(response)
		conn.WriteMessage(websocket.TextMessage, encoded)
		// Deliberately never send the announced binary body frame.
	})
	<-serverReady

	link := New(clientConn, "delta-runway", b, 16, 1<<20, time.Hour, 10, 50*time.Millisecond, logging.RootLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	results := b.Register("delta-runway", "req-1", nil)

	if err := link.SendRequest(&wire.Request{RequestID: "req-1", Method: "GET", URL: "/"}, nil); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}

	select {
	case result := <-results:
		if result.Err == nil {
			t.Fatal("expected body timeout error, got a successful result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for body-timeout failure")
	}
}
