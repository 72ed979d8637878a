package sessiondir

import (
	"testing"
	"time"

	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

func newTestDirectory() *Directory {
	return New([]string{"api", "www", "app", "admin", "dashboard", "docs", "blog", "status"},
		24*time.Hour, 5*time.Minute, logging.RootLogger)
}

func TestCreateThenLookup(t *testing.T) {
	d := newTestDirectory()

	session, err := d.Create(3000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.Status != StatusPending {
		t.Fatalf("expected pending status, got %v", session.Status)
	}

	looked, err := d.Lookup(session.Identifier)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if looked.TargetPort != 3000 {
		t.Fatalf("unexpected target port: %d", looked.TargetPort)
	}
}

func TestLookupBySubdomainRejectsReserved(t *testing.T) {
	d := newTestDirectory()

	if _, err := d.LookupBySubdomain("api.tunnels.example.com"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for reserved subdomain, got %v", err)
	}
}

func TestLookupBySubdomainRejectsInvalidGrammar(t *testing.T) {
	d := newTestDirectory()

	if _, err := d.LookupBySubdomain("192.tunnels.example.com"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for malformed label, got %v", err)
	}
}

func TestLookupBySubdomainResolvesSession(t *testing.T) {
	d := newTestDirectory()

	session, err := d.Create(4000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	looked, err := d.LookupBySubdomain(session.Identifier + ".tunnels.example.com")
	if err != nil {
		t.Fatalf("LookupBySubdomain failed: %v", err)
	}
	if looked.Identifier != session.Identifier {
		t.Fatalf("identifier mismatch: got %q want %q", looked.Identifier, session.Identifier)
	}
}

func TestCloseThenLookupReturnsNotFound(t *testing.T) {
	d := newTestDirectory()

	session, err := d.Create(5000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := d.Close(session.Identifier); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := d.Lookup(session.Identifier); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}

func TestSweepExpiresAndThenDrops(t *testing.T) {
	d := newTestDirectory()
	d.sessionTTL = -1 * time.Second // force immediate expiry
	d.expiryGrace = 0

	session, err := d.Create(6000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d.Sweep()
	if _, err := d.Lookup(session.Identifier); err != ErrNotFound {
		t.Fatalf("expected session to be expired and hidden from Lookup, got %v", err)
	}

	d.Sweep()
	d.mu.Lock()
	_, stillPresent := d.sessions[session.Identifier]
	d.mu.Unlock()
	if stillPresent {
		t.Fatal("expected session to be dropped after grace window elapsed")
	}
}

func TestMarkActiveAndTouch(t *testing.T) {
	d := newTestDirectory()
	session, err := d.Create(7000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := d.MarkActive(session.Identifier); err != nil {
		t.Fatalf("MarkActive failed: %v", err)
	}
	looked, err := d.Lookup(session.Identifier)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if looked.Status != StatusActive {
		t.Fatalf("expected active status, got %v", looked.Status)
	}

	if err := d.Touch(session.Identifier); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
}

func TestOperationsOnUnknownIdentifier(t *testing.T) {
	d := newTestDirectory()
	if _, err := d.Lookup("ghost-session"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := d.MarkActive("ghost-session"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := d.Close("ghost-session"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
