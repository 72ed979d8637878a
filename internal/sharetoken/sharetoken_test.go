package sharetoken

import (
	"testing"
	"time"
)

func TestIssueAndResolve(t *testing.T) {
	s := New(128)

	token, err := s.Issue("delta-runway", IssueOptions{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(token.Value) != 32 {
		t.Fatalf("expected 32-character token, got %d", len(token.Value))
	}

	resolved, err := s.Resolve(token.Value)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.SessionID != "delta-runway" {
		t.Fatalf("unexpected session id: %q", resolved.SessionID)
	}
	if resolved.AccessCount != 1 {
		t.Fatalf("expected access count 1, got %d", resolved.AccessCount)
	}
}

func TestResolveEnforcesMaxAccesses(t *testing.T) {
	s := New(128)
	token, err := s.Issue("delta-runway", IssueOptions{MaxAccesses: 2})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := s.Resolve(token.Value); err != nil {
		t.Fatalf("first resolve should succeed: %v", err)
	}
	if _, err := s.Resolve(token.Value); err != nil {
		t.Fatalf("second resolve should succeed: %v", err)
	}
	if _, err := s.Resolve(token.Value); err != ErrExhausted {
		t.Fatalf("third resolve should be rejected with ErrExhausted, got %v", err)
	}
}

func TestResolveEnforcesExpiry(t *testing.T) {
	s := New(128)
	token, err := s.Issue("delta-runway", IssueOptions{ExpiresIn: -1 * time.Second})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := s.Resolve(token.Value); err != ErrExpired {
		t.Fatalf("expected ErrExpired for expired token, got %v", err)
	}
}

func TestRevokeThenResolve(t *testing.T) {
	s := New(128)
	token, err := s.Issue("delta-runway", IssueOptions{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := s.Revoke(token.Value); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := s.Resolve(token.Value); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
}

func TestTokenNeverEmbedsSessionIdentifier(t *testing.T) {
	s := New(128)
	token, err := s.Issue("delta-runway", IssueOptions{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if contains(token.Value, "delta") || contains(token.Value, "runway") {
		t.Fatalf("token %q appears to structurally embed the session identifier", token.Value)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestListBySession(t *testing.T) {
	s := New(128)
	if _, err := s.Issue("delta-runway", IssueOptions{Label: "first"}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := s.Issue("delta-runway", IssueOptions{Label: "second"}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := s.Issue("fox-yaw", IssueOptions{Label: "other"}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	tokens := s.ListBySession("delta-runway")
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
}

func TestListByLabelSelector(t *testing.T) {
	s := New(128)
	if _, err := s.Issue("delta-runway", IssueOptions{Labels: map[string]string{"env": "staging"}}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := s.Issue("delta-runway", IssueOptions{Labels: map[string]string{"env": "prod"}}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := s.Issue("fox-yaw", IssueOptions{Label: "staging"}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	staging, err := s.ListByLabelSelector("env=staging")
	if err != nil {
		t.Fatalf("ListByLabelSelector failed: %v", err)
	}
	if len(staging) != 1 {
		t.Fatalf("expected 1 token matching env=staging, got %d", len(staging))
	}

	named, err := s.ListByLabelSelector("name=staging")
	if err != nil {
		t.Fatalf("ListByLabelSelector failed: %v", err)
	}
	if len(named) != 1 || named[0].SessionID != "fox-yaw" {
		t.Fatalf("expected the single-label token to match name=staging, got %+v", named)
	}

	if _, err := s.ListByLabelSelector("env in (("); err == nil {
		t.Fatal("expected an error for a malformed selector")
	}
}

func TestIssueRejectsInvalidLabelKey(t *testing.T) {
	s := New(128)
	if _, err := s.Issue("delta-runway", IssueOptions{Labels: map[string]string{"bad key!": "x"}}); err == nil {
		t.Fatal("expected an error for an invalid label key")
	}
}
