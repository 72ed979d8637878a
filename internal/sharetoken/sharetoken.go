// Package sharetoken implements the Share Token Service: issuance and
// atomic, access-counted resolution of unguessable tokens that grant access
// to a session without revealing its identifier.
package sharetoken

import (
	"fmt"
	"sync"
	"time"

	"github.com/wingmanux/tunnelrelay/internal/relayid"
	"github.com/wingmanux/tunnelrelay/pkg/selection"
)

// ErrNotFound is returned by Resolve and Revoke when the token is unknown.
var ErrNotFound = fmt.Errorf("share token not found")

// ErrExpired is returned by Resolve when the token exists but has passed
// its expiry timestamp.
var ErrExpired = fmt.Errorf("share token expired")

// ErrExhausted is returned by Resolve when the token exists but has
// already reached its access cap.
var ErrExhausted = fmt.Errorf("share token exhausted its access cap")

// Token is a single issued share token.
type Token struct {
	// Value is the 32-lowercase-hex-character token string.
	Value string
	// SessionID is the session this token grants access to.
	SessionID string
	// CreatedAt is the issuance timestamp.
	CreatedAt time.Time
	// ExpiresAt is the optional expiry timestamp; the zero value means no
	// expiry.
	ExpiresAt time.Time
	// MaxAccesses is the optional access cap; zero means unlimited.
	MaxAccesses int
	// AccessCount is the running count of successful resolves.
	AccessCount int
	// LastAccessAt is the timestamp of the most recent successful resolve.
	LastAccessAt time.Time
	// Label is an optional human-readable label supplied at issuance.
	Label string
	// Labels are optional key/value tags supplied at issuance, matched
	// against by ListByLabelSelector.
	Labels map[string]string
}

func (t *Token) clone() *Token {
	copied := *t
	return &copied
}

// IssueOptions carries the optional fields accepted by Issue.
type IssueOptions struct {
	ExpiresIn   time.Duration
	MaxAccesses int
	Label       string
	Labels      map[string]string
}

// Service is the Share Token Service's in-memory table, keyed by token
// value.
type Service struct {
	mu    sync.Mutex
	bits  int
	table map[string]*Token
}

// New creates an empty Share Token Service. bits is the bit width used for
// newly issued tokens (the specification's shareTokenBits knob).
func New(bits int) *Service {
	return &Service{
		bits:  bits,
		table: make(map[string]*Token),
	}
}

// Issue creates and stores a new token bound to sessionID.
func (s *Service) Issue(sessionID string, opts IssueOptions) (*Token, error) {
	for key, value := range opts.Labels {
		if err := selection.EnsureLabelKeyValid(key); err != nil {
			return nil, fmt.Errorf("invalid label key %q: %w", key, err)
		}
		if err := selection.EnsureLabelValueValid(value); err != nil {
			return nil, fmt.Errorf("invalid label value for key %q: %w", key, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	for {
		candidate, err := relayid.NewShareToken(s.bits)
		if err != nil {
			return nil, fmt.Errorf("unable to generate share token: %w", err)
		}
		if _, collision := s.table[candidate]; !collision {
			value = candidate
			break
		}
	}

	now := time.Now()
	token := &Token{
		Value:       value,
		SessionID:   sessionID,
		CreatedAt:   now,
		MaxAccesses: opts.MaxAccesses,
		Label:       opts.Label,
		Labels:      opts.Labels,
	}
	if opts.ExpiresIn > 0 {
		token.ExpiresAt = now.Add(opts.ExpiresIn)
	}

	s.table[value] = token
	return token.clone(), nil
}

// Resolve atomically validates and increments access on a token, returning
// the updated token. It rejects a token that has expired or is at its
// access cap.
func (s *Service) Resolve(value string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.table[value]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now()
	if !token.ExpiresAt.IsZero() && now.After(token.ExpiresAt) {
		return nil, ErrExpired
	}
	if token.MaxAccesses > 0 && token.AccessCount >= token.MaxAccesses {
		return nil, ErrExhausted
	}

	token.AccessCount++
	token.LastAccessAt = now

	return token.clone(), nil
}

// Revoke removes a token, regardless of its remaining access count.
func (s *Service) Revoke(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.table[value]; !ok {
		return ErrNotFound
	}
	delete(s.table, value)
	return nil
}

// ListBySession returns every live token bound to sessionID, in no
// particular order.
func (s *Service) ListBySession(sessionID string) []*Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Token
	for _, token := range s.table {
		if token.SessionID == sessionID {
			result = append(result, token.clone())
		}
	}
	return result
}

// ListByLabelSelector returns every live token whose labels match the given
// selector expression. The syntax follows Kubernetes label selectors, e.g.
// "env=staging,team!=ops".
func (s *Service) ListByLabelSelector(expression string) ([]*Token, error) {
	selector, err := selection.ParseLabelSelector(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid label selector: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Token
	for _, token := range s.table {
		if selector.Matches(effectiveLabels(token)) {
			result = append(result, token.clone())
		}
	}
	return result, nil
}

// effectiveLabels builds the label set a selector matches against: the
// token's explicit Labels, plus a synthesized "name" label from its Label
// field (for tokens that only set the single free-text label).
func effectiveLabels(t *Token) map[string]string {
	if t.Label == "" {
		return t.Labels
	}
	merged := make(map[string]string, len(t.Labels)+1)
	for k, v := range t.Labels {
		merged[k] = v
	}
	if _, exists := merged["name"]; !exists {
		merged["name"] = t.Label
	}
	return merged
}
