// Package sessiondir implements the Session Directory: the component that
// allocates session identifiers, owns Session entries, and resolves the
// subdomain label on an incoming public request to the session it addresses.
package sessiondir

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wingmanux/tunnelrelay/internal/relayid"
	"github.com/wingmanux/tunnelrelay/pkg/housekeeping"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
	"github.com/wingmanux/tunnelrelay/pkg/state"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	// StatusPending is the initial state: the session has been allocated
	// but no Tunnel Link has attached yet.
	StatusPending Status = "pending"
	// StatusActive indicates a Tunnel Link is currently attached.
	StatusActive Status = "active"
	// StatusExpired indicates the session's hard expiry passed.
	StatusExpired Status = "expired"
	// StatusClosed indicates the session was explicitly torn down.
	StatusClosed Status = "closed"
)

// maxCreateAttempts bounds the number of collision retries performed by
// Create before it fails with ErrExhausted.
const maxCreateAttempts = 8

// ErrExhausted is returned by Create when maxCreateAttempts consecutive
// identifier samples all collided with existing sessions.
var ErrExhausted = fmt.Errorf("exhausted identifier namespace after %d attempts", maxCreateAttempts)

// ErrNotFound is returned when an operation references an identifier with
// no corresponding live session.
var ErrNotFound = fmt.Errorf("session not found")

// Session represents one developer's tunnel.
type Session struct {
	// Identifier is the session's subdomain label. Immutable once created.
	Identifier string
	// TargetPort is the loopback port the developer agent forwards to.
	TargetPort int
	// Status is the session's lifecycle state.
	Status Status
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time
	// LastActivityAt is the timestamp of the most recent request or
	// heartbeat observed for this session.
	LastActivityAt time.Time
	// ExpiresAt is the hard expiry timestamp.
	ExpiresAt time.Time
	// ClosedAt is set once the session transitions to closed or expired; it
	// anchors the grace-window removal computation.
	ClosedAt time.Time
}

// TunnelURL returns the public URL of the session's tunnel given the
// configured base domain.
func (s *Session) TunnelURL(baseDomain string) string {
	return fmt.Sprintf("https://%s.%s", s.Identifier, baseDomain)
}

// clone returns a shallow copy so that callers cannot mutate directory state
// through a returned pointer.
func (s *Session) clone() *Session {
	copied := *s
	return &copied
}

// Directory maps session identifiers to Sessions and tracks the reverse
// subdomain-to-identifier mapping (identical strings today, kept distinct so
// that a future naming policy change doesn't require touching every caller).
type Directory struct {
	mu       *state.TrackingLock
	sessions map[string]*Session

	reserved map[string]bool

	sessionTTL  time.Duration
	expiryGrace time.Duration
	logger      *logging.Logger

	// Tracker notifies watchers (e.g. a monitor-style CLI command) of any
	// mutation to the directory. mu is built on top of it, so every
	// Lock/Unlock pair that changes state notifies automatically.
	Tracker *state.Tracker
}

// grammar is the identifier validation regular expression from the ingress
// routing specification.
var grammar = regexp.MustCompile(`^[a-z]{3,10}-[a-z]{3,10}$`)

// New creates an empty Session Directory. reservedSubdomains is the set of
// labels that must never be treated as session identifiers.
func New(reservedSubdomains []string, sessionTTL, expiryGrace time.Duration, logger *logging.Logger) *Directory {
	reserved := make(map[string]bool, len(reservedSubdomains))
	for _, name := range reservedSubdomains {
		reserved[strings.ToLower(name)] = true
	}

	tracker := state.NewTracker()
	return &Directory{
		mu:          state.NewTrackingLock(tracker),
		sessions:    make(map[string]*Session),
		reserved:    reserved,
		sessionTTL:  sessionTTL,
		expiryGrace: expiryGrace,
		logger:      logger,
		Tracker:     tracker,
	}
}

// Create allocates a fresh session with the given target port, sampling a
// random two-word identifier and retrying on collision up to
// maxCreateAttempts times.
func (d *Directory) Create(targetPort int) (*Session, error) {
	d.mu.Lock()

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		identifier, err := relayid.NewSession()
		if err != nil {
			d.mu.UnlockWithoutNotify()
			return nil, fmt.Errorf("unable to generate session identifier: %w", err)
		}
		if _, collision := d.sessions[identifier]; collision {
			continue
		}

		now := time.Now()
		session := &Session{
			Identifier:     identifier,
			TargetPort:     targetPort,
			Status:         StatusPending,
			CreatedAt:      now,
			LastActivityAt: now,
			ExpiresAt:      now.Add(d.sessionTTL),
		}
		d.sessions[identifier] = session
		d.mu.Unlock()
		return session.clone(), nil
	}

	d.mu.UnlockWithoutNotify()
	return nil, ErrExhausted
}

// Lookup returns the session with the given identifier, or ErrNotFound if
// absent, expired, or closed.
func (d *Directory) Lookup(identifier string) (*Session, error) {
	d.mu.Lock()
	defer d.mu.UnlockWithoutNotify()

	session, ok := d.sessions[identifier]
	if !ok || session.Status == StatusExpired || session.Status == StatusClosed {
		return nil, ErrNotFound
	}
	return session.clone(), nil
}

// LookupBySubdomain extracts the leftmost label of host, validates it
// against the identifier grammar and the reserved set, and resolves it to a
// session. It returns ErrNotFound for any label that fails validation, is
// reserved, or has no corresponding live session.
func (d *Directory) LookupBySubdomain(host string) (*Session, error) {
	label := firstLabel(host)
	if !grammar.MatchString(label) || d.reserved[label] {
		return nil, ErrNotFound
	}
	return d.Lookup(label)
}

// firstLabel extracts the leftmost DNS label from a host, stripping any port
// suffix first.
func firstLabel(host string) string {
	if colon := strings.IndexByte(host, ':'); colon != -1 {
		host = host[:colon]
	}
	if dot := strings.IndexByte(host, '.'); dot != -1 {
		return strings.ToLower(host[:dot])
	}
	return strings.ToLower(host)
}

// Identifiers returns the identifiers of every session currently in the
// directory, live or not yet swept, in no particular order.
func (d *Directory) Identifiers() []string {
	d.mu.Lock()
	defer d.mu.UnlockWithoutNotify()

	identifiers := make([]string, 0, len(d.sessions))
	for identifier := range d.sessions {
		identifiers = append(identifiers, identifier)
	}
	return identifiers
}

// MarkActive transitions a session to active, as happens when a Tunnel Link
// successfully attaches.
func (d *Directory) MarkActive(identifier string) error {
	return d.update(identifier, func(s *Session) error {
		s.Status = StatusActive
		s.LastActivityAt = time.Now()
		return nil
	})
}

// Touch records activity on a session by updating its LastActivityAt. It
// does not move ExpiresAt, and Sweep does not consult LastActivityAt.
func (d *Directory) Touch(identifier string) error {
	return d.update(identifier, func(s *Session) error {
		s.LastActivityAt = time.Now()
		return nil
	})
}

// Close explicitly tears down a session.
func (d *Directory) Close(identifier string) error {
	return d.update(identifier, func(s *Session) error {
		s.Status = StatusClosed
		s.ClosedAt = time.Now()
		return nil
	})
}

// update applies fn to the session under the directory lock and notifies
// trackers of the change.
func (d *Directory) update(identifier string, fn func(*Session) error) error {
	d.mu.Lock()

	session, ok := d.sessions[identifier]
	if !ok {
		d.mu.UnlockWithoutNotify()
		return ErrNotFound
	}
	if err := fn(session); err != nil {
		d.mu.UnlockWithoutNotify()
		return err
	}
	d.mu.Unlock()
	return nil
}

// Sweep scans the directory for pending or active sessions whose hard
// expiry has passed (moving them to expired) and for expired or closed
// sessions whose grace window has elapsed (dropping them entirely). It is
// designed to be called periodically by pkg/housekeeping.Run.
func (d *Directory) Sweep() {
	d.mu.Lock()

	now := time.Now()
	changed := false

	for identifier, session := range d.sessions {
		switch session.Status {
		case StatusPending, StatusActive:
			if now.After(session.ExpiresAt) {
				session.Status = StatusExpired
				session.ClosedAt = now
				changed = true
			}
		case StatusExpired, StatusClosed:
			if now.Sub(session.ClosedAt) > d.expiryGrace {
				delete(d.sessions, identifier)
				changed = true
			}
		}
	}

	if changed {
		d.mu.Unlock()
	} else {
		d.mu.UnlockWithoutNotify()
	}
}

// RunSweeper runs Sweep immediately and then at every tick of interval until
// ctx is cancelled. It is intended to be launched as a background goroutine
// at daemon startup.
func (d *Directory) RunSweeper(ctx context.Context, interval time.Duration) {
	housekeeping.Run(ctx, interval, d.logger, "session directory sweep", d.Sweep)
}
