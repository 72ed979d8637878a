// Package broker implements the Request Broker: the component that
// correlates each public request to its eventual response across a Tunnel
// Link, enforcing the two-tier timeout discipline (an overall request
// deadline and a body sub-deadline) and the post-timeout abandon grace
// window that lets late responses be discarded silently instead of being
// mistaken for a response to an unrelated, later request.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/wingmanux/tunnelrelay/internal/wire"
)

// State is the lifecycle state of a Pending Request.
type State string

const (
	StateAwaitingMetadata State = "awaiting-metadata"
	StateAwaitingBody     State = "awaiting-body"
	StateCompleted        State = "completed"
	StateTimedOut         State = "timed-out"
	StateFailed           State = "failed"
)

// ErrUnknownRequest is returned when a response or body frame references a
// requestId with no corresponding Pending Request.
var ErrUnknownRequest = fmt.Errorf("unknown or already-resolved request id")

// Result is what a Pending Request resolves to: either a complete response
// or a terminal error.
type Result struct {
	Response *wire.Response
	Body     []byte
	Err      error
}

// pending is the broker's internal bookkeeping for one outstanding request.
type pending struct {
	sessionID string
	result    chan Result
	state     State

	// owner identifies whichever Tunnel Link registered this request (an
	// ingress.Sender, compared by interface identity). It lets DiscardOwner
	// fail only the requests a specific, superseded link sent, instead of
	// every request on the session — a second link may already be attached
	// and actively serving new requests for the same sessionID.
	owner interface{}
}

// Broker owns the table of Pending Requests for a single relay process.
// Requests are identified by the pair (sessionID, requestID); the broker
// additionally remembers recently-abandoned ids in a bounded LRU so that a
// late response arriving after the overall deadline can be discarded
// without being logged as a protocol violation.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending // key: sessionID + "\x00" + requestID

	abandoned *lru.Cache

	abandonGrace time.Duration
}

// New creates an empty Request Broker. abandonGrace is how long a timed-out
// request's identifier is remembered in the abandoned set (the
// specification's pendingAbandonGrace knob); it is approximated here by the
// LRU's fixed capacity rather than a true time-based expiry, since the
// volume of concurrently in-flight requests the LRU must retain is bounded
// by the grace window in practice.
func New(abandonGrace time.Duration) *Broker {
	return &Broker{
		pending:      make(map[string]*pending),
		abandoned:    lru.New(4096),
		abandonGrace: abandonGrace,
	}
}

func key(sessionID, requestID string) string {
	return sessionID + "\x00" + requestID
}

// Register creates a Pending Request and returns a channel that receives
// exactly one Result once the request resolves by response or error
// (including DiscardSession and DiscardOwner). Abandon sends nothing on the
// channel. owner identifies the Tunnel Link the
// request was sent on, used by DiscardOwner to scope failures to that link
// specifically; it may be nil if the caller never needs to discard by owner.
func (b *Broker) Register(sessionID, requestID string, owner interface{}) <-chan Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &pending{
		sessionID: sessionID,
		result:    make(chan Result, 1),
		state:     StateAwaitingMetadata,
		owner:     owner,
	}
	b.pending[key(sessionID, requestID)] = p
	return p.result
}

// MarkAwaitingBody transitions a Pending Request's state once its response
// metadata frame has arrived and a binary body frame is expected. It is a
// no-op if the request is unknown (already resolved or abandoned).
func (b *Broker) MarkAwaitingBody(sessionID, requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pending[key(sessionID, requestID)]; ok {
		p.state = StateAwaitingBody
	}
}

// State reports the current lifecycle state of a Pending Request. The
// second return value is false if the request is unknown: either it has
// already resolved (and its terminal state was not retained) or it was
// never registered.
func (b *Broker) State(sessionID, requestID string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[key(sessionID, requestID)]
	if !ok {
		return "", false
	}
	return p.state, true
}

// Resolve delivers a response to the waiter registered for
// (response.SessionID, response.RequestID). It returns ErrUnknownRequest if
// no such Pending Request exists (including if it was already resolved or
// abandoned), in which case the caller should discard the frame rather than
// propagate it further.
func (b *Broker) Resolve(response *wire.Response, body []byte) error {
	return b.deliver(response.SessionID, response.RequestID, Result{Response: response, Body: body})
}

// Fail delivers a terminal error to the waiter registered for
// (sessionID, requestID), as happens when the developer agent reports a
// protocol-level error for the request.
func (b *Broker) Fail(sessionID, requestID string, err error) error {
	return b.deliver(sessionID, requestID, Result{Err: err})
}

func (b *Broker) deliver(sessionID, requestID string, result Result) error {
	b.mu.Lock()
	k := key(sessionID, requestID)
	p, ok := b.pending[k]
	if ok {
		delete(b.pending, k)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}

	p.result <- result
	return nil
}

// Abandon removes a Pending Request from the live table (because its
// overall deadline has elapsed) and remembers its identifier for the
// abandon grace window. A subsequently-arriving response still gets
// ErrUnknownRequest from Resolve; IsAbandoned lets the caller recognise it
// and drop it silently instead of logging it as an unknown request.
func (b *Broker) Abandon(sessionID, requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(sessionID, requestID)
	delete(b.pending, k)
	b.abandoned.Add(k, struct{}{})
}

// IsAbandoned reports whether (sessionID, requestID) was recently abandoned,
// which callers use to decide whether to log a late-arriving frame as a
// genuine protocol anomaly or silently discard it.
func (b *Broker) IsAbandoned(sessionID, requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.abandoned.Get(key(sessionID, requestID))
	return ok
}

// DiscardSession abandons every Pending Request belonging to sessionID, as
// happens when its Tunnel Link is destroyed. Each waiter receives a failed
// Result rather than being left to time out on its own.
func (b *Broker) DiscardSession(sessionID string, err error) {
	b.mu.Lock()
	var waiters []*pending
	for k, p := range b.pending {
		if p.sessionID == sessionID {
			waiters = append(waiters, p)
			delete(b.pending, k)
		}
	}
	b.mu.Unlock()

	for _, p := range waiters {
		p.result <- Result{Err: err}
	}
}

// DiscardOwner abandons every Pending Request registered with the given
// owner, as happens when a Tunnel Link is superseded by a reattach: the old
// link's in-flight requests must fail, but requests the new link has
// already registered for the same sessionID must be left alone.
func (b *Broker) DiscardOwner(owner interface{}, err error) {
	b.mu.Lock()
	var waiters []*pending
	for k, p := range b.pending {
		if p.owner == owner {
			waiters = append(waiters, p)
			delete(b.pending, k)
		}
	}
	b.mu.Unlock()

	for _, p := range waiters {
		p.result <- Result{Err: err}
	}
}

// Wait blocks until the Pending Request resolves, the overall deadline in
// ctx elapses, or ctx is otherwise cancelled. On deadline or cancellation it
// abandons the request so a late response can be recognised and discarded.
func (b *Broker) Wait(ctx context.Context, sessionID, requestID string, results <-chan Result) (Result, error) {
	select {
	case result := <-results:
		return result, nil
	case <-ctx.Done():
		b.Abandon(sessionID, requestID)
		return Result{}, ctx.Err()
	}
}
