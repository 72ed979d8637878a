// Package tunnellink implements the Tunnel Link: the live duplex channel
// between the relay and a developer agent, built over a websocket
// connection. A Link multiplexes JSON metadata frames and binary body
// frames, maintains the heartbeat that detects silent peer loss, and
// applies back-pressure through a bounded outgoing queue.
package tunnellink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingmanux/tunnelrelay/internal/broker"
	"github.com/wingmanux/tunnelrelay/internal/wire"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
	"github.com/wingmanux/tunnelrelay/pkg/state"
	"github.com/wingmanux/tunnelrelay/pkg/timeutil"
)

// outgoingFrame is an item in a Link's outgoing queue: either a JSON text
// message or a binary body chunk.
type outgoingFrame struct {
	messageType int
	payload     []byte
}

// Link is the live duplex channel attached to a session in the active
// state. At most one Link may be attached to a given session at a time; a
// new attach supersedes and closes the prior Link.
type Link struct {
	SessionID string

	conn   *websocket.Conn
	broker *broker.Broker
	logger *logging.Logger

	outgoing     chan outgoingFrame
	outgoingSize int64
	maxQueueDepth int
	maxQueueBytes int64

	heartbeatInterval time.Duration
	heartbeatMisses   int
	missed            int32
	lastPong          atomic.Value // time.Time

	// congestionWarned suppresses repeated "dropping heartbeat ping" log
	// lines while the outgoing queue stays full, logging once per
	// congestion episode instead of once per heartbeatInterval tick.
	congestionWarned state.Marker

	// bodyTimeout bounds how long the link waits for a response's binary
	// body frame after its metadata frame announces a non-zero BodyLength.
	bodyTimeout time.Duration

	// expectBody, when non-empty, holds the requestId and byte count
	// announced by the most recent response metadata frame so the next
	// binary frame on this link can be correlated to it.
	mu              sync.Mutex
	expectBody      string
	bodyLength      int64
	pendingResponse *wire.Response
	bodyTimer       *time.Timer

	closeOnce sync.Once
	closed    chan struct{}

	// OnClose is invoked once, from the goroutine running Run after the
	// reader, writer and heartbeat loops have stopped, when the link
	// terminates for any reason (peer disconnect, heartbeat failure,
	// explicit Close). It receives the link itself (not just its session
	// id) so that cleanup can tell whether this link is still the one
	// currently attached to its session, or has already been superseded by
	// a reattach. Typically wired to sessiondir/broker cleanup.
	OnClose func(link *Link)
}

// New wraps an established websocket connection as a Tunnel Link for the
// given session.
func New(conn *websocket.Conn, sessionID string, requestBroker *broker.Broker, queueDepth int, queueBytes int64, heartbeatInterval time.Duration, heartbeatMisses int, bodyTimeout time.Duration, logger *logging.Logger) *Link {
	l := &Link{
		SessionID:         sessionID,
		conn:              conn,
		broker:            requestBroker,
		logger:            logger,
		outgoing:          make(chan outgoingFrame, queueDepth),
		maxQueueDepth:     queueDepth,
		maxQueueBytes:     queueBytes,
		heartbeatInterval: heartbeatInterval,
		heartbeatMisses:   heartbeatMisses,
		bodyTimeout:       bodyTimeout,
		closed:            make(chan struct{}),
	}
	l.lastPong.Store(time.Now())
	return l
}

// Run starts the reader, writer, and heartbeat loops and blocks until the
// link is closed. It should be invoked in its own goroutine.
func (l *Link) Run(ctx context.Context) {
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); l.readLoop(cancel) }()
	go func() { defer wg.Done(); l.writeLoop(linkCtx) }()
	go func() { defer wg.Done(); l.heartbeatLoop(linkCtx) }()

	<-linkCtx.Done()
	wg.Wait()
	l.terminate()
}

// ErrQueueFull is returned by SendRequest when the outgoing queue is at
// capacity, surfacing as the public interface's link-congested condition.
var ErrQueueFull = fmt.Errorf("tunnel link outgoing queue is congested")

// SendRequest enqueues a request's metadata frame (and its body, if any)
// for delivery to the developer agent. It never blocks: if the queue is at
// depth or byte capacity it returns ErrQueueFull immediately.
func (l *Link) SendRequest(req *wire.Request, body []byte) error {
	req.Type = wire.TypeRequest
	req.SessionID = l.SessionID
	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("unable to encode request frame: %w", err)
	}

	if err := l.enqueue(outgoingFrame{websocket.TextMessage, encoded}); err != nil {
		return err
	}
	if len(body) > 0 {
		if err := l.enqueue(outgoingFrame{websocket.BinaryMessage, body}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) enqueue(frame outgoingFrame) error {
	if atomic.LoadInt64(&l.outgoingSize)+int64(len(frame.payload)) > l.maxQueueBytes {
		return ErrQueueFull
	}
	select {
	case l.outgoing <- frame:
		atomic.AddInt64(&l.outgoingSize, int64(len(frame.payload)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Close terminates the link, closing the underlying connection.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
		l.mu.Lock()
		if l.bodyTimer != nil {
			timeutil.StopAndDrainTimer(l.bodyTimer)
			l.bodyTimer = nil
		}
		l.mu.Unlock()
	})
}

func (l *Link) terminate() {
	l.Close()
	if l.OnClose != nil {
		l.OnClose(l)
	}
}

// writeLoop drains the outgoing queue, writing each frame to the
// connection. It is the sole back-pressure point toward the developer.
func (l *Link) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-l.outgoing:
			atomic.AddInt64(&l.outgoingSize, -int64(len(frame.payload)))
			if err := l.conn.WriteMessage(frame.messageType, frame.payload); err != nil {
				l.logger.Warnf("tunnel link write failed for session %s: %s", l.SessionID, err.Error())
				return
			}
		}
	}
}

// readLoop pulls frames from the connection, dispatching response and error
// metadata frames to the broker and pong frames to the link's own heartbeat
// tracking, and pairing binary frames to the most recently announced
// bodyLength.
func (l *Link) readLoop(cancel context.CancelFunc) {
	defer cancel()

	for {
		messageType, payload, err := l.conn.ReadMessage()
		if err != nil {
			if !isNormalClosure(err) {
				l.logger.Warnf("tunnel link read failed for session %s: %s", l.SessionID, err.Error())
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			l.handleText(payload)
		case websocket.BinaryMessage:
			l.handleBinary(payload)
		}
	}
}

func (l *Link) handleText(payload []byte) {
	var header wire.Header
	if err := json.Unmarshal(payload, &header); err != nil {
		l.logger.Warnf("tunnel link received malformed frame on session %s: %s", l.SessionID, err.Error())
		return
	}

	switch header.Type {
	case wire.TypePong:
		atomic.StoreInt32(&l.missed, 0)
		l.lastPong.Store(time.Now())
	case wire.TypeResponse:
		var response wire.Response
		if err := json.Unmarshal(payload, &response); err != nil {
			l.logger.Warnf("malformed response frame on session %s: %s", l.SessionID, err.Error())
			return
		}
		if response.BodyLength > 0 {
			responseCopy := response
			l.mu.Lock()
			l.expectBody = response.RequestID
			l.bodyLength = response.BodyLength
			l.pendingResponse = &responseCopy
			if l.bodyTimer != nil {
				timeutil.StopAndDrainTimer(l.bodyTimer)
			}
			l.bodyTimer = time.AfterFunc(l.bodyTimeout, func() {
				l.onBodyTimeout(response.RequestID)
			})
			l.mu.Unlock()
			l.broker.MarkAwaitingBody(l.SessionID, response.RequestID)
			return
		}
		l.deliverResponse(&response, nil)
	case wire.TypeError:
		var wireErr wire.Error
		if err := json.Unmarshal(payload, &wireErr); err != nil {
			l.logger.Warnf("malformed error frame on session %s: %s", l.SessionID, err.Error())
			return
		}
		if err := l.broker.Fail(l.SessionID, wireErr.RequestID, fmt.Errorf("%s", wireErr.Message)); err != nil && !l.broker.IsAbandoned(l.SessionID, wireErr.RequestID) {
			l.logger.Warnf("error frame for unknown request %s on session %s", wireErr.RequestID, l.SessionID)
		}
	default:
		l.logger.Debugf("ignoring unrecognised frame type %q on session %s", header.Type, l.SessionID)
	}
}

func (l *Link) handleBinary(payload []byte) {
	l.mu.Lock()
	requestID := l.expectBody
	expectedLength := l.bodyLength
	response := l.pendingResponse
	l.expectBody = ""
	l.bodyLength = 0
	l.pendingResponse = nil
	if l.bodyTimer != nil {
		timeutil.StopAndDrainTimer(l.bodyTimer)
		l.bodyTimer = nil
	}
	l.mu.Unlock()

	if requestID == "" || response == nil {
		l.logger.Debugf("dropping unsolicited binary frame on session %s", l.SessionID)
		return
	}
	if int64(len(payload)) != expectedLength {
		l.logger.Warnf("body length mismatch for request %s on session %s: announced %d, got %d", requestID, l.SessionID, expectedLength, len(payload))
	}

	l.deliverResponse(response, payload)
}

// onBodyTimeout fires when a response's binary body frame fails to arrive
// within bodyTimeout of its metadata frame, enforcing the body sub-deadline
// independently of the request's overall deadline.
func (l *Link) onBodyTimeout(requestID string) {
	l.mu.Lock()
	if l.expectBody != requestID {
		l.mu.Unlock()
		return
	}
	l.expectBody = ""
	l.bodyLength = 0
	l.pendingResponse = nil
	l.bodyTimer = nil
	l.mu.Unlock()

	if err := l.broker.Fail(l.SessionID, requestID, fmt.Errorf("response body timed out")); err != nil && !l.broker.IsAbandoned(l.SessionID, requestID) {
		l.logger.Warnf("body timeout for unknown request %s on session %s", requestID, l.SessionID)
	}
}

func (l *Link) deliverResponse(response *wire.Response, body []byte) {
	if err := l.broker.Resolve(response, body); err != nil && !l.broker.IsAbandoned(l.SessionID, response.RequestID) {
		l.logger.Warnf("response for unknown request %s on session %s", response.RequestID, l.SessionID)
	}
}

// heartbeatLoop sends a ping at every heartbeatInterval and closes the link
// if heartbeatMisses consecutive pings go unanswered.
func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.AddInt32(&l.missed, 1) > int32(l.heartbeatMisses) {
				l.logger.Warnf("tunnel link for session %s missed %d heartbeats, closing", l.SessionID, l.heartbeatMisses)
				l.Close()
				return
			}
			ping := wire.Ping{
				Header: wire.Header{Type: wire.TypePing, SessionID: l.SessionID},
				Nonce:  time.Now().UnixNano(),
			}
			encoded, err := json.Marshal(ping)
			if err != nil {
				continue
			}
			if err := l.enqueue(outgoingFrame{websocket.TextMessage, encoded}); err != nil {
				if !l.congestionWarned.Marked() {
					l.congestionWarned.Mark()
					l.logger.Warnf("tunnel link for session %s congested, dropping heartbeat ping", l.SessionID)
				}
			} else {
				l.congestionWarned.Reset()
			}
		}
	}
}

func isNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
