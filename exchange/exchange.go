// Package exchange implements the per-connection send/receive
// multiplexer. One Exchange owns a reader goroutine, a writer
// goroutine, and the correlation-ID bookkeeping that lets many
// concurrent callers share one TLS connection.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"restpipe/protocol"
	"restpipe/stats"
	"restpipe/transport"
)

// ErrClosed is returned by every public Exchange operation once the
// exchange has terminated, and delivered to every waiter blocked in
// AwaitReply or Recv at the moment of closing.
var ErrClosed = errors.New("exchange: closed")

// ErrTimeout is returned by AwaitReply when the caller's context expires
// before a reply arrives. The connection itself remains usable; the one
// caller who timed out simply gives up waiting.
var ErrTimeout = errors.New("exchange: timeout waiting for reply")

// outgoingQueueSize bounds the "bounded FIFO of frames awaiting
// transmission" from the data model — an unbounded queue would let a
// stalled peer grow server memory without limit.
const outgoingQueueSize = 256

type frame struct {
	header  protocol.Header
	payload []byte
}

type received struct {
	header  protocol.Header
	payload []byte
}

type replyResult struct {
	header  protocol.Header
	payload []byte
	err     error
}

// Exchange is one instance per live connection.
type Exchange struct {
	conn   *transport.Conn
	logger *zap.Logger
	sink   stats.Sink

	outgoing chan frame
	incoming chan received

	pendingMu sync.Mutex
	pending   map[uint32]chan replyResult

	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
	closeMu   sync.Mutex

	done sync.WaitGroup
}

// Option configures an Exchange at construction time.
type Option func(*Exchange)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

// WithStats attaches a metrics sink. Defaults to stats.Noop().
func WithStats(s stats.Sink) Option {
	return func(e *Exchange) { e.sink = s }
}

// New wraps conn and starts the reader and writer goroutines.
func New(conn *transport.Conn, opts ...Option) *Exchange {
	e := &Exchange{
		conn:     conn,
		logger:   zap.NewNop(),
		sink:     stats.Noop(),
		outgoing: make(chan frame, outgoingQueueSize),
		incoming: make(chan received, outgoingQueueSize),
		pending:  make(map[uint32]chan replyResult),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.done.Add(2)
	go e.readLoop()
	go e.writeLoop()
	return e
}

// SendOptions controls how Send allocates and tags an outbound frame.
type SendOptions struct {
	// ExpectReply allocates a pending-reply slot before the frame is
	// enqueued, so a fast peer's reply can never race ahead of the
	// bookkeeping that would deliver it.
	ExpectReply bool
	// ReplyTo, if non-zero, reuses this correlation ID and marks the
	// frame as a reply instead of minting a fresh ID.
	ReplyTo uint32
}

// Send enqueues a frame for transmission and returns its correlation ID.
func (e *Exchange) Send(msgType protocol.MessageType, payload []byte, opts SendOptions) (uint32, error) {
	select {
	case <-e.closeCh:
		return 0, ErrClosed
	default:
	}

	var waitCh chan replyResult
	if opts.ExpectReply {
		waitCh = make(chan replyResult, 1)
	}

	var id uint32
	if opts.ReplyTo != 0 {
		id = opts.ReplyTo
		if waitCh != nil {
			e.pendingMu.Lock()
			e.pending[id] = waitCh
			e.pendingMu.Unlock()
		}
	} else {
		id = e.newCorrelationID(waitCh)
	}

	h := protocol.Header{
		Type:          msgType,
		CorrelationID: id,
	}
	if opts.ReplyTo != 0 {
		h.Flags |= protocol.FlagIsReply
	}

	select {
	case e.outgoing <- frame{header: h, payload: payload}:
		return id, nil
	case <-e.closeCh:
		if waitCh != nil {
			e.pendingMu.Lock()
			delete(e.pending, id)
			e.pendingMu.Unlock()
		}
		return 0, ErrClosed
	}
}

// newCorrelationID mints an ID guaranteed unique among currently-pending
// originated messages on this connection. A non-nil waitCh is registered
// under the new ID in the same critical section, so no concurrent Send
// can mint that ID before it is pending.
func (e *Exchange) newCorrelationID(waitCh chan replyResult) uint32 {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for {
		id := protocol.NewCorrelationID()
		if _, exists := e.pending[id]; !exists {
			if waitCh != nil {
				e.pending[id] = waitCh
			}
			return id
		}
	}
}

// Recv blocks until the next non-reply message arrives, ctx is done, or
// the exchange closes.
func (e *Exchange) Recv(ctx context.Context) (protocol.Header, []byte, error) {
	select {
	case <-e.closeCh:
		return protocol.Header{}, nil, ErrClosed
	default:
	}

	select {
	case r, ok := <-e.incoming:
		if !ok {
			return protocol.Header{}, nil, ErrClosed
		}
		return r.header, r.payload, nil
	case <-e.closeCh:
		return protocol.Header{}, nil, ErrClosed
	case <-ctx.Done():
		return protocol.Header{}, nil, ctx.Err()
	}
}

// AwaitReply blocks until the reply correlated to id arrives, ctx is
// done (ErrTimeout), or the exchange closes (ErrClosed).
func (e *Exchange) AwaitReply(ctx context.Context, id uint32) (protocol.Header, []byte, error) {
	e.pendingMu.Lock()
	ch, ok := e.pending[id]
	e.pendingMu.Unlock()
	if !ok {
		select {
		case <-e.closeCh:
			return protocol.Header{}, nil, ErrClosed
		default:
		}
		return protocol.Header{}, nil, fmt.Errorf("exchange: no pending reply registered for correlation id %d", id)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return protocol.Header{}, nil, r.err
		}
		return r.header, r.payload, nil
	case <-ctx.Done():
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
		return protocol.Header{}, nil, ErrTimeout
	}
}

// SendAndAwait composes Send and AwaitReply.
func (e *Exchange) SendAndAwait(ctx context.Context, msgType protocol.MessageType, payload []byte) (protocol.Header, []byte, error) {
	id, err := e.Send(msgType, payload, SendOptions{ExpectReply: true})
	if err != nil {
		return protocol.Header{}, nil, err
	}
	return e.AwaitReply(ctx, id)
}

// Close stops the reader/writer goroutines, wakes every pending waiter
// with ErrClosed, and closes the underlying connection. Safe to call more
// than once; only the first call has any effect.
func (e *Exchange) Close() error {
	return e.closeWith(ErrClosed)
}

func (e *Exchange) closeWith(cause error) error {
	e.closeOnce.Do(func() {
		e.closeMu.Lock()
		e.closeErr = cause
		e.closeMu.Unlock()

		close(e.closeCh)
		e.conn.Conn.Close() //nolint:errcheck

		e.pendingMu.Lock()
		for id, ch := range e.pending {
			ch <- replyResult{err: cause}
			delete(e.pending, id)
		}
		e.pendingMu.Unlock()
	})
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closeErr
}

// Err returns the reason the exchange closed, or nil if it is still open.
func (e *Exchange) Err() error {
	select {
	case <-e.closeCh:
		e.closeMu.Lock()
		defer e.closeMu.Unlock()
		return e.closeErr
	default:
		return nil
	}
}

func (e *Exchange) readLoop() {
	defer e.done.Done()
	for {
		h, payload, err := readFrame(e.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				e.logger.Warn("malformed frame, closing connection")
				e.closeWith(protocol.ErrMalformed)
			} else {
				e.closeWith(ErrClosed)
			}
			return
		}

		e.sink.Count(stats.MessageReceiveTick, 1)

		if h.IsReply() {
			e.deliverReply(h, payload)
			continue
		}

		select {
		case e.incoming <- received{header: h, payload: payload}:
		case <-e.closeCh:
			return
		}
	}
}

func (e *Exchange) deliverReply(h protocol.Header, payload []byte) {
	e.pendingMu.Lock()
	ch, ok := e.pending[h.CorrelationID]
	if ok {
		delete(e.pending, h.CorrelationID)
	}
	e.pendingMu.Unlock()

	if !ok {
		e.logger.Debug("reply with no pending waiter, dropping",
			zap.Uint32("correlation_id", h.CorrelationID))
		return
	}
	ch <- replyResult{header: h, payload: payload}
}

func (e *Exchange) writeLoop() {
	defer e.done.Done()
	for {
		select {
		case fr := <-e.outgoing:
			if err := writeFrame(e.conn, fr.header, fr.payload); err != nil {
				e.closeWith(ErrClosed)
				return
			}
		case <-e.closeCh:
			return
		}
	}
}

// readFrame and writeFrame move one frame over conn using its ReadFull/
// Write primitives, so a dropped connection surfaces as transport.ErrClosed
// rather than a raw net.Error.
func readFrame(conn *transport.Conn) (protocol.Header, []byte, error) {
	headerBuf := make([]byte, protocol.HeaderSize)
	if err := conn.ReadFull(headerBuf); err != nil {
		return protocol.Header{}, nil, err
	}
	h := protocol.DecodeHeader(headerBuf)

	var payload []byte
	if h.PayloadLength > 0 {
		payload = make([]byte, h.PayloadLength)
		if err := conn.ReadFull(payload); err != nil {
			return protocol.Header{}, nil, err
		}
	}
	return h, payload, nil
}

func writeFrame(conn *transport.Conn, h protocol.Header, payload []byte) error {
	buf := protocol.EncodeHeader(h, len(payload))
	if err := conn.Write(buf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
