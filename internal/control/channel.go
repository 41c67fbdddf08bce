package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// State is the lifecycle state of a channel.
type State int

const (
	StateOpen State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned for operations on a closed channel. A closed channel
// is never reopened; reconnection establishes a new channel.
var ErrClosed = errors.New("control: channel closed")

// Handler processes one request and returns the MsgOk payload or an error.
// Handlers run on their own goroutine and may complete in any order; the
// channel still emits responses in the order requests were accepted.
type Handler func(req *Request) ([]byte, error)

// EventHandler receives asynchronous events. Events carry no response.
type EventHandler func(kind uint16, payload []byte)

// Request is one accepted control request.
type Request struct {
	Kind    uint16
	Token   uint64
	Payload []byte
}

// DefaultDrainTimeout bounds how long a closing channel waits for in-flight
// handlers before abandoning their responses.
const DefaultDrainTimeout = 5 * time.Second

type sequencedResponse struct {
	kind    uint16
	token   uint64
	payload []byte
}

// Channel serves control requests over a single connection.
type Channel struct {
	conn         net.Conn
	handler      Handler
	onEvent      EventHandler
	log          *slog.Logger
	drainTimeout time.Duration

	mu    sync.Mutex
	state State

	writeMu sync.Mutex

	// Response sequencing. Handlers finish in any order; responses are
	// buffered until every earlier-accepted request has responded. emitMu
	// covers the dequeue-and-write of ready responses as one step, so a
	// finisher for seq N+1 cannot write before the finisher that released
	// seq N has.
	seqMu    sync.Mutex
	emitMu   sync.Mutex
	nextSeq  uint64
	emitSeq  uint64
	buffered map[uint64]sequencedResponse

	inflight sync.WaitGroup
	readDone chan struct{}
	closedCh chan struct{}
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithDrainTimeout overrides the closing drain timeout.
func WithDrainTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) { c.drainTimeout = d }
}

// WithEventHandler registers a callback for asynchronous events.
func WithEventHandler(fn EventHandler) ChannelOption {
	return func(c *Channel) { c.onEvent = fn }
}

// NewChannel wraps a connection in a control channel. The channel starts in
// the open state; Serve moves it to active.
func NewChannel(conn net.Conn, handler Handler, log *slog.Logger, opts ...ChannelOption) *Channel {
	c := &Channel{
		conn:         conn,
		handler:      handler,
		log:          log,
		drainTimeout: DefaultDrainTimeout,
		state:        StateOpen,
		buffered:     make(map[uint64]sequencedResponse),
		readDone:     make(chan struct{}),
		closedCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Serve reads and dispatches requests until the peer disconnects or Close is
// called. It always leaves the channel closed.
func (c *Channel) Serve() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateActive
	c.mu.Unlock()

	readErr := c.readLoop()
	close(c.readDone)
	c.shutdown()

	if readErr != nil && !isDisconnect(readErr) {
		return fmt.Errorf("control: serve: %w", readErr)
	}
	return nil
}

func (c *Channel) readLoop() error {
	for {
		h, payload, err := ReadMessage(c.conn)
		if err != nil {
			return err
		}

		if IsEvent(h.Kind) {
			if c.onEvent != nil {
				c.onEvent(h.Kind, payload)
			}
			continue
		}
		if IsResponse(h.Kind) {
			c.log.Warn("unexpected response frame on serving channel",
				"kind", KindName(h.Kind), "token", h.Token)
			continue
		}

		c.mu.Lock()
		accepting := c.state == StateActive
		c.mu.Unlock()
		if !accepting {
			return nil
		}

		c.accept(&Request{Kind: h.Kind, Token: h.Token, Payload: payload})
	}
}

// accept assigns the request its place in the response order and runs the
// handler on its own goroutine.
func (c *Channel) accept(req *Request) {
	c.seqMu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.seqMu.Unlock()

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		payload, err := c.handler(req)
		if err != nil {
			c.log.Debug("request failed",
				"kind", KindName(req.Kind), "token", req.Token, "error", err)
			c.finish(seq, MsgErr, req.Token, EncodeFailure(err))
			return
		}
		c.finish(seq, MsgOk, req.Token, payload)
	}()
}

// finish records a completed response and flushes every response that is now
// next in line. An early finisher stays buffered until its turn. The flush
// loop holds emitMu across each dequeue and write: whoever dequeues seq N
// also writes it before seq N+1 can be dequeued, whichever goroutine its
// handler ran on.
func (c *Channel) finish(seq uint64, kind uint16, token uint64, payload []byte) {
	c.seqMu.Lock()
	c.buffered[seq] = sequencedResponse{kind: kind, token: token, payload: payload}
	c.seqMu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for {
		c.seqMu.Lock()
		resp, ok := c.buffered[c.emitSeq]
		if ok {
			delete(c.buffered, c.emitSeq)
			c.emitSeq++
		}
		c.seqMu.Unlock()
		if !ok {
			return
		}
		if err := c.writeFrame(resp.kind, resp.token, resp.payload); err != nil {
			c.log.Debug("response write failed", "token", resp.token, "error", err)
			return
		}
	}
}

func (c *Channel) writeFrame(kind uint16, token uint64, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, kind, token, payload)
}

// SendEvent emits an asynchronous event to the peer. Events are best-effort
// on a closing channel.
func (c *Channel) SendEvent(kind uint16, payload []byte) error {
	if !IsEvent(kind) {
		return fmt.Errorf("control: %s is not an event kind", KindName(kind))
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	return c.writeFrame(kind, 0, payload)
}

// Close initiates an orderly shutdown: no new requests are accepted, in-flight
// handlers get the drain timeout to respond, then the connection is closed.
func (c *Channel) Close() error {
	c.shutdown()
	return nil
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateOpen:
		c.state = StateClosed
		close(c.closedCh)
		c.mu.Unlock()
		c.conn.Close()
		return
	case StateClosing:
		// Another caller owns the close; wait for it to finish.
		c.mu.Unlock()
		<-c.closedCh
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	// Unblock the read loop. An in-progress ReadMessage fails with a
	// deadline error, which readLoop surfaces as a disconnect.
	c.conn.SetReadDeadline(time.Now())
	<-c.readDone

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.drainTimeout):
		c.log.Warn("drain timeout expired, abandoning in-flight responses",
			"timeout", c.drainTimeout)
	}

	c.mu.Lock()
	c.state = StateClosed
	close(c.closedCh)
	c.mu.Unlock()
	c.conn.Close()
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
