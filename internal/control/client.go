package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Client is the requesting side of a control channel. Calls may be issued
// from any goroutine; responses are matched by correlation token.
type Client struct {
	conn    net.Conn
	onEvent EventHandler
	log     *slog.Logger

	writeMu sync.Mutex
	token   atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan callResult
	closed  bool

	readerDone chan struct{}
}

type callResult struct {
	kind    uint16
	payload []byte
}

// NewClient wraps a connection and starts its response reader.
func NewClient(conn net.Conn, log *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		conn:       conn,
		log:        log,
		pending:    make(map[uint64]chan callResult),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientEventHandler registers a callback for asynchronous events.
func WithClientEventHandler(fn EventHandler) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		h, payload, err := ReadMessage(c.conn)
		if err != nil {
			c.failAll()
			return
		}
		if IsEvent(h.Kind) {
			if c.onEvent != nil {
				c.onEvent(h.Kind, payload)
			}
			continue
		}
		if !IsResponse(h.Kind) {
			c.log.Warn("unexpected request frame on client channel",
				"kind", KindName(h.Kind), "token", h.Token)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[h.Token]
		if ok {
			delete(c.pending, h.Token)
		}
		c.mu.Unlock()
		if !ok {
			// Either a late response after a cancelled call or a
			// peer bug. Dropped.
			continue
		}
		ch <- callResult{kind: h.Kind, payload: payload}
	}
}

// failAll resolves every pending call with a device-unavailable failure.
func (c *Client) failAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan callResult)
	c.closed = true
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{kind: MsgErr, payload: EncodeFailure(
			fmt.Errorf("%w: control channel closed", ErrUnavailable))}
	}
}

// Call sends a request and waits for its response. On a MsgErr response the
// returned error is a *Failure, so errors.Is works against the failure
// sentinels.
func (c *Client) Call(ctx context.Context, kind uint16, payload []byte) ([]byte, error) {
	token := c.token.Add(1)
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: control channel closed", ErrUnavailable)
	}
	c.pending[token] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := WriteMessage(c.conn, kind, token, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, token)
		c.mu.Unlock()
		return nil, fmt.Errorf("control: send %s: %w", KindName(kind), err)
	}

	select {
	case res := <-ch:
		if res.kind == MsgErr {
			failure, err := DecodeFailure(res.payload)
			if err != nil {
				return nil, err
			}
			return nil, failure
		}
		return res.payload, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, token)
		c.mu.Unlock()
		return nil, fmt.Errorf("control: %s: %w", KindName(kind), ctx.Err())
	}
}

// SendEvent emits an asynchronous event to the peer.
func (c *Client) SendEvent(kind uint16, payload []byte) error {
	if !IsEvent(kind) {
		return fmt.Errorf("control: %s is not an event kind", KindName(kind))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, kind, 0, payload)
}

// Close tears down the connection. Pending calls resolve with a
// device-unavailable failure.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.readerDone
	return err
}
