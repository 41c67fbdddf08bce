package control

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mdlayher/vsock"
)

// Server accepts control connections and serves a channel per connection.
type Server struct {
	listener net.Listener
	handler  Handler
	log      *slog.Logger
	opts     []ChannelOption

	closed atomic.Bool
	wg     sync.WaitGroup

	chansMu sync.Mutex
	chans   map[*Channel]struct{}
}

// NewServer creates a server listening on the given Unix socket path. Any
// stale socket file is removed first.
func NewServer(socketPath string, handler Handler, log *slog.Logger, opts ...ChannelOption) (*Server, error) {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", socketPath, err)
	}
	return newServer(listener, handler, log, opts...), nil
}

// NewVsockServer creates a server listening on a vsock port. Used when the
// control plane crosses a VM boundary instead of a process boundary.
func NewVsockServer(port uint32, handler Handler, log *slog.Logger, opts ...ChannelOption) (*Server, error) {
	listener, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("control: listen on vsock port %d: %w", port, err)
	}
	return newServer(listener, handler, log, opts...), nil
}

// NewListenerServer creates a server over an existing listener.
func NewListenerServer(listener net.Listener, handler Handler, log *slog.Logger, opts ...ChannelOption) *Server {
	return newServer(listener, handler, log, opts...)
}

func newServer(listener net.Listener, handler Handler, log *slog.Logger, opts ...ChannelOption) *Server {
	return &Server{
		listener: listener,
		handler:  handler,
		log:      log,
		opts:     opts,
		chans:    make(map[*Channel]struct{}),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}

		ch := NewChannel(conn, s.handler, s.log, s.opts...)
		s.chansMu.Lock()
		s.chans[ch] = struct{}{}
		s.chansMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := ch.Serve(); err != nil {
				s.log.Warn("control channel failed", "error", err)
			}
			s.chansMu.Lock()
			delete(s.chans, ch)
			s.chansMu.Unlock()
		}()
	}
}

// ServeOne accepts a single connection and serves it to completion. This is
// the one-connection-per-device-process model.
func (s *Server) ServeOne() error {
	conn, err := s.listener.Accept()
	if err != nil {
		if s.closed.Load() {
			return nil
		}
		return fmt.Errorf("control: accept: %w", err)
	}

	ch := NewChannel(conn, s.handler, s.log, s.opts...)
	s.chansMu.Lock()
	s.chans[ch] = struct{}{}
	s.chansMu.Unlock()
	return ch.Serve()
}

// Broadcast sends an asynchronous event on every active channel. Channels
// mid-shutdown drop the event, which is the documented contract for events.
func (s *Server) Broadcast(kind uint16, payload []byte) {
	s.chansMu.Lock()
	chans := make([]*Channel, 0, len(s.chans))
	for ch := range s.chans {
		chans = append(chans, ch)
	}
	s.chansMu.Unlock()
	for _, ch := range chans {
		if err := ch.SendEvent(kind, payload); err != nil && !isDisconnect(err) {
			s.log.Warn("event broadcast failed", "kind", KindName(kind), "error", err)
		}
	}
}

// Close stops accepting and closes every active channel.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.listener.Close()

	s.chansMu.Lock()
	chans := make([]*Channel, 0, len(s.chans))
	for ch := range s.chans {
		chans = append(chans, ch)
	}
	s.chansMu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}

	s.wg.Wait()
	return err
}
