// Package reactor is the cooperative scheduler of one device process.
// A single goroutine multiplexes every event source the process cares
// about (queue kicks, control messages, timers, I/O completions) so
// device state is only ever touched from that goroutine. Parallelism
// across the VM comes from running more device processes, not more
// threads here.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrTimedOut is the recoverable outcome of a blocking call whose
	// deadline expired. The reactor and its device remain usable.
	ErrTimedOut = errors.New("operation timed out")
	// ErrClosed is returned for work submitted after shutdown began.
	ErrClosed = errors.New("reactor closed")
)

type source struct {
	name  string
	fd    int
	clear func()       // consume the readiness edge before draining
	drain func() error // drain the source fully; runs on the reactor goroutine
}

// Reactor multiplexes event sources on one goroutine. On each wake
// exactly one ready source is drained fully before re-entering the
// wait; the pick rotates round-robin across ready sources so none
// starves. Epoll is level-triggered, so sources skipped this wake are
// still ready on the next.
type Reactor struct {
	epfd int

	mu      sync.Mutex
	sources map[int]*source
	order   []int
	rrNext  int
	closed  bool

	wake      *Event
	submitted []func()

	started  bool
	loopDone chan struct{}

	inflight sync.WaitGroup
	// abandonned completions are dropped without running; set after the
	// shutdown drain deadline so late work cannot touch guest memory.
	abandonMu sync.Mutex
	abandoned bool

	log *slog.Logger
}

// New creates a reactor with its wakeup source installed.
func New(log *slog.Logger) (*Reactor, error) {
	if log == nil {
		log = slog.Default()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	r := &Reactor{
		epfd:     epfd,
		sources:  make(map[int]*source),
		loopDone: make(chan struct{}),
		log:      log,
	}
	wake, err := NewEvent()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r.wake = wake
	if err := r.addSource(&source{
		name:  "wake",
		fd:    wake.FD(),
		clear: wake.Clear,
		drain: r.drainSubmitted,
	}); err != nil {
		wake.Close()
		unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

// AddEvent registers an Event source. drain runs on the reactor
// goroutine and must process everything the event announced.
func (r *Reactor) AddEvent(name string, ev *Event, drain func() error) error {
	return r.addSource(&source{name: name, fd: ev.FD(), clear: ev.Clear, drain: drain})
}

// AddTimer registers a Timer source.
func (r *Reactor) AddTimer(name string, t *Timer, fire func() error) error {
	return r.addSource(&source{name: name, fd: t.FD(), clear: t.Clear, drain: fire})
}

// AddFD registers a readiness-based source such as a socket. The drain
// callback must read until the fd would block.
func (r *Reactor) AddFD(name string, fd int, drain func() error) error {
	return r.addSource(&source{name: name, fd: fd, drain: drain})
}

func (r *Reactor) addSource(s *source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.sources[s.fd]; exists {
		return fmt.Errorf("reactor: fd %d already registered", s.fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, s.fd, &ev); err != nil {
		return fmt.Errorf("reactor: register %s: %w", s.name, err)
	}
	r.sources[s.fd] = s
	r.order = append(r.order, s.fd)
	return nil
}

// Remove drops a source. Its fd is not closed.
func (r *Reactor) Remove(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[fd]; !ok {
		return fmt.Errorf("reactor: fd %d not registered", fd)
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: unregister fd %d: %w", fd, err)
	}
	delete(r.sources, fd)
	for i, ordered := range r.order {
		if ordered == fd {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Submit schedules fn on the reactor goroutine. Safe from any
// goroutine. Work submitted after shutdown is dropped.
func (r *Reactor) Submit(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.submitted = append(r.submitted, fn)
	r.mu.Unlock()
	if err := r.wake.Trigger(); err != nil {
		r.log.Error("reactor: wake trigger", "error", err)
	}
}

func (r *Reactor) drainSubmitted() error {
	for {
		r.mu.Lock()
		batch := r.submitted
		r.submitted = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return nil
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// SubmitIO is the reactor's suspend point: op runs off-thread (it may
// block on disk or socket I/O) and complete runs back on the reactor
// goroutine with its result. The timeout bounds the wait; on expiry
// complete receives ErrTimedOut and the late result is discarded, so
// abandoned work never reaches guest memory.
func (r *Reactor) SubmitIO(name string, timeout time.Duration, op func() ([]byte, error), complete func([]byte, error)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if complete != nil {
			complete(nil, ErrClosed)
		}
		return
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	var once sync.Once
	finish := func(data []byte, err error) {
		once.Do(func() {
			r.abandonMu.Lock()
			dropped := r.abandoned
			r.abandonMu.Unlock()
			if dropped {
				return
			}
			r.Submit(func() { complete(data, err) })
		})
	}

	done := make(chan struct{})
	go func() {
		defer r.inflight.Done()
		defer close(done)
		data, err := op()
		finish(data, err)
	}()

	if timeout > 0 {
		go func() {
			select {
			case <-done:
			case <-time.After(timeout):
				r.log.Warn("reactor: io timed out", "op", name, "timeout", timeout)
				finish(nil, fmt.Errorf("reactor: %s: %w", name, ErrTimedOut))
			}
		}()
	}
}

// Run is the reactor loop. It owns the calling goroutine until ctx is
// cancelled or Shutdown is called.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	defer close(r.loopDone)

	stop := context.AfterFunc(ctx, func() {
		if err := r.wake.Trigger(); err != nil {
			r.log.Error("reactor: cancel wake", "error", err)
		}
	})
	defer stop()

	events := make([]unix.EpollEvent, 32)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		src := r.pickReady(events[:n])
		if src == nil {
			continue
		}
		if src.clear != nil {
			src.clear()
		}
		if err := src.drain(); err != nil {
			// A failing source is a device-local problem, not a
			// reactor failure; log it and keep serving the rest.
			r.log.Error("reactor: source drain", "source", src.name, "error", err)
		}
	}
}

// pickReady chooses one ready source round-robin across the
// registration order.
func (r *Reactor) pickReady(events []unix.EpollEvent) *source {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := make(map[int]bool, len(events))
	for _, ev := range events {
		ready[int(ev.Fd)] = true
	}
	if len(r.order) == 0 {
		return nil
	}
	for i := 0; i < len(r.order); i++ {
		idx := (r.rrNext + i) % len(r.order)
		fd := r.order[idx]
		if ready[fd] {
			r.rrNext = (idx + 1) % len(r.order)
			return r.sources[fd]
		}
	}
	return nil
}

// Shutdown stops the loop and drains outstanding suspended work for up
// to drainTimeout. Work still running after the deadline is abandoned:
// its completion callbacks are dropped and ErrTimedOut is returned.
func (r *Reactor) Shutdown(drainTimeout time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.wake.Trigger(); err != nil {
		r.log.Error("reactor: shutdown wake", "error", err)
	}

	// Wait for the loop to leave its epoll wait before touching fds.
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.loopDone
	}

	drained := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(drained)
	}()

	var timedOut bool
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		timedOut = true
	}

	r.abandonMu.Lock()
	r.abandoned = true
	r.abandonMu.Unlock()

	r.mu.Lock()
	for fd := range r.sources {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	r.sources = make(map[int]*source)
	r.order = nil
	r.mu.Unlock()

	if err := unix.Close(r.epfd); err != nil {
		r.log.Error("reactor: close epoll fd", "error", err)
	}
	if err := r.wake.Close(); err != nil {
		r.log.Error("reactor: close wake event", "error", err)
	}

	if timedOut {
		return fmt.Errorf("reactor: shutdown drain: %w", ErrTimedOut)
	}
	return nil
}
