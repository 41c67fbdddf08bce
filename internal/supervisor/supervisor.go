// Package supervisor launches device backends into sandboxed child
// processes, wires their control channel endpoints, monitors liveness, and
// orchestrates teardown. A crashed device process is surfaced, never
// restarted: respawning with replayed guest state risks corrupting the
// guest, so that decision belongs to VM-level policy.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/devices"
)

// Liveness is the supervisor's view of one device process.
type Liveness int

const (
	Starting Liveness = iota
	Running
	Degraded
	Exited
)

func (l Liveness) String() string {
	switch l {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// DefaultDrainTimeout bounds graceful shutdown of a device process before
// it is forcibly terminated.
const DefaultDrainTimeout = 5 * time.Second

// controlFD is the file descriptor number the child inherits its control
// socket on.
const controlFD = 3

// ExitFunc is notified when a device process exits. Called for both
// orderly detach and crashes; unexpected is true for the latter.
type ExitFunc func(id string, exitCode int, unexpected bool)

// EventFunc is notified of asynchronous events a device process sends on
// its control channel, such as interrupt assertions.
type EventFunc func(id string, kind uint16, payload []byte)

// Config configures a Supervisor.
type Config struct {
	// DeviceBinary is the device process executable.
	DeviceBinary string
	// DeviceArgs are prepended to the per-device arguments. Tests use
	// this to re-exec themselves in a helper mode.
	DeviceArgs []string
	// DeviceEnv is appended to the child environment.
	DeviceEnv []string
	// PolicyPath is the syscall policy file handed to every child.
	PolicyPath string
	// GuestMemory, when set, is the shared guest memory mapping each
	// child inherits as its DMA window.
	GuestMemory  *os.File
	DrainTimeout time.Duration
	OnExit       ExitFunc
	OnEvent      EventFunc
	Log          *slog.Logger
}

// Handle is one attached device process.
type Handle struct {
	id   string
	spec *devices.Spec

	cmd    *exec.Cmd
	client *control.Client

	mu        sync.Mutex
	state     Liveness
	exitCode  int
	detaching bool

	exitCh chan struct{}
}

// ID returns the device id.
func (h *Handle) ID() string { return h.id }

// Pid returns the device process pid.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// State returns the current liveness state.
func (h *Handle) State() Liveness {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s Liveness) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Supervisor owns the set of live device processes.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// New creates a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.DeviceBinary == "" {
		return nil, fmt.Errorf("supervisor: no device binary configured")
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		handles: make(map[string]*Handle),
	}, nil
}

// Attach spawns a device process for the spec and returns its handle. The
// child applies its syscall policy before it reads its first control
// message; the supervisor only hands it the endpoint and the spec.
func (s *Supervisor) Attach(spec *devices.Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: closed")
	}
	if _, ok := s.handles[spec.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: device %q already attached", spec.ID)
	}
	s.mu.Unlock()

	specYAML, err := spec.Encode()
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("supervisor: socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "control-parent")
	childFile := os.NewFile(uintptr(fds[1]), "control-child")
	defer childFile.Close()

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		return nil, fmt.Errorf("supervisor: control conn: %w", err)
	}

	args := append([]string{}, s.cfg.DeviceArgs...)
	args = append(args,
		fmt.Sprintf("--control-fd=%d", controlFD),
		"--device-type="+spec.Type,
	)
	if s.cfg.PolicyPath != "" {
		args = append(args, "--policy="+s.cfg.PolicyPath)
	}
	extraFiles := []*os.File{childFile} // becomes fd 3
	if s.cfg.GuestMemory != nil {
		extraFiles = append(extraFiles, s.cfg.GuestMemory) // fd 4
		args = append(args, fmt.Sprintf("--memory-fd=%d", controlFD+1))
	}
	cmd := exec.Command(s.cfg.DeviceBinary, args...)
	cmd.Stdin = bytes.NewReader(specYAML)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extraFiles
	if len(s.cfg.DeviceEnv) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.DeviceEnv...)
	}

	h := &Handle{
		id:     spec.ID,
		spec:   spec,
		cmd:    cmd,
		state:  Starting,
		exitCh: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("supervisor: start device %q: %w", spec.ID, err)
	}

	var clientOpts []control.ClientOption
	if s.cfg.OnEvent != nil {
		id := spec.ID
		clientOpts = append(clientOpts, control.WithClientEventHandler(
			func(kind uint16, payload []byte) {
				s.cfg.OnEvent(id, kind, payload)
			}))
	}
	h.client = control.NewClient(conn, s.cfg.Log.With("device", spec.ID), clientOpts...)
	h.setState(Running)

	s.mu.Lock()
	s.handles[spec.ID] = h
	s.mu.Unlock()

	go s.monitor(h)

	s.cfg.Log.Info("device process attached",
		"device", spec.ID, "type", spec.Type, "pid", h.Pid())
	return h, nil
}

// monitor waits for the process to terminate and resolves its fate.
func (s *Supervisor) monitor(h *Handle) {
	err := h.cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	h.mu.Lock()
	h.exitCode = exitCode
	h.state = Exited
	unexpected := !h.detaching
	h.mu.Unlock()

	// Closing the client resolves any in-flight control calls with a
	// device-unavailable failure.
	h.client.Close()
	close(h.exitCh)

	if unexpected {
		s.cfg.Log.Warn("device process exited unexpectedly",
			"device", h.id, "exit_code", exitCode)
	} else {
		s.cfg.Log.Info("device process exited",
			"device", h.id, "exit_code", exitCode)
	}
	if s.cfg.OnExit != nil {
		s.cfg.OnExit(h.id, exitCode, unexpected)
	}
}

// Lookup returns the handle for a live device, or a device-unavailable
// failure.
func (s *Supervisor) Lookup(id string) (*Handle, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no device %q", control.ErrUnavailable, id)
	}
	if h.State() == Exited {
		return nil, fmt.Errorf("%w: device %q has exited", control.ErrUnavailable, id)
	}
	return h, nil
}

// Forward sends a backend-scoped control request to the device process.
func (s *Supervisor) Forward(ctx context.Context, id string, kind uint16, payload []byte) ([]byte, error) {
	h, err := s.Lookup(id)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Call(ctx, kind, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, control.ErrTimedOut) {
			h.setState(Degraded)
		}
		return nil, err
	}
	return resp, nil
}

// SendEvent delivers an asynchronous event to the device process, such as
// a forwarded queue kick. Events are fire-and-forget; a send on a dead
// channel is dropped.
func (s *Supervisor) SendEvent(id string, kind uint16, payload []byte) error {
	h, err := s.Lookup(id)
	if err != nil {
		return err
	}
	return h.client.SendEvent(kind, payload)
}

// Detach shuts a device process down: a graceful shutdown request, a
// bounded wait, then SIGKILL. Detaching a device that is already gone
// returns a device-unavailable failure.
func (s *Supervisor) Detach(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no device %q", control.ErrUnavailable, id)
	}

	h.mu.Lock()
	if h.state == Exited {
		h.mu.Unlock()
		return fmt.Errorf("%w: device %q already exited", control.ErrUnavailable, id)
	}
	h.detaching = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	req := &control.ShutdownRequest{Reason: "detach"}
	if _, err := h.client.Call(ctx, control.MsgShutdown, req.Encode()); err != nil {
		s.cfg.Log.Warn("graceful shutdown request failed",
			"device", id, "error", err)
	}

	select {
	case <-h.exitCh:
		return nil
	case <-time.After(s.cfg.DrainTimeout):
	}

	s.cfg.Log.Warn("device process did not drain, killing", "device", id, "pid", h.Pid())
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("supervisor: kill device %q: %w", id, err)
	}
	<-h.exitCh
	return nil
}

// WaitForExit blocks until the device process terminates and returns its
// exit code.
func (s *Supervisor) WaitForExit(h *Handle) int {
	<-h.exitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Close detaches every device. Errors are collected, not short-circuited:
// teardown always runs to completion.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := s.Detach(id); err != nil && !errors.Is(err, control.ErrUnavailable) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
