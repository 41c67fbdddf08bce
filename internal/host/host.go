// Package host is the runtime of one device process: it loads the device
// spec, enters the syscall sandbox, builds the backend, and serves the
// control channel until shutdown. The supervisor on the other side of the
// channel owns its lifecycle.
package host

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/devices"
	"github.com/burrowvm/burrow/internal/hv"
	"github.com/burrowvm/burrow/internal/policy"
	"github.com/burrowvm/burrow/internal/reactor"
	"github.com/burrowvm/burrow/internal/virtio"
)

// Config is the device process configuration, parsed from the command line
// by the binary entrypoint.
type Config struct {
	// ControlFD is the inherited control socket.
	ControlFD int
	// MemoryFD is the inherited guest memory mapping; negative when the
	// process runs without a DMA window.
	MemoryFD int
	// DeviceType must match the spec read from SpecReader.
	DeviceType string
	// PolicyPath locates the syscall policy file. Empty skips sandboxing,
	// which is only acceptable under test.
	PolicyPath string
	// SpecReader carries the YAML device spec, normally stdin.
	SpecReader io.Reader

	DrainTimeout time.Duration
	Log          *slog.Logger
}

// mappedMemory is a shared guest memory mapping.
type mappedMemory struct {
	data []byte
}

func (m *mappedMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, hv.ErrOutOfRange
	}
	return copy(p, m.data[off:]), nil
}

func (m *mappedMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, hv.ErrOutOfRange
	}
	return copy(m.data[off:], p), nil
}

func mapGuestMemory(fd int) (*mappedMemory, func() error, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, nil, fmt.Errorf("host: stat memory fd: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("host: map guest memory: %w", err)
	}
	return &mappedMemory{data: data}, func() error { return unix.Munmap(data) }, nil
}

// Run hosts one device backend to completion. It returns nil on orderly
// shutdown; the binary maps that to exit code 0.
func Run(cfg Config) error {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	log := cfg.Log

	specYAML, err := io.ReadAll(cfg.SpecReader)
	if err != nil {
		return fmt.Errorf("host: read spec: %w", err)
	}
	spec, err := devices.ParseSpec(specYAML)
	if err != nil {
		return err
	}
	if cfg.DeviceType != "" && spec.Type != cfg.DeviceType {
		return fmt.Errorf("host: spec type %q does not match process type %q", spec.Type, cfg.DeviceType)
	}

	// The sandbox must be in place before the first control message or
	// any guest-derived byte is looked at.
	if cfg.PolicyPath != "" {
		set, err := policy.LoadFile(cfg.PolicyPath)
		if err != nil {
			return err
		}
		filter, err := set.Lookup(spec.Type)
		if err != nil {
			return err
		}
		if err := policy.Enforce(filter); err != nil {
			return err
		}
		log.Info("syscall policy enforced", "device_type", spec.Type,
			"instructions", filter.InstructionCount())
	} else {
		log.Warn("running without a syscall policy")
	}

	controlFile := os.NewFile(uintptr(cfg.ControlFD), "control")
	conn, err := net.FileConn(controlFile)
	controlFile.Close()
	if err != nil {
		return fmt.Errorf("host: control conn: %w", err)
	}

	var mem *hv.Region
	if cfg.MemoryFD >= 0 {
		mapped, unmap, err := mapGuestMemory(cfg.MemoryFD)
		if err != nil {
			return err
		}
		defer unmap()
		mem, err = hv.NewRegion(mapped, 0, uint64(len(mapped.data)))
		if err != nil {
			return err
		}
	} else {
		// No DMA window; queue processing will reject everything, but
		// register-level and control behavior still work.
		mem = hv.EmptyRegion()
	}

	r, err := reactor.New(log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Interrupts cross back to the VMM as asynchronous events. The entry
	// here is edge-triggered; level semantics (resample before reassert)
	// are enforced by the real routing entry on the VMM side.
	injector := &eventInjector{line: spec.IRQLine}
	irq := hv.NewRoutingEntry(spec.IRQLine, spec.IRQLine, hv.TriggerEdge, injector)
	if err := irq.Claim(spec.ID); err != nil {
		return err
	}

	env := &devices.Env{Memory: mem, Reactor: r, IRQ: irq, Log: log}
	backend, err := devices.Build(env, spec)
	if err != nil {
		return err
	}
	defer backend.Close()

	transport := devices.NewTransport(env, backend, spec.MMIOBase, completionOrder(spec.Type))

	shutdown := make(chan struct{})
	handler := func(req *control.Request) ([]byte, error) {
		switch req.Kind {
		case control.MsgShutdown:
			// Respond first; the serve loop winds down after.
			defer close(shutdown)
			return nil, nil
		case control.MsgIORead:
			return handleIORead(transport, req.Payload)
		case control.MsgIOWrite:
			return nil, handleIOWrite(transport, req.Payload)
		default:
			return callOnReactor(r, transport, req)
		}
	}
	onEvent := func(kind uint16, payload []byte) {
		if kind != control.MsgEventQueueKick {
			return
		}
		kick, err := control.DecodeQueueKickEvent(payload)
		if err != nil {
			log.Warn("bad queue kick event", "error", err)
			return
		}
		transport.Kicked(kick.Queue)
	}

	ch := control.NewChannel(conn, handler, log,
		control.WithDrainTimeout(cfg.DrainTimeout),
		control.WithEventHandler(onEvent))
	injector.bind(ch)

	// SIGTERM behaves like a shutdown request.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	serveDone := make(chan error, 1)
	go func() { serveDone <- ch.Serve() }()

	select {
	case err := <-serveDone:
		// Peer closed without a shutdown request; still an orderly exit
		// from our side unless the transport failed.
		cleanup(r, cfg.DrainTimeout, log)
		return err
	case <-shutdown:
	case sig := <-sigCh:
		log.Info("terminating on signal", "signal", sig.String())
	}

	ch.Close()
	<-serveDone
	cleanup(r, cfg.DrainTimeout, log)
	return nil
}

// eventInjector injects interrupts by sending an assert event on the
// control channel. Assertions before the channel exists are dropped; no
// queue activity can have happened yet.
type eventInjector struct {
	line uint32

	mu sync.Mutex
	ch *control.Channel
}

func (i *eventInjector) bind(ch *control.Channel) {
	i.mu.Lock()
	i.ch = ch
	i.mu.Unlock()
}

func (i *eventInjector) InjectIRQ(vector uint32) error {
	i.mu.Lock()
	ch := i.ch
	i.mu.Unlock()
	if ch == nil {
		return nil
	}
	ev := control.IRQAssertEvent{Line: i.line}
	return ch.SendEvent(control.MsgEventIRQAssert, ev.Encode())
}

// handleIORead services a register read forwarded by the VMM. The
// transport hops onto the reactor for the access, so handler goroutines
// never touch device state directly.
func handleIORead(transport *devices.Transport, payload []byte) ([]byte, error) {
	req, err := control.DecodeIOReadRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
	}
	data := make([]byte, req.Size)
	if err := transport.ReadMMIO(req.Addr, data); err != nil {
		return nil, err
	}
	return data, nil
}

func handleIOWrite(transport *devices.Transport, payload []byte) error {
	req, err := control.DecodeIOWriteRequest(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
	}
	return transport.WriteMMIO(req.Addr, req.Data)
}

func cleanup(r *reactor.Reactor, drain time.Duration, log *slog.Logger) {
	if err := r.Shutdown(drain); err != nil {
		log.Warn("reactor drain incomplete", "error", err)
	}
}

// callOnReactor runs a backend control handler on the reactor goroutine,
// preserving exclusive ownership of device state.
func callOnReactor(r *reactor.Reactor, transport *devices.Transport, req *control.Request) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	r.Submit(func() {
		payload, err := transport.OnControlMessage(req)
		done <- result{payload: payload, err: err}
	})
	select {
	case res := <-done:
		return res.payload, res.err
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("%w: backend did not answer", control.ErrTimedOut)
	}
}

// completionOrder returns the ordering contract for a device type. Block
// devices complete in any order; everything else completes in order.
func completionOrder(deviceType string) virtio.CompletionOrder {
	if deviceType == devices.TypeBlock {
		return virtio.AnyOrder
	}
	return virtio.InOrder
}
