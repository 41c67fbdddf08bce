// Package vmm is the VM-side control plane. It owns the I/O dispatcher,
// the interrupt lines, guest memory, and the supervisor of sandboxed
// device processes, and serves the external control socket that manages
// a running machine: balloon resizes, device hot-plug, power events,
// suspend/resume, shutdown.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/burrowvm/burrow/internal/chipset"
	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/devices"
	"github.com/burrowvm/burrow/internal/hv"
	"github.com/burrowvm/burrow/internal/supervisor"
)

// Run states of the machine.
type runState int

const (
	stateRunning runState = iota
	stateSuspended
	stateClosed
)

// vectorBase offsets logical interrupt lines into the guest's vector
// space, past the architectural exceptions.
const vectorBase = 32

// forwardTimeout bounds a control request forwarded into a device
// process on behalf of an external client.
const forwardTimeout = 30 * time.Second

// Config configures a Machine.
type Config struct {
	// MemoryBytes is the guest RAM size. The machine backs it with a
	// memfd so device processes can map their DMA windows.
	MemoryBytes uint64
	// RAMBase is the guest physical address RAM starts at.
	RAMBase uint64

	// DeviceBinary is the sandboxed device process executable.
	DeviceBinary string
	DeviceArgs   []string
	DeviceEnv    []string
	// PolicyPath is the syscall policy file handed to device processes.
	PolicyPath string

	// SocketPath is the external control socket. Empty disables the
	// control server; the machine is then driven programmatically.
	SocketPath string
	// VsockPort additionally serves the control plane on a vsock port,
	// for managers that reach the machine across a VM boundary. Zero
	// disables it.
	VsockPort uint32

	// Injector delivers interrupt vectors into the guest. Nil entries
	// still track assertion state, which tests rely on.
	Injector hv.IRQInjector
	// Router overrides the default line-to-vector routing.
	Router hv.IRQRouter

	// OnPowerEvent receives forwarded power events. When nil the event
	// is acknowledged and logged; delivering it to the guest needs a
	// platform power device this core does not own.
	OnPowerEvent func(event uint8) error

	DrainTimeout time.Duration
	Log          *slog.Logger
}

// attachedDevice is the machine-side record of one hot-plugged device.
type attachedDevice struct {
	spec  *devices.Spec
	proxy *proxyDevice
	entry *hv.RoutingEntry
}

type kickKey struct {
	id    string
	queue uint16
}

// Machine is one virtual machine's device-emulation core.
type Machine struct {
	cfg Config
	log *slog.Logger

	memFile *os.File
	addrs   *hv.AddressSpace
	lines   *chipset.LineSet

	builder *chipset.Builder
	chip    atomic.Pointer[chipset.Chipset]

	sup     *supervisor.Supervisor
	servers []*control.Server

	mu      sync.Mutex
	state   runState
	devs    map[string]*attachedDevice
	pending map[kickKey]struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	closeOnce    sync.Once
	closeErr     error
}

// vectorRouter is the default IRQRouter: line n injects vector 32+n as
// a level-triggered interrupt.
type vectorRouter struct {
	injector hv.IRQInjector
}

func (r *vectorRouter) CreateRoute(line uint32) (*hv.RoutingEntry, error) {
	return hv.NewRoutingEntry(line, vectorBase+line, hv.TriggerLevel, r.injector), nil
}

// NewMachine builds a machine and its supervisor. No device processes
// exist until AttachDevice.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = supervisor.DefaultDrainTimeout
	}

	m := &Machine{
		cfg:        cfg,
		log:        cfg.Log,
		addrs:      hv.NewAddressSpace(cfg.RAMBase, cfg.MemoryBytes),
		builder:    chipset.NewBuilder(),
		devs:       make(map[string]*attachedDevice),
		pending:    make(map[kickKey]struct{}),
		shutdownCh: make(chan struct{}),
	}

	router := cfg.Router
	if router == nil {
		router = &vectorRouter{injector: cfg.Injector}
	}
	m.lines = chipset.NewLineSet(router)
	m.chip.Store(m.builder.Build())

	if cfg.MemoryBytes > 0 {
		fd, err := unix.MemfdCreate("burrow-guest", unix.MFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("vmm: create guest memory: %w", err)
		}
		if err := unix.Ftruncate(fd, int64(cfg.MemoryBytes)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("vmm: size guest memory: %w", err)
		}
		m.memFile = os.NewFile(uintptr(fd), "guest-memory")
	}

	sup, err := supervisor.New(supervisor.Config{
		DeviceBinary: cfg.DeviceBinary,
		DeviceArgs:   cfg.DeviceArgs,
		DeviceEnv:    cfg.DeviceEnv,
		PolicyPath:   cfg.PolicyPath,
		GuestMemory:  m.memFile,
		DrainTimeout: cfg.DrainTimeout,
		OnExit:       m.onDeviceExit,
		OnEvent:      m.onDeviceEvent,
		Log:          cfg.Log,
	})
	if err != nil {
		if m.memFile != nil {
			m.memFile.Close()
		}
		return nil, err
	}
	m.sup = sup

	if cfg.SocketPath != "" {
		server, err := control.NewServer(cfg.SocketPath, m.handleControl, cfg.Log)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.servers = append(m.servers, server)
	}
	if cfg.VsockPort != 0 {
		server, err := control.NewVsockServer(cfg.VsockPort, m.handleControl, cfg.Log)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.servers = append(m.servers, server)
	}
	return m, nil
}

// GuestMemory returns the backing file of guest RAM, or nil when the
// machine was built without memory.
func (m *Machine) GuestMemory() *os.File { return m.memFile }

// Lines returns the machine's interrupt line set. The vcpu exit loop
// broadcasts EOIs through it.
func (m *Machine) Lines() *chipset.LineSet { return m.lines }

// Dispatch routes one VM exit to the owning device. Exits nobody
// registered for are reported as unhandled results, not failures.
func (m *Machine) Dispatch(exit *hv.Exit) error {
	return m.chip.Load().Dispatch(exit)
}

// Run serves the control socket until ctx is cancelled or a shutdown
// request arrives, then tears the machine down.
func (m *Machine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, server := range m.servers {
		server := server
		g.Go(func() error { return server.Serve() })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-m.shutdownCh:
		}
		return m.Close()
	})
	return g.Wait()
}

// AttachDevice spawns a sandboxed device process for spec and registers
// its MMIO window with the dispatcher. A zero MMIOBase is assigned from
// the machine's address space.
func (m *Machine) AttachDevice(spec *devices.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return fmt.Errorf("%w: machine is shut down", control.ErrUnavailable)
	}
	if _, ok := m.devs[spec.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: device %q already attached", control.ErrInvalidArgument, spec.ID)
	}
	m.mu.Unlock()

	if spec.MMIOBase == 0 {
		alloc, err := m.addrs.Allocate(hv.MMIOAllocationRequest{
			Name: spec.ID,
			Size: devices.DefaultWindowSize,
		})
		if err != nil {
			return err
		}
		spec.MMIOBase = alloc.Base
	}

	entry, err := m.lines.ClaimLine(spec.IRQLine, spec.ID)
	if err != nil {
		return err
	}

	if _, err := m.sup.Attach(spec); err != nil {
		m.lines.ReleaseLine(spec.IRQLine, spec.ID)
		return err
	}

	proxy := newProxyDevice(spec.ID, spec.MMIOBase, entry, m.sup, m, m.log)

	m.mu.Lock()
	if err := m.builder.RegisterDevice(spec.ID, proxy); err != nil {
		m.mu.Unlock()
		if detachErr := m.sup.Detach(spec.ID); detachErr != nil {
			m.log.Warn("rollback detach failed", "device", spec.ID, "error", detachErr)
		}
		m.lines.ReleaseLine(spec.IRQLine, spec.ID)
		return err
	}
	m.devs[spec.ID] = &attachedDevice{spec: spec, proxy: proxy, entry: entry}
	m.chip.Store(m.builder.Build())
	m.mu.Unlock()
	return nil
}

// DetachDevice gracefully stops a device process and removes its
// registrations. Detaching a device that already exited or was never
// attached fails with a device-unavailable error.
func (m *Machine) DetachDevice(id string) error {
	m.mu.Lock()
	dev, ok := m.devs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: no device %q", control.ErrUnavailable, id)
	}
	delete(m.devs, id)
	m.builder.Unregister(id)
	m.chip.Store(m.builder.Build())
	m.dropPendingKicksLocked(id)
	m.mu.Unlock()

	err := m.sup.Detach(id)
	m.lines.ReleaseLine(dev.spec.IRQLine, id)
	return err
}

// Resize forwards a balloon resize to the machine's balloon device.
func (m *Machine) Resize(ctx context.Context, targetBytes uint64) error {
	id, err := m.deviceOfType(devices.TypeBalloon)
	if err != nil {
		return err
	}
	req := control.ResizeRequest{TargetBytes: targetBytes}
	_, err = m.sup.Forward(ctx, id, control.MsgResize, req.Encode())
	return err
}

// Stats fetches device statistics from one device process.
func (m *Machine) Stats(ctx context.Context, id string) ([]byte, error) {
	return m.sup.Forward(ctx, id, control.MsgStats, nil)
}

// Suspend pauses I/O dispatch toward device processes. Queue kicks that
// arrive while suspended are held and replayed on resume, so no guest
// notification is lost across the pause.
func (m *Machine) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateClosed {
		return fmt.Errorf("%w: machine is shut down", control.ErrUnavailable)
	}
	m.state = stateSuspended
	return nil
}

// Resume restarts I/O dispatch and replays kicks held during suspend.
func (m *Machine) Resume() error {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return fmt.Errorf("%w: machine is shut down", control.ErrUnavailable)
	}
	m.state = stateRunning
	held := make([]kickKey, 0, len(m.pending))
	for key := range m.pending {
		held = append(held, key)
	}
	m.pending = make(map[kickKey]struct{})
	m.mu.Unlock()

	for _, key := range held {
		m.sendKick(key.id, key.queue)
	}
	return nil
}

// PowerEvent delivers a power signal. Without a platform handler the
// event is acknowledged and logged; the control client still gets a
// definitive response either way.
func (m *Machine) PowerEvent(event uint8) error {
	switch event {
	case control.PowerButton, control.PowerReset, control.PowerSleep:
	default:
		return fmt.Errorf("%w: unknown power event %d", control.ErrInvalidArgument, event)
	}
	if m.cfg.OnPowerEvent != nil {
		return m.cfg.OnPowerEvent(event)
	}
	m.log.Info("power event with no platform handler", "event", event)
	return nil
}

// Shutdown requests machine teardown. It returns immediately; Run
// observes the request and tears everything down.
func (m *Machine) Shutdown(reason string) {
	m.log.Info("shutdown requested", "reason", reason)
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
}

// Close tears the machine down: control server first so no new requests
// arrive, then every device process, then guest memory.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.state = stateClosed
		m.mu.Unlock()

		var errs *multierror.Error
		for _, server := range m.servers {
			if err := server.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if err := m.sup.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if m.memFile != nil {
			if err := m.memFile.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		m.closeErr = errs.ErrorOrNil()
	})
	return m.closeErr
}

// broadcast fans an event out to every control listener.
func (m *Machine) broadcast(kind uint16, payload []byte) {
	for _, server := range m.servers {
		server.Broadcast(kind, payload)
	}
}

// forwardKick implements kickSink. Kicks are forwarded immediately while
// running and held while suspended; the set is keyed by queue, so
// repeated kicks of one queue collapse into a single replay.
func (m *Machine) forwardKick(id string, queue uint16) {
	m.mu.Lock()
	if m.state != stateRunning {
		if m.state == stateSuspended {
			m.pending[kickKey{id: id, queue: queue}] = struct{}{}
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.sendKick(id, queue)
}

func (m *Machine) sendKick(id string, queue uint16) {
	ev := control.QueueKickEvent{Queue: queue}
	if err := m.sup.SendEvent(id, control.MsgEventQueueKick, ev.Encode()); err != nil {
		if !errors.Is(err, control.ErrUnavailable) {
			m.log.Warn("kick forwarding failed", "device", id, "queue", queue, "error", err)
		}
	}
}

func (m *Machine) dropPendingKicksLocked(id string) {
	for key := range m.pending {
		if key.id == id {
			delete(m.pending, key)
		}
	}
}

// deviceOfType finds the attached device of the given type.
func (m *Machine) deviceOfType(deviceType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, dev := range m.devs {
		if dev.spec.Type == deviceType {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no %s device attached", control.ErrUnavailable, deviceType)
}

// onDeviceExit runs when a device process terminates. A crash removes
// the device's registrations so the window reads as unhandled; it is
// never restarted. Every exit is announced to control clients.
func (m *Machine) onDeviceExit(id string, exitCode int, unexpected bool) {
	if unexpected {
		m.mu.Lock()
		if dev, ok := m.devs[id]; ok {
			delete(m.devs, id)
			m.builder.Unregister(id)
			m.chip.Store(m.builder.Build())
			m.dropPendingKicksLocked(id)
			m.lines.ReleaseLine(dev.spec.IRQLine, id)
		}
		m.mu.Unlock()
	}
	ev := control.DeviceExitedEvent{ID: id, ExitCode: int32(exitCode)}
	m.broadcast(control.MsgEventDeviceExited, ev.Encode())
}

// onDeviceEvent routes asynchronous events from device processes.
func (m *Machine) onDeviceEvent(id string, kind uint16, payload []byte) {
	switch kind {
	case control.MsgEventIRQAssert:
		m.mu.Lock()
		dev := m.devs[id]
		m.mu.Unlock()
		if dev != nil {
			dev.proxy.assertIRQ()
		}
	case control.MsgEventConfigChanged:
		m.broadcast(kind, payload)
	default:
		m.log.Warn("unexpected device event", "device", id, "kind", control.KindName(kind))
	}
}

// handleControl services one external control request. The channel takes
// care of response ordering and failure encoding; handlers just return
// payloads and errors.
func (m *Machine) handleControl(req *control.Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	switch req.Kind {
	case control.MsgResize:
		r, err := control.DecodeResizeRequest(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
		}
		return nil, m.Resize(ctx, r.TargetBytes)

	case control.MsgStats:
		r, err := control.DecodeStatsRequest(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
		}
		return m.Stats(ctx, r.ID)

	case control.MsgAttachDevice:
		r, err := control.DecodeAttachDeviceRequest(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
		}
		spec, err := devices.ParseSpec(r.SpecYAML)
		if err != nil {
			return nil, err
		}
		if r.ID != "" && r.ID != spec.ID {
			return nil, fmt.Errorf("%w: request id %q does not match spec id %q",
				control.ErrInvalidArgument, r.ID, spec.ID)
		}
		if r.Type != "" && r.Type != spec.Type {
			return nil, fmt.Errorf("%w: request type %q does not match spec type %q",
				control.ErrInvalidArgument, r.Type, spec.Type)
		}
		return nil, m.AttachDevice(spec)

	case control.MsgDetachDevice:
		r, err := control.DecodeDetachDeviceRequest(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
		}
		return nil, m.DetachDevice(r.ID)

	case control.MsgPowerEvent:
		r, err := control.DecodePowerEventRequest(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
		}
		return nil, m.PowerEvent(r.Event)

	case control.MsgSuspend:
		return nil, m.Suspend()

	case control.MsgResume:
		return nil, m.Resume()

	case control.MsgShutdown:
		r, err := control.DecodeShutdownRequest(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
		}
		// Respond before tearing down; Close waits for in-flight
		// responses to drain.
		m.Shutdown(r.Reason)
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unsupported request %s",
			control.ErrInvalidArgument, control.KindName(req.Kind))
	}
}
