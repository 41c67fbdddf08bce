package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/burrowvm/burrow/internal/chipset"
	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/devices"
	"github.com/burrowvm/burrow/internal/hv"
)

// deviceConn is the slice of the supervisor a proxy needs: request
// forwarding and fire-and-forget events toward one device process.
type deviceConn interface {
	Forward(ctx context.Context, id string, kind uint16, payload []byte) ([]byte, error)
	SendEvent(id string, kind uint16, payload []byte) error
}

// kickSink receives queue notifications decoded on the VM exit path.
// The machine implements it so kicks can be held while suspended.
type kickSink interface {
	forwardKick(id string, queue uint16)
}

// ioTimeout bounds a forwarded register access. Register handling never
// suspends in the device process, so this only trips when the process
// is wedged or gone.
const ioTimeout = 10 * time.Second

// proxyDevice stands in for a device backend that lives in a sandboxed
// process. It claims the device's MMIO window with the dispatcher and
// forwards every access over the process's control channel; queue kicks
// and interrupt assertions travel as asynchronous events.
type proxyDevice struct {
	id   string
	base uint64
	size uint64
	irq  *hv.RoutingEntry

	conn deviceConn
	sink kickSink
	log  *slog.Logger
}

func newProxyDevice(id string, base uint64, irq *hv.RoutingEntry, conn deviceConn, sink kickSink, log *slog.Logger) *proxyDevice {
	return &proxyDevice{
		id:   id,
		base: base,
		size: devices.DefaultWindowSize,
		irq:  irq,
		conn: conn,
		sink: sink,
		log:  log,
	}
}

func (p *proxyDevice) SupportsPortIO() *chipset.PortIOIntercept { return nil }

func (p *proxyDevice) SupportsMMIO() *chipset.MMIOIntercept {
	return &chipset.MMIOIntercept{
		Regions: []chipset.MMIORegion{{Address: p.base, Size: p.size}},
		Handler: p,
	}
}

func (p *proxyDevice) SupportsQueueNotify() []chipset.QueueNotifyIntercept {
	return []chipset.QueueNotifyIntercept{
		{Addr: p.base + devices.VIRTIO_MMIO_QUEUE_NOTIFY, Handler: p},
	}
}

// ReadMMIO implements chipset.MMIOHandler by forwarding the access into
// the device process. The vcpu thread blocks for the round trip, which
// mirrors how register emulation stalls the guest in-process too.
func (p *proxyDevice) ReadMMIO(addr uint64, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	req := control.IOReadRequest{Addr: addr, Size: uint8(len(data))}
	resp, err := p.conn.Forward(ctx, p.id, control.MsgIORead, req.Encode())
	if err != nil {
		return fmt.Errorf("vmm: forwarded read %#x on %q: %w", addr, p.id, err)
	}
	if len(resp) != len(data) {
		return fmt.Errorf("vmm: forwarded read %#x on %q returned %d bytes, want %d",
			addr, p.id, len(resp), len(data))
	}
	copy(data, resp)
	return nil
}

// WriteMMIO implements chipset.MMIOHandler.
func (p *proxyDevice) WriteMMIO(addr uint64, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	req := control.IOWriteRequest{Addr: addr, Data: data}
	if _, err := p.conn.Forward(ctx, p.id, control.MsgIOWrite, req.Encode()); err != nil {
		return fmt.Errorf("vmm: forwarded write %#x on %q: %w", addr, p.id, err)
	}
	return nil
}

// Kicked implements chipset.KickHandler. It must not block; the kick is
// handed to the machine, which forwards or defers it.
func (p *proxyDevice) Kicked(queue uint16) {
	p.sink.forwardKick(p.id, queue)
}

// assertIRQ raises the device's routing entry on behalf of the process.
// A level line still awaiting resample stays pending; the device's
// interrupt status register already records why it fired.
func (p *proxyDevice) assertIRQ() {
	if err := p.irq.Assert(); err != nil && !errors.Is(err, hv.ErrAwaitResample) {
		p.log.Warn("interrupt assertion failed", "device", p.id, "error", err)
	}
}

var (
	_ chipset.Device      = (*proxyDevice)(nil)
	_ chipset.MMIOHandler = (*proxyDevice)(nil)
	_ chipset.KickHandler = (*proxyDevice)(nil)
)
