package devices

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/burrowvm/burrow/internal/hv"
	"github.com/burrowvm/burrow/internal/reactor"
	"github.com/burrowvm/burrow/internal/virtio"
)

const (
	testWindowBase = uint64(0xd000_0000)
	testDescTable  = uint64(0x1000)
	testAvailRing  = uint64(0x2000)
	testUsedRing   = uint64(0x3000)
	testBufArea    = uint64(0x4000)

	descFNext  = uint16(1)
	descFWrite = uint16(2)
)

type flatMemory struct {
	mu   sync.Mutex
	data []byte
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(p, m.data[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.data[off:], p), nil
}

type fakeInjector struct {
	mu       sync.Mutex
	injected []uint32
}

func (f *fakeInjector) InjectIRQ(vector uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, vector)
	return nil
}

func (f *fakeInjector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injected)
}

// deviceHarness is a fake guest: flat memory with split rings, a running
// reactor, and the register-level driver moves a real guest would make.
type deviceHarness struct {
	t         *testing.T
	mem       *flatMemory
	region    *hv.Region
	injector  *fakeInjector
	env       *Env
	backend   Backend
	transport *Transport

	availIdx map[uint16]uint16
}

func newDeviceHarness(t *testing.T, spec *Spec) *deviceHarness {
	t.Helper()

	mem := &flatMemory{data: make([]byte, 0x20000)}
	region, err := hv.NewRegion(mem, 0, uint64(len(mem.data)))
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := reactor.New(log)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	go r.Run(context.Background())
	t.Cleanup(func() {
		if err := r.Shutdown(2 * time.Second); err != nil {
			t.Errorf("reactor shutdown: %v", err)
		}
	})

	injector := &fakeInjector{}
	entry := hv.NewRoutingEntry(10, 42, hv.TriggerLevel, injector)
	if err := entry.Claim(spec.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	env := &Env{Memory: region, Reactor: r, IRQ: entry, Log: log}
	backend, err := Build(env, spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	h := &deviceHarness{
		t:         t,
		mem:       mem,
		region:    region,
		injector:  injector,
		env:       env,
		backend:   backend,
		transport: NewTransport(env, backend, testWindowBase, virtio.AnyOrder),
		availIdx:  make(map[uint16]uint16),
	}
	return h
}

func (h *deviceHarness) writeReg(offset uint64, value uint32) {
	h.t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := h.transport.WriteMMIO(testWindowBase+offset, buf[:]); err != nil {
		h.t.Fatalf("write register %#x: %v", offset, err)
	}
}

func (h *deviceHarness) readReg(offset uint64) uint32 {
	h.t.Helper()
	var buf [4]byte
	if err := h.transport.ReadMMIO(testWindowBase+offset, buf[:]); err != nil {
		h.t.Fatalf("read register %#x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// ringBase gives each queue its own set of ring addresses.
func ringBase(queue uint16, base uint64) uint64 {
	return base + uint64(queue)*0x6000
}

// setupQueue programs one virtqueue through the register window, the way a
// guest driver would.
func (h *deviceHarness) setupQueue(queue uint16, size uint16) {
	h.t.Helper()
	h.writeReg(VIRTIO_MMIO_QUEUE_SEL, uint32(queue))
	h.writeReg(VIRTIO_MMIO_QUEUE_NUM, uint32(size))
	h.writeReg(VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(ringBase(queue, testDescTable)))
	h.writeReg(VIRTIO_MMIO_QUEUE_DESC_HIGH, 0)
	h.writeReg(VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(ringBase(queue, testAvailRing)))
	h.writeReg(VIRTIO_MMIO_QUEUE_AVAIL_HIGH, 0)
	h.writeReg(VIRTIO_MMIO_QUEUE_USED_LOW, uint32(ringBase(queue, testUsedRing)))
	h.writeReg(VIRTIO_MMIO_QUEUE_USED_HIGH, 0)
	h.writeReg(VIRTIO_MMIO_QUEUE_READY, 1)
}

func (h *deviceHarness) writeDescriptor(queue, idx uint16, desc virtio.Descriptor) {
	base := ringBase(queue, testDescTable) + uint64(idx)*16
	h.mem.mu.Lock()
	defer h.mem.mu.Unlock()
	binary.LittleEndian.PutUint64(h.mem.data[base:], desc.Addr)
	binary.LittleEndian.PutUint32(h.mem.data[base+8:], desc.Length)
	binary.LittleEndian.PutUint16(h.mem.data[base+12:], desc.Flags)
	binary.LittleEndian.PutUint16(h.mem.data[base+14:], desc.Next)
}

func (h *deviceHarness) pushAvail(queue, head uint16) {
	size := h.transport.Queue(queue).Size()
	base := ringBase(queue, testAvailRing)
	h.mem.mu.Lock()
	defer h.mem.mu.Unlock()
	slot := h.availIdx[queue] % size
	binary.LittleEndian.PutUint16(h.mem.data[base+4+uint64(slot)*2:], head)
	h.availIdx[queue]++
	binary.LittleEndian.PutUint16(h.mem.data[base+2:], h.availIdx[queue])
}

func (h *deviceHarness) usedCount(queue uint16) uint16 {
	base := ringBase(queue, testUsedRing)
	h.mem.mu.Lock()
	defer h.mem.mu.Unlock()
	return binary.LittleEndian.Uint16(h.mem.data[base+2:])
}

func (h *deviceHarness) usedElem(queue, slot uint16) (head uint16, written uint32) {
	base := ringBase(queue, testUsedRing) + 4 + uint64(slot)*8
	h.mem.mu.Lock()
	defer h.mem.mu.Unlock()
	return uint16(binary.LittleEndian.Uint32(h.mem.data[base:])),
		binary.LittleEndian.Uint32(h.mem.data[base+4:])
}

func (h *deviceHarness) guestWrite(addr uint64, data []byte) {
	h.mem.mu.Lock()
	defer h.mem.mu.Unlock()
	copy(h.mem.data[addr:], data)
}

func (h *deviceHarness) guestRead(addr uint64, length int) []byte {
	h.mem.mu.Lock()
	defer h.mem.mu.Unlock()
	out := make([]byte, length)
	copy(out, h.mem.data[addr:])
	return out
}

// awaitUsed polls until the queue has posted at least n completions.
func (h *deviceHarness) awaitUsed(queue uint16, n uint16, timeout time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.usedCount(queue) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("queue %d: %d completions not posted within %v (have %d)",
		queue, n, timeout, h.usedCount(queue))
}

// kickAndWait delivers a queue notification and waits for it to be handled
// on the reactor.
func (h *deviceHarness) kickAndWait(queue uint16) {
	h.t.Helper()
	h.transport.Kicked(queue)
	done := make(chan struct{})
	h.env.Reactor.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("reactor did not process kick")
	}
}
