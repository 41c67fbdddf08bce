package devices

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/virtio"
)

func balloonSpec() *Spec {
	return &Spec{ID: "balloon0", Type: TypeBalloon}
}

func TestBalloonResizeRaisesConfigChange(t *testing.T) {
	h := newDeviceHarness(t, balloonSpec())

	req := &control.ResizeRequest{TargetBytes: 256 << 20}
	_, err := h.transport.OnControlMessage(&control.Request{
		Kind:    control.MsgResize,
		Payload: req.Encode(),
	})
	if err != nil {
		t.Fatalf("resize: %v", err)
	}

	cfg := h.backend.ConfigBytes()
	if got := binary.LittleEndian.Uint32(cfg[0:4]); got != (256<<20)/balloonPageSize {
		t.Fatalf("num_pages = %d, want %d", got, (256<<20)/balloonPageSize)
	}
	if status := h.readReg(VIRTIO_MMIO_INTERRUPT_STATUS); status&VIRTIO_MMIO_INT_CONFIG == 0 {
		t.Fatalf("interrupt status = %#x, config-change bit not set", status)
	}
	if h.injector.count() == 0 {
		t.Fatal("no interrupt injected for config change")
	}

	// The guest acknowledges and reports progress.
	h.writeReg(VIRTIO_MMIO_INTERRUPT_ACK, VIRTIO_MMIO_INT_CONFIG)
	var actual [4]byte
	binary.LittleEndian.PutUint32(actual[:], 1024)
	if err := h.transport.WriteMMIO(testWindowBase+VIRTIO_MMIO_CONFIG+4, actual[:]); err != nil {
		t.Fatalf("write actual: %v", err)
	}
	cfg = h.backend.ConfigBytes()
	if got := binary.LittleEndian.Uint32(cfg[4:8]); got != 1024 {
		t.Fatalf("actual_pages = %d, want 1024", got)
	}
}

// Config space is driven by the guest while resize requests arrive on the
// control plane; both mutate backend state and must serialize on the
// reactor. Run them against each other and check the final registers.
func TestBalloonConcurrentConfigAndResize(t *testing.T) {
	h := newDeviceHarness(t, balloonSpec())

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		var actual [4]byte
		for i := 1; i <= rounds; i++ {
			binary.LittleEndian.PutUint32(actual[:], uint32(i))
			if err := h.transport.WriteMMIO(testWindowBase+VIRTIO_MMIO_CONFIG+4, actual[:]); err != nil {
				t.Errorf("write actual: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 1; i <= rounds; i++ {
			req := &control.ResizeRequest{TargetBytes: uint64(i) * balloonPageSize}
			done := make(chan error, 1)
			h.env.Reactor.Submit(func() {
				_, err := h.transport.OnControlMessage(&control.Request{
					Kind:    control.MsgResize,
					Payload: req.Encode(),
				})
				done <- err
			})
			if err := <-done; err != nil {
				t.Errorf("resize: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	cfg := h.backend.ConfigBytes()
	if got := binary.LittleEndian.Uint32(cfg[0:4]); got != rounds {
		t.Fatalf("num_pages = %d, want %d", got, rounds)
	}
	if got := binary.LittleEndian.Uint32(cfg[4:8]); got != rounds {
		t.Fatalf("actual_pages = %d, want %d", got, rounds)
	}
}

func TestBalloonInflateConsumesPageHints(t *testing.T) {
	h := newDeviceHarness(t, balloonSpec())
	h.setupQueue(balloonQueueInflate, 8)

	// 4 page frame numbers.
	pfnAddr := ringBase(balloonQueueInflate, testBufArea)
	var pfns [16]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(pfns[i*4:], uint32(0x100+i))
	}
	h.guestWrite(pfnAddr, pfns[:])

	h.writeDescriptor(balloonQueueInflate, 0, virtio.Descriptor{Addr: pfnAddr, Length: 16})
	h.pushAvail(balloonQueueInflate, 0)
	h.kickAndWait(balloonQueueInflate)
	h.awaitUsed(balloonQueueInflate, 1, 2*time.Second)

	head, _ := h.usedElem(balloonQueueInflate, 0)
	if head != 0 {
		t.Fatalf("used head = %d, want 0", head)
	}
}

// The stats buffer is parked: the device holds it until the control plane
// polls, then completes it so the guest refills.
func TestBalloonStatsHeldUntilPolled(t *testing.T) {
	h := newDeviceHarness(t, balloonSpec())
	h.setupQueue(balloonQueueStats, 8)

	statsAddr := ringBase(balloonQueueStats, testBufArea)
	var stats [20]byte
	binary.LittleEndian.PutUint16(stats[0:2], VIRTIO_BALLOON_S_MEMFREE)
	binary.LittleEndian.PutUint64(stats[2:10], 512<<20)
	binary.LittleEndian.PutUint16(stats[10:12], VIRTIO_BALLOON_S_MEMTOT)
	binary.LittleEndian.PutUint64(stats[12:20], 1<<30)
	h.guestWrite(statsAddr, stats[:])

	h.writeDescriptor(balloonQueueStats, 0, virtio.Descriptor{Addr: statsAddr, Length: 20})
	h.pushAvail(balloonQueueStats, 0)
	h.kickAndWait(balloonQueueStats)

	if got := h.usedCount(balloonQueueStats); got != 0 {
		t.Fatalf("stats buffer completed early: used count = %d, want 0", got)
	}

	done := make(chan struct{})
	var payload []byte
	var callErr error
	h.env.Reactor.Submit(func() {
		payload, callErr = h.transport.OnControlMessage(&control.Request{Kind: control.MsgStats})
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stats poll did not run")
	}
	if callErr != nil {
		t.Fatalf("stats poll: %v", callErr)
	}

	d := control.NewDecoder(payload)
	if _, err := d.Uint32(); err != nil { // num_pages
		t.Fatalf("decode stats: %v", err)
	}
	if _, err := d.Uint32(); err != nil { // actual_pages
		t.Fatalf("decode stats: %v", err)
	}
	count, err := d.Uint32()
	if err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if count != 2 {
		t.Fatalf("stat count = %d, want 2", count)
	}

	// The held buffer was released back to the guest.
	h.awaitUsed(balloonQueueStats, 1, 2*time.Second)
}
