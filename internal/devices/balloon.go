package devices

import (
	"encoding/binary"
	"fmt"

	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/virtio"
)

const (
	balloonVirtioID    = 5
	balloonQueueCount  = 3
	balloonQueueNumMax = 256
	balloonPageSize    = 4096

	balloonQueueInflate = 0
	balloonQueueDeflate = 1
	balloonQueueStats   = 2
)

// Virtio balloon feature bits.
const (
	VIRTIO_BALLOON_F_MUST_TELL_HOST = 1 << 0
	VIRTIO_BALLOON_F_STATS_VQ       = 1 << 1
	VIRTIO_BALLOON_F_DEFLATE_ON_OOM = 1 << 2
)

// Balloon stat tags reported by the guest on the stats queue.
const (
	VIRTIO_BALLOON_S_SWAP_IN  = 0
	VIRTIO_BALLOON_S_SWAP_OUT = 1
	VIRTIO_BALLOON_S_MAJFLT   = 2
	VIRTIO_BALLOON_S_MINFLT   = 3
	VIRTIO_BALLOON_S_MEMFREE  = 4
	VIRTIO_BALLOON_S_MEMTOT   = 5
	VIRTIO_BALLOON_S_AVAIL    = 6
)

// One encoded stat is a 2-byte tag and an 8-byte value, packed.
const balloonStatSize = 10

// BalloonBackend is a virtio memory balloon. The control plane drives its
// target size with resize requests; the guest reports progress by writing
// the actual page count into the config space. Guest page hints on the
// inflate and deflate queues are consumed and acknowledged; the memory
// itself stays with the hypervisor layer's mapping.
type BalloonBackend struct {
	env *Env
	id  string

	numPages    uint32 // target, in 4 KiB pages
	actualPages uint32 // guest-reported

	// Stats protocol: the guest parks one buffer on the stats queue; the
	// device completes it each time it wants a fresh report.
	statsHead  uint16
	statsQ     *virtio.Queue
	haveStats  bool
	statValues map[uint16]uint64
}

func newBalloonBackend(env *Env, spec *Spec) (Backend, error) {
	b := &BalloonBackend{
		env:        env,
		id:         spec.ID,
		statValues: make(map[uint16]uint64),
	}
	if spec.Balloon != nil {
		b.numPages = uint32(spec.Balloon.TargetBytes / balloonPageSize)
	}
	return b, nil
}

func (b *BalloonBackend) Type() string         { return TypeBalloon }
func (b *BalloonBackend) VirtioID() uint32     { return balloonVirtioID }
func (b *BalloonBackend) QueueCount() int      { return balloonQueueCount }
func (b *BalloonBackend) QueueMaxSize() uint16 { return balloonQueueNumMax }

func (b *BalloonBackend) Features() uint64 {
	return VIRTIO_BALLOON_F_MUST_TELL_HOST | VIRTIO_BALLOON_F_STATS_VQ | VIRTIO_BALLOON_F_DEFLATE_ON_OOM
}

func (b *BalloonBackend) ConfigBytes() []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], b.numPages)
	binary.LittleEndian.PutUint32(buf[4:8], b.actualPages)
	return buf[:]
}

// WriteConfig accepts the guest's progress report: byte writes into the
// actual field as it inflates or deflates toward the target.
func (b *BalloonBackend) WriteConfig(offset uint64, value uint32) {
	if offset != 4 {
		return
	}
	b.actualPages = value
	b.env.Log.Debug("balloon actual updated",
		"device", b.id, "actual_pages", b.actualPages, "target_pages", b.numPages)
}

func (b *BalloonBackend) Close() error { return nil }

func (b *BalloonBackend) ProcessQueue(t *Transport, queueID uint16) error {
	q := t.Queue(queueID)
	switch queueID {
	case balloonQueueInflate, balloonQueueDeflate:
		return b.processPageHints(t, q, queueID)
	case balloonQueueStats:
		return b.processStats(t, q)
	default:
		return nil
	}
}

// processPageHints consumes page-frame-number arrays from the guest. The
// hinted pages are acknowledged immediately; reclaiming the host memory
// behind them belongs to the hypervisor mapping layer.
func (b *BalloonBackend) processPageHints(t *Transport, q *virtio.Queue, queueID uint16) error {
	for {
		chain, err := q.PopChain()
		if err != nil {
			if chain != nil {
				failChain(b.env, q, chain.Head, err)
				continue
			}
			return err
		}
		if chain == nil {
			return nil
		}

		data, err := virtio.ReadChain(b.env.Memory, chain)
		if err != nil {
			failChain(b.env, q, chain.Head, err)
			continue
		}
		pages := len(data) / 4
		b.env.Log.Debug("balloon page hint",
			"device", b.id, "queue", queueID, "pages", pages)
		if err := t.CompleteAndNotify(q, chain.Head, 0); err != nil {
			b.env.Log.Warn("balloon completion failed", "head", chain.Head, "error", err)
		}
	}
}

// processStats parses the guest's stats buffer and then holds it. The held
// chain is completed on the next stats poll, asking the guest to refill it.
func (b *BalloonBackend) processStats(t *Transport, q *virtio.Queue) error {
	for {
		chain, err := q.PopChain()
		if err != nil {
			if chain != nil {
				failChain(b.env, q, chain.Head, err)
				continue
			}
			return err
		}
		if chain == nil {
			return nil
		}

		data, err := virtio.ReadChain(b.env.Memory, chain)
		if err != nil {
			failChain(b.env, q, chain.Head, err)
			continue
		}
		for len(data) >= balloonStatSize {
			tag := binary.LittleEndian.Uint16(data[0:2])
			val := binary.LittleEndian.Uint64(data[2:10])
			b.statValues[tag] = val
			data = data[balloonStatSize:]
		}

		if b.haveStats {
			// A new buffer arrived while one was held. Release the
			// stale one.
			if err := t.CompleteAndNotify(q, b.statsHead, 0); err != nil {
				b.env.Log.Warn("stale stats completion failed", "error", err)
			}
		}
		b.statsHead = chain.Head
		b.statsQ = q
		b.haveStats = true
	}
}

// requestStats releases the held stats buffer so the guest refills it.
func (b *BalloonBackend) requestStats(t *Transport) {
	if !b.haveStats {
		return
	}
	b.haveStats = false
	if err := t.CompleteAndNotify(b.statsQ, b.statsHead, 0); err != nil {
		b.env.Log.Warn("stats request failed", "error", err)
	}
}

func (b *BalloonBackend) OnControlMessage(t *Transport, req *control.Request) ([]byte, error) {
	switch req.Kind {
	case control.MsgResize:
		resize, err := control.DecodeResizeRequest(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", control.ErrInvalidArgument, err)
		}
		b.numPages = uint32(resize.TargetBytes / balloonPageSize)
		b.env.Log.Info("balloon resize",
			"device", b.id, "target_bytes", resize.TargetBytes, "target_pages", b.numPages)
		t.ConfigChanged()
		return nil, nil

	case control.MsgStats:
		b.requestStats(t)
		e := control.NewEncoder()
		e.Uint32(b.numPages)
		e.Uint32(b.actualPages)
		e.Uint32(uint32(len(b.statValues)))
		for tag, val := range b.statValues {
			e.Uint16(tag)
			e.Uint64(val)
		}
		return e.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: %s for balloon device", control.ErrInvalidArgument, control.KindName(req.Kind))
	}
}

var _ Backend = (*BalloonBackend)(nil)
