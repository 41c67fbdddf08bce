// Package virtio implements the split-ring descriptor queue protocol
// shared by all paravirtualized device backends. Every guest-supplied
// address is validated against the region capability the device was
// granted; a descriptor pointing outside that region fails the chain it
// belongs to without taking down the device.
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/burrowvm/burrow/internal/hv"
)

const (
	descFNext  = 1
	descFWrite = 2

	availFNoInterrupt = 1
)

// ErrMalformedDescriptor marks a guest protocol violation local to one
// descriptor chain.
var ErrMalformedDescriptor = errors.New("malformed guest descriptor")

// ErrQueueNotReady is returned for operations on a queue the driver has
// not yet configured.
var ErrQueueNotReady = errors.New("queue not ready")

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Segment is one validated buffer of a descriptor chain.
type Segment struct {
	Addr     uint64
	Length   uint32
	Writable bool
}

// Chain is a fully-walked descriptor chain. The chain is the unit of
// completion: its head index is posted to the used ring exactly once,
// after every segment's work is done.
type Chain struct {
	Head     uint16
	Segments []Segment
}

// ReadableLength returns the total bytes the guest supplied to the device.
func (c *Chain) ReadableLength() uint32 {
	var n uint32
	for _, seg := range c.Segments {
		if !seg.Writable {
			n += seg.Length
		}
	}
	return n
}

// WritableLength returns the total bytes the device may write back.
func (c *Chain) WritableLength() uint32 {
	var n uint32
	for _, seg := range c.Segments {
		if seg.Writable {
			n += seg.Length
		}
	}
	return n
}

// CompletionOrder selects how completions may be posted relative to the
// order chains were popped from the available ring.
type CompletionOrder int

const (
	// AnyOrder posts each completion as soon as it is reported.
	AnyOrder CompletionOrder = iota
	// InOrder holds early-finishing completions back until every chain
	// popped before them has completed.
	InOrder
)

// Queue is one virtqueue: the driver-configured ring addresses plus the
// device-side cursor state. A Queue is owned by a single reactor and is
// not safe for concurrent use.
type Queue struct {
	size    uint16
	maxSize uint16
	ready   bool

	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	region *hv.Region
	order  CompletionOrder

	// Pop order of in-flight chains, for InOrder completion holdback.
	inflight []uint16
	held     map[uint16]uint32

	notifyPending bool
}

// NewQueue creates a queue backed by the device's region capability.
func NewQueue(region *hv.Region, maxSize uint16, order CompletionOrder) *Queue {
	return &Queue{
		maxSize: maxSize,
		region:  region,
		order:   order,
		held:    make(map[uint16]uint32),
	}
}

// Reset clears all driver-configured state.
func (q *Queue) Reset() {
	q.size = 0
	q.ready = false
	q.descTableAddr = 0
	q.availRingAddr = 0
	q.usedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.inflight = nil
	q.held = make(map[uint16]uint32)
	q.notifyPending = false
}

// SetAddresses configures the ring addresses.
func (q *Queue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.descTableAddr = descAddr
	q.availRingAddr = availAddr
	q.usedRingAddr = usedAddr
}

// SetSize sets the number of descriptors.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 {
		return fmt.Errorf("virtio: queue size cannot be zero")
	}
	if size > q.maxSize {
		return fmt.Errorf("virtio: queue size %d exceeds max %d", size, q.maxSize)
	}
	q.size = size
	return nil
}

// Size returns the configured queue size.
func (q *Queue) Size() uint16 { return q.size }

// MaxSize returns the maximum queue size.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// SetReady marks the queue ready; marking it not ready resets it.
func (q *Queue) SetReady(ready bool) {
	if !ready {
		q.Reset()
		return
	}
	q.ready = true
}

// Ready reports whether the driver finished configuring the queue.
func (q *Queue) Ready() bool { return q.ready && q.size > 0 }

func (q *Queue) ensureReady() error {
	if !q.Ready() {
		return ErrQueueNotReady
	}
	if q.region == nil {
		return fmt.Errorf("virtio: queue has no region capability")
	}
	return nil
}

// readDescriptor reads one descriptor table entry.
func (q *Queue) readDescriptor(idx uint16) (Descriptor, error) {
	if idx >= q.size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d): %w",
			idx, q.size, ErrMalformedDescriptor)
	}
	var buf [16]byte
	if err := q.region.ReadGuestInto(q.descTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PopChain takes the next available chain off the ring, walks it and
// validates every segment against the region capability. It returns
// (nil, nil) when the ring is empty. A validation failure still
// consumes the ring slot and registers the head in flight, so the
// caller can fail exactly that chain with CompleteChain(head, 0).
func (q *Queue) PopChain() (*Chain, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	var header [4]byte
	if err := q.region.ReadGuestInto(q.availRingAddr, header[:]); err != nil {
		return nil, err
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])
	if q.lastAvailIdx == availIdx {
		return nil, nil
	}

	ringIndex := q.lastAvailIdx % q.size
	var entry [2]byte
	if err := q.region.ReadGuestInto(q.availRingAddr+4+uint64(ringIndex)*2, entry[:]); err != nil {
		return nil, err
	}
	head := binary.LittleEndian.Uint16(entry[:])
	q.lastAvailIdx++
	q.inflight = append(q.inflight, head)

	chain := &Chain{Head: head}
	index := head
	// Bounded by queue size to reject cyclic chains.
	for hop := uint16(0); ; hop++ {
		if hop >= q.size {
			return chain, fmt.Errorf("virtio: chain from head %d exceeds queue size: %w",
				head, ErrMalformedDescriptor)
		}
		desc, err := q.readDescriptor(index)
		if err != nil {
			return chain, err
		}
		if desc.Length > 0 && !q.region.Contains(desc.Addr, uint64(desc.Length)) {
			return chain, fmt.Errorf(
				"virtio: descriptor %d maps 0x%x+%d outside granted region: %w",
				index, desc.Addr, desc.Length, ErrMalformedDescriptor)
		}
		chain.Segments = append(chain.Segments, Segment{
			Addr:     desc.Addr,
			Length:   desc.Length,
			Writable: desc.Flags&descFWrite != 0,
		})
		if desc.Flags&descFNext == 0 {
			break
		}
		index = desc.Next
	}
	return chain, nil
}

// CompleteChain reports a chain done, posting its head and written byte
// count to the used ring. Under InOrder, completions that arrive before
// their predecessors are held back and flushed once their turn comes;
// under AnyOrder they are posted immediately.
func (q *Queue) CompleteChain(head uint16, written uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	pos := -1
	for i, h := range q.inflight {
		if h == head {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("virtio: completion for head %d that is not in flight", head)
	}

	if q.order == AnyOrder {
		q.inflight = append(q.inflight[:pos], q.inflight[pos+1:]...)
		return q.postUsed(head, written)
	}

	q.held[head] = written
	for len(q.inflight) > 0 {
		next := q.inflight[0]
		length, done := q.held[next]
		if !done {
			break
		}
		delete(q.held, next)
		q.inflight = q.inflight[1:]
		if err := q.postUsed(next, length); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) postUsed(head uint16, written uint32) error {
	slot := q.usedIdx % q.size
	base := q.usedRingAddr + 4 + uint64(slot)*8

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := q.region.WriteGuest(base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	if err := q.region.WriteGuest(q.usedRingAddr+2, idx[:]); err != nil {
		return err
	}
	q.notifyPending = true
	return nil
}

// InflightCount returns the number of popped chains not yet posted.
func (q *Queue) InflightCount() int { return len(q.inflight) }

// TakeNotify reports whether completions were posted since the last
// call and whether the driver wants an interrupt for them, clearing the
// pending flag. Devices that signal per completion call this after each
// CompleteChain; batching devices call it once per kick drain.
func (q *Queue) TakeNotify() bool {
	if !q.notifyPending {
		return false
	}
	q.notifyPending = false

	var header [2]byte
	if err := q.region.ReadGuestInto(q.availRingAddr, header[:]); err != nil {
		// If the flags cannot be read, err on the side of signalling.
		return true
	}
	return binary.LittleEndian.Uint16(header[:])&availFNoInterrupt == 0
}

// Region returns the region capability backing this queue.
func (q *Queue) Region() *hv.Region { return q.region }
