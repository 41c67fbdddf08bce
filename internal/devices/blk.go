package devices

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/virtio"
)

const (
	blkVirtioID     = 2
	blkQueueCount   = 1
	blkQueueNumMax  = 128
	blkSectorSize   = 512
	blkIDLength     = 20
	blkQueueRequest = 0

	// Disk I/O submitted to the reactor is bounded; expiry fails the
	// request with an I/O error, not the device.
	blkIOTimeout = 30 * time.Second
)

// Virtio block request types.
const (
	VIRTIO_BLK_T_IN     = 0 // Read
	VIRTIO_BLK_T_OUT    = 1 // Write
	VIRTIO_BLK_T_FLUSH  = 4 // Flush
	VIRTIO_BLK_T_GET_ID = 8 // Get device ID
)

// Virtio block status codes.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits.
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2
	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

// BlockBackend is a file-backed virtio block device. Disk reads and writes
// are submitted to the reactor so queue processing never stalls on the
// backing file.
type BlockBackend struct {
	env      *Env
	id       string
	file     *os.File
	readonly bool
	capacity uint64 // in 512-byte sectors
}

func newBlockBackend(env *Env, spec *Spec) (Backend, error) {
	flags := os.O_RDWR
	if spec.Block.ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(spec.Block.Path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open backing file: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat backing file: %w", err)
	}
	return &BlockBackend{
		env:      env,
		id:       spec.ID,
		file:     file,
		readonly: spec.Block.ReadOnly,
		capacity: uint64(fi.Size()) / blkSectorSize,
	}, nil
}

func (b *BlockBackend) Type() string         { return TypeBlock }
func (b *BlockBackend) VirtioID() uint32     { return blkVirtioID }
func (b *BlockBackend) QueueCount() int      { return blkQueueCount }
func (b *BlockBackend) QueueMaxSize() uint16 { return blkQueueNumMax }

func (b *BlockBackend) Features() uint64 {
	features := uint64(VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH)
	if b.readonly {
		features |= VIRTIO_BLK_F_RO
	}
	return features
}

func (b *BlockBackend) ConfigBytes() []byte {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], b.capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20)           // size_max
	binary.LittleEndian.PutUint32(buf[12:16], blkQueueNumMax) // seg_max
	binary.LittleEndian.PutUint32(buf[20:24], blkSectorSize)  // blk_size
	return buf[:]
}

func (b *BlockBackend) WriteConfig(offset uint64, value uint32) {}

func (b *BlockBackend) Close() error {
	return b.file.Close()
}

// blkRequest is one parsed descriptor chain: a 16-byte header, data
// segments, and a trailing one-byte status segment.
type blkRequest struct {
	reqType uint32
	sector  uint64
	data    []virtio.Segment
	status  virtio.Segment
	head    uint16
}

func (b *BlockBackend) ProcessQueue(t *Transport, queueID uint16) error {
	if queueID != blkQueueRequest {
		return nil
	}
	q := t.Queue(queueID)
	for {
		chain, err := q.PopChain()
		if err != nil {
			if chain != nil {
				// The head is registered in-flight; fail exactly
				// this chain and keep serving the queue.
				failChain(b.env, q, chain.Head, err)
				continue
			}
			return err
		}
		if chain == nil {
			return nil
		}

		req, err := b.parseRequest(chain)
		if err != nil {
			failChain(b.env, q, chain.Head, err)
			continue
		}
		b.execute(t, q, req)
	}
}

func (b *BlockBackend) parseRequest(chain *virtio.Chain) (*blkRequest, error) {
	if len(chain.Segments) < 2 {
		return nil, fmt.Errorf("request chain has %d segments", len(chain.Segments))
	}
	hdrSeg := chain.Segments[0]
	if hdrSeg.Writable || hdrSeg.Length < 16 {
		return nil, fmt.Errorf("bad request header segment")
	}
	statusSeg := chain.Segments[len(chain.Segments)-1]
	if !statusSeg.Writable || statusSeg.Length < 1 {
		return nil, fmt.Errorf("bad status segment")
	}

	hdr, err := b.env.Memory.ReadGuest(hdrSeg.Addr, 16)
	if err != nil {
		return nil, err
	}
	return &blkRequest{
		reqType: binary.LittleEndian.Uint32(hdr[0:4]),
		sector:  binary.LittleEndian.Uint64(hdr[8:16]),
		data:    chain.Segments[1 : len(chain.Segments)-1],
		status:  statusSeg,
		head:    chain.Head,
	}, nil
}

func (b *BlockBackend) execute(t *Transport, q *virtio.Queue, req *blkRequest) {
	offset := int64(req.sector) * blkSectorSize

	switch req.reqType {
	case VIRTIO_BLK_T_IN:
		var total uint32
		for _, seg := range req.data {
			if !seg.Writable {
				b.finish(t, q, req, VIRTIO_BLK_S_IOERR, 0)
				return
			}
			total += seg.Length
		}
		b.env.Reactor.SubmitIO(fmt.Sprintf("%s read", b.id), blkIOTimeout,
			func() ([]byte, error) {
				buf := make([]byte, total)
				n, err := b.file.ReadAt(buf, offset)
				if err != nil && n == 0 {
					return nil, err
				}
				return buf[:n], nil
			},
			func(data []byte, err error) {
				if err != nil {
					b.env.Log.Warn("disk read failed", "sector", req.sector, "error", err)
					b.finish(t, q, req, VIRTIO_BLK_S_IOERR, 0)
					return
				}
				written, werr := b.fillData(req, data)
				if werr != nil {
					failChain(b.env, q, req.head, werr)
					return
				}
				b.finish(t, q, req, VIRTIO_BLK_S_OK, written)
			})

	case VIRTIO_BLK_T_OUT:
		if b.readonly {
			b.finish(t, q, req, VIRTIO_BLK_S_IOERR, 0)
			return
		}
		// Gather guest data on the reactor, before suspending.
		var data []byte
		for _, seg := range req.data {
			if seg.Writable {
				b.finish(t, q, req, VIRTIO_BLK_S_IOERR, 0)
				return
			}
			chunk, err := b.env.Memory.ReadGuest(seg.Addr, seg.Length)
			if err != nil {
				failChain(b.env, q, req.head, err)
				return
			}
			data = append(data, chunk...)
		}
		b.env.Reactor.SubmitIO(fmt.Sprintf("%s write", b.id), blkIOTimeout,
			func() ([]byte, error) {
				_, err := b.file.WriteAt(data, offset)
				return nil, err
			},
			func(_ []byte, err error) {
				if err != nil {
					b.env.Log.Warn("disk write failed", "sector", req.sector, "error", err)
					b.finish(t, q, req, VIRTIO_BLK_S_IOERR, 0)
					return
				}
				b.finish(t, q, req, VIRTIO_BLK_S_OK, 0)
			})

	case VIRTIO_BLK_T_FLUSH:
		b.env.Reactor.SubmitIO(fmt.Sprintf("%s flush", b.id), blkIOTimeout,
			func() ([]byte, error) { return nil, b.file.Sync() },
			func(_ []byte, err error) {
				status := byte(VIRTIO_BLK_S_OK)
				if err != nil {
					status = VIRTIO_BLK_S_IOERR
				}
				b.finish(t, q, req, status, 0)
			})

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, blkIDLength)
		copy(id, b.id)
		written, err := b.fillData(req, id)
		if err != nil {
			failChain(b.env, q, req.head, err)
			return
		}
		b.finish(t, q, req, VIRTIO_BLK_S_OK, written)

	default:
		b.finish(t, q, req, VIRTIO_BLK_S_UNSUPP, 0)
	}
}

// fillData scatters data across the request's writable data segments.
func (b *BlockBackend) fillData(req *blkRequest, data []byte) (uint32, error) {
	var written uint32
	for _, seg := range req.data {
		if len(data) == 0 {
			break
		}
		n := uint32(len(data))
		if n > seg.Length {
			n = seg.Length
		}
		if err := b.env.Memory.WriteGuest(seg.Addr, data[:n]); err != nil {
			return written, err
		}
		data = data[n:]
		written += n
	}
	return written, nil
}

// finish writes the status byte and posts the completion.
func (b *BlockBackend) finish(t *Transport, q *virtio.Queue, req *blkRequest, status byte, dataWritten uint32) {
	if err := b.env.Memory.WriteGuest(req.status.Addr, []byte{status}); err != nil {
		failChain(b.env, q, req.head, err)
		return
	}
	if err := t.CompleteAndNotify(q, req.head, dataWritten+1); err != nil {
		b.env.Log.Warn("completion failed", "head", req.head, "error", err)
	}
}

func (b *BlockBackend) OnControlMessage(t *Transport, req *control.Request) ([]byte, error) {
	switch req.Kind {
	case control.MsgStats:
		e := control.NewEncoder()
		e.Uint64(b.capacity * blkSectorSize)
		e.Bool(b.readonly)
		return e.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %s for block device", control.ErrInvalidArgument, control.KindName(req.Kind))
	}
}

var _ Backend = (*BlockBackend)(nil)
