package hv

import (
	"fmt"
)

// Region is a bounds-checked window into guest physical memory. It is
// the only memory capability a device backend ever holds: reads and
// writes outside [Base, Base+Size) fail with ErrOutOfRange instead of
// touching memory the device was not granted.
type Region struct {
	base uint64
	size uint64
	mem  GuestMemory
}

// NewRegion wraps mem with a window at [base, base+size).
func NewRegion(mem GuestMemory, base, size uint64) (*Region, error) {
	if mem == nil {
		return nil, fmt.Errorf("hv: region requires guest memory")
	}
	if size == 0 {
		return nil, fmt.Errorf("hv: region at 0x%x has zero size", base)
	}
	if base+size < base {
		return nil, fmt.Errorf("hv: region at 0x%x with size 0x%x overflows", base, size)
	}
	return &Region{base: base, size: size, mem: mem}, nil
}

// EmptyRegion returns a region that grants no memory at all. Every
// non-empty access fails with ErrOutOfRange; zero-length accesses
// succeed without touching memory. It backs devices that run without a
// DMA window.
func EmptyRegion() *Region {
	return &Region{}
}

func (r *Region) Base() uint64 { return r.base }
func (r *Region) Size() uint64 { return r.size }

// Contains reports whether [addr, addr+length) lies fully inside the region.
func (r *Region) Contains(addr uint64, length uint64) bool {
	end := addr + length
	if end < addr {
		return false
	}
	return addr >= r.base && end <= r.base+r.size
}

// ReadGuest reads length bytes at the guest physical address addr.
func (r *Region) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := r.ReadGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadGuestInto fills buf from the guest physical address addr.
func (r *Region) ReadGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if !r.Contains(addr, uint64(len(buf))) {
		return fmt.Errorf("hv: read 0x%x+%d outside region 0x%x-0x%x: %w",
			addr, len(buf), r.base, r.base+r.size, ErrOutOfRange)
	}
	n, err := r.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("hv: guest read at 0x%x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("hv: short guest read at 0x%x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

// WriteGuest writes data at the guest physical address addr.
func (r *Region) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !r.Contains(addr, uint64(len(data))) {
		return fmt.Errorf("hv: write 0x%x+%d outside region 0x%x-0x%x: %w",
			addr, len(data), r.base, r.base+r.size, ErrOutOfRange)
	}
	n, err := r.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("hv: guest write at 0x%x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("hv: short guest write at 0x%x (want %d, got %d)", addr, len(data), n)
	}
	return nil
}
