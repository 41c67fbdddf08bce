package hv

import (
	"fmt"
	"sync"
)

// AddressSpace hands out guest physical address ranges for device MMIO
// regions, keeping them above RAM and away from each other. The
// dispatcher still performs its own overlap check at registration; this
// allocator exists so hot-plugged devices get fresh ranges without the
// caller picking addresses by hand.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	nextMMIO    uint64
	allocations []MMIOAllocation
}

// MMIOAllocation is one carved-out MMIO range.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// MMIOAllocationRequest asks for a region of at least Size bytes.
// Alignment defaults to 4KB and must be a power of two.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// NewAddressSpace creates an allocator for a VM whose RAM occupies
// [ramBase, ramBase+ramSize). MMIO allocations start above RAM.
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase:  ramBase,
		ramSize:  ramSize,
		nextMMIO: alignUp(ramBase+ramSize, 0x1000),
	}
}

// Allocate reserves a fresh MMIO region above RAM.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("hv: cannot allocate zero-size region for %s", req.Name)
	}
	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("hv: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, alignment)

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size
	return alloc, nil
}

// Allocations returns a copy of all handed-out regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]MMIOAllocation, len(a.allocations))
	copy(out, a.allocations)
	return out
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 { return a.ramBase }

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 { return a.ramSize }

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
