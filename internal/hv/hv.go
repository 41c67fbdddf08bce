// Package hv declares the hypervisor capabilities the device core
// consumes. The privileged calls behind these interfaces (creating
// vCPUs, mapping guest memory, wiring interrupt routes) are issued by
// the hypervisor abstraction layer, never by this module.
package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrVMHalted   = errors.New("virtual machine halted")
	ErrOutOfRange = errors.New("guest address out of mapped range")
)

// ExitReason identifies why a vCPU returned to userspace.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitMMIO
	ExitPIO
	ExitHalt
	ExitIntrWindow
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitMMIO:
		return "mmio"
	case ExitPIO:
		return "pio"
	case ExitHalt:
		return "halt"
	case ExitIntrWindow:
		return "intr-window"
	case ExitShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Exit describes a single trapped guest access. For ExitMMIO, Addr is a
// guest physical address; for ExitPIO it is a port number. Data holds
// the access bytes: on writes it carries the guest's value, on reads
// the handler fills it in.
type Exit struct {
	Reason  ExitReason
	Addr    uint64
	Data    []byte
	IsWrite bool
}

// MMIORegion is a guest physical address range served by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// GuestMemory is the raw guest physical memory surface. Offsets are
// guest physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// VCPURunner runs one virtual CPU until its next exit.
type VCPURunner interface {
	RunVCPU(ctx context.Context) (Exit, error)
}

// IRQInjector injects an interrupt vector into the guest.
type IRQInjector interface {
	InjectIRQ(vector uint32) error
}

// MemoryMapper hands out region capabilities for declared DMA windows.
// A device process receives exactly the regions its device spec
// declares; there is no ambient view of the full guest address space.
type MemoryMapper interface {
	MapGuestMemory(base, size uint64) (*Region, error)
}

// IRQRouter creates routing entries mapping a device's logical
// interrupt line to an injectable vector.
type IRQRouter interface {
	CreateRoute(line uint32) (*RoutingEntry, error)
}
