// Package chipset routes trapped guest accesses to the device backends
// that registered for them. Registration is checked eagerly: two live
// devices can never hold overlapping ranges, so dispatch itself is a
// pure lookup and never blocks the VM exit path.
package chipset

import (
	"github.com/burrowvm/burrow/internal/hv"
)

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MMIOHandler handles reads and writes to memory-mapped regions.
// Handlers run on the VM exit path and must complete without suspending.
type MMIOHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MMIOIntercept describes the MMIO regions a device serves.
type MMIOIntercept struct {
	Regions []hv.MMIORegion
	Handler MMIOHandler
}

// MMIORegion aliases the hypervisor-layer region descriptor.
type MMIORegion = hv.MMIORegion

// KickHandler receives queue-notification signals. Kicked must enqueue
// work (typically on the device's reactor) and return immediately; it
// is invoked from the VM exit path.
type KickHandler interface {
	Kicked(queue uint16)
}

// QueueNotifyIntercept registers an address whose writes are decoded as
// virtio queue notifications instead of plain register writes. The
// written value selects the queue index.
type QueueNotifyIntercept struct {
	Addr    uint64
	Handler KickHandler
}

// Device is the registration surface a backend exposes to the
// dispatcher. Any of the three intercept accessors may return nil.
type Device interface {
	SupportsPortIO() *PortIOIntercept
	SupportsMMIO() *MMIOIntercept
	SupportsQueueNotify() []QueueNotifyIntercept
}
