package chipset

import (
	"errors"
	"fmt"

	"github.com/burrowvm/burrow/internal/hv"
)

// ErrUnhandled marks an access no registered device claims. The exit
// loop supplies the architectural default for such accesses (all-ones
// for reads, writes dropped) instead of failing the VM.
var ErrUnhandled = errors.New("unhandled guest access")

// Chipset is the immutable dispatch table the VM exit loop consults.
type Chipset struct {
	pio    map[uint16]PortIOHandler
	mmio   []mmioBinding
	notify map[uint64]KickHandler
}

// Dispatch routes one trapped guest access. Queue-notification writes
// are recognized first and delivered as kicks; everything else is
// register-level I/O. Dispatch never blocks: kick handlers only enqueue
// work, and register handlers complete synchronously.
func (c *Chipset) Dispatch(exit *hv.Exit) error {
	switch exit.Reason {
	case hv.ExitPIO:
		return c.handlePIO(uint16(exit.Addr), exit.Data, exit.IsWrite)
	case hv.ExitMMIO:
		return c.handleMMIO(exit.Addr, exit.Data, exit.IsWrite)
	default:
		return fmt.Errorf("chipset: exit reason %s is not an I/O access", exit.Reason)
	}
}

// FillUnhandled applies the architecturally-defined default for an
// access no device claimed: reads observe all-ones, writes are ignored.
func FillUnhandled(exit *hv.Exit) {
	if exit.IsWrite {
		return
	}
	for i := range exit.Data {
		exit.Data[i] = 0xff
	}
}

func (c *Chipset) handlePIO(port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: I/O port 0x%04x: %w", port, ErrUnhandled)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

func (c *Chipset) handleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	if isWrite {
		if handler, ok := c.notify[addr]; ok {
			// The written value selects the queue being kicked.
			handler.Kicked(notifyValue(data))
			return nil
		}
	}

	for _, binding := range c.mmio {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: MMIO address 0x%016x: %w", addr, ErrUnhandled)
}

func notifyValue(data []byte) uint16 {
	switch len(data) {
	case 0:
		return 0
	case 1:
		return uint16(data[0])
	default:
		return uint16(data[0]) | uint16(data[1])<<8
	}
}
