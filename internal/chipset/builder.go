package chipset

import (
	"errors"
	"fmt"

	"github.com/burrowvm/burrow/internal/hv"
)

// ErrOverlap is wrapped by registration errors caused by a range that
// collides with an already-registered device. Configuration errors of
// this kind are fatal to the attach operation only; previously
// registered ranges are left untouched.
var ErrOverlap = errors.New("address range overlaps a registered device")

type mmioBinding struct {
	region  hv.MMIORegion
	handler MMIOHandler
}

// Builder registers devices and their intercepts before producing a
// Chipset. All configuration checking happens here, not during
// dispatch.
type Builder struct {
	devices map[string]Device
	pio     map[uint16]PortIOHandler
	mmio    []mmioBinding
	notify  map[uint64]KickHandler
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]Device),
		pio:     make(map[uint16]PortIOHandler),
		notify:  make(map[uint64]KickHandler),
	}
}

// RegisterDevice adds a device and wires up its intercepts. On any
// failure the builder is left exactly as it was before the call.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	staged := b.stage()

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := staged.addPort(port, intercept.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMMIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := staged.addRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
		}
	}

	for _, qn := range dev.SupportsQueueNotify() {
		if qn.Handler == nil {
			return fmt.Errorf("chipset: device %q provided notify address with nil handler", name)
		}
		if err := staged.addNotify(qn.Addr, qn.Handler); err != nil {
			return fmt.Errorf("chipset: device %q: %w", name, err)
		}
	}

	staged.commit(b)
	b.devices[name] = dev
	return nil
}

// Unregister removes a device and all of its intercepts, freeing its
// ranges for later registrations. Unknown names are a no-op.
func (b *Builder) Unregister(name string) {
	dev, ok := b.devices[name]
	if !ok {
		return
	}
	delete(b.devices, name)

	if intercept := dev.SupportsPortIO(); intercept != nil {
		for _, port := range intercept.Ports {
			delete(b.pio, port)
		}
	}
	if intercept := dev.SupportsMMIO(); intercept != nil {
		for _, region := range intercept.Regions {
			for i, binding := range b.mmio {
				if binding.region == region {
					b.mmio = append(b.mmio[:i], b.mmio[i+1:]...)
					break
				}
			}
		}
	}
	for _, qn := range dev.SupportsQueueNotify() {
		delete(b.notify, qn.Addr)
	}
}

// Build produces an immutable dispatch table from the current
// registrations.
func (b *Builder) Build() *Chipset {
	c := &Chipset{
		pio:    make(map[uint16]PortIOHandler, len(b.pio)),
		notify: make(map[uint64]KickHandler, len(b.notify)),
		mmio:   make([]mmioBinding, len(b.mmio)),
	}
	for port, handler := range b.pio {
		c.pio[port] = handler
	}
	for addr, handler := range b.notify {
		c.notify[addr] = handler
	}
	copy(c.mmio, b.mmio)
	return c
}

// stagedBinding accumulates one device's intercepts so a failed
// registration never leaves partial state behind.
type stagedBinding struct {
	base   *Builder
	pio    map[uint16]PortIOHandler
	mmio   []mmioBinding
	notify map[uint64]KickHandler
}

func (b *Builder) stage() *stagedBinding {
	return &stagedBinding{
		base:   b,
		pio:    make(map[uint16]PortIOHandler),
		notify: make(map[uint64]KickHandler),
	}
}

func (s *stagedBinding) addPort(port uint16, handler PortIOHandler) error {
	if _, exists := s.base.pio[port]; exists {
		return fmt.Errorf("I/O port 0x%x: %w", port, ErrOverlap)
	}
	if _, exists := s.pio[port]; exists {
		return fmt.Errorf("I/O port 0x%x registered twice by the same device", port)
	}
	s.pio[port] = handler
	return nil
}

func (s *stagedBinding) addRegion(base, size uint64, handler MMIOHandler) error {
	if size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range append(s.base.mmio, s.mmio...) {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"MMIO region 0x%x-0x%x collides with 0x%x-0x%x: %w",
				base, base+size-1,
				existing.region.Address, existing.region.Address+existing.region.Size-1,
				ErrOverlap)
		}
	}
	s.mmio = append(s.mmio, mmioBinding{
		region:  hv.MMIORegion{Address: base, Size: size},
		handler: handler,
	})
	return nil
}

func (s *stagedBinding) addNotify(addr uint64, handler KickHandler) error {
	if _, exists := s.base.notify[addr]; exists {
		return fmt.Errorf("queue notify address 0x%x: %w", addr, ErrOverlap)
	}
	if _, exists := s.notify[addr]; exists {
		return fmt.Errorf("queue notify address 0x%x registered twice by the same device", addr)
	}
	s.notify[addr] = handler
	return nil
}

func (s *stagedBinding) commit(b *Builder) {
	for port, handler := range s.pio {
		b.pio[port] = handler
	}
	b.mmio = append(b.mmio, s.mmio...)
	for addr, handler := range s.notify {
		b.notify[addr] = handler
	}
}

func regionsOverlap(aBase, aSize, bBase, bSize uint64) bool {
	return aBase < bBase+bSize && bBase < aBase+aSize
}
