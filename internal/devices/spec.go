// Package devices implements the virtio device backends and the MMIO
// transport that exposes them to the guest. Each backend owns the
// guest-visible state for one virtual device and is driven entirely from its
// device process's reactor goroutine.
package devices

import (
	"fmt"
	"net"

	"gopkg.in/yaml.v3"
)

// Device type names. The set is closed: an unknown type is a configuration
// error at attach time, not a runtime fallback.
const (
	TypeBlock   = "block"
	TypeBalloon = "balloon"
	TypeNet     = "net"
)

// Spec describes one device to attach. It is the YAML document carried by
// attach-device control requests and by on-disk machine configuration.
type Spec struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	// MMIOBase pins the register window. Zero means allocate.
	MMIOBase uint64 `yaml:"mmio_base,omitempty"`
	IRQLine  uint32 `yaml:"irq_line,omitempty"`

	Block   *BlockSpec   `yaml:"block,omitempty"`
	Balloon *BalloonSpec `yaml:"balloon,omitempty"`
	Net     *NetSpec     `yaml:"net,omitempty"`
}

// BlockSpec configures a file-backed block device.
type BlockSpec struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// BalloonSpec configures a memory balloon.
type BalloonSpec struct {
	// TargetBytes is the initial balloon size. Zero means deflated.
	TargetBytes uint64 `yaml:"target_bytes,omitempty"`
}

// NetSpec configures a network device backed by a userspace network stack.
type NetSpec struct {
	MAC     string `yaml:"mac,omitempty"`
	MTU     uint32 `yaml:"mtu,omitempty"`
	GuestIP string `yaml:"guest_ip,omitempty"`
	HostIP  string `yaml:"host_ip,omitempty"`
}

// ParseSpec decodes and validates a YAML device spec.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("devices: parse spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the spec for configuration errors.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("devices: spec has no id")
	}
	switch s.Type {
	case TypeBlock:
		if s.Block == nil || s.Block.Path == "" {
			return fmt.Errorf("devices: %s: block device needs a backing path", s.ID)
		}
	case TypeBalloon:
	case TypeNet:
		if s.Net != nil && s.Net.MAC != "" {
			if _, err := net.ParseMAC(s.Net.MAC); err != nil {
				return fmt.Errorf("devices: %s: bad mac %q: %w", s.ID, s.Net.MAC, err)
			}
		}
	case "":
		return fmt.Errorf("devices: %s: spec has no type", s.ID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDeviceType, s.Type)
	}
	return nil
}

// Encode serializes the spec back to YAML.
func (s *Spec) Encode() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("devices: encode spec: %w", err)
	}
	return data, nil
}
