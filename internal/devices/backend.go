package devices

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/hv"
	"github.com/burrowvm/burrow/internal/reactor"
	"github.com/burrowvm/burrow/internal/virtio"
)

// ErrUnknownDeviceType is a configuration error reported at attach time.
var ErrUnknownDeviceType = errors.New("devices: unknown device type")

// Env is the capability set handed to a backend at build time. The memory
// region is the backend's declared DMA window; a backend never touches guest
// memory outside it.
type Env struct {
	Memory  *hv.Region
	Reactor *reactor.Reactor
	IRQ     *hv.RoutingEntry
	Log     *slog.Logger
}

// Backend is the capability surface every device backend implements,
// regardless of which hardware it emulates. Register-level work and queue
// processing both run on the reactor goroutine; only explicitly submitted
// I/O leaves it.
type Backend interface {
	// Type returns the device type name.
	Type() string

	// VirtioID returns the virtio device id presented to the guest.
	VirtioID() uint32

	// Features returns the device feature bits offered to the guest.
	Features() uint64

	// QueueCount returns the number of virtqueues.
	QueueCount() int

	// QueueMaxSize returns the maximum queue depth.
	QueueMaxSize() uint16

	// ConfigBytes returns the device config space as seen by the guest.
	ConfigBytes() []byte

	// WriteConfig applies a guest write to the config space. Most devices
	// treat the config space as read-only and ignore it.
	WriteConfig(offset uint64, value uint32)

	// ProcessQueue is invoked after a kick. It walks available
	// descriptors, performs the backend work, and posts completions.
	// Cheap devices complete synchronously; I/O-bound devices submit
	// reactor work and complete from its callback.
	ProcessQueue(transport *Transport, queueID uint16) error

	// OnControlMessage handles backend-scoped control requests.
	OnControlMessage(transport *Transport, req *control.Request) ([]byte, error)

	// Close releases backend resources.
	Close() error
}

// BuildFunc constructs a backend from its spec.
type BuildFunc func(env *Env, spec *Spec) (Backend, error)

var builders = map[string]BuildFunc{
	TypeBlock:   newBlockBackend,
	TypeBalloon: newBalloonBackend,
	TypeNet:     newNetBackend,
}

// Build constructs the backend named by the spec's type.
func Build(env *Env, spec *Spec) (Backend, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	build, ok := builders[spec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeviceType, spec.Type)
	}
	backend, err := build(env, spec)
	if err != nil {
		return nil, fmt.Errorf("devices: build %s %q: %w", spec.Type, spec.ID, err)
	}
	return backend, nil
}

// failChain posts a zero-length completion for a chain that could not be
// served. The guest sees the buffer returned unused; the device keeps
// running.
func failChain(env *Env, q *virtio.Queue, head uint16, cause error) {
	env.Log.Warn("malformed guest request", "head", head, "error", cause)
	if err := q.CompleteChain(head, 0); err != nil {
		env.Log.Warn("failed completion for malformed chain", "head", head, "error", err)
	}
}
