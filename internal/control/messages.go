package control

import (
	"errors"
	"fmt"
)

// Typed failure kinds carried by MsgErr responses.
const (
	ErrKindInvalidArgument   uint8 = 1
	ErrKindResourceExhausted uint8 = 2
	ErrKindUnavailable       uint8 = 3
	ErrKindPermissionDenied  uint8 = 4
	ErrKindTimedOut          uint8 = 5
	ErrKindInternal          uint8 = 6
)

// Sentinel errors for the failure kinds. Handlers return these (wrapped with
// context via fmt.Errorf and %w) and the channel maps them onto the wire.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnavailable       = errors.New("device unavailable")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrTimedOut          = errors.New("timed out")
)

// Failure is a typed failure decoded from a MsgErr response.
type Failure struct {
	Kind   uint8
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("control: %s: %s", failureName(f.Kind), f.Detail)
}

// Unwrap maps the wire kind back onto the matching sentinel so callers can
// test with errors.Is on either side of the channel.
func (f *Failure) Unwrap() error {
	switch f.Kind {
	case ErrKindInvalidArgument:
		return ErrInvalidArgument
	case ErrKindResourceExhausted:
		return ErrResourceExhausted
	case ErrKindUnavailable:
		return ErrUnavailable
	case ErrKindPermissionDenied:
		return ErrPermissionDenied
	case ErrKindTimedOut:
		return ErrTimedOut
	default:
		return nil
	}
}

func failureName(kind uint8) string {
	switch kind {
	case ErrKindInvalidArgument:
		return "invalid-argument"
	case ErrKindResourceExhausted:
		return "resource-exhausted"
	case ErrKindUnavailable:
		return "unavailable"
	case ErrKindPermissionDenied:
		return "permission-denied"
	case ErrKindTimedOut:
		return "timed-out"
	default:
		return "internal"
	}
}

// FailureKind classifies an error returned by a handler into a wire kind.
// Errors not matching a sentinel are reported as internal.
func FailureKind(err error) uint8 {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return ErrKindInvalidArgument
	case errors.Is(err, ErrResourceExhausted):
		return ErrKindResourceExhausted
	case errors.Is(err, ErrUnavailable):
		return ErrKindUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return ErrKindPermissionDenied
	case errors.Is(err, ErrTimedOut):
		return ErrKindTimedOut
	default:
		return ErrKindInternal
	}
}

// EncodeFailure builds a MsgErr payload from a handler error.
func EncodeFailure(err error) []byte {
	e := NewEncoder()
	e.Uint8(FailureKind(err))
	e.String(err.Error())
	return e.Bytes()
}

// DecodeFailure parses a MsgErr payload.
func DecodeFailure(payload []byte) (*Failure, error) {
	d := NewDecoder(payload)
	kind, err := d.Uint8()
	if err != nil {
		return nil, fmt.Errorf("control: decode failure: %w", err)
	}
	detail, err := d.String()
	if err != nil {
		return nil, fmt.Errorf("control: decode failure: %w", err)
	}
	return &Failure{Kind: kind, Detail: detail}, nil
}

// ResizeRequest asks a balloon device to target a new guest memory size.
type ResizeRequest struct {
	TargetBytes uint64
}

// Encode serializes the request payload.
func (r *ResizeRequest) Encode() []byte {
	e := NewEncoder()
	e.Uint64(r.TargetBytes)
	return e.Bytes()
}

// DecodeResizeRequest parses a MsgResize payload.
func DecodeResizeRequest(payload []byte) (*ResizeRequest, error) {
	d := NewDecoder(payload)
	target, err := d.Uint64()
	if err != nil {
		return nil, fmt.Errorf("control: decode resize: %w", err)
	}
	return &ResizeRequest{TargetBytes: target}, nil
}

// AttachDeviceRequest asks the supervisor to spawn a device process for the
// given device spec. The spec is carried as YAML, matching the on-disk
// device spec format.
type AttachDeviceRequest struct {
	ID       string
	Type     string
	SpecYAML []byte
}

// Encode serializes the request payload.
func (r *AttachDeviceRequest) Encode() []byte {
	e := NewEncoder()
	e.String(r.ID)
	e.String(r.Type)
	e.WriteBytes(r.SpecYAML)
	return e.Bytes()
}

// DecodeAttachDeviceRequest parses a MsgAttachDevice payload.
func DecodeAttachDeviceRequest(payload []byte) (*AttachDeviceRequest, error) {
	d := NewDecoder(payload)
	r := &AttachDeviceRequest{}
	var err error
	if r.ID, err = d.String(); err != nil {
		return nil, fmt.Errorf("control: decode attach-device: %w", err)
	}
	if r.Type, err = d.String(); err != nil {
		return nil, fmt.Errorf("control: decode attach-device: %w", err)
	}
	if r.SpecYAML, err = d.ReadBytes(); err != nil {
		return nil, fmt.Errorf("control: decode attach-device: %w", err)
	}
	return r, nil
}

// DetachDeviceRequest asks the supervisor to tear down a device process.
type DetachDeviceRequest struct {
	ID string
}

// Encode serializes the request payload.
func (r *DetachDeviceRequest) Encode() []byte {
	e := NewEncoder()
	e.String(r.ID)
	return e.Bytes()
}

// DecodeDetachDeviceRequest parses a MsgDetachDevice payload.
func DecodeDetachDeviceRequest(payload []byte) (*DetachDeviceRequest, error) {
	d := NewDecoder(payload)
	id, err := d.String()
	if err != nil {
		return nil, fmt.Errorf("control: decode detach-device: %w", err)
	}
	return &DetachDeviceRequest{ID: id}, nil
}

// Power event codes carried by MsgPowerEvent.
const (
	PowerButton uint8 = 1
	PowerReset  uint8 = 2
	PowerSleep  uint8 = 3
)

// PowerEventRequest delivers a power signal to the machine.
type PowerEventRequest struct {
	Event uint8
}

// Encode serializes the request payload.
func (r *PowerEventRequest) Encode() []byte {
	e := NewEncoder()
	e.Uint8(r.Event)
	return e.Bytes()
}

// DecodePowerEventRequest parses a MsgPowerEvent payload.
func DecodePowerEventRequest(payload []byte) (*PowerEventRequest, error) {
	d := NewDecoder(payload)
	ev, err := d.Uint8()
	if err != nil {
		return nil, fmt.Errorf("control: decode power-event: %w", err)
	}
	return &PowerEventRequest{Event: ev}, nil
}

// ShutdownRequest asks the peer to shut down gracefully.
type ShutdownRequest struct {
	Reason string
}

// Encode serializes the request payload.
func (r *ShutdownRequest) Encode() []byte {
	e := NewEncoder()
	e.String(r.Reason)
	return e.Bytes()
}

// DecodeShutdownRequest parses a MsgShutdown payload.
func DecodeShutdownRequest(payload []byte) (*ShutdownRequest, error) {
	d := NewDecoder(payload)
	reason, err := d.String()
	if err != nil {
		return nil, fmt.Errorf("control: decode shutdown: %w", err)
	}
	return &ShutdownRequest{Reason: reason}, nil
}

// QueueKickEvent forwards a guest queue notification to the device process
// that owns the queue.
type QueueKickEvent struct {
	Queue uint16
}

// Encode serializes the event payload.
func (ev *QueueKickEvent) Encode() []byte {
	e := NewEncoder()
	e.Uint16(ev.Queue)
	return e.Bytes()
}

// DecodeQueueKickEvent parses a MsgEventQueueKick payload.
func DecodeQueueKickEvent(payload []byte) (*QueueKickEvent, error) {
	d := NewDecoder(payload)
	queue, err := d.Uint16()
	if err != nil {
		return nil, fmt.Errorf("control: decode queue-kick: %w", err)
	}
	return &QueueKickEvent{Queue: queue}, nil
}

// DeviceExitedEvent announces that a device process terminated.
type DeviceExitedEvent struct {
	ID       string
	ExitCode int32
}

// Encode serializes the event payload.
func (ev *DeviceExitedEvent) Encode() []byte {
	e := NewEncoder()
	e.String(ev.ID)
	e.Uint32(uint32(ev.ExitCode))
	return e.Bytes()
}

// DecodeDeviceExitedEvent parses a MsgEventDeviceExited payload.
func DecodeDeviceExitedEvent(payload []byte) (*DeviceExitedEvent, error) {
	d := NewDecoder(payload)
	ev := &DeviceExitedEvent{}
	var err error
	if ev.ID, err = d.String(); err != nil {
		return nil, fmt.Errorf("control: decode device-exited: %w", err)
	}
	code, err := d.Uint32()
	if err != nil {
		return nil, fmt.Errorf("control: decode device-exited: %w", err)
	}
	ev.ExitCode = int32(code)
	return ev, nil
}

// StatsRequest asks the machine for statistics from one device.
type StatsRequest struct {
	ID string
}

// Encode serializes the request payload.
func (r *StatsRequest) Encode() []byte {
	e := NewEncoder()
	e.String(r.ID)
	return e.Bytes()
}

// DecodeStatsRequest parses a MsgStats payload.
func DecodeStatsRequest(payload []byte) (*StatsRequest, error) {
	d := NewDecoder(payload)
	id, err := d.String()
	if err != nil {
		return nil, fmt.Errorf("control: decode stats: %w", err)
	}
	return &StatsRequest{ID: id}, nil
}

// IOReadRequest forwards a guest register read into a device process. Addr
// is the guest physical address; Size is the access width in bytes.
type IOReadRequest struct {
	Addr uint64
	Size uint8
}

// Encode serializes the request payload.
func (r *IOReadRequest) Encode() []byte {
	e := NewEncoder()
	e.Uint64(r.Addr)
	e.Uint8(r.Size)
	return e.Bytes()
}

// DecodeIOReadRequest parses a MsgIORead payload.
func DecodeIOReadRequest(payload []byte) (*IOReadRequest, error) {
	d := NewDecoder(payload)
	r := &IOReadRequest{}
	var err error
	if r.Addr, err = d.Uint64(); err != nil {
		return nil, fmt.Errorf("control: decode io-read: %w", err)
	}
	if r.Size, err = d.Uint8(); err != nil {
		return nil, fmt.Errorf("control: decode io-read: %w", err)
	}
	return r, nil
}

// IOWriteRequest forwards a guest register write into a device process.
type IOWriteRequest struct {
	Addr uint64
	Data []byte
}

// Encode serializes the request payload.
func (r *IOWriteRequest) Encode() []byte {
	e := NewEncoder()
	e.Uint64(r.Addr)
	e.WriteBytes(r.Data)
	return e.Bytes()
}

// DecodeIOWriteRequest parses a MsgIOWrite payload.
func DecodeIOWriteRequest(payload []byte) (*IOWriteRequest, error) {
	d := NewDecoder(payload)
	r := &IOWriteRequest{}
	var err error
	if r.Addr, err = d.Uint64(); err != nil {
		return nil, fmt.Errorf("control: decode io-write: %w", err)
	}
	if r.Data, err = d.ReadBytes(); err != nil {
		return nil, fmt.Errorf("control: decode io-write: %w", err)
	}
	return r, nil
}

// IRQAssertEvent asks the VMM to assert the routing entry for the sending
// device's interrupt line. Level semantics are enforced on the VMM side;
// the device process only requests the assertion.
type IRQAssertEvent struct {
	Line uint32
}

// Encode serializes the event payload.
func (ev *IRQAssertEvent) Encode() []byte {
	e := NewEncoder()
	e.Uint32(ev.Line)
	return e.Bytes()
}

// DecodeIRQAssertEvent parses a MsgEventIRQAssert payload.
func DecodeIRQAssertEvent(payload []byte) (*IRQAssertEvent, error) {
	d := NewDecoder(payload)
	line, err := d.Uint32()
	if err != nil {
		return nil, fmt.Errorf("control: decode irq-assert: %w", err)
	}
	return &IRQAssertEvent{Line: line}, nil
}
