// Package control implements the control-plane protocol between the VMM
// and its sandboxed device processes. Messages are length-prefixed binary
// frames carrying a correlation token, so a requester can match responses
// and asynchronous events can share the same connection.
package control

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message kinds.
// Organized by category with a prefix byte.
const (
	// Device management requests (0x01xx)
	MsgResize       uint16 = 0x0100
	MsgAttachDevice uint16 = 0x0101
	MsgDetachDevice uint16 = 0x0102
	MsgStats        uint16 = 0x0103

	// Machine lifecycle requests (0x02xx)
	MsgPowerEvent uint16 = 0x0200
	MsgSuspend    uint16 = 0x0201
	MsgResume     uint16 = 0x0202
	MsgShutdown   uint16 = 0x0203

	// Guest I/O forwarding (0x03xx). The VMM proxies register-level
	// accesses into the device process that owns the window.
	MsgIORead  uint16 = 0x0300
	MsgIOWrite uint16 = 0x0301

	// Asynchronous events (0xFExx). Events carry no response.
	MsgEventConfigChanged uint16 = 0xFE00
	MsgEventDeviceExited  uint16 = 0xFE01
	MsgEventQueueKick     uint16 = 0xFE02
	MsgEventIRQAssert     uint16 = 0xFE03

	// Response types (0xFFxx)
	MsgOk  uint16 = 0xFF00
	MsgErr uint16 = 0xFF01
)

// IsEvent reports whether kind is an asynchronous event.
func IsEvent(kind uint16) bool {
	return kind>>8 == 0xFE
}

// IsResponse reports whether kind is a response.
func IsResponse(kind uint16) bool {
	return kind>>8 == 0xFF
}

// KindName returns a short human-readable name for a message kind.
func KindName(kind uint16) string {
	switch kind {
	case MsgResize:
		return "resize"
	case MsgAttachDevice:
		return "attach-device"
	case MsgDetachDevice:
		return "detach-device"
	case MsgStats:
		return "stats"
	case MsgPowerEvent:
		return "power-event"
	case MsgSuspend:
		return "suspend"
	case MsgResume:
		return "resume"
	case MsgShutdown:
		return "shutdown"
	case MsgIORead:
		return "io-read"
	case MsgIOWrite:
		return "io-write"
	case MsgEventConfigChanged:
		return "event-config-changed"
	case MsgEventDeviceExited:
		return "event-device-exited"
	case MsgEventQueueKick:
		return "event-queue-kick"
	case MsgEventIRQAssert:
		return "event-irq-assert"
	case MsgOk:
		return "ok"
	case MsgErr:
		return "err"
	default:
		return fmt.Sprintf("unknown(0x%04x)", kind)
	}
}

// Wire format:
// [2 bytes: kind (big endian)]
// [8 bytes: correlation token (big endian)]
// [4 bytes: payload_len (big endian)]
// [payload_len bytes: payload]

// Header represents a message header.
type Header struct {
	Kind   uint16
	Token  uint64
	Length uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 14

// MaxPayload bounds a single frame. A peer announcing a larger payload is
// treated as a protocol violation and the connection is torn down.
const MaxPayload = 1 << 20

// ReadHeader reads a message header from the reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Kind:   binary.BigEndian.Uint16(buf[0:2]),
		Token:  binary.BigEndian.Uint64(buf[2:10]),
		Length: binary.BigEndian.Uint32(buf[10:14]),
	}
	if h.Length > MaxPayload {
		return Header{}, fmt.Errorf("control: frame of %d bytes exceeds limit", h.Length)
	}
	return h, nil
}

// WriteHeader writes a message header to the writer.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Kind)
	binary.BigEndian.PutUint64(buf[2:10], h.Token)
	binary.BigEndian.PutUint32(buf[10:14], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadMessage reads one complete frame.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("control: short payload: %w", err)
	}
	return h, payload, nil
}

// WriteMessage writes one complete frame.
func WriteMessage(w io.Writer, kind uint16, token uint64, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("control: frame of %d bytes exceeds limit", len(payload))
	}
	if err := WriteHeader(w, Header{Kind: kind, Token: token, Length: uint32(len(payload))}); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Encoder builds message payloads.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Reset clears the buffer for reuse.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Uint8 appends a uint8.
func (e *Encoder) Uint8(v uint8) {
	e.buf = append(e.buf, v)
}

// Uint16 appends a uint16 (big endian).
func (e *Encoder) Uint16(v uint16) {
	e.buf = append(e.buf, byte(v>>8), byte(v))
}

// Uint32 appends a uint32 (big endian).
func (e *Encoder) Uint32(v uint32) {
	e.buf = append(e.buf,
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Uint64 appends a uint64 (big endian).
func (e *Encoder) Uint64(v uint64) {
	e.buf = append(e.buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Bool appends a bool (1 byte).
func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// String appends a length-prefixed string (4 bytes length + data).
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes appends a length-prefixed byte slice (4 bytes length + data).
func (e *Encoder) WriteBytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Decoder reads message payloads.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder for the given bytes.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// Uint16 reads a uint16 (big endian).
func (d *Decoder) Uint16() (uint16, error) {
	if d.pos+2 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

// Uint32 reads a uint32 (big endian).
func (d *Decoder) Uint32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// Uint64 reads a uint64 (big endian).
func (d *Decoder) Uint64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Bool reads a bool (1 byte).
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// String reads a length-prefixed string.
func (d *Decoder) String() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads a length-prefixed byte slice.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}
