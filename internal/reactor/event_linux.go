package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is an edge you can trigger from any goroutine to wake the
// reactor. It wraps a non-blocking eventfd; triggers coalesce until the
// reactor drains the counter.
type Event struct {
	fd int
}

// NewEvent creates a new wakeup event.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	return &Event{fd: fd}, nil
}

// Trigger wakes the reactor. Safe from any goroutine, including the VM
// exit path; it never blocks.
func (e *Event) Trigger() error {
	var one = [8]byte{1}
	for {
		_, err := unix.Write(e.fd, one[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// Counter saturated; the pending wake already covers us.
			return nil
		}
		if err != nil {
			return fmt.Errorf("reactor: trigger event: %w", err)
		}
		return nil
	}
}

// Clear drains the counter. Called by the reactor before draining the
// source so a trigger racing with the drain re-arms the event.
func (e *Event) Clear() {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// FD returns the underlying file descriptor.
func (e *Event) FD() int { return e.fd }

// Close releases the eventfd.
func (e *Event) Close() error {
	return unix.Close(e.fd)
}

// Timer is a timerfd-backed timer source.
type Timer struct {
	fd int
}

// NewTimer creates a disarmed monotonic timer.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: timerfd: %w", err)
	}
	return &Timer{fd: fd}, nil
}

// ArmOnce fires the timer once after d nanoseconds.
func (t *Timer) ArmOnce(d int64) error {
	spec := unix.ItimerSpec{
		Value: unix.Timespec{Sec: d / 1e9, Nsec: d % 1e9},
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("reactor: arm timer: %w", err)
	}
	return nil
}

// ArmInterval fires the timer every d nanoseconds.
func (t *Timer) ArmInterval(d int64) error {
	ts := unix.Timespec{Sec: d / 1e9, Nsec: d % 1e9}
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("reactor: arm timer: %w", err)
	}
	return nil
}

// Disarm cancels any pending expiration.
func (t *Timer) Disarm() error {
	var spec unix.ItimerSpec
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("reactor: disarm timer: %w", err)
	}
	return nil
}

// Clear consumes pending expirations.
func (t *Timer) Clear() {
	var buf [8]byte
	for {
		_, err := unix.Read(t.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// FD returns the underlying file descriptor.
func (t *Timer) FD() int { return t.fd }

// Close releases the timerfd.
func (t *Timer) Close() error {
	return unix.Close(t.fd)
}
