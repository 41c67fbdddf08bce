package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/devices"
)

const (
	helperEnv     = "BURROW_TEST_DEVICE_HELPER"
	helperModeEnv = "BURROW_TEST_DEVICE_MODE"
)

// TestMain doubles as the device process: when re-executed with the helper
// environment set, the binary behaves like a device child instead of
// running the test suite.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runDeviceHelper(os.Getenv(helperModeEnv))
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runDeviceHelper serves the control channel on fd 3 the way a real device
// process would.
func runDeviceHelper(mode string) {
	// The spec arrives on stdin.
	if _, err := io.ReadAll(os.Stdin); err != nil {
		os.Exit(2)
	}

	file := os.NewFile(controlFD, "control")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown := make(chan struct{})
	handler := func(req *control.Request) ([]byte, error) {
		if mode == "stall" {
			select {} // never respond, never exit
		}
		switch req.Kind {
		case control.MsgShutdown:
			close(shutdown)
			return nil, nil
		case control.MsgResize:
			// Echo the target back.
			return req.Payload, nil
		default:
			return nil, control.ErrInvalidArgument
		}
	}

	ch := control.NewChannel(conn, handler, log)
	go func() {
		<-shutdown
		// Let the shutdown response reach the wire first.
		time.Sleep(100 * time.Millisecond)
		ch.Close()
	}()
	ch.Serve()
	os.Exit(0)
}

func newTestSupervisor(t *testing.T, mode string, drain time.Duration) (*Supervisor, *exitRecorder) {
	t.Helper()
	rec := &exitRecorder{exited: make(chan exitRecord, 4)}
	sup, err := New(Config{
		DeviceBinary: os.Args[0],
		DeviceEnv:    []string{helperEnv + "=1", helperModeEnv + "=" + mode},
		DrainTimeout: drain,
		OnExit:       rec.record,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sup.Close() })
	return sup, rec
}

type exitRecord struct {
	id         string
	exitCode   int
	unexpected bool
}

type exitRecorder struct {
	mu     sync.Mutex
	exited chan exitRecord
}

func (r *exitRecorder) record(id string, exitCode int, unexpected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exited <- exitRecord{id: id, exitCode: exitCode, unexpected: unexpected}
}

func balloonSpec(id string) *devices.Spec {
	return &devices.Spec{ID: id, Type: devices.TypeBalloon}
}

func TestAttachForwardDetach(t *testing.T) {
	sup, rec := newTestSupervisor(t, "normal", 5*time.Second)

	h, err := sup.Attach(balloonSpec("balloon0"))
	require.NoError(t, err)
	assert.Equal(t, Running, h.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := &control.ResizeRequest{TargetBytes: 1 << 30}
	resp, err := sup.Forward(ctx, "balloon0", control.MsgResize, req.Encode())
	require.NoError(t, err)
	echoed, err := control.DecodeResizeRequest(resp)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), echoed.TargetBytes)

	require.NoError(t, sup.Detach("balloon0"))
	assert.Equal(t, 0, sup.WaitForExit(h))
	assert.Equal(t, Exited, h.State())

	select {
	case ev := <-rec.exited:
		assert.Equal(t, "balloon0", ev.id)
		assert.False(t, ev.unexpected)
	case <-time.After(time.Second):
		t.Fatal("no exit notification")
	}

	// Detaching an already-detached device fails with device-unavailable,
	// it does not succeed twice.
	err = sup.Detach("balloon0")
	assert.ErrorIs(t, err, control.ErrUnavailable)
}

func TestDuplicateAttachRejected(t *testing.T) {
	sup, _ := newTestSupervisor(t, "normal", 5*time.Second)

	_, err := sup.Attach(balloonSpec("balloon0"))
	require.NoError(t, err)
	_, err = sup.Attach(balloonSpec("balloon0"))
	require.Error(t, err)
}

// An externally killed device process resolves in-flight control calls with
// a device-unavailable failure within the drain window, and is reported as
// an unexpected exit.
func TestExternalKillResolvesInFlightCalls(t *testing.T) {
	sup, rec := newTestSupervisor(t, "stall", 2*time.Second)

	h, err := sup.Attach(balloonSpec("balloon0"))
	require.NoError(t, err)

	callErr := make(chan error, 1)
	go func() {
		req := &control.ResizeRequest{TargetBytes: 1 << 20}
		_, err := sup.Forward(context.Background(), "balloon0", control.MsgResize, req.Encode())
		callErr <- err
	}()

	// Give the stalled helper a moment to accept the request, then kill
	// it from outside the supervisor.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, unix.Kill(h.Pid(), unix.SIGKILL))

	select {
	case err := <-callErr:
		assert.ErrorIs(t, err, control.ErrUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call did not resolve after process death")
	}

	assert.NotEqual(t, 0, sup.WaitForExit(h))
	assert.Equal(t, Exited, h.State())

	select {
	case ev := <-rec.exited:
		assert.True(t, ev.unexpected)
	case <-time.After(time.Second):
		t.Fatal("no exit notification")
	}

	// The device is terminally unavailable.
	_, err = sup.Lookup("balloon0")
	assert.ErrorIs(t, err, control.ErrUnavailable)
}

func TestDetachKillsStuckProcess(t *testing.T) {
	sup, _ := newTestSupervisor(t, "stall", 300*time.Millisecond)

	h, err := sup.Attach(balloonSpec("balloon0"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sup.Detach("balloon0"))
	elapsed := time.Since(start)

	// Graceful wait expired, then SIGKILL.
	assert.Less(t, elapsed, 3*time.Second)
	assert.NotEqual(t, 0, sup.WaitForExit(h))
}

func TestAttachRejectsInvalidSpec(t *testing.T) {
	sup, _ := newTestSupervisor(t, "normal", time.Second)

	_, err := sup.Attach(&devices.Spec{ID: "x", Type: "gpu"})
	assert.ErrorIs(t, err, devices.ErrUnknownDeviceType)
}
