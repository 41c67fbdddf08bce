package reactor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = r.Shutdown(time.Second)
		<-done
	})
	return r
}

func TestSubmitRunsOnReactorGoroutine(t *testing.T) {
	r := startReactor(t)

	ran := make(chan struct{})
	r.Submit(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted work never ran")
	}
}

func TestRoundRobinDoesNotStarve(t *testing.T) {
	r := startReactor(t)

	greedy, err := NewEvent()
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	t.Cleanup(func() { greedy.Close() })
	patient, err := NewEvent()
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	t.Cleanup(func() { patient.Close() })

	var greedyDrains atomic.Int64
	patientServed := make(chan struct{})

	// The greedy source re-arms itself on every drain, so it is ready
	// on every wake. Round-robin must still reach the patient source.
	if err := r.AddEvent("greedy", greedy, func() error {
		greedyDrains.Add(1)
		return greedy.Trigger()
	}); err != nil {
		t.Fatalf("AddEvent greedy: %v", err)
	}
	var once atomic.Bool
	if err := r.AddEvent("patient", patient, func() error {
		if once.CompareAndSwap(false, true) {
			close(patientServed)
		}
		return nil
	}); err != nil {
		t.Fatalf("AddEvent patient: %v", err)
	}

	if err := greedy.Trigger(); err != nil {
		t.Fatalf("trigger greedy: %v", err)
	}
	if err := patient.Trigger(); err != nil {
		t.Fatalf("trigger patient: %v", err)
	}

	select {
	case <-patientServed:
	case <-time.After(2 * time.Second):
		t.Fatalf("patient source starved (greedy drains: %d)", greedyDrains.Load())
	}
	if greedyDrains.Load() == 0 {
		t.Fatal("greedy source was never drained")
	}
}

func TestTimerFires(t *testing.T) {
	r := startReactor(t)

	timer, err := NewTimer()
	if err != nil {
		t.Fatalf("NewTimer: %v", err)
	}
	t.Cleanup(func() { timer.Close() })

	fired := make(chan struct{})
	var once atomic.Bool
	if err := r.AddTimer("tick", timer, func() error {
		if once.CompareAndSwap(false, true) {
			close(fired)
		}
		return nil
	}); err != nil {
		t.Fatalf("AddTimer: %v", err)
	}
	if err := timer.ArmOnce(int64(5 * time.Millisecond)); err != nil {
		t.Fatalf("ArmOnce: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestSubmitIOCompletion(t *testing.T) {
	r := startReactor(t)

	done := make(chan struct{})
	r.SubmitIO("read", time.Second,
		func() ([]byte, error) { return []byte("sector"), nil },
		func(data []byte, err error) {
			if err != nil {
				t.Errorf("complete: %v", err)
			}
			if string(data) != "sector" {
				t.Errorf("data = %q, want %q", data, "sector")
			}
			close(done)
		})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestSubmitIOTimeout(t *testing.T) {
	r := startReactor(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var completions atomic.Int64
	result := make(chan error, 1)
	r.SubmitIO("stuck-read", 10*time.Millisecond,
		func() ([]byte, error) {
			<-release
			return []byte("late"), nil
		},
		func(data []byte, err error) {
			completions.Add(1)
			result <- err
		})

	select {
	case err := <-result:
		if !errors.Is(err, ErrTimedOut) {
			t.Fatalf("got %v, want ErrTimedOut", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout completion never delivered")
	}

	// The reactor stays usable after a timeout.
	ok := make(chan struct{})
	r.Submit(func() { close(ok) })
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor unusable after timeout")
	}

	// The late result must be dropped, not delivered twice.
	time.Sleep(20 * time.Millisecond)
	if n := completions.Load(); n != 1 {
		t.Fatalf("completions = %d, want 1", n)
	}
}

func TestShutdownAbandonsLateWork(t *testing.T) {
	r, err := New(quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = r.Run(ctx)
	}()

	release := make(chan struct{})
	var completed atomic.Bool
	r.SubmitIO("hung-io", 0,
		func() ([]byte, error) {
			<-release
			return nil, nil
		},
		func([]byte, error) { completed.Store(true) })

	err = r.Shutdown(20 * time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Shutdown = %v, want ErrTimedOut", err)
	}
	<-loopDone

	// Let the hung op finish; its completion must be dropped.
	close(release)
	time.Sleep(20 * time.Millisecond)
	if completed.Load() {
		t.Fatal("abandoned completion ran after shutdown")
	}
}

func TestSubmitIOAfterShutdown(t *testing.T) {
	r, err := New(quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := make(chan error, 1)
	r.SubmitIO("too-late", time.Second,
		func() ([]byte, error) { return nil, nil },
		func(_ []byte, err error) { got <- err })

	select {
	case err := <-got:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("got %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no rejection for post-shutdown submission")
	}
}
