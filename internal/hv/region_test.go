package hv

import (
	"bytes"
	"errors"
	"testing"
)

type memBuffer struct {
	data []byte
}

func (m *memBuffer) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *memBuffer) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func TestRegionBounds(t *testing.T) {
	mem := &memBuffer{data: make([]byte, 0x10000)}
	region, err := NewRegion(mem, 0x1000, 0x2000)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	if err := region.WriteGuest(0x1800, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write inside region: %v", err)
	}
	got, err := region.ReadGuest(0x1800, 4)
	if err != nil {
		t.Fatalf("read inside region: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("read back %v, want 1 2 3 4", got)
	}

	cases := []struct {
		name   string
		addr   uint64
		length uint32
	}{
		{"below base", 0x800, 4},
		{"above end", 0x3000, 4},
		{"straddles end", 0x2ffe, 8},
		{"wraps", ^uint64(0) - 1, 8},
	}
	for _, tc := range cases {
		if _, err := region.ReadGuest(tc.addr, tc.length); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%s: read got %v, want ErrOutOfRange", tc.name, err)
		}
		if err := region.WriteGuest(tc.addr, make([]byte, tc.length)); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%s: write got %v, want ErrOutOfRange", tc.name, err)
		}
	}
}

func TestRegionZeroSize(t *testing.T) {
	mem := &memBuffer{data: make([]byte, 32)}
	if _, err := NewRegion(mem, 0, 0); err == nil {
		t.Fatal("expected error for zero-size region")
	}
}

func TestEmptyRegionRejectsEverything(t *testing.T) {
	region := EmptyRegion()

	if _, err := region.ReadGuest(0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("read at 0: got %v, want ErrOutOfRange", err)
	}
	if err := region.WriteGuest(0x1000, []byte{1}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("write at 0x1000: got %v, want ErrOutOfRange", err)
	}

	// Zero-length accesses have nothing to touch and succeed.
	if _, err := region.ReadGuest(0x1000, 0); err != nil {
		t.Fatalf("zero-length read: %v", err)
	}
	if err := region.WriteGuest(0x1000, nil); err != nil {
		t.Fatalf("zero-length write: %v", err)
	}
}

type recordingInjector struct {
	vectors []uint32
}

func (r *recordingInjector) InjectIRQ(vector uint32) error {
	r.vectors = append(r.vectors, vector)
	return nil
}

func TestRoutingEntryLevelResample(t *testing.T) {
	inj := &recordingInjector{}
	entry := NewRoutingEntry(5, 37, TriggerLevel, inj)

	if err := entry.Assert(); !errors.Is(err, ErrRouteUnclaimed) {
		t.Fatalf("assert without claim: got %v", err)
	}
	if err := entry.Claim("blk0"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := entry.Claim("net0"); !errors.Is(err, ErrRouteClaimed) {
		t.Fatalf("second claim: got %v", err)
	}

	if err := entry.Assert(); err != nil {
		t.Fatalf("first assert: %v", err)
	}
	if err := entry.Assert(); !errors.Is(err, ErrAwaitResample) {
		t.Fatalf("re-assert before resample: got %v", err)
	}
	entry.Resample()
	if err := entry.Assert(); err != nil {
		t.Fatalf("assert after resample: %v", err)
	}

	if len(inj.vectors) != 2 || inj.vectors[0] != 37 {
		t.Fatalf("injected %v, want two injections of vector 37", inj.vectors)
	}
}

func TestRoutingEntryEdge(t *testing.T) {
	inj := &recordingInjector{}
	entry := NewRoutingEntry(9, 41, TriggerEdge, inj)
	if err := entry.Claim("balloon0"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := entry.Assert(); err != nil {
			t.Fatalf("assert %d: %v", i, err)
		}
	}
	if len(inj.vectors) != 3 {
		t.Fatalf("injected %d times, want 3", len(inj.vectors))
	}
}

func TestAddressSpaceAllocate(t *testing.T) {
	as := NewAddressSpace(0x8000_0000, 0x1000_0000)

	a1, err := as.Allocate(MMIOAllocationRequest{Name: "virtio-blk", Size: 0x200})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a1.Base < as.RAMBase()+as.RAMSize() {
		t.Fatalf("allocation 0x%x overlaps RAM", a1.Base)
	}
	a2, err := as.Allocate(MMIOAllocationRequest{Name: "virtio-net", Size: 0x200})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a2.Base < a1.Base+a1.Size {
		t.Fatalf("allocations overlap: 0x%x vs 0x%x+0x%x", a2.Base, a1.Base, a1.Size)
	}

	if _, err := as.Allocate(MMIOAllocationRequest{Name: "bad", Size: 0}); err == nil {
		t.Fatal("expected error for zero-size request")
	}
	if _, err := as.Allocate(MMIOAllocationRequest{Name: "bad", Size: 0x100, Alignment: 3}); err == nil {
		t.Fatal("expected error for non power of 2 alignment")
	}
}
