package devices

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/burrowvm/burrow/internal/virtio"
)

func blockSpec(t *testing.T, size int64, readonly bool) *Spec {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write disk image: %v", err)
	}
	return &Spec{
		ID:    "blk0",
		Type:  TypeBlock,
		Block: &BlockSpec{Path: path, ReadOnly: readonly},
	}
}

// writeBlkHeader places a request header at addr.
func (h *deviceHarness) writeBlkHeader(addr uint64, reqType uint32, sector uint64) {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	h.guestWrite(addr, hdr[:])
}

func TestBlockRead(t *testing.T) {
	h := newDeviceHarness(t, blockSpec(t, 8192, false))
	h.setupQueue(blkQueueRequest, 8)

	hdrAddr := testBufArea
	dataAddr := testBufArea + 0x100
	statusAddr := testBufArea + 0x800
	h.writeBlkHeader(hdrAddr, VIRTIO_BLK_T_IN, 1)

	h.writeDescriptor(0, 0, virtio.Descriptor{Addr: hdrAddr, Length: 16, Flags: descFNext, Next: 1})
	h.writeDescriptor(0, 1, virtio.Descriptor{Addr: dataAddr, Length: 512, Flags: descFNext | descFWrite, Next: 2})
	h.writeDescriptor(0, 2, virtio.Descriptor{Addr: statusAddr, Length: 1, Flags: descFWrite})
	h.pushAvail(0, 0)

	h.kickAndWait(blkQueueRequest)
	h.awaitUsed(blkQueueRequest, 1, 5*time.Second)

	head, written := h.usedElem(blkQueueRequest, 0)
	if head != 0 {
		t.Fatalf("used head = %d, want 0", head)
	}
	if written != 513 {
		t.Fatalf("used length = %d, want 513", written)
	}
	if status := h.guestRead(statusAddr, 1)[0]; status != VIRTIO_BLK_S_OK {
		t.Fatalf("status = %d, want OK", status)
	}

	// Sector 1 of the image is bytes 512..1023 of the pattern.
	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(512 + i)
	}
	if got := h.guestRead(dataAddr, 512); !bytes.Equal(got, want) {
		t.Fatal("read data does not match disk contents")
	}
	if h.injector.count() == 0 {
		t.Fatal("no interrupt was injected for the completion")
	}
}

func TestBlockWriteAndFlush(t *testing.T) {
	spec := blockSpec(t, 8192, false)
	h := newDeviceHarness(t, spec)
	h.setupQueue(blkQueueRequest, 8)

	payload := bytes.Repeat([]byte{0xAB}, 512)
	hdrAddr := testBufArea
	dataAddr := testBufArea + 0x100
	statusAddr := testBufArea + 0x800
	h.writeBlkHeader(hdrAddr, VIRTIO_BLK_T_OUT, 4)
	h.guestWrite(dataAddr, payload)

	h.writeDescriptor(0, 0, virtio.Descriptor{Addr: hdrAddr, Length: 16, Flags: descFNext, Next: 1})
	h.writeDescriptor(0, 1, virtio.Descriptor{Addr: dataAddr, Length: 512, Flags: descFNext, Next: 2})
	h.writeDescriptor(0, 2, virtio.Descriptor{Addr: statusAddr, Length: 1, Flags: descFWrite})
	h.pushAvail(0, 0)
	h.kickAndWait(blkQueueRequest)
	h.awaitUsed(blkQueueRequest, 1, 5*time.Second)

	if status := h.guestRead(statusAddr, 1)[0]; status != VIRTIO_BLK_S_OK {
		t.Fatalf("write status = %d, want OK", status)
	}

	// Flush, then verify the backing file.
	h.writeBlkHeader(hdrAddr, VIRTIO_BLK_T_FLUSH, 0)
	h.writeDescriptor(0, 3, virtio.Descriptor{Addr: hdrAddr, Length: 16, Flags: descFNext, Next: 4})
	h.writeDescriptor(0, 4, virtio.Descriptor{Addr: statusAddr, Length: 1, Flags: descFWrite})
	h.pushAvail(0, 3)
	h.kickAndWait(blkQueueRequest)
	h.awaitUsed(blkQueueRequest, 2, 5*time.Second)

	disk, err := os.ReadFile(spec.Block.Path)
	if err != nil {
		t.Fatalf("read disk image: %v", err)
	}
	if !bytes.Equal(disk[4*512:5*512], payload) {
		t.Fatal("written sector not present in backing file")
	}
}

func TestBlockWriteToReadOnlyDevice(t *testing.T) {
	h := newDeviceHarness(t, blockSpec(t, 4096, true))
	h.setupQueue(blkQueueRequest, 8)

	hdrAddr := testBufArea
	statusAddr := testBufArea + 0x800
	h.writeBlkHeader(hdrAddr, VIRTIO_BLK_T_OUT, 0)

	h.writeDescriptor(0, 0, virtio.Descriptor{Addr: hdrAddr, Length: 16, Flags: descFNext, Next: 1})
	h.writeDescriptor(0, 1, virtio.Descriptor{Addr: testBufArea + 0x100, Length: 512, Flags: descFNext, Next: 2})
	h.writeDescriptor(0, 2, virtio.Descriptor{Addr: statusAddr, Length: 1, Flags: descFWrite})
	h.pushAvail(0, 0)
	h.kickAndWait(blkQueueRequest)
	h.awaitUsed(blkQueueRequest, 1, 5*time.Second)

	if status := h.guestRead(statusAddr, 1)[0]; status != VIRTIO_BLK_S_IOERR {
		t.Fatalf("status = %d, want IOERR", status)
	}
	if h.backend.Features()&VIRTIO_BLK_F_RO == 0 {
		t.Fatal("read-only device does not offer VIRTIO_BLK_F_RO")
	}
}

// A chain whose data descriptor points outside the granted region fails
// alone: an independent request pushed behind it still completes and the
// device stays attached.
func TestBlockMalformedChainFailsAlone(t *testing.T) {
	h := newDeviceHarness(t, blockSpec(t, 8192, false))
	h.setupQueue(blkQueueRequest, 16)

	hdrAddr := testBufArea
	statusAddr := testBufArea + 0x800
	h.writeBlkHeader(hdrAddr, VIRTIO_BLK_T_IN, 0)

	// Four-segment chain with segment 2 out of range.
	h.writeDescriptor(0, 0, virtio.Descriptor{Addr: hdrAddr, Length: 16, Flags: descFNext, Next: 1})
	h.writeDescriptor(0, 1, virtio.Descriptor{Addr: testBufArea + 0x100, Length: 256, Flags: descFNext | descFWrite, Next: 2})
	h.writeDescriptor(0, 2, virtio.Descriptor{Addr: 0xffff_0000, Length: 256, Flags: descFNext | descFWrite, Next: 3})
	h.writeDescriptor(0, 3, virtio.Descriptor{Addr: statusAddr, Length: 1, Flags: descFWrite})
	h.pushAvail(0, 0)

	// An independent, well-formed request behind it.
	hdr2 := testBufArea + 0x40
	status2 := testBufArea + 0x810
	h.writeBlkHeader(hdr2, VIRTIO_BLK_T_IN, 2)
	h.writeDescriptor(0, 4, virtio.Descriptor{Addr: hdr2, Length: 16, Flags: descFNext, Next: 5})
	h.writeDescriptor(0, 5, virtio.Descriptor{Addr: testBufArea + 0x400, Length: 512, Flags: descFNext | descFWrite, Next: 6})
	h.writeDescriptor(0, 6, virtio.Descriptor{Addr: status2, Length: 1, Flags: descFWrite})
	h.pushAvail(0, 4)

	h.kickAndWait(blkQueueRequest)
	h.awaitUsed(blkQueueRequest, 2, 5*time.Second)

	firstHead, firstLen := h.usedElem(blkQueueRequest, 0)
	if firstHead != 0 || firstLen != 0 {
		t.Fatalf("malformed chain posted head=%d len=%d, want head=0 len=0", firstHead, firstLen)
	}
	if status := h.guestRead(status2, 1)[0]; status != VIRTIO_BLK_S_OK {
		t.Fatalf("independent request status = %d, want OK", status)
	}

	// The device keeps serving after the failure.
	h.writeBlkHeader(hdrAddr, VIRTIO_BLK_T_GET_ID, 0)
	h.writeDescriptor(0, 7, virtio.Descriptor{Addr: hdrAddr, Length: 16, Flags: descFNext, Next: 8})
	h.writeDescriptor(0, 8, virtio.Descriptor{Addr: testBufArea + 0x600, Length: 20, Flags: descFNext | descFWrite, Next: 9})
	h.writeDescriptor(0, 9, virtio.Descriptor{Addr: statusAddr, Length: 1, Flags: descFWrite})
	h.pushAvail(0, 7)
	h.kickAndWait(blkQueueRequest)
	h.awaitUsed(blkQueueRequest, 3, 5*time.Second)

	id := h.guestRead(testBufArea+0x600, 4)
	if string(id) != "blk0" {
		t.Fatalf("GET_ID returned %q, want blk0", id)
	}
}
