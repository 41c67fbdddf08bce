package virtio

import (
	"fmt"

	"github.com/burrowvm/burrow/internal/hv"
)

// ReadChain gathers all readable segments of a chain into one buffer.
// Used for TX-style queues where the guest hands data to the device.
func ReadChain(region *hv.Region, chain *Chain) ([]byte, error) {
	var data []byte
	for i, seg := range chain.Segments {
		if seg.Writable || seg.Length == 0 {
			continue
		}
		chunk, err := region.ReadGuest(seg.Addr, seg.Length)
		if err != nil {
			return data, fmt.Errorf("virtio: read segment %d of chain %d: %w", i, chain.Head, err)
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// FillChain copies data into the writable segments of a chain, in
// order. Returns the number of bytes written to guest memory. Used for
// RX-style queues where the device hands data to the guest.
func FillChain(region *hv.Region, chain *Chain, data []byte) (uint32, error) {
	var written uint32
	remaining := data
	for i, seg := range chain.Segments {
		if !seg.Writable || seg.Length == 0 {
			continue
		}
		if len(remaining) == 0 {
			break
		}
		n := int(seg.Length)
		if n > len(remaining) {
			n = len(remaining)
		}
		if err := region.WriteGuest(seg.Addr, remaining[:n]); err != nil {
			return written, fmt.Errorf("virtio: fill segment %d of chain %d: %w", i, chain.Head, err)
		}
		written += uint32(n)
		remaining = remaining[n:]
	}
	return written, nil
}
