package devices

import (
	"context"
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/burrowvm/burrow/internal/control"
	"github.com/burrowvm/burrow/internal/virtio"
)

const (
	netVirtioID    = 1
	netQueueCount  = 2
	netQueueNumMax = 256
	netQueueRX     = 0
	netQueueTX     = 1

	// virtio_net_hdr_v1 prepended to every frame on both queues.
	netHdrSize = 12

	netDefaultMTU = 1500
	netNICID      = tcpip.NICID(1)

	// Frames from the stack waiting for guest receive buffers. Past this
	// the link drops, like real hardware.
	netPendingLimit = 1024
)

// Virtio net feature bits.
const (
	VIRTIO_NET_F_MAC    = 1 << 5
	VIRTIO_NET_F_STATUS = 1 << 16
)

var (
	netDefaultHostIP = net.IPv4(10, 42, 0, 1)
	// netHostMAC is the link address of the host-side stack; the spec's
	// MAC is the one presented to the guest in the device config.
	netHostMAC    = net.HardwareAddr{0x02, 0x00, 0x00, 0x42, 0x00, 0x01}
	netDefaultMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x42, 0x00, 0x02}
)

// NetBackend is a virtio network device whose host side is a userspace
// network stack. Guest transmit frames are injected into the stack; stack
// output is delivered into guest receive buffers. The stack runs its own
// goroutines, so frame delivery always hops back onto the reactor.
type NetBackend struct {
	env *Env
	id  string
	mac net.HardwareAddr
	mtu uint32

	netStack *stack.Stack
	endpoint *channel.Endpoint

	// Owned by the reactor goroutine.
	transport *Transport
	pending   [][]byte
	dropped   uint64
	txFrames  uint64
	rxFrames  uint64
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	var b [4]byte
	copy(b[:], ip.To4())
	return tcpip.AddrFrom4(b)
}

func newNetBackend(env *Env, spec *Spec) (Backend, error) {
	mac := netDefaultMAC
	mtu := uint32(netDefaultMTU)
	hostIP := netDefaultHostIP
	if spec.Net != nil {
		if spec.Net.MAC != "" {
			parsed, err := net.ParseMAC(spec.Net.MAC)
			if err != nil {
				return nil, fmt.Errorf("parse mac: %w", err)
			}
			mac = parsed
		}
		if spec.Net.MTU != 0 {
			mtu = spec.Net.MTU
		}
		if spec.Net.HostIP != "" {
			if ip := net.ParseIP(spec.Net.HostIP); ip != nil {
				hostIP = ip
			}
		}
	}

	b := &NetBackend{
		env: env,
		id:  spec.ID,
		mac: mac,
		mtu: mtu,
	}

	// The channel endpoint MTU is the L2 MTU; the ethernet wrapper
	// subtracts the header to get the L3 MTU.
	b.endpoint = channel.New(netQueueNumMax, mtu+header.EthernetMinimumSize,
		tcpip.LinkAddress(string(netHostMAC)))
	b.netStack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := b.netStack.CreateNIC(netNICID, ethernet.New(b.endpoint)); err != nil {
		return nil, fmt.Errorf("create nic: %s", err)
	}
	if err := b.netStack.AddProtocolAddress(netNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   mustAddrFrom4(hostIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("add address: %s", err)
	}
	b.netStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: netNICID},
	})

	// The stack signals pending outbound frames from its own goroutines;
	// drain them on the reactor where the queues live.
	b.endpoint.AddNotify(channelNotify{b})
	return b, nil
}

// channelNotify hops stack write notifications onto the reactor.
type channelNotify struct {
	b *NetBackend
}

func (n channelNotify) WriteNotify() {
	n.b.env.Reactor.Submit(func() {
		n.b.drainEndpoint()
	})
}

func (b *NetBackend) Type() string         { return TypeNet }
func (b *NetBackend) VirtioID() uint32     { return netVirtioID }
func (b *NetBackend) QueueCount() int      { return netQueueCount }
func (b *NetBackend) QueueMaxSize() uint16 { return netQueueNumMax }

func (b *NetBackend) Features() uint64 {
	return VIRTIO_NET_F_MAC | VIRTIO_NET_F_STATUS
}

func (b *NetBackend) ConfigBytes() []byte {
	// mac[6], status u16 (link up), max_virtqueue_pairs u16.
	buf := make([]byte, 10)
	copy(buf[0:6], b.mac)
	buf[6] = 1
	buf[8] = 1
	return buf
}

func (b *NetBackend) WriteConfig(offset uint64, value uint32) {}

func (b *NetBackend) Close() error {
	b.endpoint.Close()
	b.netStack.Close()
	return nil
}

func (b *NetBackend) ProcessQueue(t *Transport, queueID uint16) error {
	b.transport = t
	switch queueID {
	case netQueueTX:
		return b.processTX(t, t.Queue(queueID))
	case netQueueRX:
		// New receive buffers; flush anything the stack already sent.
		b.flushPending(t)
		return nil
	default:
		return nil
	}
}

func (b *NetBackend) processTX(t *Transport, q *virtio.Queue) error {
	for {
		chain, err := q.PopChain()
		if err != nil {
			if chain != nil {
				failChain(b.env, q, chain.Head, err)
				continue
			}
			return err
		}
		if chain == nil {
			return nil
		}

		data, err := virtio.ReadChain(b.env.Memory, chain)
		if err != nil {
			failChain(b.env, q, chain.Head, err)
			continue
		}
		if len(data) > netHdrSize {
			frame := data[netHdrSize:]
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
			})
			b.endpoint.InjectInbound(0, pkt)
			b.txFrames++
		}
		if err := t.CompleteAndNotify(q, chain.Head, 0); err != nil {
			b.env.Log.Warn("tx completion failed", "head", chain.Head, "error", err)
		}
	}
}

// drainEndpoint pulls outbound frames from the stack and moves them toward
// the guest. Runs on the reactor.
func (b *NetBackend) drainEndpoint() {
	for {
		pkt := b.endpoint.Read()
		if pkt == nil {
			break
		}
		frame := pkt.ToView().AsSlice()
		out := append([]byte(nil), frame...)
		pkt.DecRef()

		if len(b.pending) >= netPendingLimit {
			b.dropped++
			continue
		}
		b.pending = append(b.pending, out)
	}
	if b.transport != nil {
		b.flushPending(b.transport)
	}
}

// flushPending fills queued frames into available receive buffers.
func (b *NetBackend) flushPending(t *Transport) {
	q := t.Queue(netQueueRX)
	if q == nil || !q.Ready() {
		return
	}
	for len(b.pending) > 0 {
		chain, err := q.PopChain()
		if err != nil {
			if chain != nil {
				failChain(b.env, q, chain.Head, err)
				continue
			}
			return
		}
		if chain == nil {
			return
		}

		frame := b.pending[0]
		packet := make([]byte, netHdrSize+len(frame))
		copy(packet[netHdrSize:], frame)
		// num_buffers = 1
		packet[10] = 1

		written, err := virtio.FillChain(b.env.Memory, chain, packet)
		if err != nil {
			failChain(b.env, q, chain.Head, err)
			continue
		}
		b.pending = b.pending[1:]
		b.rxFrames++
		if err := t.CompleteAndNotify(q, chain.Head, written); err != nil {
			b.env.Log.Warn("rx completion failed", "head", chain.Head, "error", err)
		}
	}
}

// DialGuest opens a TCP connection from the host-side stack toward the
// guest, for diagnostics and tests.
func (b *NetBackend) DialGuest(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	return gonet.DialContextTCP(ctx, b.netStack, tcpip.FullAddress{
		NIC:  netNICID,
		Addr: mustAddrFrom4(ip),
		Port: port,
	}, ipv4.ProtocolNumber)
}

func (b *NetBackend) OnControlMessage(t *Transport, req *control.Request) ([]byte, error) {
	switch req.Kind {
	case control.MsgStats:
		e := control.NewEncoder()
		e.Uint64(b.txFrames)
		e.Uint64(b.rxFrames)
		e.Uint64(b.dropped)
		return e.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %s for net device", control.ErrInvalidArgument, control.KindName(req.Kind))
	}
}

var _ Backend = (*NetBackend)(nil)
