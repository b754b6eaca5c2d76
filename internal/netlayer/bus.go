// Package netlayer implements the network layer of spec §2.6/§4.5: the
// multicast admin bus, the per-peer unicast admin mesh, and each
// device's UDP/TCP data servers. The bus is grounded directly on the
// teacher's beacon package (zeromq-gyre/beacon/beacon.go): raw IPv4-only
// multicast UDP driven by goroutines and channels rather than a
// zthread/ZMQ_PEER pipe. The admin mesh is grounded on the teacher's
// node.go/peer.go: one ROUTER inbox per device, one DEALER per connected
// peer, via github.com/pebbe/zmq4.
package netlayer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// DefaultBusGroup and DefaultBusPort are libmapper's defaults (spec §6).
const (
	DefaultBusGroup = "224.0.1.3"
	DefaultBusPort  = 7570
)

// Packet is a raw datagram received off the bus, paired with the sender
// address so the caller can resolve or create a peer record.
type Packet struct {
	Addr *net.UDPAddr
	Data []byte
}

// Bus is the shared multicast admin channel every peer listens to and
// broadcasts on (spec §4.5 "Bus-use mode").
type Bus struct {
	group *net.UDPAddr
	conn  *ipv4.PacketConn
	iface *net.Interface

	packets chan Packet
	closeWg sync.WaitGroup
	closed  chan struct{}
}

// NewBus joins the multicast group on ifaceName (empty = let the OS
// choose) and returns a Bus ready to Send/receive Packets.
func NewBus(group string, port int, ifaceName string) (*Bus, error) {
	if group == "" {
		group = DefaultBusGroup
	}
	if port == 0 {
		port = DefaultBusPort
	}

	addr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	if addr.IP == nil {
		return nil, fmt.Errorf("netlayer: invalid multicast group %q", group)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("netlayer: listen bus: %w", err)
	}

	pconn := ipv4.NewPacketConn(conn)

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("netlayer: interface %q: %w", ifaceName, err)
		}
	}

	if err := pconn.JoinGroup(iface, addr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netlayer: join group: %w", err)
	}
	_ = pconn.SetMulticastLoopback(true)

	b := &Bus{
		group:   addr,
		conn:    pconn,
		iface:   iface,
		packets: make(chan Packet, 256),
		closed:  make(chan struct{}),
	}
	b.closeWg.Add(1)
	go b.readLoop()
	return b, nil
}

func (b *Bus) readLoop() {
	defer b.closeWg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, _, src, err := b.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		udpSrc, _ := src.(*net.UDPAddr)
		select {
		case b.packets <- Packet{Addr: udpSrc, Data: data}:
		case <-b.closed:
			return
		}
	}
}

// Send broadcasts data to the multicast group.
func (b *Bus) Send(data []byte) error {
	_, err := b.conn.WriteTo(data, nil, b.group)
	return err
}

// Packets returns the channel of datagrams received off the bus.
func (b *Bus) Packets() <-chan Packet {
	return b.packets
}

// Close leaves the multicast group and stops the read loop.
func (b *Bus) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	err := b.conn.Close()
	b.closeWg.Wait()
	return err
}

// WaitPacket blocks up to timeout for the next packet, mirroring the
// block_ms semantics of spec §4.10 poll().
func (b *Bus) WaitPacket(timeout time.Duration) (Packet, bool) {
	if timeout <= 0 {
		select {
		case p := <-b.packets:
			return p, true
		default:
			return Packet{}, false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-b.packets:
		return p, true
	case <-t.C:
		return Packet{}, false
	}
}
