package netlayer

import (
	"fmt"
	"net"
	"sync"
)

// DataServer hosts the two signal-update endpoints every local device
// publishes (spec §4.5): a UDP socket for unreliable low-latency updates
// and a TCP listener for reliable ones. Senders choose per map, from the
// map's Protocol.
type DataServer struct {
	udpConn *net.UDPConn
	tcpLn   net.Listener

	inbox chan []byte
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewDataServer binds both endpoints on ephemeral ports.
func NewDataServer() (*DataServer, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("netlayer: listen udp data: %w", err)
	}
	tcpLn, err := net.Listen("tcp4", ":0")
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("netlayer: listen tcp data: %w", err)
	}

	d := &DataServer{
		udpConn: udpConn,
		tcpLn:   tcpLn,
		inbox:   make(chan []byte, 1024),
		quit:    make(chan struct{}),
	}
	d.wg.Add(2)
	go d.udpLoop()
	go d.tcpAcceptLoop()
	return d, nil
}

// UDPPort is the bound UDP data port, advertised in @port/@data_port
// style properties (spec §6).
func (d *DataServer) UDPPort() int {
	return d.udpConn.LocalAddr().(*net.UDPAddr).Port
}

// TCPPort is the bound TCP data port.
func (d *DataServer) TCPPort() int {
	return d.tcpLn.Addr().(*net.TCPAddr).Port
}

func (d *DataServer) udpLoop() {
	defer d.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, _, err := d.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case d.inbox <- data:
		case <-d.quit:
			return
		}
	}
}

func (d *DataServer) tcpAcceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.tcpLn.Accept()
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
				continue
			}
		}
		d.wg.Add(1)
		go d.tcpReadLoop(conn)
	}
}

func (d *DataServer) tcpReadLoop(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case d.inbox <- data:
		case <-d.quit:
			return
		}
	}
}

// SendUDP writes an OSC-encoded datagram to a remote UDP data port.
func (d *DataServer) SendUDP(host string, port int, data []byte) error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	_, err = d.udpConn.WriteToUDP(data, addr)
	return err
}

// SendTCP dials a short-lived TCP connection to deliver one frame. Map
// instances using the reliable transport are rare enough (spec §4.8)
// that a connection per send is an acceptable simplification over
// maintaining a persistent per-peer pool.
func (d *DataServer) SendTCP(host string, port int, data []byte) error {
	conn, err := net.Dial("tcp4", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(data)
	return err
}

// Inbox returns the channel of raw datagrams received on either
// endpoint.
func (d *DataServer) Inbox() <-chan []byte { return d.inbox }

// Close shuts down both endpoints and every open TCP connection.
func (d *DataServer) Close() error {
	close(d.quit)
	d.udpConn.Close()
	d.tcpLn.Close()
	d.wg.Wait()
	return nil
}
