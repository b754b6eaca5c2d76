package netlayer

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

const pollTimeout = 200 * time.Millisecond

// Dynamic/private port range (IANA), used the same way the teacher picks
// a random bind port for its ROUTER inbox.
const (
	dynPortFrom = 0xc000
	dynPortTo   = 0xffff
)

// MeshFrame is one admin datagram received from a connected peer,
// identified by the peer's mesh identity (its device name).
type MeshFrame struct {
	Identity string
	Data     []byte
}

// Mesh is the unicast admin channel between known peers: one ROUTER
// socket accepting inbound frames from every connected peer, and one
// DEALER socket per outbound peer connection. This mirrors the teacher's
// node.go/peer.go, which keep a single ROUTER inbox and one DEALER per
// known peer instead of a single full-mesh socket.
type Mesh struct {
	mu       sync.Mutex
	router   *zmq.Socket
	peers    map[string]*zmq.Socket
	identity string
	port     int

	inbox chan MeshFrame
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewMesh binds a ROUTER socket on a random dynamic TCP port and starts
// the inbound pump. identity becomes this device's ROUTER identity frame.
func NewMesh(identity string) (*Mesh, error) {
	router, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("netlayer: router socket: %w", err)
	}
	if err := router.SetIdentity(identity); err != nil {
		router.Close()
		return nil, fmt.Errorf("netlayer: set identity: %w", err)
	}

	port := 0
	for p := dynPortFrom; p <= dynPortTo; p++ {
		candidate := dynPortFrom + rand.Intn(dynPortTo-dynPortFrom)
		if err = router.Bind(fmt.Sprintf("tcp://*:%d", candidate)); err == nil {
			port = candidate
			break
		}
	}
	if port == 0 {
		router.Close()
		return nil, fmt.Errorf("netlayer: no free dynamic port for router: %w", err)
	}

	m := &Mesh{
		router:   router,
		peers:    make(map[string]*zmq.Socket),
		identity: identity,
		port:     port,
		inbox:    make(chan MeshFrame, 256),
		quit:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.recvLoop()
	return m, nil
}

func (m *Mesh) recvLoop() {
	defer m.wg.Done()
	poller := zmq.NewPoller()
	poller.Add(m.router, zmq.POLLIN)
	for {
		select {
		case <-m.quit:
			return
		default:
		}
		polled, err := poller.Poll(pollTimeout)
		if err != nil || len(polled) == 0 {
			continue
		}
		frames, err := m.router.RecvMessageBytes(0)
		if err != nil || len(frames) < 2 {
			continue
		}
		identity := string(frames[0])
		data := frames[len(frames)-1]
		select {
		case m.inbox <- MeshFrame{Identity: identity, Data: data}:
		case <-m.quit:
			return
		}
	}
}

// Port returns the dynamic TCP port this mesh's ROUTER socket bound to.
func (m *Mesh) Port() int { return m.port }

// Endpoint returns this mesh's bound tcp:// endpoint. The admin messages
// do not carry it: /sync advertises only the port, and peers build the
// endpoint from the sender's address. host is supplied by the caller,
// since the socket itself only knows its port.
func (m *Mesh) Endpoint(host string) string {
	return fmt.Sprintf("tcp://%s:%d", host, m.port)
}

// Connect opens (or reuses) a DEALER socket to a peer's published
// endpoint.
func (m *Mesh) Connect(identity, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[identity]; ok {
		return nil
	}
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return fmt.Errorf("netlayer: dealer socket: %w", err)
	}
	routingID := append([]byte{1}, []byte(m.identity)...)
	if err := sock.SetIdentity(string(routingID)); err != nil {
		sock.Close()
		return err
	}
	if err := sock.SetSndtimeo(0); err != nil {
		sock.Close()
		return err
	}
	if err := sock.Connect(endpoint); err != nil {
		sock.Close()
		return fmt.Errorf("netlayer: connect %s: %w", endpoint, err)
	}
	m.peers[identity] = sock
	return nil
}

// Disconnect tears down the DEALER socket for a departed peer.
func (m *Mesh) Disconnect(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sock, ok := m.peers[identity]; ok {
		sock.Close()
		delete(m.peers, identity)
	}
}

// Send delivers data to a connected peer by identity.
func (m *Mesh) Send(identity string, data []byte) error {
	m.mu.Lock()
	sock, ok := m.peers[identity]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("netlayer: no peer connection for %q", identity)
	}
	_, err := sock.SendBytes(data, 0)
	return err
}

// Inbox returns the channel of frames received from any connected peer.
func (m *Mesh) Inbox() <-chan MeshFrame { return m.inbox }

// Close tears down the router and every peer dealer socket.
func (m *Mesh) Close() error {
	close(m.quit)
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sock := range m.peers {
		sock.Close()
		delete(m.peers, id)
	}
	return m.router.Close()
}
