package mapper

import "time"

// peerConn tracks one remote device's mesh connection state, mirroring
// the teacher's peer.go (connected/ready/refresh bookkeeping) adapted
// from ZRE's group membership to libmapper's admin-mesh connections.
type peerConn struct {
	identity  string
	endpoint  string
	connected bool
	lastSeen  time.Time
}

func (p *peerConn) refresh(now time.Time) { p.lastSeen = now }

func (p *peerConn) evasive(now time.Time, window time.Duration) bool {
	return now.Sub(p.lastSeen) > window
}
