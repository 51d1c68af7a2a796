// Package network implements the validator's peer-to-peer gossip layer: a
// libp2p host carrying pubsub broadcast and direct streams, a TRUST/CHALLENGE
// authorization handshake, and neighbor-of-neighbors peer discovery bounded
// by minimum/maximum connectivity.
package network

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerState tracks where a remote node sits in the connection lifecycle.
type PeerState int

const (
	PeerUnconnected PeerState = iota
	PeerConnected
	PeerPeered
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerPeered:
		return "peered"
	default:
		return "unconnected"
	}
}

// AuthorizationType selects how a peer proves its identity during the
// connection handshake.
type AuthorizationType int

const (
	AuthTrust AuthorizationType = iota
	AuthChallenge
)

// RoleEntry advertises one resource's required authorization type, e.g. the
// "network" role gating gossip access.
type RoleEntry struct {
	Resource string
	Auth     AuthorizationType
}

// PeerInfo records a remote peer's connection state, granted roles, and
// addressing info.
type PeerInfo struct {
	ID        peer.ID
	Addr      string
	State     PeerState
	Roles     map[string]bool
	PublicKey []byte
}

func (p *PeerInfo) hasRole(resource string) bool {
	if p.Roles == nil {
		return false
	}
	return p.Roles[resource]
}

// peerTable is the Node's synchronized view of every peer it has ever seen,
// keyed by libp2p peer ID.
type peerTable struct {
	mu    sync.RWMutex
	peers map[peer.ID]*PeerInfo
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[peer.ID]*PeerInfo)}
}

func (t *peerTable) get(id peer.ID) (*PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *peerTable) upsert(id peer.ID, fn func(*PeerInfo)) *PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &PeerInfo{ID: id, State: PeerUnconnected, Roles: make(map[string]bool)}
		t.peers[id] = p
	}
	fn(p)
	return p
}

func (t *peerTable) remove(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

func (t *peerTable) countState(min PeerState) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.peers {
		if p.State >= min {
			n++
		}
	}
	return n
}

func (t *peerTable) snapshot() []*PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}
