package network

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"sawtooth-validator/core"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// discoveryInterval paces the neighbor-of-neighbors expansion loop.
const discoveryInterval = 5 * time.Second

// peerList is GET_PEERS's response payload: every peer address the
// responder currently knows.
type peerList struct {
	Addrs []string `json:"addrs"`
}

// EnableMDNS starts local-network peer discovery via mDNS, connecting to
// and registering any peer found under cfg.DiscoveryTag.
func (n *Node) EnableMDNS() {
	svc := mdns.NewMdnsService(n.host, n.cfg.DiscoveryTag, mdnsNotifee{n})
	go func() {
		<-n.ctx.Done()
		svc.Close()
	}()
}

// mdnsNotifee adapts Node to mdns.Notifee without exporting the method on
// Node itself (HandlePeerFound would otherwise collide with a future
// interface Node might need to implement differently).
type mdnsNotifee struct{ n *Node }

func (m mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	n := m.n
	if info.ID == n.host.ID() {
		return
	}
	if _, ok := n.peers.get(info.ID); ok {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.log.WithError(err).WithField("peer", info.ID.String()).Debug("mdns connect failed")
		return
	}
	n.peers.upsert(info.ID, func(p *PeerInfo) { p.State = PeerConnected; p.Addr = info.String() })
	n.log.WithField("peer", info.ID.String()).Info("connected via mdns")
}

// RunDiscoveryLoop drives neighbor-of-neighbors expansion until ctx is
// cancelled: while below MinConnectivity, CONNECT to a random known
// candidate, GET_PEERS to grow the candidate pool, then PEER one randomly
// chosen candidate. Per spec.md §4.11, it stops expanding once local peer
// count reaches MinConnectivity.
func (n *Node) RunDiscoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.expandOnce(ctx)
		}
	}
}

func (n *Node) expandOnce(ctx context.Context) {
	if n.peers.countState(PeerPeered) >= n.cfg.MinConnectivity {
		return
	}
	candidates := n.peers.snapshot()
	if len(candidates) == 0 {
		return
	}
	n.requestMorePeers(ctx, candidates[rand.Intn(len(candidates))])

	candidates = n.peers.snapshot()
	var pool []*PeerInfo
	for _, c := range candidates {
		if c.State < PeerPeered {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return
	}
	n.requestPeering(ctx, pool[rand.Intn(len(pool))])
}

// requestMorePeers sends GET_PEERS to candidate and merges the returned
// addresses into the local peer table as Unconnected candidates.
func (n *Node) requestMorePeers(ctx context.Context, candidate *PeerInfo) {
	reply, err := n.RequestReply(ctx, candidate.ID, NewEnvelope(MsgGetPeers, "", nil))
	if err != nil {
		n.log.WithError(err).Debug("get_peers request failed")
		return
	}
	n.MergePeerList(reply.Content)
}

// requestPeering sends a PEER request to candidate, advertising this node's
// configured roles, answers a CHALLENGE if the responder issues one, and
// promotes candidate to Peered with whatever roles the handshake actually
// confirmed.
func (n *Node) requestPeering(ctx context.Context, candidate *PeerInfo) {
	req := ConnectionRequest{Roles: n.cfg.Roles}
	if n.identityKey != nil {
		req.PublicKey = core.PublicKeyBytes(n.identityKey)
	}

	s, err := n.host.NewStream(ctx, candidate.ID, directProtocol)
	if err != nil {
		n.log.WithError(err).WithField("peer", candidate.ID.String()).Debug("peer request failed")
		return
	}
	defer s.Close()

	if err := WriteEnvelope(s, NewEnvelope(MsgPeer, "", encodeConnectionRequest(req))); err != nil {
		n.log.WithError(err).WithField("peer", candidate.ID.String()).Debug("peer request failed")
		return
	}

	r := bufio.NewReader(s)
	reply, err := ReadEnvelope(r)
	if err != nil {
		n.log.WithError(err).WithField("peer", candidate.ID.String()).Debug("peer response failed")
		return
	}

	if reply.MessageType == MsgChallenge {
		challenge, ok := decodeConnectionResponse(reply.Content)
		if !ok || n.identityKey == nil {
			return
		}
		sig := AnswerChallenge(n.identityKey, challenge.Challenge)
		answer := encodeChallengeResponse(ChallengeResponse{Signature: sig})
		if err := WriteEnvelope(s, NewEnvelope(MsgChallenge, "", answer)); err != nil {
			n.log.WithError(err).WithField("peer", candidate.ID.String()).Debug("challenge answer failed")
			return
		}
		reply, err = ReadEnvelope(r)
		if err != nil {
			n.log.WithError(err).WithField("peer", candidate.ID.String()).Debug("peer response failed")
			return
		}
	}

	resp, ok := decodeConnectionResponse(reply.Content)
	if !ok || len(resp.GrantedRoles) == 0 {
		n.peers.upsert(candidate.ID, func(p *PeerInfo) { p.State = PeerConnected })
		return
	}
	n.peers.upsert(candidate.ID, func(p *PeerInfo) {
		p.State = PeerPeered
		for _, role := range resp.GrantedRoles {
			p.Roles[role] = true
		}
	})
}

// AnswerGetPeers builds this node's GET_PEERS response payload.
func (n *Node) AnswerGetPeers() []byte {
	var pl peerList
	for _, p := range n.peers.snapshot() {
		if p.Addr != "" {
			pl.Addrs = append(pl.Addrs, p.Addr)
		}
	}
	raw, err := json.Marshal(pl)
	if err != nil {
		return nil
	}
	return raw
}

// MergePeerList records addresses from a GET_PEERS response as Unconnected
// discovery candidates, without yet dialing them.
func (n *Node) MergePeerList(raw []byte) {
	var pl peerList
	if err := json.Unmarshal(raw, &pl); err != nil {
		return
	}
	for _, addr := range pl.Addrs {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			continue
		}
		if pi.ID == n.host.ID() {
			continue
		}
		n.peers.upsert(pi.ID, func(p *PeerInfo) {
			if p.State == PeerUnconnected {
				p.Addr = addr
			}
		})
	}
}
