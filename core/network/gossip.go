package network

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// directProtocol is the libp2p stream protocol ID used for SEND and
// REQUEST, which unlike BROADCAST are point-to-point rather than gossiped.
const directProtocol = "/sawtooth/validator/direct/1.0.0"

// pingInterval and pingBudget bound how often a remote peer may PING before
// it is treated as an AuthorizationViolation.
const (
	pingInterval = time.Second
	pingBudget   = 5
)

// Config configures a Node's libp2p host and discovery behaviour.
type Config struct {
	ListenAddr      string
	BootstrapPeers  []string
	DiscoveryTag    string
	MinConnectivity int
	MaxConnectivity int
	Roles           []RoleEntry
	Policy          PolicyChecker

	// IdentityKey signs CHALLENGE responses when this node initiates a PEER
	// request for a role requiring AuthChallenge. It is unrelated to the
	// libp2p host's own transport identity.
	IdentityKey *secp256k1.PrivateKey
}

// Handler processes a decoded application message delivered via BROADCAST,
// SEND, or REQUEST.
type Handler func(from peer.ID, env Envelope)

// Node is a single validator's presence on the gossip network: a libp2p
// host carrying pubsub broadcast, direct request/reply streams, and the
// TRUST/CHALLENGE authorization handshake, per spec.md §4.11.
type Node struct {
	host        host.Host
	pubsub      *pubsub.PubSub
	cfg         Config
	policy      PolicyChecker
	identityKey *secp256k1.PrivateKey

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	peers *peerTable

	handlerMu sync.RWMutex
	handlers  map[MessageType]Handler

	pingMu sync.Mutex
	pings  map[peer.ID][]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

// NewNode bootstraps a libp2p host, joins pubsub, and begins serving the
// direct-message protocol, mirroring the teacher's NewNode wiring.
func NewNode(cfg Config) (*Node, error) {
	if cfg.MinConnectivity <= 0 {
		cfg.MinConnectivity = 3
	}
	if cfg.MaxConnectivity <= 0 {
		cfg.MaxConnectivity = 16
	}
	if cfg.Policy == nil {
		cfg.Policy = AllowAllPolicy{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("network: create pubsub: %w", err)
	}

	n := &Node{
		host:        h,
		pubsub:      ps,
		cfg:         cfg,
		policy:      cfg.Policy,
		identityKey: cfg.IdentityKey,
		topics:      make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		peers:    newPeerTable(),
		handlers: make(map[MessageType]Handler),
		pings:    make(map[peer.ID][]time.Time),
		ctx:      ctx,
		cancel:   cancel,
		log:      logrus.WithField("component", "network"),
	}

	h.SetStreamHandler(directProtocol, n.handleDirectStream)

	if err := n.dialSeeds(cfg.BootstrapPeers); err != nil {
		n.log.WithError(err).Warn("bootstrap dial errors")
	}

	return n, nil
}

// Close tears the node down, releasing the libp2p host.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// ID returns the node's own libp2p peer ID.
func (n *Node) ID() peer.ID { return n.host.ID() }

// OnMessage registers the handler invoked for a given message type arriving
// via BROADCAST, SEND, or REQUEST.
func (n *Node) OnMessage(msgType MessageType, h Handler) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.handlers[msgType] = h
}

func (n *Node) dispatch(from peer.ID, env Envelope) {
	n.handlerMu.RLock()
	h, ok := n.handlers[env.MessageType]
	n.handlerMu.RUnlock()
	if ok {
		h(from, env)
	}
}

// dialSeeds connects to the configured bootstrap peers, marking each
// Connected on success.
func (n *Node) dialSeeds(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.peers.upsert(pi.ID, func(p *PeerInfo) { p.State = PeerConnected; p.Addr = addr })
	}
	return firstErr
}

// Broadcast gossips data to every peer subscribed to topic, per the
// BROADCAST message semantics of spec.md §4.11 ("gossipy flood from peers
// only").
func (n *Node) Broadcast(ctx context.Context, topic string, env Envelope) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, env.Encode())
}

func (n *Node) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("network: join topic %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// SubscribeTopic joins topic and dispatches every received envelope to the
// registered handler for its message type.
func (n *Node) SubscribeTopic(topic string) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	n.topicLock.Lock()
	if _, ok := n.subs[topic]; ok {
		n.topicLock.Unlock()
		return nil
	}
	sub, err := t.Subscribe()
	if err != nil {
		n.topicLock.Unlock()
		return fmt.Errorf("network: subscribe topic %s: %w", topic, err)
	}
	n.subs[topic] = sub
	n.topicLock.Unlock()

	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			env, err := DecodeEnvelope(msg.Data)
			if err != nil {
				n.log.WithError(err).Debug("dropping malformed gossip message")
				continue
			}
			if violation := n.checkRole(msg.GetFrom(), "network"); violation != nil {
				n.log.WithError(violation).Debug("dropping gossip message from unpeered sender")
				continue
			}
			n.dispatch(msg.GetFrom(), env)
		}
	}()
	return nil
}

// Send delivers env directly to target over a dedicated stream (SEND: "best
// effort, point-to-point").
func (n *Node) Send(ctx context.Context, target peer.ID, env Envelope) error {
	s, err := n.host.NewStream(ctx, target, directProtocol)
	if err != nil {
		return fmt.Errorf("network: open stream to %s: %w", target, err)
	}
	defer s.Close()
	return WriteEnvelope(s, env)
}

// RequestReply sends env to target and waits for a single reply envelope on
// the same stream, for REQUEST-style exchanges such as GET_PEERS.
func (n *Node) RequestReply(ctx context.Context, target peer.ID, env Envelope) (Envelope, error) {
	s, err := n.host.NewStream(ctx, target, directProtocol)
	if err != nil {
		return Envelope{}, fmt.Errorf("network: open stream to %s: %w", target, err)
	}
	defer s.Close()
	if err := WriteEnvelope(s, env); err != nil {
		return Envelope{}, err
	}
	return ReadEnvelope(bufio.NewReader(s))
}

// handleDirectStream serves inbound SEND/REQUEST/handshake streams.
func (n *Node) handleDirectStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer()
	r := bufio.NewReader(s)
	env, err := ReadEnvelope(r)
	if err != nil {
		n.log.WithError(err).Debug("direct stream read failed")
		return
	}

	switch env.MessageType {
	case MsgPing:
		if n.rateLimited(from) {
			n.log.WithField("peer", from.String()).Warn("ping rate exceeded, closing connection")
			n.host.Network().ClosePeer(from)
			return
		}
	case MsgPeer:
		if !n.acceptPeerRequest(s, r, from, env) {
			return
		}
	case MsgGetPeers:
		resp := NewEnvelope(MsgGetPeers, env.CorrelationID, n.AnswerGetPeers())
		if err := WriteEnvelope(s, resp); err != nil {
			n.log.WithError(err).Debug("get_peers response failed")
		}
		return
	case MsgSend, MsgRequest, MsgBroadcast:
		if violation := n.checkRole(from, "network"); violation != nil {
			n.log.WithError(violation).Warn("closing connection")
			n.host.Network().ClosePeer(from)
			return
		}
	}
	n.dispatch(from, env)
}

// checkRole enforces that from has been granted the given role, returning
// an AuthorizationViolation otherwise so the caller can abort the
// connection per spec.md §4.11.
func (n *Node) checkRole(from peer.ID, role string) error {
	p, ok := n.peers.get(from)
	if !ok || p.State != PeerPeered || !p.hasRole(role) {
		return &AuthorizationViolation{Peer: from.String(), Reason: fmt.Sprintf("missing role %q", role)}
	}
	return nil
}

// acceptPeerRequest implements the PEER handshake: reject outright once at
// maximum connectivity, otherwise decode the requester's ConnectionRequest
// and grant the roles allowed by on-chain policy. TRUST roles are granted
// immediately; CHALLENGE roles are withheld until the requester proves
// possession of the claimed private key by signing a nonce sent back over
// this same stream, per spec.md §4.11's TRUST/CHALLENGE authorization
// handshake.
func (n *Node) acceptPeerRequest(s network.Stream, r *bufio.Reader, from peer.ID, env Envelope) bool {
	if n.peers.countState(PeerPeered) >= n.cfg.MaxConnectivity {
		return false
	}
	req := ConnectionRequest{Roles: n.cfg.Roles}
	if env.Content != nil {
		if decoded, ok := decodeConnectionRequest(env.Content); ok {
			req = decoded
		}
	}
	granted, needsChallenge := grantRoles(req, n.policy)
	if len(granted) == 0 {
		return false
	}

	trusted := make([]string, 0, len(granted))
	challengeSet := make(map[string]bool, len(needsChallenge))
	for _, r := range needsChallenge {
		challengeSet[r] = true
	}
	for _, r := range granted {
		if !challengeSet[r] {
			trusted = append(trusted, r)
		}
	}

	confirmed := trusted
	if len(needsChallenge) > 0 {
		if ok := n.runChallenge(s, r, req); ok {
			confirmed = granted
		} else {
			n.log.WithField("peer", from.String()).Warn("challenge verification failed, withholding challenge-gated roles")
		}
		resp := encodeConnectionResponse(ConnectionResponse{GrantedRoles: confirmed})
		if err := WriteEnvelope(s, NewEnvelope(MsgPeer, env.CorrelationID, resp)); err != nil {
			n.log.WithError(err).Debug("peer response failed")
		}
	} else {
		resp := encodeConnectionResponse(ConnectionResponse{GrantedRoles: trusted})
		if err := WriteEnvelope(s, NewEnvelope(MsgPeer, env.CorrelationID, resp)); err != nil {
			n.log.WithError(err).Debug("peer response failed")
		}
	}

	if len(confirmed) == 0 {
		return false
	}
	n.peers.upsert(from, func(p *PeerInfo) {
		p.State = PeerPeered
		p.PublicKey = req.PublicKey
		for _, role := range confirmed {
			p.Roles[role] = true
		}
	})
	return true
}

// runChallenge sends a nonce to the requester, reads its signed response
// over the same stream, and verifies it against the public key req claims.
// It returns false on any transport failure, decode failure, or signature
// mismatch, in which case the challenge-gated roles in needsChallenge must
// not be granted.
func (n *Node) runChallenge(s network.Stream, r *bufio.Reader, req ConnectionRequest) bool {
	nonce, err := NewChallenge()
	if err != nil {
		n.log.WithError(err).Warn("generate challenge failed")
		return false
	}
	challengeResp := encodeConnectionResponse(ConnectionResponse{Challenge: nonce})
	if err := WriteEnvelope(s, NewEnvelope(MsgChallenge, "", challengeResp)); err != nil {
		n.log.WithError(err).Debug("send challenge failed")
		return false
	}

	reply, err := ReadEnvelope(r)
	if err != nil {
		n.log.WithError(err).Debug("read challenge response failed")
		return false
	}
	if reply.MessageType != MsgChallenge {
		return false
	}
	answer, ok := decodeChallengeResponse(reply.Content)
	if !ok {
		return false
	}
	return VerifyChallenge(req.PublicKey, nonce, answer)
}

// rateLimited enforces PING's "rate-limited" requirement: at most
// pingBudget pings per pingInterval per peer.
func (n *Node) rateLimited(from peer.ID) bool {
	n.pingMu.Lock()
	defer n.pingMu.Unlock()
	now := time.Now()
	cutoff := now.Add(-pingInterval)
	history := n.pings[from]
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	n.pings[from] = kept
	return len(kept) > pingBudget
}

// Peers returns a snapshot of every peer this node has ever observed.
func (n *Node) Peers() []*PeerInfo { return n.peers.snapshot() }

// PeeredCount returns how many peers currently hold PeerPeered status.
func (n *Node) PeeredCount() int { return n.peers.countState(PeerPeered) }
