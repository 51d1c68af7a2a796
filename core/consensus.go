package core

import "fmt"

// ForkDecision is the outcome of a ForkResolver comparison.
type ForkDecision int

const (
	// ForkKeepCurrent means the candidate chain does not replace the head.
	ForkKeepCurrent ForkDecision = iota
	// ForkAdoptCandidate means the candidate chain should become the new head.
	ForkAdoptCandidate
)

// ConsensusView is the read-only window a consensus plug-in gets over chain
// state: the block cache for ancestor lookups and the Merkle state for
// reading on-chain settings, per spec.md §4.10.
type ConsensusView struct {
	Cache *BlockCache
	State *MerkleState
}

// ConsensusPublisher lets the block publisher gate block production and
// attach consensus-specific bytes to a finished block.
type ConsensusPublisher interface {
	// InitializeBlock is called when a new candidate block starts building
	// over previous. Returning an error rejects the new block entirely.
	InitializeBlock(view ConsensusView, previous *Block) error
	// CheckPublishBlock reports whether the in-progress block should be
	// finalized now.
	CheckPublishBlock(view ConsensusView) bool
	// FinalizeBlock fills consensus-specific bytes into header's
	// ConsensusBytes field just before signing.
	FinalizeBlock(view ConsensusView, header *BlockHeader) error
}

// ConsensusVerifier lets the block validator ask whether a candidate block
// satisfies the consensus algorithm's own rules (e.g. PoET wait-certificate
// checks, PBFT signature thresholds).
type ConsensusVerifier interface {
	VerifyBlock(view ConsensusView, block *Block) error
}

// ConsensusForkResolver decides which of two competing chains should become
// the canonical head. The block validator offers every valid candidate
// chain, including ones that do not extend currentHeadChain.
type ConsensusForkResolver interface {
	CompareForks(view ConsensusView, currentHeadChain, candidateChain []*Block) (ForkDecision, error)
}

// ConsensusEngine bundles the three capability sets a plug-in may implement.
// A plug-in need not implement all three. With a nil Publisher the block
// publisher builds and publishes without consulting consensus, with a nil
// Verifier the block validator skips consensus verification, and with a nil
// Resolver the block validator adopts every valid candidate chain.
type ConsensusEngine struct {
	Name      string
	Version   string
	Publisher ConsensusPublisher
	Verifier  ConsensusVerifier
	Resolver  ConsensusForkResolver
}

// ConsensusRegistry resolves a configured algorithm name to a registered
// ConsensusEngine, the way the executor's processor.Registry resolves a
// family name to a transaction processor.
type ConsensusRegistry struct {
	engines map[string]*ConsensusEngine
}

// NewConsensusRegistry returns an empty registry.
func NewConsensusRegistry() *ConsensusRegistry {
	return &ConsensusRegistry{engines: make(map[string]*ConsensusEngine)}
}

// Register adds engine under its own Name, replacing any prior registration
// under that name.
func (r *ConsensusRegistry) Register(engine *ConsensusEngine) {
	r.engines[engine.Name] = engine
}

// ErrConsensusNotRegistered is returned by Resolve for an unknown algorithm
// name.
var ErrConsensusNotRegistered = fmt.Errorf("core: consensus algorithm not registered")

// Resolve looks up the engine registered under name.
func (r *ConsensusRegistry) Resolve(name string) (*ConsensusEngine, error) {
	engine, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConsensusNotRegistered, name)
	}
	return engine, nil
}

// devModePublisher always permits block building and publishing, for local
// development and tests where no real consensus plug-in is configured.
type devModePublisher struct{}

func (devModePublisher) InitializeBlock(ConsensusView, *Block) error   { return nil }
func (devModePublisher) CheckPublishBlock(ConsensusView) bool          { return true }
func (devModePublisher) FinalizeBlock(ConsensusView, *BlockHeader) error { return nil }

type devModeVerifier struct{}

func (devModeVerifier) VerifyBlock(ConsensusView, *Block) error { return nil }

// devModeForkResolver adopts the candidate chain whenever it is strictly
// longer than the current head chain, matching the teacher's
// RecoverLongestFork longest-chain rule.
type devModeForkResolver struct{}

func (devModeForkResolver) CompareForks(_ ConsensusView, current, candidate []*Block) (ForkDecision, error) {
	if len(candidate) > len(current) {
		return ForkAdoptCandidate, nil
	}
	return ForkKeepCurrent, nil
}

// NewDevModeEngine returns the always-publish, always-verify,
// longest-chain-wins engine used when no on-chain consensus setting is
// configured, mirroring Sawtooth's own devmode consensus.
func NewDevModeEngine() *ConsensusEngine {
	return &ConsensusEngine{
		Name:      "devmode",
		Version:   "0.1",
		Publisher: devModePublisher{},
		Verifier:  devModeVerifier{},
		Resolver:  devModeForkResolver{},
	}
}
