package core

import (
	"context"
	"fmt"
	"sync"

	"sawtooth-validator/core/processor"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"
)

// PublisherState is the block publisher's current stage in the
// Idle -> Building -> Summarizing -> Finalizing -> Idle cycle of
// spec.md §4.9.
type PublisherState int

const (
	PublisherIdle PublisherState = iota
	PublisherBuilding
	PublisherSummarizing
	PublisherFinalizing
)

func (s PublisherState) String() string {
	switch s {
	case PublisherBuilding:
		return "building"
	case PublisherSummarizing:
		return "summarizing"
	case PublisherFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// BatchInjector splices additional batches into a block under construction
// at four points, per spec.md §4.9. Injected batches are validated exactly
// like ordinary ones.
type BatchInjector interface {
	BlockStart(previous *Block) []*Batch
	BeforeBatch(previous *Block, batch *Batch) []*Batch
	AfterBatch(previous *Block, batch *Batch) []*Batch
	BlockEnd(previous *Block, batches []*Batch) []*Batch
}

// BlockPublisher builds candidate blocks over the current chain head,
// running the configured BatchInjector set and consulting the consensus
// engine's Publisher capability to decide when to stop accepting batches.
type BlockPublisher struct {
	mu sync.Mutex

	signer    *secp256k1.PrivateKey
	merkle    *MerkleState
	registry  *processor.Registry
	consensus *ConsensusEngine
	injectors []BatchInjector
	schedulerFn func(cm *ContextManager, baseRoot NodeHash) Scheduler

	state     PublisherState
	previous  *Block
	cm        *ContextManager
	sched     Scheduler
	batches   []*Batch // in final block order, valid and invalid alike until summarized
	log       *logrus.Entry
}

// NewBlockPublisher returns an idle publisher signing finalized blocks with
// signer, scheduling against merkle state, and dispatching transactions via
// registry.
func NewBlockPublisher(signer *secp256k1.PrivateKey, merkle *MerkleState, registry *processor.Registry, consensus *ConsensusEngine, injectors []BatchInjector) *BlockPublisher {
	return &BlockPublisher{
		signer:      signer,
		merkle:      merkle,
		registry:    registry,
		consensus:   consensus,
		injectors:   injectors,
		schedulerFn: func(cm *ContextManager, baseRoot NodeHash) Scheduler { return NewParallelScheduler(cm, baseRoot) },
		state:       PublisherIdle,
		log:         logrus.WithField("component", "block_publisher"),
	}
}

// State reports the publisher's current stage.
func (p *BlockPublisher) State() PublisherState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PendingBatchCount reports how many batches the block under construction
// currently holds.
func (p *BlockPublisher) PendingBatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

// StartBlock begins building a new candidate over previous, per spec.md
// §4.9's "On start_block(previous)". Any in-progress block is discarded.
func (p *BlockPublisher) StartBlock(previous *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sched != nil {
		p.sched.Cancel()
	}

	view := ConsensusView{State: p.merkle}
	if p.consensus != nil && p.consensus.Publisher != nil {
		if err := p.consensus.Publisher.InitializeBlock(view, previous); err != nil {
			return fmt.Errorf("core: consensus rejected new block: %w", err)
		}
	}

	p.previous = previous
	p.cm = NewContextManager(p.merkle)
	p.sched = p.schedulerFn(p.cm, previous.Header.StateRootHash)
	p.batches = nil
	p.state = PublisherBuilding

	for _, inj := range p.injectors {
		for _, b := range inj.BlockStart(previous) {
			if err := p.addBatchLocked(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddBatch feeds one externally-submitted batch into the block under
// construction, running before_batch/after_batch injector hooks around it.
func (p *BlockPublisher) AddBatch(batch *Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PublisherBuilding {
		return fmt.Errorf("core: publisher not building a block (state=%v)", p.state)
	}

	for _, inj := range p.injectors {
		for _, b := range inj.BeforeBatch(p.previous, batch) {
			if err := p.addBatchLocked(b); err != nil {
				return err
			}
		}
	}
	if err := p.addBatchLocked(batch); err != nil {
		return err
	}
	for _, inj := range p.injectors {
		for _, b := range inj.AfterBatch(p.previous, batch) {
			if err := p.addBatchLocked(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *BlockPublisher) addBatchLocked(batch *Batch) error {
	if err := p.sched.AddBatch(batch, nil); err != nil {
		return err
	}
	p.batches = append(p.batches, batch)
	return nil
}

// CheckPublish asks the consensus engine's Publisher capability whether the
// in-progress block should be finalized now.
func (p *BlockPublisher) CheckPublish() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PublisherBuilding {
		return false
	}
	if p.consensus == nil || p.consensus.Publisher == nil {
		return true
	}
	return p.consensus.Publisher.CheckPublishBlock(ConsensusView{State: p.merkle})
}

// SummarizedBlock is the frozen, executed candidate awaiting consensus
// bytes and a signature.
type SummarizedBlock struct {
	Header  BlockHeader
	Batches []*Batch
}

// SummarizeBlock runs block_end injector hooks, finalizes and executes the
// schedule, and freezes the batch list and computed state root.
func (p *BlockPublisher) SummarizeBlock(ctx context.Context) (*SummarizedBlock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PublisherBuilding {
		return nil, fmt.Errorf("core: publisher not building a block (state=%v)", p.state)
	}
	p.state = PublisherSummarizing

	for _, inj := range p.injectors {
		for _, b := range inj.BlockEnd(p.previous, p.batches) {
			if err := p.addBatchLocked(b); err != nil {
				return nil, err
			}
		}
	}

	if err := p.sched.Finalize(); err != nil {
		return nil, err
	}
	exec := NewExecutor(p.cm, p.registry, 8)
	if err := exec.Run(ctx, p.sched); err != nil {
		return nil, err
	}
	results, err := p.sched.IterateBatchResults()
	if err != nil {
		return nil, err
	}

	var validBatches []*Batch
	var ids []string
	root := p.previous.Header.StateRootHash
	for i, r := range results {
		if r.Valid {
			validBatches = append(validBatches, p.batches[i])
			ids = append(ids, p.batches[i].ID())
			root = r.StateHash
		}
	}

	header := BlockHeader{
		PreviousBlockID: p.previous.ID(),
		BlockNumber:     p.previous.Header.BlockNumber + 1,
		StateRootHash:   root,
		BatchIDs:        ids,
	}
	return &SummarizedBlock{Header: header, Batches: validBatches}, nil
}

// FinalizeBlock accepts consensus bytes, signs the summarized header, and
// returns the block ready for broadcast. The publisher returns to Idle
// regardless of success, matching spec.md §4.9's cycle back to Idle.
func (p *BlockPublisher) FinalizeBlock(summary *SummarizedBlock) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.state = PublisherIdle }()
	if p.state != PublisherSummarizing {
		return nil, fmt.Errorf("core: publisher not summarizing a block (state=%v)", p.state)
	}
	p.state = PublisherFinalizing

	header := summary.Header
	if p.consensus != nil && p.consensus.Publisher != nil {
		if err := p.consensus.Publisher.FinalizeBlock(ConsensusView{State: p.merkle}, &header); err != nil {
			return nil, fmt.Errorf("core: consensus refused to finalize block: %w", err)
		}
	}
	header.SignerPublicKey = PublicKeyBytes(p.signer)

	block := &Block{Header: header, Batches: summary.Batches}
	if err := SignBlock(p.signer, block); err != nil {
		return nil, err
	}
	return block, nil
}

// Cancel aborts the in-progress block, discarding its schedule and
// returning the publisher to Idle. Called when the chain head changes out
// from under the publisher, per spec.md §4.9.
func (p *BlockPublisher) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sched != nil {
		p.sched.Cancel()
	}
	p.sched = nil
	p.batches = nil
	p.state = PublisherIdle
}

// OnChainHeadChanged implements PublisherNotifier, cancelling and letting
// the caller restart StartBlock over the new head.
func (p *BlockPublisher) OnChainHeadChanged(newHead *Block) {
	p.log.WithField("new_head", newHead.ID()).Debug("chain head changed, cancelling in-progress block")
	p.Cancel()
}
