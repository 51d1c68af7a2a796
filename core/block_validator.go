package core

import (
	"context"
	"fmt"

	"sawtooth-validator/core/processor"

	"github.com/sirupsen/logrus"
)

// PermissionChecker gates which signer public keys may submit transactions
// of a given family, per spec.md §4.8 step 2(a). The default
// AllowAllPermissionChecker permits everything.
type PermissionChecker interface {
	IsPermitted(signer PublicKey, familyName string) bool
}

// AllowAllPermissionChecker permits every signer/family combination.
type AllowAllPermissionChecker struct{}

func (AllowAllPermissionChecker) IsPermitted(PublicKey, string) bool { return true }

// ErrNoCommonAncestor is returned when a candidate chain shares no block
// with the current head chain, i.e. it is rooted in a foreign genesis.
var ErrNoCommonAncestor = fmt.Errorf("core: candidate chain has no common ancestor with current head")

// BlockValidator forward-validates candidate chains against the cache,
// store, and current global state, per spec.md §4.8.
type BlockValidator struct {
	cache       *BlockCache
	store       *BlockStore
	state       *MerkleState
	registry    *processor.Registry
	permissions PermissionChecker
	consensus   *ConsensusEngine
	schedulerFn func(cm *ContextManager, baseRoot NodeHash) Scheduler
	log         *logrus.Entry
}

// NewBlockValidator returns a validator over the given cache/store/state,
// dispatching transactions via registry and consensus checks via engine.
// By default candidate blocks are scheduled with a ParallelScheduler.
func NewBlockValidator(cache *BlockCache, store *BlockStore, state *MerkleState, registry *processor.Registry, engine *ConsensusEngine) *BlockValidator {
	return &BlockValidator{
		cache:       cache,
		store:       store,
		state:       state,
		registry:    registry,
		permissions: AllowAllPermissionChecker{},
		consensus:   engine,
		schedulerFn: func(cm *ContextManager, baseRoot NodeHash) Scheduler { return NewParallelScheduler(cm, baseRoot) },
		log:         logrus.WithField("component", "block_validator"),
	}
}

// SetPermissionChecker overrides the default allow-all permission checker.
func (v *BlockValidator) SetPermissionChecker(p PermissionChecker) { v.permissions = p }

// ValidationResult reports the outcome of validating a candidate block's
// full chain segment back to the common ancestor with the current head.
type ValidationResult struct {
	Valid            bool
	InvalidAt        string // block ID of the first invalid block, if !Valid
	CommonAncestor   string
	CandidateChain   []*Block // ancestor+1 .. candidate tip, in order
	CurrentHeadChain []*Block // ancestor+1 .. current head, in order
	Decision         ForkDecision
}

// Validate runs the full §4.8 pipeline for candidate: common-ancestor walk,
// forward validation of every block from the ancestor to the tip, and (if
// all blocks validate) a fork-resolver comparison against the current head.
func (v *BlockValidator) Validate(ctx context.Context, candidate *Block) (*ValidationResult, error) {
	head, err := v.store.ChainHead()
	if err != nil {
		return nil, err
	}

	ancestorID, candidateChain, headChain, err := v.commonAncestor(candidate, head)
	if err != nil {
		return &ValidationResult{Valid: false, InvalidAt: candidate.ID()}, nil
	}

	baseRoot := v.rootAtAncestor(ancestorID, head)
	for _, block := range candidateChain {
		if err := v.validateOne(ctx, block, baseRoot); err != nil {
			v.log.WithError(err).WithField("block", block.ID()).Warn("block failed forward validation")
			return &ValidationResult{
				Valid:            false,
				InvalidAt:        block.ID(),
				CommonAncestor:   ancestorID,
				CandidateChain:   candidateChain,
				CurrentHeadChain: headChain,
			}, nil
		}
		baseRoot = block.Header.StateRootHash
	}

	view := ConsensusView{Cache: v.cache, State: v.state}
	decision := ForkAdoptCandidate
	if v.consensus != nil && v.consensus.Resolver != nil {
		decision, err = v.consensus.Resolver.CompareForks(view, headChain, candidateChain)
		if err != nil {
			return nil, err
		}
	}

	return &ValidationResult{
		Valid:            true,
		CommonAncestor:   ancestorID,
		CandidateChain:   candidateChain,
		CurrentHeadChain: headChain,
		Decision:         decision,
	}, nil
}

// commonAncestor walks candidate and head back by previous_block_id until
// they meet, returning the ancestor's ID and both chains ordered from
// ancestor+1 to their respective tips.
func (v *BlockValidator) commonAncestor(candidate, head *Block) (string, []*Block, []*Block, error) {
	candAncestors := map[string]int{} // block ID -> index in candidatePath
	var candidatePath []*Block
	for b := candidate; ; {
		candAncestors[b.ID()] = len(candidatePath)
		candidatePath = append(candidatePath, b)
		if b.IsGenesis() {
			break
		}
		prev, err := v.lookupBlock(b.Header.PreviousBlockID)
		if err != nil {
			break
		}
		b = prev
	}

	if head == nil {
		// No chain head yet: the whole candidate chain, genesis included,
		// validates against the empty pre-genesis state.
		if !candidatePath[len(candidatePath)-1].IsGenesis() {
			return "", nil, nil, ErrNoCommonAncestor
		}
		return ReservedPreviousBlockID, reverseBlocks(candidatePath), nil, nil
	}

	var headPath []*Block
	for b := head; ; {
		if idx, ok := candAncestors[b.ID()]; ok {
			candidateChain := reverseBlocks(candidatePath[:idx])
			headChain := reverseBlocks(headPath)
			return b.ID(), candidateChain, headChain, nil
		}
		headPath = append(headPath, b)
		if b.IsGenesis() {
			break
		}
		prev, err := v.lookupBlock(b.Header.PreviousBlockID)
		if err != nil {
			break
		}
		b = prev
	}
	return "", nil, nil, ErrNoCommonAncestor
}

func reverseBlocks(in []*Block) []*Block {
	out := make([]*Block, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

func (v *BlockValidator) lookupBlock(id string) (*Block, error) {
	if block, _, ok := v.cache.Get(id); ok {
		return block, nil
	}
	return nil, fmt.Errorf("core: block %s not found", id)
}

// rootAtAncestor reports the state root to schedule the candidate chain's
// first block against: the ancestor's own root, or the empty root if the
// ancestor is the (absent) pre-genesis state.
func (v *BlockValidator) rootAtAncestor(ancestorID string, head *Block) NodeHash {
	if block, err := v.lookupBlock(ancestorID); err == nil {
		return block.Header.StateRootHash
	}
	return EmptyRoot
}

// validateOne runs steps (a)-(e) of spec.md §4.8 for a single block against
// baseRoot, the state root the block's predecessor committed.
func (v *BlockValidator) validateOne(ctx context.Context, block *Block, baseRoot NodeHash) error {
	for _, txn := range blockTransactions(block) {
		if !v.permissions.IsPermitted(txn.Header.SignerPublicKey, txn.Header.FamilyName) {
			return fmt.Errorf("core: signer not permitted for family %q", txn.Header.FamilyName)
		}
	}

	rulesRaw, ok, err := GetSetting(v.state, baseRoot, SettingBlockValidationRules)
	if err != nil {
		return err
	}
	if ok {
		rules, err := ParseValidationRules(rulesRaw)
		if err != nil {
			return err
		}
		if err := EvaluateValidationRules(rules, block); err != nil {
			return err
		}
	}

	if err := checkNoDuplicates(block); err != nil {
		return err
	}

	cm := NewContextManager(v.state)
	sched := v.schedulerFn(cm, baseRoot)
	for _, batch := range block.Batches {
		if err := sched.AddBatch(batch, nil); err != nil {
			return err
		}
	}
	if err := sched.Finalize(); err != nil {
		return err
	}
	exec := NewExecutor(cm, v.registry, 8)
	if err := exec.Run(ctx, sched); err != nil {
		return err
	}
	results, err := sched.IterateBatchResults()
	if err != nil {
		return err
	}
	var computedRoot NodeHash
	if len(results) > 0 {
		computedRoot = results[len(results)-1].StateHash
	} else {
		computedRoot = baseRoot
	}
	for _, r := range results {
		if !r.Valid {
			return fmt.Errorf("core: batch %s failed execution", r.BatchID)
		}
	}

	if v.consensus != nil && v.consensus.Verifier != nil {
		if err := v.consensus.Verifier.VerifyBlock(ConsensusView{Cache: v.cache, State: v.state}, block); err != nil {
			return fmt.Errorf("core: consensus verification failed: %w", err)
		}
	}

	if computedRoot != block.Header.StateRootHash {
		return fmt.Errorf("core: computed state root %x does not match header root %x", computedRoot, block.Header.StateRootHash)
	}
	return nil
}

// checkNoDuplicates rejects a block that repeats a batch ID or a
// transaction ID anywhere within it.
func checkNoDuplicates(block *Block) error {
	seenBatches := make(map[string]bool)
	seenTxns := make(map[string]bool)
	for _, batch := range block.Batches {
		if seenBatches[batch.ID()] {
			return fmt.Errorf("core: duplicate batch %s in block", batch.ID())
		}
		seenBatches[batch.ID()] = true
		for _, txn := range batch.Transactions {
			if seenTxns[txn.ID()] {
				return fmt.Errorf("core: duplicate transaction %s in block", txn.ID())
			}
			seenTxns[txn.ID()] = true
		}
	}
	return nil
}
