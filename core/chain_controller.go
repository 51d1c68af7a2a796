package core

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// PublisherNotifier is notified when the chain head changes, so the block
// publisher can cancel its in-progress schedule and restart over the new
// head, per spec.md §4.8/§4.9.
type PublisherNotifier interface {
	OnChainHeadChanged(newHead *Block)
}

// ChainController serializes chain-head updates under a single lock while
// allowing multiple block validations to run concurrently, per spec.md
// §4.8's opening paragraph.
type ChainController struct {
	mu        sync.Mutex // serializes chain-head updates only
	validator *BlockValidator
	store     *BlockStore
	cache     *BlockCache
	notifier  PublisherNotifier
	log       *logrus.Entry

	headVersion int // bumped on every head change, to detect staleness
}

// NewChainController returns a controller over store/cache, validating
// candidates with validator and notifying notifier of head changes.
func NewChainController(validator *BlockValidator, store *BlockStore, cache *BlockCache, notifier PublisherNotifier) *ChainController {
	return &ChainController{
		validator: validator,
		store:     store,
		cache:     cache,
		notifier:  notifier,
		log:       logrus.WithField("component", "chain_controller"),
	}
}

// SubmitBlock validates candidate and, if it should become the new chain
// head, applies the commit/decommit to the block store and notifies the
// publisher. It may be called concurrently for independent candidates;
// only the final head-mutating step is serialized.
func (cc *ChainController) SubmitBlock(ctx context.Context, candidate *Block) error {
	for {
		headBefore, err := cc.store.ChainHead()
		if err != nil {
			return err
		}
		headVersionBefore := cc.snapshotHeadVersion()

		result, err := cc.validator.Validate(ctx, candidate)
		if err != nil {
			return err
		}
		if !result.Valid {
			cc.cache.Put(candidate, BlockStatusInvalid)
			cc.log.WithField("block", result.InvalidAt).Info("candidate chain rejected")
			return nil
		}
		if result.Decision != ForkAdoptCandidate {
			cc.cache.Put(candidate, BlockStatusValid)
			cc.log.WithField("block", candidate.ID()).Debug("candidate validated but fork resolver kept current head")
			return nil
		}

		cc.mu.Lock()
		headNow, err := cc.store.ChainHead()
		if err != nil {
			cc.mu.Unlock()
			return err
		}
		staleHead := (headBefore == nil) != (headNow == nil)
		if headBefore != nil && headNow != nil {
			staleHead = staleHead || headBefore.ID() != headNow.ID()
		}
		if staleHead || cc.headVersion != headVersionBefore {
			cc.mu.Unlock()
			cc.log.WithField("block", candidate.ID()).Debug("chain head moved during validation, restarting")
			continue
		}

		if err := cc.store.PutChainHead(result.CandidateChain, result.CurrentHeadChain); err != nil {
			cc.mu.Unlock()
			return err
		}
		cc.headVersion++
		cc.mu.Unlock()

		for _, b := range result.CandidateChain {
			cc.cache.Put(b, BlockStatusValid)
		}
		if cc.notifier != nil {
			cc.notifier.OnChainHeadChanged(candidate)
		}
		cc.log.WithFields(logrus.Fields{
			"new_head": candidate.ID(),
			"height":   candidate.Header.BlockNumber,
		}).Info("chain head updated")
		return nil
	}
}

func (cc *ChainController) snapshotHeadVersion() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.headVersion
}
