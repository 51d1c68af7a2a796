// Package completer resolves dependencies for arriving blocks and batches
// before they are handed to the chain controller or the block publisher,
// per spec.md §4.5. Missing dependencies are requested from peers and
// retried with exponential backoff; items waiting past an overall timeout
// are dropped along with everything waiting on them.
package completer

import (
	"sync"
	"time"

	core "sawtooth-validator/core"

	"github.com/sirupsen/logrus"
)

// PeerRequester is how the completer asks the peer network for a missing
// block or batch. Implementations should be best-effort and non-blocking.
type PeerRequester interface {
	RequestBlock(id string)
	RequestBatch(id string)
}

// ChainQuery answers whether a transaction or block is already known to the
// validator, either durably stored or in the block cache.
type ChainQuery interface {
	HasBlock(id string) bool
	HasTransaction(id string) bool
}

const (
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffMax  = 10 * time.Second
	defaultTimeout     = 60 * time.Second
)

type pendingBlock struct {
	block       *core.Block
	missingPred string
	firstSeen   time.Time
	nextRetry   time.Time
	attempts    int
}

type pendingBatch struct {
	batch        *core.Batch
	missingTxns  map[string]bool
	firstSeen    time.Time
	nextRetry    time.Time
	attempts     int
}

// Completer holds blocks and batches until their declared dependencies are
// satisfied, then delivers them via onBlockReady/onBatchReady.
type Completer struct {
	mu sync.Mutex
	log *logrus.Entry

	query     ChainQuery
	requester PeerRequester

	onBlockReady func(*core.Block)
	onBatchReady func(*core.Batch)

	pendingBlocks  map[string]*pendingBlock // keyed by block ID
	byMissingBlock map[string][]string      // missing predecessor ID -> waiting block IDs
	pendingBatches map[string]*pendingBatch // keyed by batch ID

	backoffBase time.Duration
	backoffMax  time.Duration
	timeout     time.Duration
}

// New returns a Completer that answers dependency questions via query and
// requests missing items via requester.
func New(query ChainQuery, requester PeerRequester, onBlockReady func(*core.Block), onBatchReady func(*core.Batch)) *Completer {
	return &Completer{
		log:            logrus.WithField("component", "completer"),
		query:          query,
		requester:      requester,
		onBlockReady:   onBlockReady,
		onBatchReady:   onBatchReady,
		pendingBlocks:  make(map[string]*pendingBlock),
		byMissingBlock: make(map[string][]string),
		pendingBatches: make(map[string]*pendingBatch),
		backoffBase:    defaultBackoffBase,
		backoffMax:     defaultBackoffMax,
		timeout:        defaultTimeout,
	}
}

// AddBlock holds b until its predecessor is available and its structure is
// internally consistent, per spec.md §4.5(a)-(c). Structural failures are
// rejected immediately rather than held.
func (c *Completer) AddBlock(b *core.Block, now time.Time) error {
	if err := b.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if b.IsGenesis() || c.query.HasBlock(b.Header.PreviousBlockID) {
		c.deliverBlockLocked(b)
		return nil
	}

	pred := b.Header.PreviousBlockID
	c.pendingBlocks[b.ID()] = &pendingBlock{
		block:       b,
		missingPred: pred,
		firstSeen:   now,
		nextRetry:   now,
	}
	c.byMissingBlock[pred] = append(c.byMissingBlock[pred], b.ID())
	c.requester.RequestBlock(pred)
	return nil
}

// deliverBlockLocked fires onBlockReady and promotes any blocks that were
// waiting on b as their predecessor. Caller must hold c.mu.
func (c *Completer) deliverBlockLocked(b *core.Block) {
	c.onBlockReady(b)
	waiters := c.byMissingBlock[b.ID()]
	delete(c.byMissingBlock, b.ID())
	for _, waiterID := range waiters {
		entry, ok := c.pendingBlocks[waiterID]
		if !ok {
			continue
		}
		delete(c.pendingBlocks, waiterID)
		c.deliverBlockLocked(entry.block)
	}
}

// AddBatch holds batch until every transaction's declared dependency IDs
// are known, per spec.md §4.5.
func (c *Completer) AddBatch(batch *core.Batch, now time.Time) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	missing := make(map[string]bool)
	for _, txn := range batch.Transactions {
		for _, dep := range txn.Header.Dependencies {
			if !c.query.HasTransaction(dep) {
				missing[dep] = true
			}
		}
	}
	if len(missing) == 0 {
		c.onBatchReady(batch)
		return nil
	}

	c.pendingBatches[batch.ID()] = &pendingBatch{
		batch:       batch,
		missingTxns: missing,
		firstSeen:   now,
		nextRetry:   now,
	}
	for dep := range missing {
		c.requester.RequestBatch(dep)
	}
	return nil
}

// NotifyTransactionKnown re-checks pending batches against a transaction ID
// that has just become known (delivered to the publisher or committed to
// the chain), delivering any batch whose dependencies are now all satisfied.
func (c *Completer) NotifyTransactionKnown(txnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.pendingBatches {
		if !entry.missingTxns[txnID] {
			continue
		}
		delete(entry.missingTxns, txnID)
		if len(entry.missingTxns) == 0 {
			delete(c.pendingBatches, id)
			c.onBatchReady(entry.batch)
		}
	}
}

// NotifyBlockKnown re-checks pending blocks against a block ID that has just
// become known, delivering any block whose predecessor is now satisfied.
func (c *Completer) NotifyBlockKnown(blockID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiters := c.byMissingBlock[blockID]
	delete(c.byMissingBlock, blockID)
	for _, waiterID := range waiters {
		entry, ok := c.pendingBlocks[waiterID]
		if !ok {
			continue
		}
		delete(c.pendingBlocks, waiterID)
		c.deliverBlockLocked(entry.block)
	}
}

// Tick retries due requests with exponential backoff and drops any item
// that has waited past the overall timeout, along with everything that was
// waiting on it. Callers invoke this periodically from a background loop.
func (c *Completer) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.pendingBlocks {
		if now.Sub(entry.firstSeen) > c.timeout {
			c.dropBlockLocked(id)
			continue
		}
		if now.Before(entry.nextRetry) {
			continue
		}
		entry.attempts++
		entry.nextRetry = now.Add(backoffDelay(c.backoffBase, c.backoffMax, entry.attempts))
		c.requester.RequestBlock(entry.missingPred)
	}

	for id, entry := range c.pendingBatches {
		if now.Sub(entry.firstSeen) > c.timeout {
			delete(c.pendingBatches, id)
			c.log.WithField("batch", id).Warn("dropping batch after dependency timeout")
			continue
		}
		if now.Before(entry.nextRetry) {
			continue
		}
		entry.attempts++
		entry.nextRetry = now.Add(backoffDelay(c.backoffBase, c.backoffMax, entry.attempts))
		for dep := range entry.missingTxns {
			c.requester.RequestBatch(dep)
		}
	}
}

// dropBlockLocked removes a timed-out block and every descendant still
// waiting on it, per spec.md §4.5's "drop the item and all descendants".
func (c *Completer) dropBlockLocked(id string) {
	entry, ok := c.pendingBlocks[id]
	if !ok {
		return
	}
	delete(c.pendingBlocks, id)
	c.log.WithField("block", id).Warn("dropping block after predecessor timeout")

	waiters := c.byMissingBlock[entry.missingPred]
	kept := waiters[:0]
	for _, w := range waiters {
		if w == id {
			continue
		}
		kept = append(kept, w)
	}
	c.byMissingBlock[entry.missingPred] = kept

	for _, waiterID := range c.byMissingBlock[id] {
		c.dropBlockLocked(waiterID)
	}
	delete(c.byMissingBlock, id)
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
