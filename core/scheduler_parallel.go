package core

import (
	"fmt"
	"sync"
)

type parallelTxnEntry struct {
	batchIdx     int
	txn          *Transaction
	predecessors map[int]bool // index -> viaOutput
	released     bool
	done         bool
	ctxID        string
	status       TxnStatus
	invalidated  bool // cascaded invalidation from a failed output-predecessor
}

// ParallelScheduler releases transactions as soon as their declared
// predecessors (per the predecessor tree) have results recorded, rather
// than strictly in submission order. Ties on equal readiness break by
// insertion order, per spec.md §4.3.
type ParallelScheduler struct {
	cm       *ContextManager
	baseRoot NodeHash
	tree     *PredecessorTree

	mu        sync.Mutex
	cond      *sync.Cond
	batches   []serialBatchEntry
	txns      []*parallelTxnEntry
	cancelled bool
	finalized bool
}

// NewParallelScheduler returns a scheduler over baseRoot using cm to manage
// execution contexts.
func NewParallelScheduler(cm *ContextManager, baseRoot NodeHash) *ParallelScheduler {
	s := &ParallelScheduler{cm: cm, baseRoot: baseRoot, tree: NewPredecessorTree()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *ParallelScheduler) AddBatch(batch *Batch, expectedStateHash *NodeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return &SchedulerError{Op: "add_batch", Err: fmt.Errorf("schedule already finalized")}
	}
	if err := batch.Validate(); err != nil {
		return &SchedulerError{Op: "add_batch", Err: err}
	}
	batchIdx := len(s.batches)
	s.batches = append(s.batches, serialBatchEntry{batch: batch, expectedStateHash: expectedStateHash})
	for _, txn := range batch.Transactions {
		index := len(s.txns)
		preds, err := s.tree.AddTransaction(index, txn.Header.Inputs, txn.Header.Outputs)
		if err != nil {
			return &SchedulerError{Op: "add_batch", Err: err}
		}
		s.txns = append(s.txns, &parallelTxnEntry{batchIdx: batchIdx, txn: txn, predecessors: preds})
	}
	return nil
}

func (s *ParallelScheduler) ready(entry *parallelTxnEntry) bool {
	for pred := range entry.predecessors {
		if !s.txns[pred].done {
			return false
		}
	}
	return true
}

func (s *ParallelScheduler) NextTransaction() (NextResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return NextResult{State: StateComplete}, nil
	}

	allReleased := true
	for _, entry := range s.txns {
		if entry.released {
			continue
		}
		allReleased = false
		if !s.ready(entry) {
			continue
		}
		entry.released = true
		info := &TxnInfo{
			Transaction:   entry.txn,
			BatchID:       s.batches[entry.batchIdx].batch.ID(),
			BaseStateRoot: s.baseRoot,
		}
		if entry.invalidated {
			info.Precondemned = true
		} else {
			info.BaseContextIDs = s.parentContextIDs(entry)
		}
		return NextResult{State: StateReady, Info: info}, nil
	}
	if allReleased && s.finalized {
		return NextResult{State: StateComplete}, nil
	}
	return NextResult{State: StateWouldBlock}, nil
}

// parentContextIDs orders an entry's predecessor contexts by ascending
// predecessor index, then reverses so the most recently scheduled
// predecessor shadows earlier ones during context resolution.
func (s *ParallelScheduler) parentContextIDs(entry *parallelTxnEntry) []string {
	indices := make([]int, 0, len(entry.predecessors))
	for idx := range entry.predecessors {
		indices = append(indices, idx)
	}
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			if indices[j] < indices[i] {
				indices[i], indices[j] = indices[j], indices[i]
			}
		}
	}
	var out []string
	for i := len(indices) - 1; i >= 0; i-- {
		pred := s.txns[indices[i]]
		if pred.ctxID != "" {
			out = append(out, pred.ctxID)
		}
	}
	return out
}

func (s *ParallelScheduler) SetResult(txnID, ctxID string, status TxnStatus, _ []StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, entry := range s.txns {
		if entry.txn.ID() == txnID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &SchedulerError{Op: "set_result", Err: fmt.Errorf("unknown transaction %s", txnID)}
	}
	entry := s.txns[idx]
	if !entry.released {
		return &SchedulerError{Op: "set_result", Err: fmt.Errorf("transaction %s not yet released", txnID)}
	}
	entry.done = true
	entry.ctxID = ctxID
	entry.status = status
	if entry.invalidated {
		entry.status = StatusInvalid
	}

	if status == StatusInvalid || status == StatusInvalidWithoutRollback || entry.invalidated {
		for _, other := range s.txns {
			if other.predecessors[idx] { // viaOutput dependency on the now-invalid txn
				other.invalidated = true
			}
		}
	}
	s.cond.Broadcast()
	return nil
}

func (s *ParallelScheduler) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	s.cond.Broadcast()
	return nil
}

// Complete reports whether the schedule has finished (cancelled, or
// finalized with every transaction resolved). With block set it waits on
// cond instead of polling, woken by SetResult/Finalize/Cancel.
func (s *ParallelScheduler) Complete(block bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		done := s.cancelled || (s.finalized && s.allDone())
		if done || !block {
			return done, nil
		}
		s.cond.Wait()
	}
}

func (s *ParallelScheduler) allDone() bool {
	for _, entry := range s.txns {
		if !entry.done {
			return false
		}
	}
	return true
}

// IterateBatchResults squashes each batch's valid transaction contexts, in
// submission order and in-batch transaction order, into a cumulative root.
func (s *ParallelScheduler) IterateBatchResults() ([]BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]BatchResult, 0, len(s.batches))
	root := s.baseRoot

	idx := 0
	for bi, be := range s.batches {
		var ctxIDs []string
		valid := true
		for idx < len(s.txns) && s.txns[idx].batchIdx == bi {
			entry := s.txns[idx]
			if entry.status == StatusInvalid || entry.status == StatusInvalidWithoutRollback {
				valid = false
			} else if entry.ctxID != "" {
				ctxIDs = append(ctxIDs, entry.ctxID)
			}
			idx++
		}

		if valid && len(ctxIDs) > 0 {
			newRoot, err := s.cm.Squash(root, ctxIDs, true)
			if err != nil {
				return nil, err
			}
			root = newRoot
		} else if !valid {
			for _, id := range ctxIDs {
				s.cm.Drop(id)
			}
		}

		results = append(results, BatchResult{BatchID: be.batch.ID(), Valid: valid, StateHash: root})
	}
	return results, nil
}

func (s *ParallelScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	for _, entry := range s.txns {
		if entry.ctxID != "" {
			s.cm.Drop(entry.ctxID)
		}
	}
	s.cond.Broadcast()
}
