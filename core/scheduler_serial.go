package core

import (
	"fmt"
	"sync"
)

type serialTxnEntry struct {
	batchIdx int
	txn      *Transaction
	released bool
	done     bool
	ctxID    string
	status   TxnStatus
}

type serialBatchEntry struct {
	batch             *Batch
	expectedStateHash *NodeHash
}

// SerialScheduler schedules one transaction at a time in strict submission
// order: transaction N depends on transaction N-1 and is released only
// after N-1's result is recorded. The context chain is linear.
type SerialScheduler struct {
	cm       *ContextManager
	baseRoot NodeHash

	mu        sync.Mutex
	cond      *sync.Cond
	batches   []serialBatchEntry
	txns      []*serialTxnEntry
	nextIdx   int
	finalized bool
	cancelled bool
}

// NewSerialScheduler returns a scheduler over baseRoot using cm to manage
// execution contexts.
func NewSerialScheduler(cm *ContextManager, baseRoot NodeHash) *SerialScheduler {
	s := &SerialScheduler{cm: cm, baseRoot: baseRoot}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *SerialScheduler) AddBatch(batch *Batch, expectedStateHash *NodeHash) error {
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
		s.txns = append(s.txns, &serialTxnEntry{batchIdx: batchIdx, txn: txn})
	}
	return nil
}

func (s *SerialScheduler) NextTransaction() (NextResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return NextResult{State: StateComplete}, nil
	}
	if s.nextIdx >= len(s.txns) {
		if s.finalized {
			return NextResult{State: StateComplete}, nil
		}
		return NextResult{State: StateWouldBlock}, nil
	}
	entry := s.txns[s.nextIdx]
	if entry.released {
		return NextResult{State: StateWouldBlock}, nil
	}
	entry.released = true

	var parents []string
	if s.nextIdx > 0 {
		prev := s.txns[s.nextIdx-1]
		if prev.ctxID != "" {
			parents = []string{prev.ctxID}
		}
	}

	info := &TxnInfo{
		Transaction:    entry.txn,
		BatchID:        s.batches[entry.batchIdx].batch.ID(),
		BaseStateRoot:  s.baseRoot,
		BaseContextIDs: parents,
	}
	return NextResult{State: StateReady, Info: info}, nil
}

func (s *SerialScheduler) SetResult(txnID, ctxID string, status TxnStatus, _ []StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.txns {
		if entry.txn.ID() != txnID {
			continue
		}
		if !entry.released {
			return &SchedulerError{Op: "set_result", Err: fmt.Errorf("transaction %s not yet released", txnID)}
		}
		entry.done = true
		entry.ctxID = ctxID
		entry.status = status
		if i == s.nextIdx {
			s.nextIdx++
		}
		s.cond.Broadcast()
		return nil
	}
	return &SchedulerError{Op: "set_result", Err: fmt.Errorf("unknown transaction %s", txnID)}
}

func (s *SerialScheduler) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	s.cond.Broadcast()
	return nil
}

// Complete reports whether the schedule has finished (cancelled, or
// finalized with every transaction resolved). With block set it waits on
// cond instead of polling, woken by SetResult/Finalize/Cancel.
func (s *SerialScheduler) Complete(block bool) (bool, error) {
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

func (s *SerialScheduler) allDone() bool {
	for _, entry := range s.txns {
		if !entry.done {
			return false
		}
	}
	return true
}

// IterateBatchResults squashes each batch's transaction contexts, in
// submission order, into a cumulative root. A batch containing any invalid
// transaction contributes no writes and leaves the cumulative root
// unchanged, per I3.
func (s *SerialScheduler) IterateBatchResults() ([]BatchResult, error) {
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

func (s *SerialScheduler) Cancel() {
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
