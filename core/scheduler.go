package core

import "fmt"

// TxnStatus is the outcome of executing one transaction, reported to the
// scheduler via SetResult.
type TxnStatus int

const (
	// StatusValid means the transaction applied successfully.
	StatusValid TxnStatus = iota
	// StatusInvalid means the transaction failed; its batch is reported
	// invalid as a whole and its writes are excluded from squash.
	StatusInvalid
	// StatusInvalidWithoutRollback means the transaction failed but
	// downstream transactions in the same batch still execute against an
	// unaffected context chain; the batch is still reported invalid, and
	// the failing transaction's writes are excluded from squash.
	StatusInvalidWithoutRollback
)

// NextState reports whether NextTransaction produced a transaction to run.
type NextState int

const (
	// StateReady means Info holds a transaction ready to execute.
	StateReady NextState = iota
	// StateWouldBlock means no transaction is currently ready; the caller
	// should retry after another SetResult lands.
	StateWouldBlock
	// StateComplete means the schedule is exhausted or cancelled.
	StateComplete
)

// TxnInfo describes a transaction released by NextTransaction, along with
// what the executor needs to create its execution context.
type TxnInfo struct {
	Transaction    *Transaction
	BatchID        string
	BaseStateRoot  NodeHash
	BaseContextIDs []string // predecessor context IDs, most-recent first
	// Precondemned is true when the scheduler has already determined this
	// transaction must be reported invalid (a cascaded predecessor
	// failure) without dispatching it to a processor at all.
	Precondemned bool
}

// NextResult is the result of a NextTransaction call.
type NextResult struct {
	State NextState
	Info  *TxnInfo
}

// BatchResult is one entry of IterateBatchResults: whether the batch was
// valid, and the cumulative state hash after applying it (unchanged from the
// previous batch's hash if this batch was invalid).
type BatchResult struct {
	BatchID   string
	Valid     bool
	StateHash NodeHash
}

// SchedulerError reports a structural problem with a scheduling request,
// distinct from a per-transaction execution failure.
type SchedulerError struct {
	Op  string
	Err error
}

func (e *SchedulerError) Error() string { return fmt.Sprintf("core: scheduler %s: %v", e.Op, e.Err) }
func (e *SchedulerError) Unwrap() error { return e.Err }

// Scheduler is the contract shared by the serial and parallel
// implementations. Exactly one concrete type backs a given schedule.
type Scheduler interface {
	// AddBatch enqueues batch for scheduling. expectedStateHash is stored
	// with the batch; neither implementation compares it with the computed
	// state hash, and no call reports a mismatch.
	AddBatch(batch *Batch, expectedStateHash *NodeHash) error
	// NextTransaction returns the next ready transaction, or reports that
	// the caller would block or that scheduling is complete.
	NextTransaction() (NextResult, error)
	// SetResult records the outcome of executing a transaction, keyed by
	// the context ID the executor created for it.
	SetResult(txnID, ctxID string, status TxnStatus, stateChanges []StateChange) error
	// Finalize signals that no further batches will be added.
	Finalize() error
	// Complete reports whether scheduling has finished; if block is true
	// it does not return until it has (or the schedule is cancelled).
	Complete(block bool) (bool, error)
	// IterateBatchResults returns per-batch outcomes in submission order.
	// Valid only after Complete reports true.
	IterateBatchResults() ([]BatchResult, error)
	// Cancel aborts the schedule: NextTransaction reports StateComplete
	// from then on and all pending contexts are discarded.
	Cancel()
}
