package core

import (
	"context"
	"time"

	"sawtooth-validator/core/processor"

	"github.com/sirupsen/logrus"
)

// defaultFamilyTimeout bounds a single process request when no per-family
// override is configured.
const defaultFamilyTimeout = 30 * time.Second

// Executor pulls ready transactions from a Scheduler, creates their
// execution context, and dispatches them to registered transaction
// processors, honoring per-family timeouts and the executor's own
// concurrency cap.
type Executor struct {
	cm       *ContextManager
	registry *processor.Registry
	log      *logrus.Entry

	concurrency    int
	defaultTimeout time.Duration
	familyTimeouts map[string]time.Duration
}

// NewExecutor returns an Executor bound to cm for context management and
// registry for processor dispatch, running up to concurrency transactions
// in flight at once.
func NewExecutor(cm *ContextManager, registry *processor.Registry, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Executor{
		cm:             cm,
		registry:       registry,
		concurrency:    concurrency,
		defaultTimeout: defaultFamilyTimeout,
		familyTimeouts: make(map[string]time.Duration),
		log:            logrus.WithField("component", "executor"),
	}
}

// SetFamilyTimeout overrides the process-request timeout for a given
// family name.
func (e *Executor) SetFamilyTimeout(family string, timeout time.Duration) {
	e.familyTimeouts[family] = timeout
}

func (e *Executor) timeoutFor(family string) time.Duration {
	if t, ok := e.familyTimeouts[family]; ok {
		return t
	}
	return e.defaultTimeout
}

// Run drains sched until it reports StateComplete or ctx is cancelled,
// dispatching ready transactions up to e.concurrency at a time.
func (e *Executor) Run(ctx context.Context, sched Scheduler) error {
	sem := make(chan struct{}, e.concurrency)
	var inFlight int
	done := make(chan struct{})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := sched.NextTransaction()
		if err != nil {
			return err
		}
		switch result.State {
		case StateComplete:
			for inFlight > 0 {
				<-done
				inFlight--
			}
			return nil
		case StateWouldBlock:
			if inFlight == 0 {
				// Nothing outstanding can ever unblock this — the
				// schedule is stuck (should not happen for a well-formed
				// dependency graph, but never spin forever).
				return nil
			}
			<-done
			inFlight--
			continue
		case StateReady:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			inFlight++
			info := result.Info
			go func() {
				defer func() { <-sem; done <- struct{}{} }()
				e.execute(ctx, sched, info)
			}()
		}
	}
}

func (e *Executor) execute(ctx context.Context, sched Scheduler, info *TxnInfo) {
	txn := info.Transaction
	log := e.log.WithFields(logrus.Fields{"txn": txn.ID(), "family": txn.Header.FamilyName})

	if info.Precondemned {
		log.Debug("transaction precondemned by cascaded predecessor invalidation")
		if err := sched.SetResult(txn.ID(), "", StatusInvalid, nil); err != nil {
			log.WithError(err).Warn("set_result failed for precondemned transaction")
		}
		return
	}

	ctxID := e.cm.CreateContext(info.BaseStateRoot, info.BaseContextIDs, txn.Header.Inputs, txn.Header.Outputs)

	headerBytes, err := EncodeTransactionHeader(txn.Header)
	if err != nil {
		log.WithError(err).Warn("encode header failed")
		_ = sched.SetResult(txn.ID(), ctxID, StatusInvalid, nil)
		return
	}

	req := &processor.ProcessRequest{
		TxnID:         txn.ID(),
		FamilyName:    txn.Header.FamilyName,
		FamilyVersion: txn.Header.FamilyVersion,
		Payload:       txn.Payload,
		HeaderBytes:   headerBytes,
		ContextID:     ctxID,
		Signer:        []byte(txn.Header.SignerPublicKey),
	}

	var resp *processor.ProcessResponse
	for attempt := 0; attempt < 2; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, e.timeoutFor(txn.Header.FamilyName))
		resp, err = e.registry.Dispatch(reqCtx, req)
		cancel()
		if err != nil {
			log.WithError(err).Warn("process request failed or timed out")
			_ = sched.SetResult(txn.ID(), ctxID, StatusInvalid, nil)
			return
		}
		if resp.Status != processor.StatusInternalError {
			break
		}
		log.WithField("attempt", attempt+1).Warn("processor reported internal error, retrying")
	}

	status := StatusValid
	switch resp.Status {
	case processor.StatusInvalid, processor.StatusInternalError:
		status = StatusInvalid
	case processor.StatusInvalidWithoutRollback:
		status = StatusInvalidWithoutRollback
	}

	changes, err := e.cm.StateChanges(ctxID)
	if err != nil {
		log.WithError(err).Warn("read state changes failed")
	}
	if err := sched.SetResult(txn.ID(), ctxID, status, changes); err != nil {
		log.WithError(err).Warn("set_result failed")
	}
}
