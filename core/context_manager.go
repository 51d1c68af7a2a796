package core

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned by Context.Set/Delete/Get when the address
// does not fall under any declared input (for reads) or output (for writes)
// prefix, per spec.md §4.2.
var ErrUnauthorized = fmt.Errorf("core: address not authorized by declared inputs/outputs")

// contextValue is the working-set entry for one address: either a pending
// write (Bytes set) or a tombstone (Deleted true).
type contextValue struct {
	Bytes   []byte
	Deleted bool
}

// Context is a per-transaction working set layered over a base state root
// and, optionally, a chain of parent contexts. Writes never mutate a parent;
// reads walk own writes, then parents most-recent first, then base state.
type Context struct {
	ID       string
	BaseRoot NodeHash
	Inputs   []string // hex address-prefix strings
	Outputs  []string // hex address-prefix strings

	mu      sync.Mutex
	writes  map[Address]contextValue
	events  []Event
	receipt [][]byte
	parents []string // parent context IDs, most-recent first
}

// ContextManager creates and tracks in-flight contexts layered over a shared
// Merkle-Radix store. One ContextManager serves every scheduler in the
// process.
type ContextManager struct {
	state *MerkleState

	mu       sync.Mutex
	contexts map[string]*Context
}

// NewContextManager returns a ContextManager backed by state.
func NewContextManager(state *MerkleState) *ContextManager {
	return &ContextManager{
		state:    state,
		contexts: make(map[string]*Context),
	}
}

// CreateContext registers a new context over baseRoot, chained after
// baseContexts (most-recent first), restricted to the declared inputs and
// outputs.
func (cm *ContextManager) CreateContext(baseRoot NodeHash, baseContexts []string, inputs, outputs []string) string {
	id := uuid.NewString()
	ctx := &Context{
		ID:       id,
		BaseRoot: baseRoot,
		Inputs:   inputs,
		Outputs:  outputs,
		writes:   make(map[Address]contextValue),
		parents:  append([]string(nil), baseContexts...),
	}
	cm.mu.Lock()
	cm.contexts[id] = ctx
	cm.mu.Unlock()
	return id
}

func (cm *ContextManager) lookup(ctxID string) (*Context, error) {
	cm.mu.Lock()
	ctx, ok := cm.contexts[ctxID]
	cm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("core: unknown context %q", ctxID)
	}
	return ctx, nil
}

func matchesAnyPrefix(addr Address, prefixes []string) bool {
	for _, p := range prefixes {
		if HasPrefix(addr, p) {
			return true
		}
	}
	return false
}

// Get returns, for each address, the most recent value visible to ctx: its
// own writes, then parent contexts most-recent first, then base state.
func (cm *ContextManager) Get(ctxID string, addrs []Address) ([][]byte, error) {
	ctx, err := cm.lookup(ctxID)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(addrs))
	for i, addr := range addrs {
		if !matchesAnyPrefix(addr, ctx.Inputs) {
			return nil, ErrUnauthorized
		}
		val, _, err := cm.resolve(ctx, addr, true)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

func (cm *ContextManager) resolve(ctx *Context, addr Address, withBase bool) ([]byte, bool, error) {
	ctx.mu.Lock()
	if v, ok := ctx.writes[addr]; ok {
		ctx.mu.Unlock()
		if v.Deleted {
			return nil, true, nil
		}
		return v.Bytes, true, nil
	}
	parents := append([]string(nil), ctx.parents...)
	base := ctx.BaseRoot
	ctx.mu.Unlock()

	for _, parentID := range parents {
		parent, err := cm.lookup(parentID)
		if err != nil {
			continue // parent already squashed away; fall through to base
		}
		v, found, err := cm.resolve(parent, addr, false)
		if err != nil {
			return nil, false, err
		}
		if found {
			return v, true, nil
		}
	}

	if !withBase {
		return nil, false, nil
	}
	val, ok, err := cm.state.Get(base, addr)
	if err != nil {
		return nil, false, err
	}
	return val, ok, nil
}

// Set stages writes in ctx's working set. Every address must match a
// declared output prefix.
func (cm *ContextManager) Set(ctxID string, kvs []KV) error {
	ctx, err := cm.lookup(ctxID)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if !matchesAnyPrefix(kv.Address, ctx.Outputs) {
			return ErrUnauthorized
		}
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for _, kv := range kvs {
		ctx.writes[kv.Address] = contextValue{Bytes: kv.Value}
	}
	return nil
}

// Delete stages tombstones in ctx's working set. Every address must match a
// declared output prefix.
func (cm *ContextManager) Delete(ctxID string, addrs []Address) error {
	ctx, err := cm.lookup(ctxID)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if !matchesAnyPrefix(addr, ctx.Outputs) {
			return ErrUnauthorized
		}
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for _, addr := range addrs {
		ctx.writes[addr] = contextValue{Deleted: true}
	}
	return nil
}

// AddEvent appends an event to ctx, later surfaced on the transaction's
// Receipt.
func (cm *ContextManager) AddEvent(ctxID string, event Event) error {
	ctx, err := cm.lookup(ctxID)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	ctx.events = append(ctx.events, event)
	ctx.mu.Unlock()
	return nil
}

// AddReceiptData appends opaque transaction-family data to ctx's receipt.
func (cm *ContextManager) AddReceiptData(ctxID string, data []byte) error {
	ctx, err := cm.lookup(ctxID)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	ctx.receipt = append(ctx.receipt, data)
	ctx.mu.Unlock()
	return nil
}

// StateChanges returns ctx's own staged writes as StateChange records, in no
// particular order — callers needing submission order must track it
// separately (the scheduler does, via batch/transaction order).
func (cm *ContextManager) StateChanges(ctxID string) ([]StateChange, error) {
	ctx, err := cm.lookup(ctxID)
	if err != nil {
		return nil, err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	out := make([]StateChange, 0, len(ctx.writes))
	for addr, v := range ctx.writes {
		out = append(out, StateChange{Address: addr, Value: v.Bytes, Deleted: v.Deleted})
	}
	return out, nil
}

// Events returns ctx's own staged events.
func (cm *ContextManager) Events(ctxID string) ([]Event, error) {
	ctx, err := cm.lookup(ctxID)
	if err != nil {
		return nil, err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return append([]Event(nil), ctx.events...), nil
}

// Squash collapses the named contexts, applied in the given order, into one
// new Merkle root over baseRoot. persist has no effect: the new root's nodes
// are always written to the MerkleState, and the squashed contexts are
// always dropped from the manager.
func (cm *ContextManager) Squash(baseRoot NodeHash, ctxIDs []string, persist bool) (NodeHash, error) {
	root := baseRoot
	for _, id := range ctxIDs {
		ctx, err := cm.lookup(id)
		if err != nil {
			return NodeHash{}, err
		}
		var kvs []KV
		var deletes []Address
		ctx.mu.Lock()
		for addr, v := range ctx.writes {
			if v.Deleted {
				deletes = append(deletes, addr)
			} else {
				kvs = append(kvs, KV{Address: addr, Value: v.Bytes})
			}
		}
		ctx.mu.Unlock()

		if len(kvs) > 0 {
			root, err = cm.state.Set(root, kvs)
			if err != nil {
				return NodeHash{}, err
			}
		}
		if len(deletes) > 0 {
			root, err = cm.state.Delete(root, deletes)
			if err != nil {
				return NodeHash{}, err
			}
		}
	}

	// Squashed contexts are terminal whatever the value of persist.
	cm.mu.Lock()
	for _, id := range ctxIDs {
		delete(cm.contexts, id)
	}
	cm.mu.Unlock()
	return root, nil
}

// Drop discards ctx without applying its writes, used when a transaction's
// result is Invalid.
func (cm *ContextManager) Drop(ctxID string) {
	cm.mu.Lock()
	delete(cm.contexts, ctxID)
	cm.mu.Unlock()
}

// validateAddressList checks that every prefix is an even-length hex string
// of at most AddressLen*2 characters, per spec.md §3.
func validateAddressList(prefixes []string) error {
	for _, p := range prefixes {
		if len(p)%2 != 0 || len(p) > AddressLen*2 {
			return fmt.Errorf("core: invalid address prefix %q", p)
		}
		if _, err := hex.DecodeString(p); err != nil {
			return fmt.Errorf("core: address prefix %q is not hex", p)
		}
		if strings.TrimSpace(p) != p {
			return fmt.Errorf("core: address prefix %q has surrounding whitespace", p)
		}
	}
	return nil
}
