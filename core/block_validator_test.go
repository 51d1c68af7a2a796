package core_test

import (
	"context"
	"testing"
	"time"

	. "sawtooth-validator/core"
	"sawtooth-validator/core/processor"
)

func TestBlockValidatorAcceptsValidSingleBlockExtension(t *testing.T) {
	signer := newTestSigner(t)
	store, err := OpenBlockStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	genesis := genesisBlock(t, signer)
	if err := store.PutChainHead([]*Block{genesis}, nil); err != nil {
		t.Fatalf("put genesis: %v", err)
	}
	cache, err := NewBlockCache(16, store)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	addr := startFakeProcessorServer(t, &echoProcessor{})
	registry := processor.NewRegistry()
	if _, err := registry.Register(context.Background(), &processor.RegisterRequest{
		FamilyName: "intkey", FamilyVersion: "1.0", Namespaces: []string{"1cf126"}, MaxOccupancy: 4, Address: addr,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	txn := makeTxn(t, signer, "intkey", "n1", []string{"1cf126"}, []string{"1cf126"})
	batch := newTestBatch(t, signer, txn)
	block1 := childBlock(t, signer, genesis, batch)

	validator := NewBlockValidator(cache, store, NewMerkleState(), registry, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := validator.Validate(ctx, block1)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected block1 to validate, invalid at %s", result.InvalidAt)
	}
	if result.Decision != ForkAdoptCandidate {
		t.Fatalf("expected candidate to be adopted")
	}
	if result.CommonAncestor != genesis.ID() {
		t.Fatalf("expected common ancestor to be genesis, got %s", result.CommonAncestor)
	}
	if len(result.CandidateChain) != 1 || result.CandidateChain[0].ID() != block1.ID() {
		t.Fatalf("expected candidate chain to be [block1], got %v", result.CandidateChain)
	}
}

func TestBlockValidatorRejectsMismatchedStateRoot(t *testing.T) {
	signer := newTestSigner(t)
	store, err := OpenBlockStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	genesis := genesisBlock(t, signer)
	if err := store.PutChainHead([]*Block{genesis}, nil); err != nil {
		t.Fatalf("put genesis: %v", err)
	}
	cache, err := NewBlockCache(16, store)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	addr := startFakeProcessorServer(t, &echoProcessor{})
	registry := processor.NewRegistry()
	if _, err := registry.Register(context.Background(), &processor.RegisterRequest{
		FamilyName: "intkey", FamilyVersion: "1.0", Namespaces: []string{"1cf126"}, MaxOccupancy: 4, Address: addr,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	txn := makeTxn(t, signer, "intkey", "n1", []string{"1cf126"}, []string{"1cf126"})
	batch := newTestBatch(t, signer, txn)
	block1 := childBlock(t, signer, genesis, batch)
	// childBlock inherits parent.Header.StateRootHash, which is correct here
	// (EmptyRoot) since nothing writes state; corrupt it to force a mismatch.
	block1.Header.StateRootHash = NodeHash{0xFF}
	if err := SignBlock(signer.key, block1); err != nil {
		t.Fatalf("re-sign: %v", err)
	}

	validator := NewBlockValidator(cache, store, NewMerkleState(), registry, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := validator.Validate(ctx, block1)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected mismatched state root to be rejected")
	}
	if result.InvalidAt != block1.ID() {
		t.Fatalf("expected block1 flagged invalid, got %s", result.InvalidAt)
	}
}
