package core_test

import (
	"errors"
	. "sawtooth-validator/core"
	"testing"
)

func TestConsensusRegistryResolvesRegisteredEngine(t *testing.T) {
	reg := NewConsensusRegistry()
	engine := NewDevModeEngine()
	reg.Register(engine)

	got, err := reg.Resolve("devmode")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != engine {
		t.Fatalf("expected the registered engine back")
	}
}

func TestConsensusRegistryResolveUnknownFails(t *testing.T) {
	reg := NewConsensusRegistry()
	if _, err := reg.Resolve("nope"); !errors.Is(err, ErrConsensusNotRegistered) {
		t.Fatalf("expected ErrConsensusNotRegistered, got %v", err)
	}
}

func TestDevModeEngineAlwaysPublishesAndVerifies(t *testing.T) {
	engine := NewDevModeEngine()
	view := ConsensusView{}

	if err := engine.Publisher.InitializeBlock(view, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !engine.Publisher.CheckPublishBlock(view) {
		t.Fatalf("expected devmode to always allow publish")
	}
	var header BlockHeader
	if err := engine.Publisher.FinalizeBlock(view, &header); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := engine.Verifier.VerifyBlock(view, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestDevModeForkResolverPrefersLongerChain(t *testing.T) {
	engine := NewDevModeEngine()
	view := ConsensusView{}

	short := make([]*Block, 1)
	long := make([]*Block, 2)

	decision, err := engine.Resolver.CompareForks(view, short, long)
	if err != nil {
		t.Fatalf("compare forks: %v", err)
	}
	if decision != ForkAdoptCandidate {
		t.Fatalf("expected ForkAdoptCandidate for a longer candidate chain")
	}

	decision, err = engine.Resolver.CompareForks(view, long, short)
	if err != nil {
		t.Fatalf("compare forks: %v", err)
	}
	if decision != ForkKeepCurrent {
		t.Fatalf("expected ForkKeepCurrent when candidate is not longer")
	}
}
