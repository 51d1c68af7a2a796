package core_test

import (
	. "sawtooth-validator/core"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestBatchInjectorRegistryBuildsKnownInjectors(t *testing.T) {
	signer := newTestSigner(t)
	reg := NewBatchInjectorRegistry()

	injectors, err := reg.Build([]string{"block_info"}, signer.key)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(injectors) != 1 {
		t.Fatalf("expected 1 injector, got %d", len(injectors))
	}
	if _, ok := injectors[0].(*BlockInfoInjector); !ok {
		t.Fatalf("expected a *BlockInfoInjector, got %T", injectors[0])
	}
}

func TestBatchInjectorRegistryBuildRejectsUnknownName(t *testing.T) {
	signer := newTestSigner(t)
	reg := NewBatchInjectorRegistry()
	if _, err := reg.Build([]string{"does-not-exist"}, signer.key); err == nil {
		t.Fatalf("expected an error for an unregistered injector name")
	}
}

func TestBatchInjectorRegistryRegisterAddsCustomFactory(t *testing.T) {
	signer := newTestSigner(t)
	reg := NewBatchInjectorRegistry()
	reg.Register("noop", func(*secp256k1.PrivateKey) BatchInjector { return NoopBatchInjector{} })

	injectors, err := reg.Build([]string{"noop"}, signer.key)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(injectors) != 1 {
		t.Fatalf("expected 1 injector, got %d", len(injectors))
	}
	if _, ok := injectors[0].(NoopBatchInjector); !ok {
		t.Fatalf("expected NoopBatchInjector, got %T", injectors[0])
	}
}
