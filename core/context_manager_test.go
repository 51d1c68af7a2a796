package core_test

import (
	. "sawtooth-validator/core"
	"testing"
)

func TestContextManagerSetGetRoundTrip(t *testing.T) {
	state := NewMerkleState()
	cm := NewContextManager(state)
	a := addr(t, "1cf126")

	ctxID := cm.CreateContext(EmptyRoot, nil, []string{"1cf126"}, []string{"1cf126"})
	if err := cm.Set(ctxID, []KV{{Address: a, Value: []byte("hello")}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	vals, err := cm.Get(ctxID, []Address{a})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(vals[0]) != "hello" {
		t.Fatalf("expected hello, got %q", vals[0])
	}
}

func TestContextManagerGetUnauthorized(t *testing.T) {
	state := NewMerkleState()
	cm := NewContextManager(state)
	a := addr(t, "2ab34f")

	ctxID := cm.CreateContext(EmptyRoot, nil, []string{"1cf126"}, []string{"1cf126"})
	if _, err := cm.Get(ctxID, []Address{a}); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestContextManagerSetUnauthorized(t *testing.T) {
	state := NewMerkleState()
	cm := NewContextManager(state)
	a := addr(t, "2ab34f")

	ctxID := cm.CreateContext(EmptyRoot, nil, []string{"1cf126"}, []string{"1cf126"})
	if err := cm.Set(ctxID, []KV{{Address: a, Value: []byte("x")}}); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestContextManagerReadsOwnWriteBeforeBase(t *testing.T) {
	state := NewMerkleState()
	cm := NewContextManager(state)
	a := addr(t, "1cf126")

	root, err := state.Set(EmptyRoot, []KV{{Address: a, Value: []byte("base")}})
	if err != nil {
		t.Fatalf("set base: %v", err)
	}
	ctxID := cm.CreateContext(root, nil, []string{"1cf126"}, []string{"1cf126"})
	if err := cm.Set(ctxID, []KV{{Address: a, Value: []byte("overlay")}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	vals, err := cm.Get(ctxID, []Address{a})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(vals[0]) != "overlay" {
		t.Fatalf("expected own write to shadow base state, got %q", vals[0])
	}
}

func TestContextManagerParentChain(t *testing.T) {
	state := NewMerkleState()
	cm := NewContextManager(state)
	a := addr(t, "1cf126")

	parentID := cm.CreateContext(EmptyRoot, nil, []string{"1cf126"}, []string{"1cf126"})
	if err := cm.Set(parentID, []KV{{Address: a, Value: []byte("from-parent")}}); err != nil {
		t.Fatalf("set parent: %v", err)
	}
	childID := cm.CreateContext(EmptyRoot, []string{parentID}, []string{"1cf126"}, []string{"1cf126"})
	vals, err := cm.Get(childID, []Address{a})
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if string(vals[0]) != "from-parent" {
		t.Fatalf("expected child to inherit parent write, got %q", vals[0])
	}
}

func TestContextManagerSquash(t *testing.T) {
	state := NewMerkleState()
	cm := NewContextManager(state)
	a := addr(t, "1cf126")
	b := addr(t, "2ab34f")

	ctx1 := cm.CreateContext(EmptyRoot, nil, []string{"1cf126"}, []string{"1cf126"})
	if err := cm.Set(ctx1, []KV{{Address: a, Value: []byte("1")}}); err != nil {
		t.Fatalf("set ctx1: %v", err)
	}
	ctx2 := cm.CreateContext(EmptyRoot, nil, []string{"2ab34f"}, []string{"2ab34f"})
	if err := cm.Set(ctx2, []KV{{Address: b, Value: []byte("2")}}); err != nil {
		t.Fatalf("set ctx2: %v", err)
	}

	root, err := cm.Squash(EmptyRoot, []string{ctx1, ctx2}, true)
	if err != nil {
		t.Fatalf("squash: %v", err)
	}
	v1, ok, err := state.Get(root, a)
	if err != nil || !ok || string(v1) != "1" {
		t.Fatalf("expected a=1 after squash, got %q ok=%v err=%v", v1, ok, err)
	}
	v2, ok, err := state.Get(root, b)
	if err != nil || !ok || string(v2) != "2" {
		t.Fatalf("expected b=2 after squash, got %q ok=%v err=%v", v2, ok, err)
	}
}
