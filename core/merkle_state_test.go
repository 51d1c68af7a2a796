package core_test

import (
	. "sawtooth-validator/core"
	"testing"
)

func addr(t *testing.T, hexStr string) Address {
	t.Helper()
	padded := hexStr + "00000000000000000000000000000000000000000000000000000000000000000"
	a, err := ParseAddress(padded[:AddressLen*2])
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	return a
}

func TestMerkleStateEmptyRoot(t *testing.T) {
	m := NewMerkleState()
	_, ok, err := m.Get(EmptyRoot, addr(t, "1cf126"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected no value in empty tree")
	}
}

func TestMerkleStateSetGet(t *testing.T) {
	m := NewMerkleState()
	a := addr(t, "1cf126")
	root, err := m.Set(EmptyRoot, []KV{{Address: a, Value: []byte("42")}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := m.Get(root, a)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(v) != "42" {
		t.Fatalf("expected value 42, got %q ok=%v", v, ok)
	}
}

func TestMerkleStateCopyOnWrite(t *testing.T) {
	m := NewMerkleState()
	a := addr(t, "1cf126")
	root1, err := m.Set(EmptyRoot, []KV{{Address: a, Value: []byte("1")}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	root2, err := m.Set(root1, []KV{{Address: a, Value: []byte("2")}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if root1 == root2 {
		t.Fatalf("expected distinct roots for distinct values")
	}
	v1, _, err := m.Get(root1, a)
	if err != nil {
		t.Fatalf("get root1: %v", err)
	}
	if string(v1) != "1" {
		t.Fatalf("root1 mutated: got %q", v1)
	}
	v2, _, err := m.Get(root2, a)
	if err != nil {
		t.Fatalf("get root2: %v", err)
	}
	if string(v2) != "2" {
		t.Fatalf("expected 2, got %q", v2)
	}
}

func TestMerkleStateDeleteRestoresEmptyRoot(t *testing.T) {
	m := NewMerkleState()
	a := addr(t, "1cf126")
	root, err := m.Set(EmptyRoot, []KV{{Address: a, Value: []byte("x")}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	root, err = m.Delete(root, []Address{a})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if root != EmptyRoot {
		t.Fatalf("expected deleting the only entry to restore the empty root")
	}
}

func TestMerkleStateDeterministicHash(t *testing.T) {
	m1 := NewMerkleState()
	m2 := NewMerkleState()
	a1 := addr(t, "1cf126")
	a2 := addr(t, "2ab34f")

	r1, err := m1.Set(EmptyRoot, []KV{{Address: a1, Value: []byte("a")}, {Address: a2, Value: []byte("b")}})
	if err != nil {
		t.Fatalf("set m1: %v", err)
	}
	r2, err := m2.Set(EmptyRoot, []KV{{Address: a2, Value: []byte("b")}, {Address: a1, Value: []byte("a")}})
	if err != nil {
		t.Fatalf("set m2: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("expected order-independent root hash, got %s vs %s", r1, r2)
	}
}

func TestMerkleStateLeavesPrefix(t *testing.T) {
	m := NewMerkleState()
	a1 := addr(t, "1cf126")
	a2 := addr(t, "1cf127")
	a3 := addr(t, "2ab34f")
	root, err := m.Set(EmptyRoot, []KV{
		{Address: a1, Value: []byte("one")},
		{Address: a2, Value: []byte("two")},
		{Address: a3, Value: []byte("three")},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	leaves, err := m.Leaves(root, "1c")
	if err != nil {
		t.Fatalf("leaves: %v", err)
	}
	if len(leaves) != 2 {
		t.Fatalf("expected 2 leaves under prefix 1c, got %d", len(leaves))
	}
}

func TestMerkleStatePrune(t *testing.T) {
	m := NewMerkleState()
	a := addr(t, "1cf126")
	root1, err := m.Set(EmptyRoot, []KV{{Address: a, Value: []byte("1")}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	root2, err := m.Set(root1, []KV{{Address: a, Value: []byte("2")}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Prune([]NodeHash{root2}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, _, err := m.Get(root1, a); err == nil {
		t.Fatalf("expected root1 to be unreachable after pruning")
	}
	v, ok, err := m.Get(root2, a)
	if err != nil {
		t.Fatalf("get root2 after prune: %v", err)
	}
	if !ok || string(v) != "2" {
		t.Fatalf("expected live root to survive prune")
	}
}
