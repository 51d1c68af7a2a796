package core

import "encoding/hex"

// predNode is one byte-per-edge node in the predecessor tree. readers and
// writers hold the scheduler indices of transactions that declared a prefix
// ending exactly at this node.
type predNode struct {
	children map[byte]*predNode
	readers  []int
	writers  []int
}

func newPredNode() *predNode {
	return &predNode{children: make(map[byte]*predNode)}
}

// PredecessorTree tracks, per address prefix, which previously scheduled
// transactions declared it as a read (input) or write (output), so the
// parallel scheduler can compute a new transaction's predecessors: per
// spec.md §4.3, every prior writer overlapping any input or output, and
// every prior reader overlapping any output.
//
// Two prefixes overlap when one is a prefix of the other — that is exactly
// when their address subtrees intersect.
type PredecessorTree struct {
	root *predNode
}

// NewPredecessorTree returns an empty tree.
func NewPredecessorTree() *PredecessorTree {
	return &PredecessorTree{root: newPredNode()}
}

func decodePrefix(prefixHex string) ([]byte, error) {
	return hex.DecodeString(prefixHex)
}

// walkOverlapping collects the indices (via collect) of every entry whose
// declared prefix overlaps query: ancestors-or-equal along the path to
// query, plus the full subtree below it.
func walkOverlapping(root *predNode, query []byte, collect func(n *predNode)) {
	n := root
	collect(n)
	for _, b := range query {
		child, ok := n.children[b]
		if !ok {
			return // no descendant registrations possible past this point
		}
		n = child
		collect(n)
	}
	// n is the node at the end of query; collect everything below it too.
	var walkSubtree func(n *predNode)
	walkSubtree = func(n *predNode) {
		for _, child := range n.children {
			collect(child)
			walkSubtree(child)
		}
	}
	walkSubtree(n)
}

func insertAt(root *predNode, path []byte) *predNode {
	n := root
	for _, b := range path {
		child, ok := n.children[b]
		if !ok {
			child = newPredNode()
			n.children[b] = child
		}
		n = child
	}
	return n
}

// AddTransaction computes the predecessor set for a transaction at the given
// scheduler index declaring inputs and outputs (hex prefix strings), then
// registers the transaction's own reads and writes for future lookups.
//
// The returned map's value is true when the dependency arose through the new
// transaction's own outputs (write-write or write-after-read) rather than
// purely through its inputs. Per spec.md §4.3, only output-driven
// dependencies cascade invalidation when the predecessor itself turns out
// invalid; input-driven dependencies are naturally resolved by squash
// excluding the invalid predecessor's writes.
func (t *PredecessorTree) AddTransaction(index int, inputs, outputs []string) (map[int]bool, error) {
	predecessors := make(map[int]bool)

	collectWriters := func(n *predNode) {
		for _, w := range n.writers {
			if !predecessors[w] {
				predecessors[w] = false
			}
		}
	}
	markViaOutput := func(n *predNode) {
		for _, w := range n.writers {
			predecessors[w] = true
		}
		for _, r := range n.readers {
			predecessors[r] = true
		}
	}

	for _, in := range inputs {
		path, err := decodePrefix(in)
		if err != nil {
			return nil, err
		}
		walkOverlapping(t.root, path, collectWriters)
	}
	for _, out := range outputs {
		path, err := decodePrefix(out)
		if err != nil {
			return nil, err
		}
		walkOverlapping(t.root, path, markViaOutput)
	}
	delete(predecessors, index)

	for _, in := range inputs {
		path, err := decodePrefix(in)
		if err != nil {
			return nil, err
		}
		node := insertAt(t.root, path)
		node.readers = append(node.readers, index)
	}
	for _, out := range outputs {
		path, err := decodePrefix(out)
		if err != nil {
			return nil, err
		}
		node := insertAt(t.root, path)
		node.writers = append(node.writers, index)
	}

	return predecessors, nil
}
