package completer_test

import (
	"testing"
	"time"

	core "sawtooth-validator/core"
	"sawtooth-validator/core/completer"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type fakeQuery struct {
	blocks map[string]bool
	txns   map[string]bool
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{blocks: make(map[string]bool), txns: make(map[string]bool)}
}

func (q *fakeQuery) HasBlock(id string) bool       { return q.blocks[id] }
func (q *fakeQuery) HasTransaction(id string) bool { return q.txns[id] }

type fakeRequester struct {
	blocks  []string
	batches []string
}

func (r *fakeRequester) RequestBlock(id string) { r.blocks = append(r.blocks, id) }
func (r *fakeRequester) RequestBatch(id string)  { r.batches = append(r.batches, id) }

func newKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	priv, err := core.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func signedTxn(t *testing.T, priv *secp256k1.PrivateKey, nonce string, deps []string) *core.Transaction {
	t.Helper()
	pub := core.PublicKeyBytes(priv)
	payload := []byte("intkey," + nonce)
	txn := &core.Transaction{
		Header: core.TransactionHeader{
			FamilyName:       "intkey",
			FamilyVersion:    "1.0",
			SignerPublicKey:  pub,
			BatcherPublicKey: pub,
			Inputs:           []string{"1cf126"},
			Outputs:          []string{"1cf126"},
			PayloadSHA512:    core.PayloadDigest(payload),
			Nonce:            nonce,
			Dependencies:     deps,
		},
		Payload: payload,
	}
	if err := core.SignTransaction(priv, txn); err != nil {
		t.Fatalf("sign txn: %v", err)
	}
	return txn
}

func signedBatch(t *testing.T, priv *secp256k1.PrivateKey, txns ...*core.Transaction) *core.Batch {
	t.Helper()
	ids := make([]string, len(txns))
	for i, txn := range txns {
		ids[i] = txn.ID()
	}
	batch := &core.Batch{
		Header: core.BatchHeader{
			SignerPublicKey: core.PublicKeyBytes(priv),
			TransactionIDs:  ids,
		},
		Transactions: txns,
	}
	if err := core.SignBatch(priv, batch); err != nil {
		t.Fatalf("sign batch: %v", err)
	}
	return batch
}

func signedGenesis(t *testing.T, priv *secp256k1.PrivateKey) *core.Block {
	t.Helper()
	block := &core.Block{
		Header: core.BlockHeader{
			PreviousBlockID: core.ReservedPreviousBlockID,
			BlockNumber:     0,
			StateRootHash:   core.EmptyRoot,
			SignerPublicKey: core.PublicKeyBytes(priv),
		},
	}
	if err := core.SignBlock(priv, block); err != nil {
		t.Fatalf("sign genesis: %v", err)
	}
	return block
}

func signedChild(t *testing.T, priv *secp256k1.PrivateKey, parent *core.Block) *core.Block {
	t.Helper()
	block := &core.Block{
		Header: core.BlockHeader{
			PreviousBlockID: parent.ID(),
			BlockNumber:     parent.Header.BlockNumber + 1,
			StateRootHash:   parent.Header.StateRootHash,
			SignerPublicKey: core.PublicKeyBytes(priv),
		},
	}
	if err := core.SignBlock(priv, block); err != nil {
		t.Fatalf("sign child: %v", err)
	}
	return block
}

func TestAddBatchDeliversImmediatelyWhenDependenciesKnown(t *testing.T) {
	priv := newKey(t)
	query := newFakeQuery()
	requester := &fakeRequester{}
	var delivered *core.Batch

	c := completer.New(query, requester, func(*core.Block) {}, func(b *core.Batch) { delivered = b })

	txn := signedTxn(t, priv, "n1", nil)
	batch := signedBatch(t, priv, txn)

	if err := c.AddBatch(batch, time.Unix(0, 0)); err != nil {
		t.Fatalf("add batch: %v", err)
	}
	if delivered == nil || delivered.ID() != batch.ID() {
		t.Fatalf("expected batch delivered immediately, got %v", delivered)
	}
	if len(requester.batches) != 0 {
		t.Fatalf("expected no peer requests, got %v", requester.batches)
	}
}

func TestAddBatchHoldsUntilDependencyKnown(t *testing.T) {
	priv := newKey(t)
	query := newFakeQuery()
	requester := &fakeRequester{}
	var delivered *core.Batch

	c := completer.New(query, requester, func(*core.Block) {}, func(b *core.Batch) { delivered = b })

	dep := signedTxn(t, priv, "dep", nil)
	txn := signedTxn(t, priv, "n1", []string{dep.ID()})
	batch := signedBatch(t, priv, txn)

	if err := c.AddBatch(batch, time.Unix(0, 0)); err != nil {
		t.Fatalf("add batch: %v", err)
	}
	if delivered != nil {
		t.Fatalf("expected batch held pending dependency")
	}
	if len(requester.batches) != 1 || requester.batches[0] != dep.ID() {
		t.Fatalf("expected a request for the missing dependency, got %v", requester.batches)
	}

	c.NotifyTransactionKnown(dep.ID())
	if delivered == nil || delivered.ID() != batch.ID() {
		t.Fatalf("expected batch delivered once dependency became known")
	}
}

func TestAddBlockHoldsUntilPredecessorKnown(t *testing.T) {
	priv := newKey(t)
	query := newFakeQuery()
	requester := &fakeRequester{}
	var delivered *core.Block

	c := completer.New(query, requester, func(b *core.Block) { delivered = b }, func(*core.Batch) {})

	genesis := signedGenesis(t, priv)
	child := signedChild(t, priv, genesis)

	if err := c.AddBlock(child, time.Unix(0, 0)); err != nil {
		t.Fatalf("add block: %v", err)
	}
	if delivered != nil {
		t.Fatalf("expected block held pending predecessor")
	}
	if len(requester.blocks) != 1 || requester.blocks[0] != genesis.ID() {
		t.Fatalf("expected a request for the missing predecessor, got %v", requester.blocks)
	}

	query.blocks[genesis.ID()] = true
	c.NotifyBlockKnown(genesis.ID())
	if delivered == nil || delivered.ID() != child.ID() {
		t.Fatalf("expected block delivered once predecessor became known")
	}
}

func TestAddBlockDeliversChainOfWaitersInOrder(t *testing.T) {
	priv := newKey(t)
	query := newFakeQuery()
	requester := &fakeRequester{}
	var deliveredOrder []string

	c := completer.New(query, requester, func(b *core.Block) { deliveredOrder = append(deliveredOrder, b.ID()) }, func(*core.Batch) {})

	genesis := signedGenesis(t, priv)
	child1 := signedChild(t, priv, genesis)
	child2 := signedChild(t, priv, child1)

	if err := c.AddBlock(child2, time.Unix(0, 0)); err != nil {
		t.Fatalf("add child2: %v", err)
	}
	if err := c.AddBlock(child1, time.Unix(0, 0)); err != nil {
		t.Fatalf("add child1: %v", err)
	}
	if len(deliveredOrder) != 0 {
		t.Fatalf("expected nothing delivered yet, got %v", deliveredOrder)
	}

	query.blocks[genesis.ID()] = true
	c.NotifyBlockKnown(genesis.ID())

	if len(deliveredOrder) != 2 || deliveredOrder[0] != child1.ID() || deliveredOrder[1] != child2.ID() {
		t.Fatalf("expected child1 then child2 delivered, got %v", deliveredOrder)
	}
}

func TestTickDropsBlockAfterTimeoutAlongWithDescendants(t *testing.T) {
	priv := newKey(t)
	query := newFakeQuery()
	requester := &fakeRequester{}
	var delivered []string

	c := completer.New(query, requester, func(b *core.Block) { delivered = append(delivered, b.ID()) }, func(*core.Batch) {})

	genesis := signedGenesis(t, priv)
	child1 := signedChild(t, priv, genesis)
	child2 := signedChild(t, priv, child1)

	start := time.Unix(0, 0)
	if err := c.AddBlock(child1, start); err != nil {
		t.Fatalf("add child1: %v", err)
	}
	if err := c.AddBlock(child2, start); err != nil {
		t.Fatalf("add child2: %v", err)
	}

	c.Tick(start.Add(2 * time.Minute))

	query.blocks[genesis.ID()] = true
	c.NotifyBlockKnown(genesis.ID())
	if len(delivered) != 0 {
		t.Fatalf("expected both blocks dropped by timeout, got delivered=%v", delivered)
	}
}

func TestTickRetriesWithBackoffBeforeTimeout(t *testing.T) {
	priv := newKey(t)
	query := newFakeQuery()
	requester := &fakeRequester{}

	c := completer.New(query, requester, func(*core.Block) {}, func(*core.Batch) {})

	genesis := signedGenesis(t, priv)
	child := signedChild(t, priv, genesis)

	start := time.Unix(0, 0)
	if err := c.AddBlock(child, start); err != nil {
		t.Fatalf("add block: %v", err)
	}
	if len(requester.blocks) != 1 {
		t.Fatalf("expected one request from AddBlock, got %d", len(requester.blocks))
	}

	c.Tick(start.Add(5 * time.Second))
	if len(requester.blocks) < 2 {
		t.Fatalf("expected a retry request after the backoff window, got %d", len(requester.blocks))
	}
}
