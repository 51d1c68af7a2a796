package core_test

import (
	. "sawtooth-validator/core"
	"testing"
)

func genesisBlock(t *testing.T, signer *testSigner) *Block {
	t.Helper()
	block := &Block{
		Header: BlockHeader{
			PreviousBlockID: ReservedPreviousBlockID,
			BlockNumber:     0,
			StateRootHash:   EmptyRoot,
			SignerPublicKey: signer.pub,
		},
	}
	if err := SignBlock(signer.key, block); err != nil {
		t.Fatalf("sign genesis: %v", err)
	}
	return block
}

func childBlock(t *testing.T, signer *testSigner, parent *Block, batches ...*Batch) *Block {
	t.Helper()
	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.ID()
	}
	block := &Block{
		Header: BlockHeader{
			PreviousBlockID: parent.ID(),
			BlockNumber:     parent.Header.BlockNumber + 1,
			StateRootHash:   parent.Header.StateRootHash,
			SignerPublicKey: signer.pub,
			BatchIDs:        ids,
		},
		Batches: batches,
	}
	if err := SignBlock(signer.key, block); err != nil {
		t.Fatalf("sign child: %v", err)
	}
	return block
}

func TestBlockStoreInMemoryPutAndGet(t *testing.T) {
	signer := newTestSigner(t)
	store, err := OpenBlockStore("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	genesis := genesisBlock(t, signer)
	if err := store.PutChainHead([]*Block{genesis}, nil); err != nil {
		t.Fatalf("put chain head: %v", err)
	}

	got, err := store.GetBlockByID(genesis.ID())
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.ID() != genesis.ID() {
		t.Fatalf("expected to retrieve genesis block")
	}

	head, err := store.ChainHead()
	if err != nil {
		t.Fatalf("chain head: %v", err)
	}
	if head.ID() != genesis.ID() {
		t.Fatalf("expected chain head to be genesis")
	}
}

func TestBlockStoreBatchAndTxnIndexes(t *testing.T) {
	signer := newTestSigner(t)
	store, err := OpenBlockStore("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	genesis := genesisBlock(t, signer)
	txn := makeTxn(t, signer, "intkey", "n1", []string{"1cf126"}, []string{"1cf126"})
	batch := newTestBatch(t, signer, txn)
	block := childBlock(t, signer, genesis, batch)

	if err := store.PutChainHead([]*Block{genesis, block}, nil); err != nil {
		t.Fatalf("put chain head: %v", err)
	}

	gotBlock, err := store.GetBlockByBatchID(batch.ID())
	if err != nil || gotBlock.ID() != block.ID() {
		t.Fatalf("expected batch to resolve to block, got %v err=%v", gotBlock, err)
	}
	gotBlock2, err := store.GetBlockByTxnID(txn.ID())
	if err != nil || gotBlock2.ID() != block.ID() {
		t.Fatalf("expected txn to resolve to block, got %v err=%v", gotBlock2, err)
	}
	gotBatch, err := store.GetBatchByID(batch.ID())
	if err != nil || gotBatch.ID() != batch.ID() {
		t.Fatalf("expected to retrieve batch by id")
	}
}

func TestBlockStoreDecommitRollsBackHead(t *testing.T) {
	signer := newTestSigner(t)
	store, err := OpenBlockStore("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	genesis := genesisBlock(t, signer)
	block1 := childBlock(t, signer, genesis)
	if err := store.PutChainHead([]*Block{genesis, block1}, nil); err != nil {
		t.Fatalf("put chain head: %v", err)
	}
	if err := store.PutChainHead(nil, []*Block{block1}); err != nil {
		t.Fatalf("decommit: %v", err)
	}
	head, err := store.ChainHead()
	if err != nil {
		t.Fatalf("chain head: %v", err)
	}
	if head.ID() != genesis.ID() {
		t.Fatalf("expected head to roll back to genesis after decommit")
	}
	if _, err := store.GetBlockByID(block1.ID()); err == nil {
		t.Fatalf("expected decommitted block to be unindexed")
	}
}

func TestBlockStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)

	store, err := OpenBlockStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	genesis := genesisBlock(t, signer)
	if err := store.PutChainHead([]*Block{genesis}, nil); err != nil {
		t.Fatalf("put chain head: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBlockStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	head, err := reopened.ChainHead()
	if err != nil {
		t.Fatalf("chain head: %v", err)
	}
	if head == nil || head.ID() != genesis.ID() {
		t.Fatalf("expected genesis to survive reopen via WAL replay")
	}
}
