package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sawtooth-validator/core/processor"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"
)

// genesisBatchFile is the on-disk marker that triggers the genesis path:
// present at boot with no chain head, it supplies the batches the genesis
// block is built from.
const genesisBatchFile = "genesis.batch"

// blockChainIDFile records the genesis block's own signature, so later
// startups can confirm data/ belongs to this chain.
const blockChainIDFile = "block-chain-id"

// NeedsGenesis reports whether dataDir has a pending genesis.batch and the
// block store has no chain head yet.
func NeedsGenesis(dataDir string, store *BlockStore) (bool, error) {
	head, err := store.ChainHead()
	if err != nil {
		return false, err
	}
	if head != nil {
		return false, nil
	}
	_, err = os.Stat(filepath.Join(dataDir, genesisBatchFile))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Bootstrap produces the genesis block from dataDir/genesis.batch, per
// spec.md §6: batches run in listed order with no reordering and no
// dropping on failure (any transaction failure is fatal), consensus bytes
// are left empty, and block-chain-id is written with the genesis
// signature.
func Bootstrap(ctx context.Context, dataDir string, signer *secp256k1.PrivateKey, state *MerkleState, registry *processor.Registry, store *BlockStore) (*Block, error) {
	log := logrus.WithField("component", "genesis")

	raw, err := os.ReadFile(filepath.Join(dataDir, genesisBatchFile))
	if err != nil {
		return nil, fmt.Errorf("core: read genesis.batch: %w", err)
	}
	var batches []*Batch
	if err := json.Unmarshal(raw, &batches); err != nil {
		return nil, fmt.Errorf("core: decode genesis.batch: %w", err)
	}

	cm := NewContextManager(state)
	sched := NewSerialScheduler(cm, EmptyRoot)
	for _, batch := range batches {
		if err := sched.AddBatch(batch, nil); err != nil {
			return nil, fmt.Errorf("core: genesis batch rejected: %w", err)
		}
	}
	if err := sched.Finalize(); err != nil {
		return nil, err
	}
	exec := NewExecutor(cm, registry, 1)
	if err := exec.Run(ctx, sched); err != nil {
		return nil, fmt.Errorf("core: genesis execution failed: %w", err)
	}
	results, err := sched.IterateBatchResults()
	if err != nil {
		return nil, err
	}

	root := EmptyRoot
	var batchIDs []string
	for _, r := range results {
		if !r.Valid {
			return nil, fmt.Errorf("core: genesis batch %s failed: fatal per no-drop-on-failure policy", r.BatchID)
		}
		root = r.StateHash
	}
	for _, b := range batches {
		batchIDs = append(batchIDs, b.ID())
	}

	header := BlockHeader{
		PreviousBlockID: ReservedPreviousBlockID,
		BlockNumber:     0,
		StateRootHash:   root,
		BatchIDs:        batchIDs,
		SignerPublicKey: PublicKeyBytes(signer),
	}
	block := &Block{Header: header, Batches: batches}
	if err := SignBlock(signer, block); err != nil {
		return nil, err
	}

	if err := store.PutChainHead([]*Block{block}, nil); err != nil {
		return nil, fmt.Errorf("core: commit genesis block: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, blockChainIDFile), []byte(hex.EncodeToString(block.HeaderSignature[:])), 0o644); err != nil {
		return nil, fmt.Errorf("core: write block-chain-id: %w", err)
	}

	log.WithField("block_id", block.ID()).Info("genesis block produced")
	return block, nil
}
