package core

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// ErrChainInconsistent is returned by OpenBlockStore when the on-disk
// snapshot or WAL describes a chain that is not a strict parent-linked path
// back to genesis. Per spec.md §4.6 this is always fatal.
var ErrChainInconsistent = errors.New("core: block store chain is not parent-linked")

// walRecord is one line of the write-ahead log: a committed block plus the
// decommitted block IDs applied atomically alongside it.
type walRecord struct {
	Commit    *Block   `json:"commit"`
	Decommits []string `json:"decommits,omitempty"`
}

// BlockStore is the durable, atomically updated chain store. All indexes are
// kept consistent with the primary by-ID chain on every PutChainHead call.
type BlockStore struct {
	mu sync.RWMutex
	log *logrus.Entry

	dataDir  string
	walFile  *os.File
	walCount int

	byID      map[string]*Block
	byNumber  map[uint64]*Block
	batchToBlock map[string]string
	txnToBlock   map[string]string
	batchByID    map[string]*Batch

	headID string
}

// snapshotThreshold caps how many WAL records accumulate before BlockStore
// compacts them into a fresh zstd-compressed snapshot.
const snapshotThreshold = 256

// OpenBlockStore opens (or initializes) a block store rooted at dataDir,
// replaying any snapshot and WAL found there. An empty dataDir starts a
// fresh, empty store; callers bootstrap genesis separately.
func OpenBlockStore(dataDir string) (*BlockStore, error) {
	bs := &BlockStore{
		dataDir:      dataDir,
		byID:         make(map[string]*Block),
		byNumber:     make(map[uint64]*Block),
		batchToBlock: make(map[string]string),
		txnToBlock:   make(map[string]string),
		batchByID:    make(map[string]*Batch),
		log:          logrus.WithField("component", "block_store"),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("core: create block store dir: %w", err)
		}
		if err := bs.loadSnapshot(); err != nil {
			return nil, err
		}
		if err := bs.replayWAL(); err != nil {
			return nil, err
		}
		if err := bs.openWALForAppend(); err != nil {
			return nil, err
		}
	}

	if err := bs.checkConsistency(); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BlockStore) snapshotPath() string { return filepath.Join(bs.dataDir, "snapshot.zst") }
func (bs *BlockStore) walPath() string      { return filepath.Join(bs.dataDir, "wal.log") }

func (bs *BlockStore) loadSnapshot() error {
	f, err := os.Open(bs.snapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("core: open snapshot: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("core: snapshot decompress: %w", err)
	}
	defer zr.Close()

	var blocks []*Block
	if err := json.NewDecoder(zr).Decode(&blocks); err != nil {
		return fmt.Errorf("core: decode snapshot: %w", err)
	}
	// The snapshot holds only the linear active chain, so its highest block
	// is the head at compaction time; WAL replay moves it forward from there.
	var head *Block
	for _, b := range blocks {
		bs.index(b)
		if head == nil || b.Header.BlockNumber > head.Header.BlockNumber {
			head = b
		}
	}
	if head != nil {
		bs.headID = head.ID()
	}
	bs.log.WithField("blocks", len(blocks)).Info("loaded block store snapshot")
	return nil
}

func (bs *BlockStore) replayWAL() error {
	f, err := os.Open(bs.walPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("core: open wal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	count := 0
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("core: decode wal record: %w", err)
		}
		for _, id := range rec.Decommits {
			bs.deindex(id)
		}
		if rec.Commit != nil {
			bs.index(rec.Commit)
			bs.headID = rec.Commit.ID()
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("core: scan wal: %w", err)
	}
	bs.walCount = count
	bs.log.WithField("records", count).Info("replayed block store WAL")
	return nil
}

func (bs *BlockStore) openWALForAppend() error {
	f, err := os.OpenFile(bs.walPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("core: open wal for append: %w", err)
	}
	bs.walFile = f
	return nil
}

func (bs *BlockStore) index(b *Block) {
	bs.byID[b.ID()] = b
	bs.byNumber[b.Header.BlockNumber] = b
	for _, batch := range b.Batches {
		bs.batchToBlock[batch.ID()] = b.ID()
		bs.batchByID[batch.ID()] = batch
		for _, txn := range batch.Transactions {
			bs.txnToBlock[txn.ID()] = b.ID()
		}
	}
}

func (bs *BlockStore) deindex(id string) {
	b, ok := bs.byID[id]
	if !ok {
		return
	}
	delete(bs.byID, id)
	delete(bs.byNumber, b.Header.BlockNumber)
	for _, batch := range b.Batches {
		delete(bs.batchToBlock, batch.ID())
		delete(bs.batchByID, batch.ID())
		for _, txn := range batch.Transactions {
			delete(bs.txnToBlock, txn.ID())
		}
	}
}

func (bs *BlockStore) checkConsistency() error {
	if bs.headID == "" {
		return nil
	}
	seen := make(map[string]bool)
	id := bs.headID
	for {
		b, ok := bs.byID[id]
		if !ok {
			return fmt.Errorf("%w: missing block %s", ErrChainInconsistent, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: cycle at %s", ErrChainInconsistent, id)
		}
		seen[id] = true
		if b.IsGenesis() {
			return nil
		}
		id = b.Header.PreviousBlockID
	}
}

// ChainHead returns the current head block, or nil if the store is empty.
func (bs *BlockStore) ChainHead() (*Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.headID == "" {
		return nil, nil
	}
	b, ok := bs.byID[bs.headID]
	if !ok {
		return nil, fmt.Errorf("%w: head %s missing", ErrChainInconsistent, bs.headID)
	}
	return b, nil
}

// PutChainHead atomically commits commitBlocks (appended in order) and
// decommits decommitBlocks (removed from the primary chain and indexes).
// decommitBlocks are not deleted from the store's durable WAL history —
// only unlinked from the active chain — so a subsequent fork-back remains
// possible by re-validating from the block cache.
func (bs *BlockStore) PutChainHead(commitBlocks []*Block, decommitBlocks []*Block) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	decommitIDs := make([]string, len(decommitBlocks))
	for i, b := range decommitBlocks {
		decommitIDs[i] = b.ID()
	}

	for _, id := range decommitIDs {
		bs.deindex(id)
	}
	for _, b := range commitBlocks {
		bs.index(b)
	}
	if len(commitBlocks) > 0 {
		bs.headID = commitBlocks[len(commitBlocks)-1].ID()
	} else if len(decommitBlocks) > 0 {
		// A pure decommit (fork abandonment without a replacement) rolls
		// the head back to the decommitted chain's parent.
		bs.headID = decommitBlocks[0].Header.PreviousBlockID
	}

	if bs.walFile != nil {
		rec := walRecord{Decommits: decommitIDs}
		if len(commitBlocks) > 0 {
			for _, b := range commitBlocks {
				rec.Commit = b
				if err := bs.appendWAL(rec); err != nil {
					return err
				}
				rec = walRecord{}
			}
		} else {
			if err := bs.appendWAL(rec); err != nil {
				return err
			}
		}
		if bs.walCount >= snapshotThreshold {
			if err := bs.compact(); err != nil {
				bs.log.WithError(err).Warn("block store snapshot compaction failed")
			}
		}
	}
	return nil
}

func (bs *BlockStore) appendWAL(rec walRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("core: encode wal record: %w", err)
	}
	if _, err := bs.walFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("core: write wal: %w", err)
	}
	bs.walCount++
	return nil
}

// compact writes a fresh zstd-compressed snapshot of the full index and
// truncates the WAL. Caller must hold bs.mu.
func (bs *BlockStore) compact() error {
	blocks := make([]*Block, 0, len(bs.byID))
	for _, b := range bs.byID {
		blocks = append(blocks, b)
	}

	tmpPath := bs.snapshotPath() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("core: create snapshot: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("core: snapshot compress: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(blocks); err != nil {
		zw.Close()
		f.Close()
		return fmt.Errorf("core: encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, bs.snapshotPath()); err != nil {
		return fmt.Errorf("core: install snapshot: %w", err)
	}

	if err := bs.walFile.Close(); err != nil {
		return err
	}
	if err := os.Truncate(bs.walPath(), 0); err != nil {
		return err
	}
	if err := bs.openWALForAppend(); err != nil {
		return err
	}
	bs.walCount = 0
	bs.log.WithField("blocks", len(blocks)).Info("compacted block store snapshot")
	return nil
}

// GetBlockByID returns the block with the given ID.
func (bs *BlockStore) GetBlockByID(id string) (*Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	b, ok := bs.byID[id]
	if !ok {
		return nil, fmt.Errorf("core: block %s not found", id)
	}
	return b, nil
}

// GetBlockByNumber returns the block at the given height on whatever chain
// produced the current index (there is exactly one, since PutChainHead
// keeps the primary chain linear).
func (bs *BlockStore) GetBlockByNumber(number uint64) (*Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	b, ok := bs.byNumber[number]
	if !ok {
		return nil, fmt.Errorf("core: block at height %d not found", number)
	}
	return b, nil
}

// GetBlockByBatchID returns the block containing the given batch.
func (bs *BlockStore) GetBlockByBatchID(batchID string) (*Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	blockID, ok := bs.batchToBlock[batchID]
	if !ok {
		return nil, fmt.Errorf("core: batch %s not found", batchID)
	}
	return bs.byID[blockID], nil
}

// GetBlockByTxnID returns the block containing the given transaction.
func (bs *BlockStore) GetBlockByTxnID(txnID string) (*Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	blockID, ok := bs.txnToBlock[txnID]
	if !ok {
		return nil, fmt.Errorf("core: transaction %s not found", txnID)
	}
	return bs.byID[blockID], nil
}

// GetBatchByID returns the batch with the given ID.
func (bs *BlockStore) GetBatchByID(id string) (*Batch, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	b, ok := bs.batchByID[id]
	if !ok {
		return nil, fmt.Errorf("core: batch %s not found", id)
	}
	return b, nil
}

// GetBatchByTxnID returns the batch containing the given transaction.
func (bs *BlockStore) GetBatchByTxnID(txnID string) (*Batch, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	for _, batch := range bs.batchByID {
		for _, txn := range batch.Transactions {
			if txn.ID() == txnID {
				return batch, nil
			}
		}
	}
	return nil, fmt.Errorf("core: transaction %s not found in any batch", txnID)
}

// Close flushes and releases the store's WAL handle.
func (bs *BlockStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.walFile == nil {
		return nil
	}
	return bs.walFile.Close()
}
