package core

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BlockStatus is the validation state the block cache associates with a
// cached block.
type BlockStatus int

const (
	// BlockStatusUnknown means the block has not yet been validated.
	BlockStatusUnknown BlockStatus = iota
	// BlockStatusValid means the block passed chain-controller validation.
	BlockStatusValid
	// BlockStatusInvalid means the block failed validation.
	BlockStatusInvalid
)

type cachedBlock struct {
	block  *Block
	status BlockStatus
}

// BlockCache is an in-memory working set of recently seen blocks, keyed by
// block ID, backed by an LRU eviction policy. Lookups miss to the block
// store; store hits are cached as BlockStatusValid, since only durably committed
// blocks live there. Eviction skips any block still referenced as a
// predecessor by another cached block, per spec.md §4.7.
type BlockCache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *cachedBlock]
	store *BlockStore
	// pinned counts, per block ID, how many currently cached blocks name it
	// as their previous_block_id — such a block cannot be evicted.
	pinned map[string]int
	// held is the set of block IDs the LRU has evicted but that remain
	// resident because they were pinned at eviction time.
	held map[string]*cachedBlock
}

// NewBlockCache returns a cache of the given capacity backed by store for
// fallback lookups. store may be nil for tests that only exercise the cache
// in isolation.
func NewBlockCache(capacity int, store *BlockStore) (*BlockCache, error) {
	bc := &BlockCache{
		store:  store,
		pinned: make(map[string]int),
		held:   make(map[string]*cachedBlock),
	}
	c, err := lru.NewWithEvict[string, *cachedBlock](capacity, bc.onEvict)
	if err != nil {
		return nil, err
	}
	bc.lru = c
	return bc, nil
}

func (bc *BlockCache) onEvict(id string, entry *cachedBlock) {
	// Caller already holds bc.mu (onEvict fires synchronously from Add).
	if bc.pinned[id] > 0 {
		bc.held[id] = entry
		return
	}
	// The evicted block no longer counts toward its predecessor's pin.
	bc.unpin(entry.block.Header.PreviousBlockID)
}

func (bc *BlockCache) pin(id string) {
	if id == "" || id == ReservedPreviousBlockID {
		return
	}
	bc.pinned[id]++
}

func (bc *BlockCache) unpin(id string) {
	if id == "" || id == ReservedPreviousBlockID {
		return
	}
	bc.pinned[id]--
	if bc.pinned[id] <= 0 {
		delete(bc.pinned, id)
		if entry, ok := bc.held[id]; ok {
			delete(bc.held, id)
			if _, cached := bc.lru.Peek(id); !cached {
				bc.unpin(entry.block.Header.PreviousBlockID)
			}
		}
	}
}

// Put inserts or updates block with the given status, pinning its
// predecessor against eviction.
func (bc *BlockCache) Put(block *Block, status BlockStatus) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	id := block.ID()
	if _, ok := bc.lru.Peek(id); !ok {
		if _, held := bc.held[id]; !held {
			bc.pin(block.Header.PreviousBlockID)
		}
	}
	bc.lru.Add(id, &cachedBlock{block: block, status: status})
}

// SetStatus updates the status of an already-cached block.
func (bc *BlockCache) SetStatus(id string, status BlockStatus) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if entry, ok := bc.lru.Get(id); ok {
		entry.status = status
		return
	}
	if entry, ok := bc.held[id]; ok {
		entry.status = status
	}
}

// Get returns the cached block and its status, falling through to the block
// store (a store hit is reported as BlockStatusValid and re-cached) and finally
// reporting BlockStatusUnknown with ok=false if the block is unseen anywhere.
func (bc *BlockCache) Get(id string) (*Block, BlockStatus, bool) {
	bc.mu.Lock()
	if entry, ok := bc.lru.Get(id); ok {
		bc.mu.Unlock()
		return entry.block, entry.status, true
	}
	if entry, ok := bc.held[id]; ok {
		bc.mu.Unlock()
		return entry.block, entry.status, true
	}
	bc.mu.Unlock()

	if bc.store == nil {
		return nil, BlockStatusUnknown, false
	}
	block, err := bc.store.GetBlockByID(id)
	if err != nil {
		return nil, BlockStatusUnknown, false
	}
	bc.Put(block, BlockStatusValid)
	return block, BlockStatusValid, true
}

// Evict removes id from the cache unless it is pinned as another cached
// block's predecessor. Returns whether the removal happened.
func (bc *BlockCache) Evict(id string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.pinned[id] > 0 {
		return false
	}
	bc.lru.Remove(id)
	delete(bc.held, id)
	return true
}

// Rebuild repopulates the cache from the block store's current chain head
// back depth blocks, used at startup per spec.md §4.7.
func (bc *BlockCache) Rebuild(depth int) error {
	if bc.store == nil {
		return nil
	}
	head, err := bc.store.ChainHead()
	if err != nil {
		return err
	}
	if head == nil {
		return nil
	}
	block := head
	for i := 0; i < depth; i++ {
		bc.Put(block, BlockStatusValid)
		if block.IsGenesis() {
			break
		}
		next, err := bc.store.GetBlockByID(block.Header.PreviousBlockID)
		if err != nil {
			break
		}
		block = next
	}
	return nil
}
