package core

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownBlock is returned by Subscribe when none of a client's
// last_known_block_ids intersects the current chain.
var ErrUnknownBlock = fmt.Errorf("core: none of the given last-known blocks are on the current chain")

// ErrInvalidFilter is returned by Subscribe when a filter's regex fails to
// compile.
var ErrInvalidFilter = fmt.Errorf("core: invalid event filter")

// EventExtractor turns a committed block and its receipts into the events
// that block produced, per spec.md §4.12.
type EventExtractor interface {
	Extract(block *Block, receipts map[string]*Receipt) []Event
}

// BlockCommitExtractor emits one sawtooth/block-commit event per committed
// block.
type BlockCommitExtractor struct{}

func (BlockCommitExtractor) Extract(block *Block, _ map[string]*Receipt) []Event {
	return []Event{{
		EventType: "sawtooth/block-commit",
		Attributes: []EventAttribute{
			{Key: "block_id", Value: block.ID()},
			{Key: "block_num", Value: strconv.FormatUint(block.Header.BlockNumber, 10)},
			{Key: "state_root_hash", Value: block.Header.StateRootHash.String()},
			{Key: "previous_block_id", Value: block.Header.PreviousBlockID},
		},
	}}
}

// StateDeltaExtractor emits one sawtooth/state-delta event per changed
// address across the block's receipts, plus every family-defined event
// those receipts carried.
type StateDeltaExtractor struct{}

func (StateDeltaExtractor) Extract(block *Block, receipts map[string]*Receipt) []Event {
	var events []Event
	for _, batch := range block.Batches {
		for _, txn := range batch.Transactions {
			r, ok := receipts[txn.ID()]
			if !ok {
				continue
			}
			for _, sc := range r.StateChanges {
				action := "set"
				if sc.Deleted {
					action = "delete"
				}
				events = append(events, Event{
					EventType: "sawtooth/state-delta",
					Attributes: []EventAttribute{
						{Key: "address", Value: sc.Address.String()},
						{Key: "action", Value: action},
						{Key: "block_id", Value: block.ID()},
					},
					Data: sc.Value,
				})
			}
			events = append(events, r.Events...)
		}
	}
	return events
}

// EventBatch is one block's worth of events delivered to a subscriber.
type EventBatch struct {
	BlockID string
	Events  []Event
}

type subscriber struct {
	id      string
	filters []EventFilter
	ch      chan EventBatch
}

// EventBroadcaster fans committed-block events out to subscribers, with
// catch-up replay for clients resubscribing after a disconnect, per
// spec.md §4.12.
type EventBroadcaster struct {
	mu          sync.RWMutex
	extractors  []EventExtractor
	subscribers map[string]*subscriber
	store       *BlockStore
	log         *logrus.Entry
}

// NewEventBroadcaster returns a broadcaster using extractors to derive
// events from committed blocks and store to resolve catch-up replay.
func NewEventBroadcaster(store *BlockStore, extractors ...EventExtractor) *EventBroadcaster {
	if len(extractors) == 0 {
		extractors = []EventExtractor{BlockCommitExtractor{}, StateDeltaExtractor{}}
	}
	return &EventBroadcaster{
		extractors:  extractors,
		subscribers: make(map[string]*subscriber),
		store:       store,
		log:         logrus.WithField("component", "event_broadcaster"),
	}
}

// Subscribe registers a subscriber matching filters, replaying any blocks
// committed after the most recent block in lastKnownBlockIDs that is still
// on the current chain. An empty lastKnownBlockIDs subscribes from "now"
// with no replay.
func (b *EventBroadcaster) Subscribe(id string, filters []EventFilter, lastKnownBlockIDs []string) (<-chan EventBatch, error) {
	if err := validateFilters(filters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	var replayFrom *Block
	if len(lastKnownBlockIDs) > 0 {
		for _, id := range lastKnownBlockIDs {
			if blk, err := b.store.GetBlockByID(id); err == nil {
				if replayFrom == nil || blk.Header.BlockNumber > replayFrom.Header.BlockNumber {
					replayFrom = blk
				}
			}
		}
		if replayFrom == nil {
			return nil, ErrUnknownBlock
		}
	}

	ch := make(chan EventBatch, 256)
	sub := &subscriber{id: id, filters: filters, ch: ch}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if replayFrom != nil {
		b.replay(sub, replayFrom)
	}
	return ch, nil
}

// replay walks forward from the block after from to the current chain head,
// delivering matching events in block order.
func (b *EventBroadcaster) replay(sub *subscriber, from *Block) {
	head, err := b.store.ChainHead()
	if err != nil || head == nil {
		return
	}
	for n := from.Header.BlockNumber + 1; n <= head.Header.BlockNumber; n++ {
		block, err := b.store.GetBlockByNumber(n)
		if err != nil {
			return
		}
		batch := b.extractForSubscriber(sub, block, nil)
		if len(batch.Events) > 0 {
			select {
			case sub.ch <- batch:
			default:
				b.log.WithField("subscriber", sub.id).Warn("dropping replay batch: subscriber channel full")
			}
		}
	}
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBroadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// NotifyBlockCommit extracts events for block and delivers matching ones to
// every current subscriber, per spec.md §4.12's "(block, [receipts])"
// notification.
func (b *EventBroadcaster) NotifyBlockCommit(block *Block, receipts map[string]*Receipt) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		batch := b.extractForSubscriber(sub, block, receipts)
		if len(batch.Events) == 0 {
			continue
		}
		select {
		case sub.ch <- batch:
		default:
			b.log.WithField("subscriber", sub.id).Warn("dropping event batch: subscriber channel full")
		}
	}
}

func (b *EventBroadcaster) extractForSubscriber(sub *subscriber, block *Block, receipts map[string]*Receipt) EventBatch {
	var matched []Event
	for _, extractor := range b.extractors {
		for _, e := range extractor.Extract(block, receipts) {
			if eventMatchesFilters(e, sub.filters) {
				matched = append(matched, e)
			}
		}
	}
	return EventBatch{BlockID: block.ID(), Events: matched}
}

// validateFilters compiles every regex-typed filter up front so Subscribe
// can report ErrInvalidFilter before registering anything.
func validateFilters(filters []EventFilter) error {
	for _, f := range filters {
		if f.Type == FilterRegexAny || f.Type == FilterRegexAll {
			if _, err := regexp.Compile(f.Match); err != nil {
				return err
			}
		}
	}
	return nil
}

// eventMatchesFilters reports whether e should be delivered given filters.
// No filters means subscribe-to-everything. Otherwise e's type must have at
// least one filter targeting it, combined by AND for *All filters and OR
// for *Any filters within that event type's group.
func eventMatchesFilters(e Event, filters []EventFilter) bool {
	if len(filters) == 0 {
		return true
	}
	var group []EventFilter
	for _, f := range filters {
		if f.EventType == e.EventType {
			group = append(group, f)
		}
	}
	if len(group) == 0 {
		return false
	}

	allOK, anySeen, anyOK := true, false, false
	for _, f := range group {
		matched := filterMatchesEvent(e, f)
		if f.Type == FilterSimpleAll || f.Type == FilterRegexAll {
			allOK = allOK && matched
		} else {
			anySeen = true
			anyOK = anyOK || matched
		}
	}
	return allOK && (!anySeen || anyOK)
}

func filterMatchesEvent(e Event, f EventFilter) bool {
	for _, attr := range e.Attributes {
		if attr.Key != f.Key {
			continue
		}
		switch f.Type {
		case FilterRegexAny, FilterRegexAll:
			if ok, err := regexp.MatchString(f.Match, attr.Value); err == nil && ok {
				return true
			}
		default:
			if attr.Value == f.Match {
				return true
			}
		}
	}
	return false
}
