package events

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// WatchlistSource provides the persisted watch-list and its version stamp
type WatchlistSource interface {
	// WatchedEvents returns the current watch-list for a chain
	WatchedEvents(chainID uint64) ([]*WatchedEvent, error)

	// WatchlistVersion returns the version stamp of the watch-list,
	// bumped on every mutation
	WatchlistVersion(chainID uint64) (uint64, error)
}

// tableEntry pairs a watched event with its parsed ABI
type tableEntry struct {
	watched  *WatchedEvent
	contract abi.ABI
	event    abi.Event
}

// Decoder holds an immutable snapshot of the watch-list for one chain and
// decodes raw log entries against it. The snapshot is replaced only by
// Reload.
type Decoder struct {
	mu      sync.RWMutex
	source  WatchlistSource
	chainID uint64
	logger  *zap.Logger

	table   map[Key]*tableEntry
	version uint64
	asOf    uint64
}

// NewDecoder creates a decoder and loads the initial watch-list snapshot
func NewDecoder(source WatchlistSource, chainID uint64, asOfBlock uint64, logger *zap.Logger) (*Decoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Decoder{
		source:  source,
		chainID: chainID,
		logger:  logger,
	}

	if err := d.Reload(asOfBlock); err != nil {
		return nil, err
	}

	return d, nil
}

// Reload replaces the watch-list snapshot as-of the given block number
// and adopts the store's current version stamp
func (d *Decoder) Reload(asOfBlock uint64) error {
	watched, err := d.source.WatchedEvents(d.chainID)
	if err != nil {
		return fmt.Errorf("failed to load watch-list for chain %d: %w", d.chainID, err)
	}

	version, err := d.source.WatchlistVersion(d.chainID)
	if err != nil {
		return fmt.Errorf("failed to load watch-list version for chain %d: %w", d.chainID, err)
	}

	table := make(map[Key]*tableEntry, len(watched))
	for _, w := range watched {
		entry, err := newTableEntry(w)
		if err != nil {
			return fmt.Errorf("invalid watched event %s at %s: %w", w.Name, w.Address.Hex(), err)
		}
		table[Key{Address: w.Address, Topic: w.Topic}] = entry
	}

	d.mu.Lock()
	d.table = table
	d.version = version
	d.asOf = asOfBlock
	d.mu.Unlock()

	d.logger.Debug("watch-list snapshot reloaded",
		zap.Uint64("chain_id", d.chainID),
		zap.Uint64("as_of_block", asOfBlock),
		zap.Uint64("version", version),
		zap.Int("watched", len(table)),
	)

	return nil
}

func newTableEntry(w *WatchedEvent) (*tableEntry, error) {
	abiJSON := strings.TrimSpace(w.EventABI)
	if strings.HasPrefix(abiJSON, "{") {
		abiJSON = "[" + abiJSON + "]"
	}

	contract, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse event ABI: %w", err)
	}

	event, ok := contract.Events[w.Name]
	if !ok {
		return nil, fmt.Errorf("event %q not found in ABI", w.Name)
	}

	if w.Topic == (common.Hash{}) {
		w.Topic = event.ID
	} else if w.Topic != event.ID {
		return nil, fmt.Errorf("topic %s does not match event signature hash %s",
			w.Topic.Hex(), event.ID.Hex())
	}

	return &tableEntry{watched: w, contract: contract, event: event}, nil
}

// Version returns the version stamp of the loaded snapshot
func (d *Decoder) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Match reports whether a raw log entry is on the watch-list
func (d *Decoder) Match(log *types.Log) bool {
	key, ok := KeyFromLog(log)
	if !ok {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok = d.table[key]
	return ok
}

// Watched returns the watched event for a key
func (d *Decoder) Watched(key Key) (*WatchedEvent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.table[key]
	if !ok {
		return nil, false
	}
	return entry.watched, true
}

// Keys returns all watched (address, topic) pairs in the snapshot
func (d *Decoder) Keys() []Key {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]Key, 0, len(d.table))
	for key := range d.table {
		keys = append(keys, key)
	}
	return keys
}

// Decode decodes a single matching log entry into a structured event
func (d *Decoder) Decode(log *types.Log) (*DecodedEvent, error) {
	key, ok := KeyFromLog(log)
	if !ok {
		return nil, fmt.Errorf("log has no topics")
	}

	d.mu.RLock()
	entry, ok := d.table[key]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no watched event for %s topic %s",
			key.Address.Hex(), key.Topic.Hex())
	}

	args := make(map[string]interface{})

	var indexed abi.Arguments
	for _, input := range entry.event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("failed to decode indexed args of %s: %w", entry.event.Name, err)
		}
	}

	if len(log.Data) > 0 {
		if err := entry.contract.UnpackIntoMap(args, entry.event.Name, log.Data); err != nil {
			return nil, fmt.Errorf("failed to decode data of %s: %w", entry.event.Name, err)
		}
	}

	return &DecodedEvent{
		Name: entry.event.Name,
		Args: args,
		Key:  key,
		Log:  *log,
	}, nil
}

// DecodeLogs decodes a batch of matching log entries, preserving input
// order. A log that fails to decode aborts the batch.
func (d *Decoder) DecodeLogs(logs []types.Log) ([]*DecodedEvent, error) {
	decoded := make([]*DecodedEvent, 0, len(logs))
	for i := range logs {
		event, err := d.Decode(&logs[i])
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, event)
	}
	return decoded, nil
}
