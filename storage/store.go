package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xmhha/watcher-go/events"
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when the store has been closed
	ErrClosed = errors.New("store is closed")

	// ErrCursorRegression is returned when a cursor update would move
	// the last processed block backwards
	ErrCursorRegression = errors.New("cursor would regress")
)

// ChainCursor is the durable progress record for one chain
type ChainCursor struct {
	ChainID            uint64    `json:"chain_id"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	LastErrorBlock     uint64    `json:"last_error_block"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Config holds store configuration
type Config struct {
	Path     string
	ReadOnly bool
}

// Validate validates the store configuration
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	return nil
}

// PebbleStore holds the watcher's durable state in PebbleDB: chain
// cursors, the watch-list and its version stamp, failure records, and
// the run lock
type PebbleStore struct {
	db     *pebble.DB
	config *Config
	logger *zap.Logger
	closed atomic.Bool

	// Serializes lock and counter read-modify-write sequences
	mu sync.Mutex
}

// NewPebbleStore opens (or creates) a PebbleDB-backed store
func NewPebbleStore(cfg *Config) (*PebbleStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &pebble.Options{
		ErrorIfExists:    false,
		ErrorIfNotExists: false,
	}
	if cfg.ReadOnly {
		opts.ReadOnly = true
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{
		db:     db,
		config: cfg,
		logger: zap.NewNop(),
	}, nil
}

// SetLogger sets the logger for the store
func (s *PebbleStore) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

// Close closes the store and releases resources
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *PebbleStore) getJSON(key []byte, out interface{}) (bool, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) setJSON(key []byte, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) getUint64(key []byte) (uint64, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, fmt.Errorf("invalid counter value at %s", key)
	}
	return binary.BigEndian.Uint64(value), nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// GetCursor returns the cursor record for a chain. A chain that has
// never been processed yields a zero cursor.
func (s *PebbleStore) GetCursor(chainID uint64) (*ChainCursor, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	cursor := &ChainCursor{ChainID: chainID}
	if _, err := s.getJSON(CursorKey(chainID), cursor); err != nil {
		return nil, err
	}
	return cursor, nil
}

// LastProcessedBlock returns the cursor position for a chain
func (s *PebbleStore) LastProcessedBlock(chainID uint64) (uint64, error) {
	cursor, err := s.GetCursor(chainID)
	if err != nil {
		return 0, err
	}
	return cursor.LastProcessedBlock, nil
}

// SetLastProcessedBlock advances the cursor for a chain. The cursor is
// monotonically non-decreasing; an update below the current position is
// rejected.
func (s *PebbleStore) SetLastProcessedBlock(chainID uint64, block uint64) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := &ChainCursor{ChainID: chainID}
	if _, err := s.getJSON(CursorKey(chainID), cursor); err != nil {
		return err
	}

	if block < cursor.LastProcessedBlock {
		return fmt.Errorf("%w: %d < %d", ErrCursorRegression, block, cursor.LastProcessedBlock)
	}

	cursor.LastProcessedBlock = block
	cursor.UpdatedAt = time.Now().UTC()
	return s.setJSON(CursorKey(chainID), cursor)
}

// SetLastErrorBlock records the block position at which a chain's run
// failed, for operator visibility
func (s *PebbleStore) SetLastErrorBlock(chainID uint64, block uint64) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := &ChainCursor{ChainID: chainID}
	if _, err := s.getJSON(CursorKey(chainID), cursor); err != nil {
		return err
	}

	cursor.LastErrorBlock = block
	cursor.UpdatedAt = time.Now().UTC()
	return s.setJSON(CursorKey(chainID), cursor)
}

// PutWatchedEvent creates or replaces a watch-list entry and bumps the
// chain's watch-list version stamp
func (s *PebbleStore) PutWatchedEvent(w *events.WatchedEvent) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("watched event cannot be nil")
	}

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode watched event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.getUint64(WatchlistVersionKey(w.ChainID))
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(WatchedEventKey(w.ChainID, w.Address, w.Topic), data, nil); err != nil {
		return fmt.Errorf("failed to stage watched event: %w", err)
	}
	if err := batch.Set(WatchlistVersionKey(w.ChainID), encodeUint64(version+1), nil); err != nil {
		return fmt.Errorf("failed to stage version stamp: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit watched event: %w", err)
	}
	return nil
}

// DeleteWatchedEvent removes a watch-list entry and bumps the chain's
// watch-list version stamp
func (s *PebbleStore) DeleteWatchedEvent(chainID uint64, address common.Address, topic common.Hash) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.getUint64(WatchlistVersionKey(chainID))
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(WatchedEventKey(chainID, address, topic), nil); err != nil {
		return fmt.Errorf("failed to stage delete: %w", err)
	}
	if err := batch.Set(WatchlistVersionKey(chainID), encodeUint64(version+1), nil); err != nil {
		return fmt.Errorf("failed to stage version stamp: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// WatchedEvents returns the persisted watch-list for a chain
func (s *PebbleStore) WatchedEvents(chainID uint64) ([]*events.WatchedEvent, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := WatchlistPrefix(chainID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate watch-list: %w", err)
	}
	defer iter.Close()

	var watched []*events.WatchedEvent
	for iter.First(); iter.Valid(); iter.Next() {
		w := &events.WatchedEvent{}
		if err := json.Unmarshal(iter.Value(), w); err != nil {
			return nil, fmt.Errorf("failed to decode watched event at %s: %w", iter.Key(), err)
		}
		watched = append(watched, w)
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("watch-list iteration failed: %w", err)
	}
	return watched, nil
}

// WatchlistVersion returns the current watch-list version stamp for a
// chain. Zero means the watch-list has never been mutated.
func (s *PebbleStore) WatchlistVersion(chainID uint64) (uint64, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}
	return s.getUint64(WatchlistVersionKey(chainID))
}

// AppendFailure persists a failure record under the next sequence number
// for its chain and returns that sequence
func (s *PebbleStore) AppendFailure(chainID uint64, record *events.FailureRecord) (uint64, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}
	if record == nil {
		return 0, fmt.Errorf("failure record cannot be nil")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to encode failure record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.getUint64(FailureSeqKey(chainID))
	if err != nil {
		return 0, err
	}
	seq++

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(FailureKey(chainID, seq), data, nil); err != nil {
		return 0, fmt.Errorf("failed to stage failure record: %w", err)
	}
	if err := batch.Set(FailureSeqKey(chainID), encodeUint64(seq), nil); err != nil {
		return 0, fmt.Errorf("failed to stage failure sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit failure record: %w", err)
	}
	return seq, nil
}

// Failures returns up to limit failure records for a chain in sequence
// order. Intended for operator tooling; the core never reads these back.
func (s *PebbleStore) Failures(chainID uint64, limit int) ([]*events.FailureRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := FailurePrefix(chainID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate failures: %w", err)
	}
	defer iter.Close()

	var records []*events.FailureRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(records) >= limit {
			break
		}
		record := &events.FailureRecord{}
		if err := json.Unmarshal(iter.Value(), record); err != nil {
			return nil, fmt.Errorf("failed to decode failure record at %s: %w", iter.Key(), err)
		}
		records = append(records, record)
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failure iteration failed: %w", err)
	}
	return records, nil
}

// AcquireLock attempts to take the named run lock. Returns false without
// error when the lock is already held. At-most-one-holder, no expiry.
func (s *PebbleStore) AcquireLock(name string) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := LockKey(name)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}

	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := s.db.Set(key, stamp, pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to take lock %s: %w", name, err)
	}
	return true, nil
}

// ReleaseLock releases the named run lock. Releasing a lock that is not
// held is a no-op. The delete is unconditional, so only the caller whose
// AcquireLock returned true may release; there is no holder token.
func (s *PebbleStore) ReleaseLock(name string) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(LockKey(name), pebble.Sync); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix
func keyUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
