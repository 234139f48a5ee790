package storage

import (
	"testing"

	"github.com/0xmhha/watcher-go/events"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	store, err := NewPebbleStore(&Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestCursorLifecycle(t *testing.T) {
	store := newTestStore(t)

	// Fresh chain yields a zero cursor
	cursor, err := store.GetCursor(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor.ChainID)
	assert.Zero(t, cursor.LastProcessedBlock)
	assert.Zero(t, cursor.LastErrorBlock)

	require.NoError(t, store.SetLastProcessedBlock(1, 150))

	cursor, err = store.GetCursor(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), cursor.LastProcessedBlock)
	assert.False(t, cursor.UpdatedAt.IsZero())

	last, err := store.LastProcessedBlock(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), last)

	// Cursors are per chain
	last, err = store.LastProcessedBlock(5)
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestCursorIsMonotonic(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetLastProcessedBlock(1, 150))

	err := store.SetLastProcessedBlock(1, 149)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCursorRegression)

	// Equal position is allowed
	require.NoError(t, store.SetLastProcessedBlock(1, 150))

	last, err := store.LastProcessedBlock(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), last)
}

func TestSetLastErrorBlockPreservesCursor(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetLastProcessedBlock(1, 340))
	require.NoError(t, store.SetLastErrorBlock(1, 341))

	cursor, err := store.GetCursor(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(340), cursor.LastProcessedBlock)
	assert.Equal(t, uint64(341), cursor.LastErrorBlock)
}

func TestWatchlistVersionBumps(t *testing.T) {
	store := newTestStore(t)

	address := common.HexToAddress("0x1111111111111111111111111111111111111111")
	topic := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

	version, err := store.WatchlistVersion(1)
	require.NoError(t, err)
	assert.Zero(t, version)

	watched := &events.WatchedEvent{
		ChainID:  1,
		Name:     "Transfer",
		Address:  address,
		Topic:    topic,
		Receiver: "log",
	}
	require.NoError(t, store.PutWatchedEvent(watched))

	version, err = store.WatchlistVersion(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	// Replacing the same entry still bumps the stamp
	require.NoError(t, store.PutWatchedEvent(watched))
	version, err = store.WatchlistVersion(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)

	list, err := store.WatchedEvents(1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Transfer", list[0].Name)
	assert.Equal(t, address, list[0].Address)

	require.NoError(t, store.DeleteWatchedEvent(1, address, topic))

	version, err = store.WatchlistVersion(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)

	list, err = store.WatchedEvents(1)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWatchlistIsPerChain(t *testing.T) {
	store := newTestStore(t)

	address := common.HexToAddress("0x1111111111111111111111111111111111111111")
	topic := common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	require.NoError(t, store.PutWatchedEvent(&events.WatchedEvent{
		ChainID: 1, Name: "A", Address: address, Topic: topic, Receiver: "log",
	}))

	list, err := store.WatchedEvents(5)
	require.NoError(t, err)
	assert.Empty(t, list)

	version, err := store.WatchlistVersion(5)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestFailureSequence(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		record := &events.FailureRecord{
			Event:       "Transfer",
			BlockNumber: uint64(100 + i),
			LogIndex:    uint(i),
			Receiver:    "log",
		}
		seq, err := store.AppendFailure(1, record)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	records, err := store.Failures(1, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, record := range records {
		assert.Equal(t, uint64(100+i), record.BlockNumber)
	}

	limited, err := store.Failures(1, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	other, err := store.Failures(5, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRunLock(t *testing.T) {
	store := newTestStore(t)

	acquired, err := store.AcquireLock("scan")
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second holder is refused without error
	acquired, err = store.AcquireLock("scan")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, store.ReleaseLock("scan"))

	acquired, err = store.AcquireLock("scan")
	require.NoError(t, err)
	assert.True(t, acquired)

	// Releasing an unheld lock is a no-op
	require.NoError(t, store.ReleaseLock("scan"))
	require.NoError(t, store.ReleaseLock("scan"))

	// Lock names are independent
	acquired, err = store.AcquireLock("other")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestClosedStore(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.GetCursor(1)
	assert.ErrorIs(t, err, ErrClosed)

	err = store.SetLastProcessedBlock(1, 10)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = store.AcquireLock("scan")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFailureKeyRoundTrip(t *testing.T) {
	key := FailureKey(137, 42)
	chainID, seq, err := ParseFailureKey(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(137), chainID)
	assert.Equal(t, uint64(42), seq)

	_, _, err = ParseFailureKey([]byte("/watchlist/1/x"))
	assert.Error(t, err)
}

func TestFailureKeysSortBySequence(t *testing.T) {
	var previous []byte
	for _, seq := range []uint64{1, 9, 10, 99, 100, 1000000} {
		key := FailureKey(1, seq)
		if previous != nil {
			assert.Equal(t, -1, compareBytes(previous, key), "key for seq %d must sort after its predecessor", seq)
		}
		previous = key
	}
}

func compareBytes(a, b []byte) int {
	switch s := string(a); {
	case s < string(b):
		return -1
	case s > string(b):
		return 1
	default:
		return 0
	}
}
