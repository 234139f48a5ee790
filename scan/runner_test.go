package scan

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLock is a mock implementation of the run-wide lock
type mockLock struct {
	held       bool
	acquireErr error
	releaseErr error
	acquires   int
	releases   int
}

func (m *mockLock) AcquireLock(name string) (bool, error) {
	if m.acquireErr != nil {
		return false, m.acquireErr
	}
	m.acquires++
	if m.held {
		return false, nil
	}
	m.held = true
	return true, nil
}

func (m *mockLock) ReleaseLock(name string) error {
	m.releases++
	if m.releaseErr != nil {
		return m.releaseErr
	}
	m.held = false
	return nil
}

// mockCursorStore records error-position writes
type mockCursorStore struct {
	cursors     map[uint64]uint64
	errorBlocks map[uint64]uint64
}

func newMockCursorStore() *mockCursorStore {
	return &mockCursorStore{
		cursors:     make(map[uint64]uint64),
		errorBlocks: make(map[uint64]uint64),
	}
}

func (m *mockCursorStore) LastProcessedBlock(chainID uint64) (uint64, error) {
	return m.cursors[chainID], nil
}

func (m *mockCursorStore) SetLastErrorBlock(chainID uint64, block uint64) error {
	m.errorBlocks[chainID] = block
	return nil
}

// mockScanner is a mock implementation of one chain's scan unit
type mockScanner struct {
	chainID uint64
	err     error
	runs    int
}

func (m *mockScanner) ChainID() uint64 { return m.chainID }

func (m *mockScanner) Run(ctx context.Context) error {
	m.runs++
	return m.err
}

func TestRunnerRunsEveryChain(t *testing.T) {
	lock := &mockLock{}
	store := newMockCursorStore()
	s1 := &mockScanner{chainID: 1}
	s2 := &mockScanner{chainID: 5}

	r, err := NewRunner(lock, store, []ChainScanner{s1, s2}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.RunOnce(context.Background()))

	assert.Equal(t, 1, s1.runs)
	assert.Equal(t, 1, s2.runs)
	assert.Equal(t, 1, lock.acquires)
	assert.Equal(t, 1, lock.releases)
	assert.False(t, lock.held)
	assert.Empty(t, store.errorBlocks)
}

func TestRunnerSkipsWhenLockHeld(t *testing.T) {
	lock := &mockLock{held: true}
	store := newMockCursorStore()
	s1 := &mockScanner{chainID: 1}

	r, err := NewRunner(lock, store, []ChainScanner{s1}, nil, nil)
	require.NoError(t, err)

	// Lock held by another run: no processing, no release
	require.NoError(t, r.RunOnce(context.Background()))
	assert.Zero(t, s1.runs)
	assert.Zero(t, lock.releases)
}

func TestRunnerIsolatesChainErrors(t *testing.T) {
	lock := &mockLock{}
	store := newMockCursorStore()
	store.cursors[1] = 340

	s1 := &mockScanner{chainID: 1, err: fmt.Errorf("node unreachable")}
	s2 := &mockScanner{chainID: 5}

	r, err := NewRunner(lock, store, []ChainScanner{s1, s2}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.RunOnce(context.Background()))

	// The failing chain does not block the next one
	assert.Equal(t, 1, s2.runs)

	// Error position is the first unprocessed block
	assert.Equal(t, uint64(341), store.errorBlocks[1])
	_, recorded := store.errorBlocks[5]
	assert.False(t, recorded)

	assert.Equal(t, 1, lock.releases)
}

func TestRunnerReleasesLockOnError(t *testing.T) {
	lock := &mockLock{}
	store := newMockCursorStore()
	s1 := &mockScanner{chainID: 1, err: fmt.Errorf("decode failed")}

	r, err := NewRunner(lock, store, []ChainScanner{s1}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, 1, lock.releases)
	assert.False(t, lock.held)
}

func TestRunnerLockPrimitiveFailure(t *testing.T) {
	lock := &mockLock{acquireErr: fmt.Errorf("store closed")}
	store := newMockCursorStore()
	s1 := &mockScanner{chainID: 1}

	r, err := NewRunner(lock, store, []ChainScanner{s1}, nil, nil)
	require.NoError(t, err)

	assert.Error(t, r.RunOnce(context.Background()))
	assert.Zero(t, s1.runs)
}

func TestRunnerStopsOnCanceledContext(t *testing.T) {
	lock := &mockLock{}
	store := newMockCursorStore()
	s1 := &mockScanner{chainID: 1}

	r, err := NewRunner(lock, store, []ChainScanner{s1}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, r.RunOnce(ctx))
	assert.Zero(t, s1.runs)
	assert.Equal(t, 1, lock.releases)
}
