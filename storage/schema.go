package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes for the different record families
const (
	prefixCursor    = "/meta/cursor/"
	prefixWatchVer  = "/meta/watchver/"
	prefixFailSeq   = "/meta/failseq/"
	prefixLock      = "/meta/lock/"
	prefixWatchlist = "/watchlist/"
	prefixFailures  = "/failures/"
)

// CursorKey returns the key for a chain's cursor record
// Format: /meta/cursor/{chainID}
func CursorKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixCursor, chainID))
}

// WatchlistVersionKey returns the key for a chain's watch-list version stamp
// Format: /meta/watchver/{chainID}
func WatchlistVersionKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixWatchVer, chainID))
}

// WatchedEventKey returns the key for a watched event record
// Format: /watchlist/{chainID}/{address}/{topic}
func WatchedEventKey(chainID uint64, address common.Address, topic common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%d/%s/%s", prefixWatchlist, chainID, address.Hex(), topic.Hex()))
}

// WatchlistPrefix returns the iteration prefix for a chain's watch-list
func WatchlistPrefix(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/", prefixWatchlist, chainID))
}

// FailureSeqKey returns the key for a chain's failure sequence counter
// Format: /meta/failseq/{chainID}
func FailureSeqKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixFailSeq, chainID))
}

// FailureKey returns the key for a failure record
// Format: /failures/{chainID}/{seq}
// Uses zero-padded fixed-width format for proper lexicographic sorting
func FailureKey(chainID uint64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d", prefixFailures, chainID, seq))
}

// FailurePrefix returns the iteration prefix for a chain's failure records
func FailurePrefix(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/", prefixFailures, chainID))
}

// LockKey returns the key for a named run lock
// Format: /meta/lock/{name}
func LockKey(name string) []byte {
	return []byte(prefixLock + name)
}

// ParseFailureKey parses a failure key and returns the chain ID and sequence
func ParseFailureKey(key []byte) (uint64, uint64, error) {
	keyStr := string(key)
	if !strings.HasPrefix(keyStr, prefixFailures) {
		return 0, 0, fmt.Errorf("invalid failure key prefix: %s", keyStr)
	}

	parts := strings.SplitN(strings.TrimPrefix(keyStr, prefixFailures), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid failure key format: %s", keyStr)
	}

	chainID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid failure key chain: %w", err)
	}

	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid failure key sequence: %w", err)
	}

	return chainID, seq, nil
}
