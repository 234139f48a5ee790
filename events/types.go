package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Key identifies a watched event by emitting contract and topic hash
type Key struct {
	Address common.Address
	Topic   common.Hash
}

// KeyFromLog extracts the watch-list key from a raw log entry.
// Returns false for logs without topics (anonymous events).
func KeyFromLog(log *types.Log) (Key, bool) {
	if len(log.Topics) == 0 {
		return Key{}, false
	}
	return Key{Address: log.Address, Topic: log.Topics[0]}, true
}

// WatchedEvent describes a single entry of the watch-list: one event
// signature on one contract, routed to one receiver
type WatchedEvent struct {
	// ChainID is the chain this event is watched on
	ChainID uint64 `json:"chain_id"`

	// Name is the event name as declared in the ABI
	Name string `json:"name"`

	// Address is the emitting contract address
	Address common.Address `json:"address"`

	// Topic is the event signature hash (topic[0]). If zero it is
	// computed from the ABI at load time.
	Topic common.Hash `json:"topic"`

	// EventABI is the JSON ABI fragment describing the event. A single
	// event definition or a full contract ABI are both accepted.
	EventABI string `json:"event_abi"`

	// Receiver is the registry key of the handler to invoke
	Receiver string `json:"receiver"`

	// MonitoredFrom is the block height at which monitoring began
	MonitoredFrom uint64 `json:"monitored_from,omitempty"`
}

// DecodedEvent is a raw log entry plus its decoded argument values
type DecodedEvent struct {
	// Name is the decoded event name
	Name string

	// Args holds the decoded argument values keyed by input name
	Args map[string]interface{}

	// Key is the watch-list key the log matched
	Key Key

	// Log is the raw log entry the event was decoded from
	Log types.Log
}

// FailureRecord is the persisted snapshot of a decoded event whose
// handler invocation failed. Written once, never read back by the core.
type FailureRecord struct {
	Event           string    `json:"event"`
	TransactionHash string    `json:"transaction_hash"`
	TransactionIdx  uint      `json:"transaction_index"`
	BlockHash       string    `json:"block_hash"`
	BlockNumber     uint64    `json:"block_number"`
	LogIndex        uint      `json:"log_index"`
	Address         string    `json:"address"`
	Args            string    `json:"args"`
	WatchedAddress  string    `json:"watched_address"`
	WatchedTopic    string    `json:"watched_topic"`
	Receiver        string    `json:"receiver"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewFailureRecord builds a failure record from a decoded event and the
// watched event it matched
func NewFailureRecord(event *DecodedEvent, watched *WatchedEvent) *FailureRecord {
	args, err := MarshalArgs(event.Args)
	if err != nil {
		args = "{}"
	}

	return &FailureRecord{
		Event:           event.Name,
		TransactionHash: event.Log.TxHash.Hex(),
		TransactionIdx:  event.Log.TxIndex,
		BlockHash:       event.Log.BlockHash.Hex(),
		BlockNumber:     event.Log.BlockNumber,
		LogIndex:        event.Log.Index,
		Address:         event.Log.Address.Hex(),
		Args:            args,
		WatchedAddress:  watched.Address.Hex(),
		WatchedTopic:    watched.Topic.Hex(),
		Receiver:        watched.Receiver,
		CreatedAt:       time.Now().UTC(),
	}
}
