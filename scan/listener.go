package scan

import (
	"context"
	"fmt"
	"sort"

	"github.com/0xmhha/watcher-go/events"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Log retrieval strategies
const (
	// StrategyFilter issues one range query per watched pair and commits
	// the cursor once per batch
	StrategyFilter = "filter"

	// StrategyIterate walks every block, transaction, and receipt and
	// commits the cursor after each block
	StrategyIterate = "iterate"
)

// Client defines the node RPC operations the listener needs
type Client interface {
	HeadNumber(ctx context.Context) (uint64, error)
	BlockTransactions(ctx context.Context, number uint64) ([]common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, address common.Address, topic common.Hash, from, to uint64) ([]types.Log, error)
	OpenLogFilter(ctx context.Context, address common.Address, topic common.Hash, from, to uint64) (string, error)
	PollLogFilter(ctx context.Context, filterID string) ([]types.Log, error)
}

// Decoder defines the decoding collaborator: the watch-list snapshot and
// the log-to-event decoding contract
type Decoder interface {
	Version() uint64
	Reload(asOfBlock uint64) error
	Match(log *types.Log) bool
	Watched(key events.Key) (*events.WatchedEvent, bool)
	Keys() []events.Key
	DecodeLogs(logs []types.Log) ([]*events.DecodedEvent, error)
}

// Store defines the durable state operations the listener needs
type Store interface {
	LastProcessedBlock(chainID uint64) (uint64, error)
	SetLastProcessedBlock(chainID uint64, block uint64) error
	WatchlistVersion(chainID uint64) (uint64, error)
	AppendFailure(chainID uint64, record *events.FailureRecord) (uint64, error)
}

// Registry resolves receiver keys to handlers
type Registry interface {
	Resolve(key string) (events.Handler, bool)
}

// Config holds per-chain listener configuration
type Config struct {
	// ChainID identifies the chain and its cursor
	ChainID uint64

	// BatchSize is the maximum number of blocks per run
	BatchSize uint64

	// Strategy selects the log retrieval strategy
	Strategy string

	// GetLogs selects direct range queries over server-side filters
	// when the filter strategy is active
	GetLogs bool
}

// Validate validates the listener configuration
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain ID cannot be zero")
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Strategy != StrategyFilter && c.Strategy != StrategyIterate {
		return fmt.Errorf("invalid strategy %q", c.Strategy)
	}
	return nil
}

// Listener scans one chain for watched log entries and dispatches the
// decoded events. One Run covers at most one batch of pending blocks.
type Listener struct {
	config   *Config
	client   Client
	store    Store
	decoder  Decoder
	registry Registry
	logger   *zap.Logger
	metrics  *Metrics
}

// NewListener creates a listener for one chain
func NewListener(cfg *Config, client Client, store Store, decoder Decoder, registry Registry, logger *zap.Logger, metrics *Metrics) (*Listener, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Listener{
		config:   cfg,
		client:   client,
		store:    store,
		decoder:  decoder,
		registry: registry,
		logger:   logger.With(zap.Uint64("chain_id", cfg.ChainID)),
		metrics:  metrics,
	}, nil
}

// ChainID returns the chain this listener scans
func (l *Listener) ChainID() uint64 {
	return l.config.ChainID
}

// Run performs one scan over the pending block range, if any. Errors
// abort the run for this chain without advancing past committed work.
func (l *Listener) Run(ctx context.Context) error {
	head, err := l.client.HeadNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head number: %w", err)
	}

	cursor, err := l.store.LastProcessedBlock(l.config.ChainID)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	from, to, pending := nextRange(cursor, head, l.config.BatchSize)
	if !pending {
		l.logger.Debug("caught up with chain head",
			zap.Uint64("cursor", cursor),
			zap.Uint64("head", head),
		)
		return nil
	}

	l.logger.Info("scanning block range",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.String("strategy", l.config.Strategy),
	)

	if l.config.Strategy == StrategyFilter {
		return l.scanFiltered(ctx, from, to)
	}
	return l.scanBlocks(ctx, from, to)
}

// nextRange computes the next pending block range from the cursor and
// the observed head. The range never exceeds the head and never
// re-includes a processed block.
func nextRange(cursor, head, batchSize uint64) (from, to uint64, pending bool) {
	if cursor >= head {
		return 0, 0, false
	}
	from = cursor + 1
	to = from + batchSize - 1
	if to > head {
		to = head
	}
	return from, to, true
}

// scanFiltered retrieves logs with one range query per watched pair,
// sorts the combined result into chain-canonical order, dispatches, and
// commits the cursor once for the whole batch. The snapshot is refreshed
// up front, so a pair added between runs is queried from this run on.
func (l *Listener) scanFiltered(ctx context.Context, from, to uint64) error {
	if err := l.checkWatchlist(from); err != nil {
		return err
	}

	var all []types.Log
	for _, key := range l.decoder.Keys() {
		logs, err := l.rangeLogs(ctx, key, from, to)
		if err != nil {
			return err
		}
		all = append(all, logs...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].BlockNumber != all[j].BlockNumber {
			return all[i].BlockNumber < all[j].BlockNumber
		}
		return all[i].Index < all[j].Index
	})

	decoded, err := l.decoder.DecodeLogs(all)
	if err != nil {
		return fmt.Errorf("failed to decode logs in range [%d, %d]: %w", from, to, err)
	}

	l.dispatch(ctx, decoded)
	return l.commit(to, len(decoded))
}

// rangeLogs fetches the logs of one watched pair for a range, via
// eth_getLogs or a server-side filter per configuration
func (l *Listener) rangeLogs(ctx context.Context, key events.Key, from, to uint64) ([]types.Log, error) {
	if l.config.GetLogs {
		return l.client.FilterLogs(ctx, key.Address, key.Topic, from, to)
	}

	filterID, err := l.client.OpenLogFilter(ctx, key.Address, key.Topic, from, to)
	if err != nil {
		return nil, err
	}
	return l.client.PollLogFilter(ctx, filterID)
}

// scanBlocks walks the range block by block in natural order. Each block
// is dispatched and committed before the next one is touched, so a crash
// mid-range loses at most one block of uncommitted work.
func (l *Listener) scanBlocks(ctx context.Context, from, to uint64) error {
	for number := from; number <= to; number++ {
		if err := l.checkWatchlist(number); err != nil {
			return err
		}

		logs, err := l.blockLogs(ctx, number)
		if err != nil {
			return err
		}

		decoded, err := l.decoder.DecodeLogs(logs)
		if err != nil {
			return fmt.Errorf("failed to decode logs of block %d: %w", number, err)
		}

		l.dispatch(ctx, decoded)
		if err := l.commit(number, len(decoded)); err != nil {
			return err
		}
	}
	return nil
}

// checkWatchlist reloads the decoder snapshot when the store's
// watch-list version stamp moved past the loaded one. Checked per block,
// so a mid-range change takes effect at the next block boundary.
func (l *Listener) checkWatchlist(blockNumber uint64) error {
	version, err := l.store.WatchlistVersion(l.config.ChainID)
	if err != nil {
		return fmt.Errorf("failed to read watch-list version: %w", err)
	}

	if version == l.decoder.Version() {
		return nil
	}

	l.logger.Info("watch-list changed, reloading",
		zap.Uint64("block", blockNumber),
		zap.Uint64("version", version),
	)
	if err := l.decoder.Reload(blockNumber); err != nil {
		return fmt.Errorf("failed to reload watch-list: %w", err)
	}
	return nil
}

// blockLogs collects the watched logs of one block in natural
// block → transaction → log order. Transactions without a visible
// receipt are skipped.
func (l *Listener) blockLogs(ctx context.Context, number uint64) ([]types.Log, error) {
	txs, err := l.client.BlockTransactions(ctx, number)
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.BlocksScanned.Inc()
	}

	var matched []types.Log
	for _, txHash := range txs {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if receipt == nil {
			l.logger.Debug("receipt not yet visible, skipping transaction",
				zap.Uint64("block", number),
				zap.String("tx", txHash.Hex()),
			)
			continue
		}

		for _, log := range receipt.Logs {
			if l.decoder.Match(log) {
				matched = append(matched, *log)
			}
		}
	}
	return matched, nil
}

// dispatch hands each decoded event to its registered handler. A failing
// handler yields a persisted failure record and an error log; it never
// aborts the batch.
func (l *Listener) dispatch(ctx context.Context, decoded []*events.DecodedEvent) {
	for _, event := range decoded {
		watched, ok := l.decoder.Watched(event.Key)
		if !ok {
			// Snapshot no longer contains the pair; keep the record
			// so the event is not silently lost
			watched = &events.WatchedEvent{
				ChainID: l.config.ChainID,
				Address: event.Key.Address,
				Topic:   event.Key.Topic,
			}
		}

		err := l.invoke(ctx, watched, event)
		if err == nil {
			if l.metrics != nil {
				l.metrics.EventsDispatched.WithLabelValues("ok").Inc()
			}
			continue
		}

		if l.metrics != nil {
			l.metrics.EventsDispatched.WithLabelValues("failed").Inc()
		}

		record := events.NewFailureRecord(event, watched)
		seq, storeErr := l.store.AppendFailure(l.config.ChainID, record)
		if storeErr != nil {
			l.logger.Error("failed to persist failure record",
				zap.String("receiver", watched.Receiver),
				zap.String("event", event.Name),
				zap.NamedError("handler_error", err),
				zap.Error(storeErr),
			)
			continue
		}

		l.logger.Error("handler failed, failure record created",
			zap.String("receiver", watched.Receiver),
			zap.String("event", event.Name),
			zap.String("tx", event.Log.TxHash.Hex()),
			zap.Uint64("block", event.Log.BlockNumber),
			zap.Uint("log_index", event.Log.Index),
			zap.Uint64("failure_seq", seq),
			zap.Error(err),
		)
	}
}

// invoke resolves and calls the handler for one event, converting panics
// into errors so a misbehaving handler cannot take down the run
func (l *Listener) invoke(ctx context.Context, watched *events.WatchedEvent, event *events.DecodedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	handler, ok := l.registry.Resolve(watched.Receiver)
	if !ok {
		return fmt.Errorf("no handler registered for receiver %q", watched.Receiver)
	}
	return handler.Save(ctx, event, l.config.ChainID)
}

// commit advances the durable cursor after a unit of work has fully
// dispatched
func (l *Listener) commit(block uint64, dispatched int) error {
	if err := l.store.SetLastProcessedBlock(l.config.ChainID, block); err != nil {
		return fmt.Errorf("failed to commit cursor at block %d: %w", block, err)
	}

	l.logger.Debug("cursor advanced",
		zap.Uint64("block", block),
		zap.Int("events", dispatched),
	)
	return nil
}
