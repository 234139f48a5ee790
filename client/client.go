package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnknownBlock is returned when a requested block cannot be retrieved
// from the node. The scan for the chain aborts without advancing its
// cursor and retries the same block on the next run.
var ErrUnknownBlock = errors.New("unknown block")

// Client wraps the Ethereum JSON-RPC client with the operations the
// watcher needs: head height, block transaction listings, receipts, and
// the two log query styles
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	poa       bool
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// Config holds client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
	// PoA marks proof-of-authority chains; block listings then use raw
	// JSON-RPC calls so non-standard header fields do not break decoding
	PoA bool
	// RPS rate-limits calls to the node; 0 disables limiting
	RPS    float64
	Logger *zap.Logger
}

// NewClient creates a new Ethereum client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}

	client := &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		endpoint:  cfg.Endpoint,
		poa:       cfg.PoA,
		limiter:   limiter,
		logger:    logger,
	}

	logger.Info("connected to Ethereum RPC",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("poa", cfg.PoA),
	)

	return client, nil
}

// Close closes the client connection
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// ChainID returns the chain ID reported by the node
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return chainID, nil
}

// HeadNumber returns the current chain head height
func (c *Client) HeadNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	head, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get head number: %w", err)
	}
	return head, nil
}

// rpcBlock is the minimal shape of eth_getBlockByNumber with hydrated
// transactions disabled
type rpcBlock struct {
	Hash         *common.Hash  `json:"hash"`
	Transactions []common.Hash `json:"transactions"`
}

// BlockTransactions returns the transaction hashes of a block in their
// natural order. Returns ErrUnknownBlock when the block is absent or has
// no content hash yet.
func (c *Client) BlockTransactions(ctx context.Context, number uint64) ([]common.Hash, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	if c.poa {
		return c.blockTransactionsRaw(ctx, number)
	}

	block, err := c.ethClient.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("block %d: %w", number, ErrUnknownBlock)
		}
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	if block.Hash() == (common.Hash{}) {
		return nil, fmt.Errorf("block %d: %w", number, ErrUnknownBlock)
	}

	txs := block.Transactions()
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes, nil
}

// blockTransactionsRaw fetches the block over raw JSON-RPC, decoding only
// the hash and transaction list. PoA chains put consensus data in header
// fields that the typed decoder rejects.
func (c *Client) blockTransactionsRaw(ctx context.Context, number uint64) ([]common.Hash, error) {
	var block *rpcBlock
	err := c.rpcClient.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	if block == nil || block.Hash == nil {
		return nil, fmt.Errorf("block %d: %w", number, ErrUnknownBlock)
	}
	return block.Transactions, nil
}

// TransactionReceipt fetches a transaction receipt. Returns (nil, nil)
// when the node has no receipt for the hash, e.g. a still-pending
// transaction visibility race.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// FilterLogs issues a direct range query for one (address, topic) pair
func (c *Client) FilterLogs(ctx context.Context, address common.Address, topic common.Hash, from, to uint64) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query logs for %s topic %s: %w",
			address.Hex(), topic.Hex(), err)
	}
	return logs, nil
}

// filterParams is the argument shape of eth_newFilter
type filterParams struct {
	FromBlock string          `json:"fromBlock"`
	ToBlock   string          `json:"toBlock"`
	Address   common.Address  `json:"address"`
	Topics    [][]common.Hash `json:"topics"`
}

// OpenLogFilter installs a server-side filter for one (address, topic)
// pair and returns its ID
func (c *Client) OpenLogFilter(ctx context.Context, address common.Address, topic common.Hash, from, to uint64) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	params := filterParams{
		FromBlock: hexutil.EncodeUint64(from),
		ToBlock:   hexutil.EncodeUint64(to),
		Address:   address,
		Topics:    [][]common.Hash{{topic}},
	}

	var filterID string
	if err := c.rpcClient.CallContext(ctx, &filterID, "eth_newFilter", params); err != nil {
		return "", fmt.Errorf("failed to install filter for %s topic %s: %w",
			address.Hex(), topic.Hex(), err)
	}
	return filterID, nil
}

// PollLogFilter returns all logs matching a previously installed
// server-side filter
func (c *Client) PollLogFilter(ctx context.Context, filterID string) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	var logs []types.Log
	if err := c.rpcClient.CallContext(ctx, &logs, "eth_getFilterLogs", filterID); err != nil {
		return nil, fmt.Errorf("failed to poll filter %s: %w", filterID, err)
	}
	return logs, nil
}
