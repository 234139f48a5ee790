package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy names for log retrieval
const (
	StrategyFilter  = "filter"
	StrategyIterate = "iterate"
)

// Default values applied when a chain does not override them
const (
	DefaultBatchSize    = 10000
	DefaultRPCTimeout   = 10 * time.Second
	DefaultScanInterval = 2 * time.Minute
)

// Config holds all configuration for the watcher
type Config struct {
	Log    LogConfig     `yaml:"log"`
	Store  StoreConfig   `yaml:"store"`
	Scan   ScanConfig    `yaml:"scan"`
	API    APIConfig     `yaml:"api"`
	Chains []ChainConfig `yaml:"chains"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig holds durable store configuration
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ScanConfig holds process-wide scan defaults; individual chains may
// override any of them
type ScanConfig struct {
	// Interval is how often a scheduled run is attempted
	Interval time.Duration `yaml:"interval"`
	// BatchSize is the default maximum number of blocks per run
	BatchSize uint64 `yaml:"batch_size"`
	// Strategy is the default log retrieval strategy: "filter" or "iterate"
	Strategy string `yaml:"strategy"`
	// GetLogs selects direct range queries over server-side filters
	// when the filter strategy is active
	GetLogs bool `yaml:"getlogs"`
}

// APIConfig holds the ops HTTP server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ChainConfig defines a single watched chain
type ChainConfig struct {
	// ChainID is the numeric chain ID, used as the cursor key
	ChainID uint64 `yaml:"chain_id"`
	// Name is a human-readable name for the chain
	Name string `yaml:"name,omitempty"`
	// RPCEndpoint is the HTTP(S) JSON-RPC endpoint URL
	RPCEndpoint string `yaml:"rpc_endpoint"`
	// RPCTimeout bounds individual RPC calls, not the run as a whole
	RPCTimeout time.Duration `yaml:"rpc_timeout,omitempty"`
	// RPS rate-limits RPC calls to the node; 0 disables limiting
	RPS float64 `yaml:"rps,omitempty"`
	// PoA marks chains running proof-of-authority consensus
	PoA bool `yaml:"poa,omitempty"`
	// BatchSize overrides the process-wide batch size
	BatchSize uint64 `yaml:"batch_size,omitempty"`
	// Strategy overrides the process-wide retrieval strategy
	Strategy string `yaml:"strategy,omitempty"`
	// GetLogs overrides the process-wide getlogs flag
	GetLogs *bool `yaml:"getlogs,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path: "./data",
		},
		Scan: ScanConfig{
			Interval:  DefaultScanInterval,
			BatchSize: DefaultBatchSize,
			Strategy:  StrategyIterate,
		},
		API: APIConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    8080,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	if c.Scan.Interval <= 0 {
		return fmt.Errorf("scan interval must be positive")
	}
	if c.Scan.BatchSize == 0 {
		return fmt.Errorf("scan batch size must be positive")
	}
	if c.Scan.Strategy != StrategyFilter && c.Scan.Strategy != StrategyIterate {
		return fmt.Errorf("invalid scan strategy %q", c.Scan.Strategy)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	seen := make(map[uint64]bool, len(c.Chains))
	for i, chain := range c.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chain %d: chain_id cannot be zero", i)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("chain %d: duplicate chain_id %d", i, chain.ChainID)
		}
		seen[chain.ChainID] = true
		if chain.RPCEndpoint == "" {
			return fmt.Errorf("chain %d: rpc_endpoint cannot be empty", i)
		}
		if chain.Strategy != "" && chain.Strategy != StrategyFilter && chain.Strategy != StrategyIterate {
			return fmt.Errorf("chain %d: invalid strategy %q", i, chain.Strategy)
		}
	}

	return nil
}

// EffectiveBatchSize returns the batch size for a chain, falling back to
// the process-wide default
func (c *Config) EffectiveBatchSize(chain *ChainConfig) uint64 {
	if chain.BatchSize > 0 {
		return chain.BatchSize
	}
	if c.Scan.BatchSize > 0 {
		return c.Scan.BatchSize
	}
	return DefaultBatchSize
}

// EffectiveStrategy returns the retrieval strategy for a chain, falling
// back to the process-wide default
func (c *Config) EffectiveStrategy(chain *ChainConfig) string {
	if chain.Strategy != "" {
		return chain.Strategy
	}
	if c.Scan.Strategy != "" {
		return c.Scan.Strategy
	}
	return StrategyIterate
}

// EffectiveGetLogs returns the getlogs flag for a chain, falling back to
// the process-wide default
func (c *Config) EffectiveGetLogs(chain *ChainConfig) bool {
	if chain.GetLogs != nil {
		return *chain.GetLogs
	}
	return c.Scan.GetLogs
}

// EffectiveRPCTimeout returns the RPC timeout for a chain
func (c *Config) EffectiveRPCTimeout(chain *ChainConfig) time.Duration {
	if chain.RPCTimeout > 0 {
		return chain.RPCTimeout
	}
	return DefaultRPCTimeout
}
