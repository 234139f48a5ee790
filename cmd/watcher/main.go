package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xmhha/watcher-go/api"
	"github.com/0xmhha/watcher-go/client"
	"github.com/0xmhha/watcher-go/events"
	"github.com/0xmhha/watcher-go/internal/config"
	"github.com/0xmhha/watcher-go/internal/logger"
	"github.com/0xmhha/watcher-go/scan"
	"github.com/0xmhha/watcher-go/storage"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		storePath   = flag.String("store", "", "Store database path")
		interval    = flag.Duration("interval", 0, "Scan interval")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		runOnce     = flag.Bool("once", false, "Run a single scan and exit")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("watcher-go version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	// Load .env if present; real environment wins
	_ = godotenv.Load()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	applyFlags(cfg, *storePath, *interval, *logLevel, *logFormat)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting watcher",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_path", cfg.Store.Path),
		zap.Duration("interval", cfg.Scan.Interval),
		zap.Int("chains", len(cfg.Chains)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	store, err := storage.NewPebbleStore(&storage.Config{Path: cfg.Store.Path})
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	store.SetLogger(logger.WithComponent(log, "storage"))
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close store", zap.Error(err))
		}
	}()

	registry := events.NewRegistry()
	// Built-in receiver; embedders register their own handlers here
	if err := registry.Register("log", events.NewLoggingHandler(log)); err != nil {
		log.Fatal("failed to register logging handler", zap.Error(err))
	}

	metrics := scan.NewMetrics("watcher", nil)

	scanners, closers, err := buildScanners(cfg, store, registry, log, metrics)
	if err != nil {
		log.Fatal("failed to build chain scanners", zap.Error(err))
	}
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()

	runner, err := scan.NewRunner(store, store, scanners, logger.WithComponent(log, "runner"), metrics)
	if err != nil {
		log.Fatal("failed to create runner", zap.Error(err))
	}

	if cfg.API.Enabled {
		chainIDs := make([]uint64, 0, len(cfg.Chains))
		for _, chain := range cfg.Chains {
			chainIDs = append(chainIDs, chain.ChainID)
		}
		opsServer := api.NewServer(
			&api.Config{Host: cfg.API.Host, Port: cfg.API.Port},
			logger.WithComponent(log, "api"),
			store,
			chainIDs,
		)
		opsServer.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := opsServer.Shutdown(shutdownCtx); err != nil {
				log.Error("ops server shutdown failed", zap.Error(err))
			}
		}()
	}

	if *runOnce {
		if err := runner.RunOnce(ctx); err != nil {
			log.Fatal("scan run failed", zap.Error(err))
		}
		return
	}

	ticker := time.NewTicker(cfg.Scan.Interval)
	defer ticker.Stop()

	// First run immediately, then on the ticker
	if err := runner.RunOnce(ctx); err != nil {
		log.Error("scan run failed", zap.Error(err))
	}

	for {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
			return
		case <-ticker.C:
			if err := runner.RunOnce(ctx); err != nil {
				log.Error("scan run failed", zap.Error(err))
			}
		}
	}
}

// loadConfig loads the YAML config file or falls back to defaults
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if env := os.Getenv("WATCHER_CONFIG"); env != "" {
			path = env
		}
	}
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// applyFlags overrides config values with command-line flags
func applyFlags(cfg *config.Config, storePath string, interval time.Duration, logLevel, logFormat string) {
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if interval > 0 {
		cfg.Scan.Interval = interval
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}

// buildScanners creates a client, decoder, and listener per configured
// chain. The returned closers release the RPC connections.
func buildScanners(cfg *config.Config, store *storage.PebbleStore, registry *events.Registry, log *zap.Logger, metrics *scan.Metrics) ([]scan.ChainScanner, []func(), error) {
	scanners := make([]scan.ChainScanner, 0, len(cfg.Chains))
	closers := make([]func(), 0, len(cfg.Chains))

	for i := range cfg.Chains {
		chain := &cfg.Chains[i]

		rpcClient, err := client.NewClient(&client.Config{
			Endpoint: chain.RPCEndpoint,
			Timeout:  cfg.EffectiveRPCTimeout(chain),
			PoA:      chain.PoA,
			RPS:      chain.RPS,
			Logger:   logger.WithComponent(log, "client"),
		})
		if err != nil {
			for _, closeFn := range closers {
				closeFn()
			}
			return nil, nil, fmt.Errorf("chain %d: %w", chain.ChainID, err)
		}
		closers = append(closers, rpcClient.Close)

		cursor, err := store.LastProcessedBlock(chain.ChainID)
		if err != nil {
			for _, closeFn := range closers {
				closeFn()
			}
			return nil, nil, fmt.Errorf("chain %d: %w", chain.ChainID, err)
		}

		decoder, err := events.NewDecoder(store, chain.ChainID, cursor+1, logger.WithComponent(log, "decoder"))
		if err != nil {
			for _, closeFn := range closers {
				closeFn()
			}
			return nil, nil, fmt.Errorf("chain %d: %w", chain.ChainID, err)
		}

		listener, err := scan.NewListener(
			&scan.Config{
				ChainID:   chain.ChainID,
				BatchSize: cfg.EffectiveBatchSize(chain),
				Strategy:  cfg.EffectiveStrategy(chain),
				GetLogs:   cfg.EffectiveGetLogs(chain),
			},
			rpcClient,
			store,
			decoder,
			registry,
			logger.WithComponent(log, "listener"),
			metrics,
		)
		if err != nil {
			for _, closeFn := range closers {
				closeFn()
			}
			return nil, nil, fmt.Errorf("chain %d: %w", chain.ChainID, err)
		}

		scanners = append(scanners, listener)
	}

	return scanners, closers, nil
}
