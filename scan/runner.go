package scan

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultLockName is the run-wide lock key
const DefaultLockName = "scan"

// Lock is the run-wide mutual exclusion primitive: at most one holder,
// no built-in expiry
type Lock interface {
	AcquireLock(name string) (bool, error)
	ReleaseLock(name string) error
}

// CursorStore exposes the cursor reads and error-position bookkeeping the
// runner needs
type CursorStore interface {
	LastProcessedBlock(chainID uint64) (uint64, error)
	SetLastErrorBlock(chainID uint64, block uint64) error
}

// ChainScanner is one chain's scan unit
type ChainScanner interface {
	ChainID() uint64
	Run(ctx context.Context) error
}

// Runner gates scheduled runs behind the run-wide lock and processes
// every configured chain sequentially. An error on one chain is recorded
// and does not block the others.
type Runner struct {
	lock     Lock
	lockName string
	store    CursorStore
	scanners []ChainScanner
	logger   *zap.Logger
	metrics  *Metrics
}

// NewRunner creates a runner over the given chain scanners
func NewRunner(lock Lock, store CursorStore, scanners []ChainScanner, logger *zap.Logger, metrics *Metrics) (*Runner, error) {
	if lock == nil {
		return nil, fmt.Errorf("lock cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		lock:     lock,
		lockName: DefaultLockName,
		store:    store,
		scanners: scanners,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// RunOnce executes one scheduled run: acquire the lock or skip entirely,
// scan every chain in order, release the lock unconditionally. Returns
// an error only when the lock primitive itself fails.
func (r *Runner) RunOnce(ctx context.Context) error {
	acquired, err := r.lock.AcquireLock(r.lockName)
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		r.logger.Info("scan already running, skipping this run")
		if r.metrics != nil {
			r.metrics.RunsTotal.WithLabelValues("skipped").Inc()
		}
		return nil
	}

	defer func() {
		if err := r.lock.ReleaseLock(r.lockName); err != nil {
			r.logger.Error("failed to release run lock", zap.Error(err))
		}
	}()

	start := time.Now()
	failed := 0

	for _, scanner := range r.scanners {
		select {
		case <-ctx.Done():
			r.logger.Warn("run interrupted", zap.Error(ctx.Err()))
			if r.metrics != nil {
				r.metrics.RunsTotal.WithLabelValues("error").Inc()
			}
			return nil
		default:
		}

		if err := scanner.Run(ctx); err != nil {
			failed++
			chainID := scanner.ChainID()
			r.logger.Error("chain scan failed",
				zap.Uint64("chain_id", chainID),
				zap.Error(err),
			)
			if r.metrics != nil {
				r.metrics.ChainErrorsTotal.WithLabelValues(strconv.FormatUint(chainID, 10)).Inc()
			}
			r.recordErrorPosition(chainID)
			continue
		}
	}

	if r.metrics != nil {
		result := "ok"
		if failed > 0 {
			result = "error"
		}
		r.metrics.RunsTotal.WithLabelValues(result).Inc()
		r.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}

	r.logger.Debug("run finished",
		zap.Int("chains", len(r.scanners)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// recordErrorPosition marks the first unprocessed block on the failed
// chain's cursor for operator visibility
func (r *Runner) recordErrorPosition(chainID uint64) {
	last, err := r.store.LastProcessedBlock(chainID)
	if err != nil {
		r.logger.Error("failed to read cursor for error bookkeeping",
			zap.Uint64("chain_id", chainID),
			zap.Error(err),
		)
		return
	}
	if err := r.store.SetLastErrorBlock(chainID, last+1); err != nil {
		r.logger.Error("failed to record error position",
			zap.Uint64("chain_id", chainID),
			zap.Error(err),
		)
	}
}
