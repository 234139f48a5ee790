package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/0xmhha/watcher-go/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CursorSource exposes the cursor reads the health endpoint reports
type CursorSource interface {
	GetCursor(chainID uint64) (*storage.ChainCursor, error)
}

// Config holds the ops server configuration
type Config struct {
	Host string
	Port int
}

// Address returns the listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Server is the ops HTTP server: health and Prometheus metrics
type Server struct {
	config   *Config
	logger   *zap.Logger
	cursors  CursorSource
	chainIDs []uint64
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates the ops server
func NewServer(cfg *Config, logger *zap.Logger, cursors CursorSource, chainIDs []uint64) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		cursors:  cursors,
		chainIDs: chainIDs,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// chainHealth is one chain's entry in the health response
type chainHealth struct {
	ChainID            uint64 `json:"chain_id"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	LastErrorBlock     uint64 `json:"last_error_block,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	chains := make([]chainHealth, 0, len(s.chainIDs))
	for _, chainID := range s.chainIDs {
		cursor, err := s.cursors.GetCursor(chainID)
		if err != nil {
			s.logger.Error("failed to read cursor for health response",
				zap.Uint64("chain_id", chainID),
				zap.Error(err),
			)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		chains = append(chains, chainHealth{
			ChainID:            chainID,
			LastProcessedBlock: cursor.LastProcessedBlock,
			LastErrorBlock:     cursor.LastErrorBlock,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"chains": chains,
	}); err != nil {
		s.logger.Error("failed to write health response", zap.Error(err))
	}
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", s.config.Address()))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
