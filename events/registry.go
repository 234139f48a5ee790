package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler consumes decoded events. Implementations live outside the core
// and are responsible for all side effects.
type Handler interface {
	// Save is invoked once per decoded event. An error (or panic) is
	// isolated by the dispatcher and recorded as a failure record.
	Save(ctx context.Context, event *DecodedEvent, chainID uint64) error
}

// Registry maps stable receiver keys to handler instances. Populated at
// startup, looked up at dispatch time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under a receiver key
func (r *Registry) Register(key string, handler Handler) error {
	if key == "" {
		return fmt.Errorf("receiver key cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler already registered for key %q", key)
	}
	r.handlers[key] = handler
	return nil
}

// Resolve returns the handler for a receiver key
func (r *Registry) Resolve(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[key]
	return handler, ok
}

// Keys returns all registered receiver keys
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}
	return keys
}

// LoggingHandler logs every event it receives (useful for debugging and
// as a wiring smoke test)
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler creates a new logging handler
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingHandler{logger: logger}
}

// Save logs the event
func (h *LoggingHandler) Save(ctx context.Context, event *DecodedEvent, chainID uint64) error {
	h.logger.Info("event received",
		zap.Uint64("chain_id", chainID),
		zap.String("event", event.Name),
		zap.String("contract", event.Log.Address.Hex()),
		zap.Uint64("block", event.Log.BlockNumber),
		zap.String("tx", event.Log.TxHash.Hex()),
		zap.Uint("log_index", event.Log.Index),
	)
	return nil
}
