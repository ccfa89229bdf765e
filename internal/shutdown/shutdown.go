package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type handler struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered shutdown handlers in registration order. Components that
// depend on others (the monitor on the store, the store on nothing) are registered
// before their dependencies so each still has what it needs while stopping.
type Manager struct {
	handlers []handler
	logger   *zap.Logger
	mu       sync.Mutex
	done     bool
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// RegisterShutdown appends a named handler.
func (sh *Manager) RegisterShutdown(name string, fn func(context.Context) error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.handlers = append(sh.handlers, handler{name: name, fn: fn})
}

// RegisterFunc appends a handler that cannot fail and does not take a context.
func (sh *Manager) RegisterFunc(name string, fn func()) {
	sh.RegisterShutdown(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Shutdown runs every handler once, in order. A failing handler does not stop the
// ones after it. Once ctx is done the remaining handlers are still called with the
// expired context so they can release resources without waiting.
func (sh *Manager) Shutdown(ctx context.Context) error {
	sh.mu.Lock()
	if sh.done {
		sh.mu.Unlock()
		return nil
	}
	sh.done = true
	handlers := append([]handler(nil), sh.handlers...)
	sh.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		sh.logger.Debug("Shutting down", zap.String("component", h.name))
		if err := h.fn(ctx); err != nil {
			sh.logger.Error("Shutdown failed", zap.String("component", h.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s shutdown: %w", h.name, err))
			continue
		}
		sh.logger.Info("Stopped", zap.String("component", h.name))
	}
	return errors.Join(errs...)
}
