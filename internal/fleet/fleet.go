// Package fleet is the core of playerhub: the local connection registry,
// the per-connection protocol handler, the pairing coordinator, and the
// command dispatcher. One Fleet is constructed per process and injected
// into the transport and API layers; there is no package-level state.
package fleet

import (
	"context"
	"log/slog"

	"playerhub/internal/presence"
	"playerhub/internal/store"
)

// Config holds fleet tunables.
type Config struct {
	Pairing PairingConfig
}

// Fleet wires the core components around a durable store and a shared
// presence store.
type Fleet struct {
	store      store.Store
	presence   presence.Store
	registry   *Registry
	events     *EventBus
	pairing    *Pairing
	dispatcher *Dispatcher
	metrics    *Metrics
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a fleet. The metrics must already be registered by the
// caller (pass a fresh registry in tests).
func New(st store.Store, ps presence.Store, events *EventBus, metrics *Metrics, cfg Config, logger *slog.Logger) *Fleet {
	f := &Fleet{
		store:    st,
		presence: ps,
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
	f.registry = NewRegistry(ps, logger)
	f.pairing = newPairing(st, ps, events, metrics, cfg.Pairing, logger)
	f.dispatcher = newDispatcher(f.registry, events, metrics, logger)
	return f
}

// Start launches the pairing sweep loop.
func (f *Fleet) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		f.pairing.Run(ctx)
	}()
	f.logger.Info("fleet started")
}

// Stop terminates background work and waits for it.
func (f *Fleet) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.logger.Info("fleet stopped")
}

// Devices returns the durable store.
func (f *Fleet) Devices() store.Store { return f.store }

// Registry returns the local connection registry.
func (f *Fleet) Registry() *Registry { return f.registry }

// Events returns the event bus.
func (f *Fleet) Events() *EventBus { return f.events }

// Pairing returns the pairing coordinator.
func (f *Fleet) Pairing() *Pairing { return f.pairing }

// Dispatcher returns the command dispatcher.
func (f *Fleet) Dispatcher() *Dispatcher { return f.dispatcher }
