package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/provider"
)

// Sweeper periodically polls providers for invoices stuck in created.
// Notifications get lost; providers that expose a status query let us
// reconcile without waiting for an operator.
type Sweeper struct {
	engine   *Engine
	store    invoice.Store
	registry *provider.Registry
	interval time.Duration
	minAge   time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper over the engine's store and registry.
func NewSweeper(e *Engine, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		engine:   e,
		store:    e.store,
		registry: e.registry,
		interval: 30 * time.Second,
		minAge:   2 * time.Minute,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in pending sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	// Only invoices old enough that a notification should have arrived.
	cutoff := time.Now().UTC().Add(-s.minAge)
	pending, err := s.store.ListPending(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Warn("failed to list pending invoices", "error", err)
		return
	}

	for _, inv := range pending {
		adapter, err := s.registry.Lookup(inv.Provider)
		if err != nil {
			continue // provider not configured in this deployment
		}
		querier, ok := adapter.(provider.StatusQuerier)
		if !ok {
			continue // provider only reports by push
		}

		outcome, err := querier.QueryStatus(ctx, inv.InvoiceNumber)
		if err != nil {
			s.logger.Warn("status poll failed",
				"provider", inv.Provider, "invoiceNumber", inv.InvoiceNumber, "error", err)
			continue
		}
		if outcome == provider.OutcomePending || outcome == provider.OutcomeUnrecognized {
			continue
		}

		if err := s.engine.Apply(ctx, inv.Provider, inv.InvoiceNumber, outcome, ""); err != nil {
			s.logger.Warn("failed to apply polled status",
				"provider", inv.Provider, "invoiceNumber", inv.InvoiceNumber, "error", err)
			continue
		}
		s.logger.Info("reconciled invoice by polling",
			"provider", inv.Provider, "invoiceNumber", inv.InvoiceNumber, "outcome", outcome)
	}
}
