package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/provider"
)

func seedAged(t *testing.T, env *testEnv, number string, p invoice.Provider, age time.Duration) {
	t.Helper()
	inv := newAdapterInvoice(number, p)
	inv.CreatedAt = time.Now().UTC().Add(-age)
	if err := env.store.Insert(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_ReconcilesPolledCompletion(t *testing.T) {
	env := newTestEnv()
	env.adapter.queryOutcome = provider.OutcomeCompleted
	seedAged(t, env, "np_old", invoice.ProviderNowPayments, 10*time.Minute)

	s := NewSweeper(env.engine, slog.Default())
	s.sweep(context.Background())

	got, _ := env.store.Get(context.Background(), "np_old")
	if got.Status != invoice.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if env.dispatcher.dispatchCount() != 1 {
		t.Errorf("dispatch count = %d", env.dispatcher.dispatchCount())
	}
	if len(env.adapter.queried) != 1 || env.adapter.queried[0] != "np_old" {
		t.Errorf("queried = %v", env.adapter.queried)
	}
}

func TestSweep_SkipsRecentInvoices(t *testing.T) {
	env := newTestEnv()
	env.adapter.queryOutcome = provider.OutcomeCompleted
	seedAged(t, env, "np_fresh", invoice.ProviderNowPayments, 10*time.Second)

	s := NewSweeper(env.engine, slog.Default())
	s.sweep(context.Background())

	if len(env.adapter.queried) != 0 {
		t.Errorf("fresh invoice should not be polled, queried = %v", env.adapter.queried)
	}
	got, _ := env.store.Get(context.Background(), "np_fresh")
	if got.Status != invoice.StatusCreated {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSweep_SkipsPushOnlyProviders(t *testing.T) {
	env := newTestEnv()
	env.engine.registry.Register(&pushOnlyAdapter{id: invoice.ProviderCryptoCloud})
	seedAged(t, env, "cc_old", invoice.ProviderCryptoCloud, 10*time.Minute)

	s := NewSweeper(env.engine, slog.Default())
	s.sweep(context.Background())

	got, _ := env.store.Get(context.Background(), "cc_old")
	if got.Status != invoice.StatusCreated {
		t.Errorf("push-only provider must not be reconciled by polling, status = %s", got.Status)
	}
}

func TestSweep_SkipsUnregisteredProviders(t *testing.T) {
	env := newTestEnv()
	seedAged(t, env, "st_old", invoice.ProviderStripe, 10*time.Minute)

	s := NewSweeper(env.engine, slog.Default())
	s.sweep(context.Background())

	got, _ := env.store.Get(context.Background(), "st_old")
	if got.Status != invoice.StatusCreated {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSweep_PollFailureLeavesInvoiceOpen(t *testing.T) {
	env := newTestEnv()
	env.adapter.queryErr = &provider.TransportError{
		Provider: env.adapter.id, Op: "status", Err: errors.New("gateway timeout"),
	}
	seedAged(t, env, "np_old", invoice.ProviderNowPayments, 10*time.Minute)

	s := NewSweeper(env.engine, slog.Default())
	s.sweep(context.Background())

	got, _ := env.store.Get(context.Background(), "np_old")
	if got.Status != invoice.StatusCreated {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSweep_PendingOutcomeIsNoOp(t *testing.T) {
	env := newTestEnv()
	env.adapter.queryOutcome = provider.OutcomePending
	seedAged(t, env, "np_old", invoice.ProviderNowPayments, 10*time.Minute)

	s := NewSweeper(env.engine, slog.Default())
	s.sweep(context.Background())

	got, _ := env.store.Get(context.Background(), "np_old")
	if got.Status != invoice.StatusCreated {
		t.Errorf("status = %s", got.Status)
	}
	if env.dispatcher.dispatchCount() != 0 {
		t.Error("pending poll must not dispatch side effects")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	env := newTestEnv()
	s := NewSweeper(env.engine, slog.Default())
	s.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if !s.Running() {
		t.Error("sweeper should report running")
	}

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	if s.Running() {
		t.Error("sweeper should report stopped")
	}
}
