package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/vietkhanh/payhub/internal/chain"
	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/license"
	"github.com/vietkhanh/payhub/internal/provider"
	"github.com/vietkhanh/payhub/internal/provider/coinpayments"
	"github.com/vietkhanh/payhub/internal/realtime"
)

// fakeAdapter scripts adapter behavior per test.
type fakeAdapter struct {
	id        invoice.Provider
	createInv *invoice.Invoice
	createErr error

	verifyID      string
	verifyOutcome provider.Outcome
	verifyErr     error

	queryOutcome provider.Outcome
	queryErr     error
	queried      []string
	mu           sync.Mutex
}

func (f *fakeAdapter) ID() invoice.Provider { return f.id }

func (f *fakeAdapter) CreateInvoice(ctx context.Context, req provider.CreateRequest) (*invoice.Invoice, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	cp := *f.createInv
	return &cp, nil
}

func (f *fakeAdapter) VerifyAndExtract(ctx context.Context, n provider.Notification) (string, provider.Outcome, error) {
	return f.verifyID, f.verifyOutcome, f.verifyErr
}

func (f *fakeAdapter) QueryStatus(ctx context.Context, correlationID string) (provider.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, correlationID)
	return f.queryOutcome, f.queryErr
}

// pushOnlyAdapter supports creation and notifications but not status polling.
type pushOnlyAdapter struct {
	id invoice.Provider
}

func (p *pushOnlyAdapter) ID() invoice.Provider { return p.id }

func (p *pushOnlyAdapter) CreateInvoice(ctx context.Context, req provider.CreateRequest) (*invoice.Invoice, error) {
	return nil, errors.New("not used")
}

func (p *pushOnlyAdapter) VerifyAndExtract(ctx context.Context, n provider.Notification) (string, provider.Outcome, error) {
	return "", provider.OutcomeUnrecognized, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	issued     []string
	issueErr   error
}

func (f *fakeDispatcher) DispatchAsync(ctx context.Context, inv *invoice.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, inv.InvoiceNumber)
}

func (f *fakeDispatcher) IssueSync(ctx context.Context, inv *invoice.Invoice) (*license.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	f.issued = append(f.issued, inv.InvoiceNumber)
	return &license.License{Keys: []string{"KEY-1"}, Success: true}, nil
}

func (f *fakeDispatcher) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type fakeResolver struct {
	status chain.TxStatus
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, network, txHash string) (chain.TxStatus, error) {
	return f.status, f.err
}

type recordedEvents struct {
	mu     sync.Mutex
	events []realtime.EventType
}

func (r *recordedEvents) PublishInvoice(t realtime.EventType, inv *invoice.Invoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

func newAdapterInvoice(number string, p invoice.Provider) *invoice.Invoice {
	now := time.Now().UTC()
	return &invoice.Invoice{
		InvoiceNumber: number,
		Amount:        "10.00",
		Currency:      "USD",
		Email:         "buyer@example.com",
		Service:       "pro-license",
		PaymentURL:    "https://pay.example.com/" + number,
		Provider:      p,
		Status:        invoice.StatusCreated,
		Fulfillment:   invoice.FulfillmentNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

type testEnv struct {
	engine     *Engine
	store      *invoice.MemoryStore
	adapter    *fakeAdapter
	dispatcher *fakeDispatcher
	resolver   *fakeResolver
	events     *recordedEvents
}

func newTestEnv() *testEnv {
	store := invoice.NewMemoryStore()
	adapter := &fakeAdapter{
		id:        invoice.ProviderNowPayments,
		createInv: newAdapterInvoice("np_1", invoice.ProviderNowPayments),
	}
	registry := provider.NewRegistry()
	registry.Register(adapter)

	dispatcher := &fakeDispatcher{}
	resolver := &fakeResolver{status: chain.StatusConfirmed}
	events := &recordedEvents{}
	e := New(store, registry, resolver, dispatcher, events, slog.Default())
	return &testEnv{engine: e, store: store, adapter: adapter, dispatcher: dispatcher, resolver: resolver, events: events}
}

func TestCreateInvoice_PersistsAdapterResult(t *testing.T) {
	env := newTestEnv()

	inv, err := env.engine.CreateInvoice(context.Background(), invoice.ProviderNowPayments, provider.CreateRequest{
		Amount: "10.00", Currency: "USD", Email: "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	stored, err := env.store.Get(context.Background(), inv.InvoiceNumber)
	if err != nil {
		t.Fatalf("invoice not persisted: %v", err)
	}
	if stored.Status != invoice.StatusCreated {
		t.Errorf("status = %s", stored.Status)
	}
	if len(env.events.events) != 1 || env.events.events[0] != realtime.EventInvoiceCreated {
		t.Errorf("events = %v", env.events.events)
	}
}

func TestCreateInvoice_UnknownProvider(t *testing.T) {
	env := newTestEnv()
	_, err := env.engine.CreateInvoice(context.Background(), invoice.ProviderStripe, provider.CreateRequest{})
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestCreateInvoice_ProviderFailurePersistsNothing(t *testing.T) {
	env := newTestEnv()
	env.adapter.createErr = &provider.TransportError{Provider: env.adapter.id, Op: "create", Err: errors.New("timeout")}

	_, err := env.engine.CreateInvoice(context.Background(), invoice.ProviderNowPayments, provider.CreateRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := env.store.Get(context.Background(), "np_1"); !errors.Is(err, invoice.ErrNotFound) {
		t.Error("nothing should be persisted when the provider call fails")
	}
}

func seedInvoice(t *testing.T, env *testEnv, number string) {
	t.Helper()
	if err := env.store.Insert(context.Background(), newAdapterInvoice(number, invoice.ProviderNowPayments)); err != nil {
		t.Fatal(err)
	}
}

func TestHandleNotification_CompletedDispatchesOnce(t *testing.T) {
	env := newTestEnv()
	seedInvoice(t, env, "np_1")
	env.adapter.verifyID = "np_1"
	env.adapter.verifyOutcome = provider.OutcomeCompleted

	n := provider.Notification{Body: []byte(`{"payment_status":"finished","order_id":"np_1"}`)}
	if err := env.engine.HandleNotification(context.Background(), invoice.ProviderNowPayments, n); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	got, _ := env.store.Get(context.Background(), "np_1")
	if got.Status != invoice.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if env.dispatcher.dispatchCount() != 1 {
		t.Errorf("dispatch count = %d", env.dispatcher.dispatchCount())
	}
	if got.ProviderLog == "" {
		t.Error("raw payload should be appended to the provider log")
	}

	// Replay: same notification again is acked but does nothing.
	if err := env.engine.HandleNotification(context.Background(), invoice.ProviderNowPayments, n); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if env.dispatcher.dispatchCount() != 1 {
		t.Errorf("replay re-dispatched side effects: count = %d", env.dispatcher.dispatchCount())
	}
}

func TestHandleNotification_CoinPaymentsIPNCompletesByItemNumber(t *testing.T) {
	const ipnSecret = "ipn-secret"
	store := invoice.NewMemoryStore()
	registry := provider.NewRegistry()
	registry.Register(coinpayments.New(coinpayments.Config{IPNSecret: ipnSecret}, nil))
	dispatcher := &fakeDispatcher{}
	e := New(store, registry, &fakeResolver{}, dispatcher, nil, slog.Default())

	inv := newAdapterInvoice("INV-X", invoice.ProviderCoinPayments)
	if err := store.Insert(context.Background(), inv); err != nil {
		t.Fatal(err)
	}

	body := "email=a%40b.com&item_name=svc&item_number=INV-X&status=100"
	h := http.Header{}
	h.Set("HMAC", provider.SignHMACSHA512([]byte(ipnSecret), []byte(body)))
	n := provider.Notification{Header: h, Body: []byte(body)}

	if err := e.HandleNotification(context.Background(), invoice.ProviderCoinPayments, n); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	got, _ := store.Get(context.Background(), "INV-X")
	if got.Status != invoice.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("dispatch count = %d", dispatcher.dispatchCount())
	}

	// Replay is acked without re-dispatching.
	if err := e.HandleNotification(context.Background(), invoice.ProviderCoinPayments, n); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("replay re-dispatched side effects: count = %d", dispatcher.dispatchCount())
	}
}

func TestHandleNotification_BadSignaturePropagates(t *testing.T) {
	env := newTestEnv()
	env.adapter.verifyErr = provider.ErrBadSignature

	err := env.engine.HandleNotification(context.Background(), invoice.ProviderNowPayments, provider.Notification{})
	if !errors.Is(err, provider.ErrBadSignature) {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
}

func TestApply_UnknownInvoiceIsAcked(t *testing.T) {
	env := newTestEnv()
	err := env.engine.Apply(context.Background(), invoice.ProviderNowPayments, "np_ghost", provider.OutcomeCompleted, "raw")
	if err != nil {
		t.Errorf("unknown invoice must be absorbed, got %v", err)
	}
	if env.dispatcher.dispatchCount() != 0 {
		t.Error("no side effects for unknown invoices")
	}
}

func TestApply_FailedOutcome(t *testing.T) {
	env := newTestEnv()
	seedInvoice(t, env, "np_1")

	if err := env.engine.Apply(context.Background(), invoice.ProviderNowPayments, "np_1", provider.OutcomeFailed, "raw"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.store.Get(context.Background(), "np_1")
	if got.Status != invoice.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if env.dispatcher.dispatchCount() != 0 {
		t.Error("failure must not dispatch side effects")
	}

	// A late completion for a failed invoice is a no-op: terminal is final.
	if err := env.engine.Apply(context.Background(), invoice.ProviderNowPayments, "np_1", provider.OutcomeCompleted, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = env.store.Get(context.Background(), "np_1")
	if got.Status != invoice.StatusFailed {
		t.Errorf("terminal status moved: %s", got.Status)
	}
}

func TestApply_PendingIsNoOp(t *testing.T) {
	env := newTestEnv()
	seedInvoice(t, env, "np_1")

	if err := env.engine.Apply(context.Background(), invoice.ProviderNowPayments, "np_1", provider.OutcomePending, "raw"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.store.Get(context.Background(), "np_1")
	if got.Status != invoice.StatusCreated {
		t.Errorf("status = %s", got.Status)
	}
}

// Concurrent duplicate completions must dispatch side effects exactly once.
func TestApply_ConcurrentCompletions(t *testing.T) {
	env := newTestEnv()
	seedInvoice(t, env, "np_1")

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.engine.Apply(context.Background(), invoice.ProviderNowPayments, "np_1", provider.OutcomeCompleted, "")
		}()
	}
	wg.Wait()

	if env.dispatcher.dispatchCount() != 1 {
		t.Errorf("dispatch count = %d, want exactly 1", env.dispatcher.dispatchCount())
	}
}

const txHash = "0xaaa0000000000000000000000000000000000000000000000000000000000001"

func web3Req() Web3Request {
	return Web3Request{
		TxHash:  txHash,
		Amount:  "0.05",
		Service: "pro-license",
		Network: "polygon",
		Email:   "buyer@example.com",
	}
}

func TestSettleWeb3_Confirmed(t *testing.T) {
	env := newTestEnv()
	env.resolver.status = chain.StatusConfirmed

	res, err := env.engine.SettleWeb3(context.Background(), web3Req())
	if err != nil {
		t.Fatalf("SettleWeb3: %v", err)
	}
	if res.License == nil || res.License.Key() != "KEY-1" {
		t.Errorf("license = %+v", res.License)
	}

	got, _ := env.store.Get(context.Background(), txHash)
	if got.Status != invoice.StatusCompleted || got.Provider != invoice.ProviderWeb3 {
		t.Errorf("invoice = %+v", got)
	}

	// Resubmission of the settled hash is rejected.
	if _, err := env.engine.SettleWeb3(context.Background(), web3Req()); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestSettleWeb3_PendingLeavesInvoiceOpen(t *testing.T) {
	env := newTestEnv()
	env.resolver.status = chain.StatusNotFound

	res, err := env.engine.SettleWeb3(context.Background(), web3Req())
	if err != nil {
		t.Fatalf("SettleWeb3: %v", err)
	}
	if res.License != nil {
		t.Error("no license before confirmation")
	}
	got, _ := env.store.Get(context.Background(), txHash)
	if got.Status != invoice.StatusCreated {
		t.Errorf("status = %s", got.Status)
	}

	// A later retry with a confirmed transaction settles the same invoice.
	env.resolver.status = chain.StatusConfirmed
	res, err = env.engine.SettleWeb3(context.Background(), web3Req())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.License == nil {
		t.Error("expected license on confirmation")
	}
}

func TestSettleWeb3_ConfirmedAfterFailure(t *testing.T) {
	env := newTestEnv()
	env.resolver.status = chain.StatusFailed
	if _, err := env.engine.SettleWeb3(context.Background(), web3Req()); err != nil {
		t.Fatalf("SettleWeb3: %v", err)
	}

	// The chain later reports the same hash confirmed. The invoice is
	// already terminal in the failed state; the caller sees that state
	// rather than a claim the payment completed.
	env.resolver.status = chain.StatusConfirmed
	res, err := env.engine.SettleWeb3(context.Background(), web3Req())
	if err != nil {
		t.Fatalf("SettleWeb3 resubmit: %v", err)
	}
	if res.Invoice.Status != invoice.StatusFailed {
		t.Errorf("invoice status = %s, want failed", res.Invoice.Status)
	}
	if res.License != nil {
		t.Errorf("license issued for a failed invoice: %+v", res.License)
	}
	if n := len(env.dispatcher.issued); n != 0 {
		t.Errorf("dispatcher issued %d times, want 0", n)
	}
}

func TestSettleWeb3_FailedTransaction(t *testing.T) {
	env := newTestEnv()
	env.resolver.status = chain.StatusFailed

	res, err := env.engine.SettleWeb3(context.Background(), web3Req())
	if err != nil {
		t.Fatalf("SettleWeb3: %v", err)
	}
	if res.Status != chain.StatusFailed {
		t.Errorf("status = %s", res.Status)
	}
	got, _ := env.store.Get(context.Background(), txHash)
	if got.Status != invoice.StatusFailed {
		t.Errorf("invoice status = %s", got.Status)
	}
}

func TestSettleWeb3_UnknownNetwork(t *testing.T) {
	env := newTestEnv()
	req := web3Req()
	req.Network = "solana"
	if _, err := env.engine.SettleWeb3(context.Background(), req); !errors.Is(err, chain.ErrUnknownNetwork) {
		t.Errorf("expected ErrUnknownNetwork, got %v", err)
	}
}
