// Package engine owns the invoice lifecycle: creating provider payment
// requests, reconciling asynchronous provider notifications into status
// transitions, and settling direct on-chain payments.
//
// Every transition to a terminal status goes through one conditional
// status swap. Whoever wins the swap, and only whoever wins it, triggers
// side effects; replayed or concurrent notifications lose the swap and
// become no-ops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/vietkhanh/payhub/internal/chain"
	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/license"
	"github.com/vietkhanh/payhub/internal/metrics"
	"github.com/vietkhanh/payhub/internal/provider"
	"github.com/vietkhanh/payhub/internal/realtime"
	"github.com/vietkhanh/payhub/internal/traces"
)

// ErrAlreadyCompleted rejects settlement resubmission for a paid invoice.
var ErrAlreadyCompleted = errors.New("invoice already completed")

// Dispatcher runs post-payment side effects.
type Dispatcher interface {
	DispatchAsync(ctx context.Context, inv *invoice.Invoice)
	IssueSync(ctx context.Context, inv *invoice.Invoice) (*license.License, error)
}

// Resolver reports on-chain transaction status.
type Resolver interface {
	Resolve(ctx context.Context, network, txHash string) (chain.TxStatus, error)
}

// Events receives invoice lifecycle events for the operator stream.
type Events interface {
	PublishInvoice(t realtime.EventType, inv *invoice.Invoice)
}

// Engine coordinates stores, provider adapters, and side effects.
type Engine struct {
	store      invoice.Store
	registry   *provider.Registry
	resolver   Resolver
	dispatcher Dispatcher
	events     Events
	logger     *slog.Logger
}

// New creates an engine. events may be nil when no stream is wired.
func New(store invoice.Store, registry *provider.Registry, resolver Resolver, dispatcher Dispatcher, events Events, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		registry:   registry,
		resolver:   resolver,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}
}

// CreateInvoice asks the provider's adapter for a payment request and
// persists the resulting invoice. Nothing is stored when the provider
// call fails, so a retry cannot meet a half-created record.
func (e *Engine) CreateInvoice(ctx context.Context, providerID invoice.Provider, req provider.CreateRequest) (*invoice.Invoice, error) {
	ctx, span := traces.StartSpan(ctx, "engine.CreateInvoice",
		traces.ProviderID(string(providerID)), traces.Amount(req.Amount))
	defer span.End()

	adapter, err := e.registry.Lookup(providerID)
	if err != nil {
		return nil, err
	}

	inv, err := adapter.CreateInvoice(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider create failed")
		e.logger.Error("provider create failed",
			"provider", providerID, "error", err)
		return nil, err
	}

	if err := e.store.Insert(ctx, inv); err != nil {
		e.logger.Error("failed to persist invoice",
			"provider", providerID, "invoiceNumber", inv.InvoiceNumber, "error", err)
		return nil, fmt.Errorf("persist invoice %s: %w", inv.InvoiceNumber, err)
	}

	metrics.InvoicesCreatedTotal.WithLabelValues(string(providerID)).Inc()
	e.publish(realtime.EventInvoiceCreated, inv)
	e.logger.Info("invoice created",
		"provider", providerID, "invoiceNumber", inv.InvoiceNumber,
		"amount", inv.Amount, "currency", inv.Currency)
	return inv, nil
}

// HandleNotification authenticates a provider callback and applies its
// outcome. Authentication errors propagate so the transport can answer
// 403; everything past authentication is absorbed into a 200 to stop
// provider retry storms.
func (e *Engine) HandleNotification(ctx context.Context, providerID invoice.Provider, n provider.Notification) error {
	ctx, span := traces.StartSpan(ctx, "engine.HandleNotification",
		traces.ProviderID(string(providerID)))
	defer span.End()

	adapter, err := e.registry.Lookup(providerID)
	if err != nil {
		return err
	}

	correlationID, outcome, err := adapter.VerifyAndExtract(ctx, n)
	if err != nil {
		if errors.Is(err, provider.ErrBadSignature) {
			metrics.SignatureFailuresTotal.WithLabelValues(string(providerID)).Inc()
			span.SetStatus(codes.Error, "signature rejected")
			e.logger.Warn("notification signature rejected", "provider", providerID)
		}
		return err
	}
	span.SetAttributes(traces.InvoiceNumber(correlationID), traces.Outcome(string(outcome)))

	metrics.NotificationsTotal.WithLabelValues(string(providerID), string(outcome)).Inc()
	return e.Apply(ctx, providerID, correlationID, outcome, string(n.Body))
}

// Apply reconciles a verified outcome into the invoice's state. Unknown
// correlation ids and already-terminal invoices are logged no-ops, never
// errors: the caller has nothing actionable and must ack.
func (e *Engine) Apply(ctx context.Context, providerID invoice.Provider, correlationID string, outcome provider.Outcome, raw string) error {
	if correlationID == "" {
		e.logger.Info("notification without correlation id ignored",
			"provider", providerID, "outcome", outcome)
		return nil
	}

	inv, err := e.store.Get(ctx, correlationID)
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			e.logger.Warn("notification for unknown invoice ignored",
				"provider", providerID, "invoiceNumber", correlationID, "outcome", outcome)
			return nil
		}
		return err
	}

	if raw != "" {
		if err := e.store.AppendProviderLog(ctx, correlationID, raw); err != nil {
			e.logger.Error("failed to append provider log",
				"invoiceNumber", correlationID, "error", err)
		}
	}

	if inv.Status.Terminal() {
		e.logger.Info("notification for settled invoice ignored",
			"provider", providerID, "invoiceNumber", correlationID,
			"status", inv.Status, "outcome", outcome)
		return nil
	}

	switch outcome {
	case provider.OutcomeCompleted:
		return e.complete(ctx, inv)
	case provider.OutcomeFailed:
		return e.failInvoice(ctx, inv)
	case provider.OutcomePending:
		return nil
	default:
		e.logger.Warn("unrecognized provider outcome",
			"provider", providerID, "invoiceNumber", correlationID)
		return nil
	}
}

// complete swaps created to completed; the winner dispatches side effects.
func (e *Engine) complete(ctx context.Context, inv *invoice.Invoice) error {
	swapped, err := e.store.UpdateStatusIf(ctx, inv.InvoiceNumber, invoice.StatusCreated, invoice.StatusCompleted)
	if err != nil {
		return err
	}
	if !swapped {
		e.logger.Info("completion lost status swap, side effects skipped",
			"invoiceNumber", inv.InvoiceNumber)
		return nil
	}

	metrics.TransitionsTotal.WithLabelValues(string(invoice.StatusCompleted)).Inc()
	inv.Status = invoice.StatusCompleted
	e.publish(realtime.EventInvoiceCompleted, inv)
	e.logger.Info("invoice completed",
		"provider", inv.Provider, "invoiceNumber", inv.InvoiceNumber)

	e.dispatcher.DispatchAsync(ctx, inv)
	return nil
}

func (e *Engine) failInvoice(ctx context.Context, inv *invoice.Invoice) error {
	swapped, err := e.store.UpdateStatusIf(ctx, inv.InvoiceNumber, invoice.StatusCreated, invoice.StatusFailed)
	if err != nil {
		return err
	}
	if swapped {
		metrics.TransitionsTotal.WithLabelValues(string(invoice.StatusFailed)).Inc()
		inv.Status = invoice.StatusFailed
		e.publish(realtime.EventInvoiceFailed, inv)
		e.logger.Info("invoice failed",
			"provider", inv.Provider, "invoiceNumber", inv.InvoiceNumber)
	}
	return nil
}

func (e *Engine) publish(t realtime.EventType, inv *invoice.Invoice) {
	if e.events != nil {
		e.events.PublishInvoice(t, inv)
	}
}

// Web3Request is a direct on-chain settlement claim.
type Web3Request struct {
	TxHash  string `json:"txHash" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	Service string `json:"service" binding:"required"`
	Network string `json:"network"`
	Email   string `json:"email"`
}

// Web3Result is the settlement answer: the invoice, its resolved chain
// status, and the issued license when the payment confirmed.
type Web3Result struct {
	Invoice *invoice.Invoice
	Status  chain.TxStatus
	License *license.License
}

// SettleWeb3 verifies a claimed payment transaction on chain. The invoice
// is keyed by transaction hash, so resubmitting the same hash can never
// pay for two orders: a completed invoice rejects resubmission outright.
func (e *Engine) SettleWeb3(ctx context.Context, req Web3Request) (*Web3Result, error) {
	network, ok := chain.Normalize(req.Network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownNetwork, req.Network)
	}

	ctx, span := traces.StartSpan(ctx, "engine.SettleWeb3",
		traces.Network(network), traces.TxHash(req.TxHash), traces.Amount(req.Amount))
	defer span.End()

	inv, err := e.findOrCreateWeb3Invoice(ctx, req, network)
	if err != nil {
		return nil, err
	}

	status, err := e.resolver.Resolve(ctx, network, req.TxHash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chain resolution failed")
		return nil, err
	}

	result := &Web3Result{Invoice: inv, Status: status}
	switch status {
	case chain.StatusConfirmed:
		swapped, err := e.store.UpdateStatusIf(ctx, inv.InvoiceNumber, invoice.StatusCreated, invoice.StatusCompleted)
		if err != nil {
			return nil, err
		}
		if !swapped {
			// Lost to a concurrent settlement of the same hash. Reload to
			// report the state that transition actually produced: completed
			// means this payment already went through, anything else (a
			// failed invoice does not reopen) is surfaced as-is without
			// issuing a license.
			cur, err := e.store.Get(ctx, inv.InvoiceNumber)
			if err != nil {
				return nil, err
			}
			if cur.Status == invoice.StatusCompleted {
				return nil, ErrAlreadyCompleted
			}
			result.Invoice = cur
			return result, nil
		}
		metrics.TransitionsTotal.WithLabelValues(string(invoice.StatusCompleted)).Inc()
		inv.Status = invoice.StatusCompleted
		e.publish(realtime.EventInvoiceCompleted, inv)

		lic, err := e.dispatcher.IssueSync(ctx, inv)
		if err != nil {
			return nil, fmt.Errorf("payment confirmed but license issuance failed: %w", err)
		}
		result.License = lic
		e.logger.Info("web3 payment settled",
			"invoiceNumber", inv.InvoiceNumber, "network", network)

	case chain.StatusFailed:
		if _, err := e.store.UpdateStatusIf(ctx, inv.InvoiceNumber, invoice.StatusCreated, invoice.StatusFailed); err != nil {
			return nil, err
		}
		metrics.TransitionsTotal.WithLabelValues(string(invoice.StatusFailed)).Inc()
		inv.Status = invoice.StatusFailed
		e.publish(realtime.EventInvoiceFailed, inv)

	case chain.StatusPending, chain.StatusNotFound:
		// No mutation; the caller may retry once the transaction mines.
	}
	return result, nil
}

// GetInvoice returns an invoice by number.
func (e *Engine) GetInvoice(ctx context.Context, number string) (*invoice.Invoice, error) {
	return e.store.Get(ctx, number)
}

func (e *Engine) findOrCreateWeb3Invoice(ctx context.Context, req Web3Request, network string) (*invoice.Invoice, error) {
	inv, err := e.store.Get(ctx, req.TxHash)
	if err == nil {
		if inv.Status == invoice.StatusCompleted {
			return nil, ErrAlreadyCompleted
		}
		return inv, nil
	}
	if !errors.Is(err, invoice.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	inv = &invoice.Invoice{
		InvoiceNumber:      req.TxHash,
		Amount:             req.Amount,
		Currency:           network,
		SettlementCurrency: network,
		Email:              req.Email,
		Service:            req.Service,
		Provider:           invoice.ProviderWeb3,
		Status:             invoice.StatusCreated,
		Fulfillment:        invoice.FulfillmentNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.Insert(ctx, inv); err != nil {
		if errors.Is(err, invoice.ErrDuplicate) {
			// Concurrent claim created it first; reload.
			return e.store.Get(ctx, req.TxHash)
		}
		return nil, err
	}
	metrics.InvoicesCreatedTotal.WithLabelValues(string(invoice.ProviderWeb3)).Inc()
	e.publish(realtime.EventInvoiceCreated, inv)
	return inv, nil
}
