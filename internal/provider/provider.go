// Package provider defines the adapter contract shared by all external
// payment providers and the registry that selects an adapter at runtime.
//
// Each provider package implements the subset of capabilities its protocol
// supports: creating a payment request, verifying an inbound notification,
// and optionally polling payment status. Notifications are untrusted input;
// an adapter's VerifyAndExtract is the only component allowed to decide a
// notification is authentic.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/vietkhanh/payhub/internal/invoice"
)

// Outcome is the canonical result extracted from a provider notification.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomePending      Outcome = "pending"
	OutcomeFailed       Outcome = "failed"
	OutcomeUnrecognized Outcome = "unrecognized"
)

// CreateRequest carries the provider-independent fields of an invoice
// creation request. Validation happens before any adapter sees it.
type CreateRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Email       string `json:"email" binding:"required"`
	Description string `json:"description"`
	Service     string `json:"service"`
	SuccessURL  string `json:"successUrl"`
	CancelURL   string `json:"cancelUrl"`
}

// Notification is a raw inbound provider callback. Body is the payload
// exactly as received; signature schemes are computed over these bytes, so
// they must never be re-encoded before verification. Fields carries any
// explicitly named form/query fields the transport already decoded.
type Notification struct {
	Header http.Header
	Body   []byte
	Fields url.Values
}

// Creator builds and sends a provider-specific payment request.
// On success the returned invoice is fully formed, in state created, with
// PaymentURL populated. Nothing is persisted by the adapter; the caller
// owns persistence so a transport failure never leaves a partial record.
type Creator interface {
	CreateInvoice(ctx context.Context, req CreateRequest) (*invoice.Invoice, error)
}

// Verifier authenticates a notification and extracts the correlation id
// and canonical outcome. A signature mismatch returns ErrBadSignature.
type Verifier interface {
	VerifyAndExtract(ctx context.Context, n Notification) (correlationID string, outcome Outcome, err error)
}

// StatusQuerier is an optional capability: synchronous status polling used
// as a fallback when no notification arrives within the expected window.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, correlationID string) (Outcome, error)
}

// Adapter is the capability set every registered provider implements.
type Adapter interface {
	ID() invoice.Provider
	Creator
	Verifier
}

// Registry maps provider identifiers to adapters. Selection is data-driven;
// no runtime type inspection of concrete adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[invoice.Provider]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[invoice.Provider]Adapter)}
}

// Register adds an adapter under its own identifier.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Lookup returns the adapter for id, or an error if none is configured.
func (r *Registry) Lookup(id invoice.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return a, nil
}

// IDs returns the identifiers of all registered adapters.
func (r *Registry) IDs() []invoice.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]invoice.Provider, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

var (
	// ErrUnknownProvider means no adapter is configured for the identifier.
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrBadSignature means a notification failed its authenticity check.
	// Never retried; logged as a security event by the caller.
	ErrBadSignature = errors.New("notification signature mismatch")

	// ErrMalformedNotification means required fields were absent or the
	// payload could not be decoded.
	ErrMalformedNotification = errors.New("malformed notification")
)

// TransportError wraps a network-level failure talking to a provider.
// Transport errors are retryable by the caller: nothing was persisted.
type TransportError struct {
	Provider invoice.Provider
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Rejection is a structured non-2xx or in-band error from a provider.
// Not retryable without changing the request.
type Rejection struct {
	Provider invoice.Provider
	Status   int
	Reason   string
}

func (e *Rejection) Error() string {
	return fmt.Sprintf("%s rejected request (status %d): %s", e.Provider, e.Status, e.Reason)
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
