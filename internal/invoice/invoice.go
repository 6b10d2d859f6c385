// Package invoice defines the invoice lifecycle record and its storage.
//
// An invoice is created in state "created" when an outbound payment request
// succeeds, and moves exactly once to "completed" or "failed". Terminal
// states are final: providers resend notifications until acknowledged, so
// every transition is a compare-and-swap against the expected current state
// rather than a read-then-write.
package invoice

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("invoice not found")
	ErrDuplicate = errors.New("invoice number already exists")
)

// Provider identifies which external payment provider an invoice belongs to.
type Provider string

const (
	ProviderCoinPayments Provider = "coinpayments"
	ProviderCryptoCloud  Provider = "cryptocloud"
	ProviderNowPayments  Provider = "nowpayments"
	ProviderStripe       Provider = "stripe"
	ProviderWeb3         Provider = "web3"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderCoinPayments, ProviderCryptoCloud, ProviderNowPayments, ProviderStripe, ProviderWeb3:
		return true
	}
	return false
}

// Status is the payment state of an invoice.
type Status string

const (
	StatusCreated   Status = "created"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal returns true if no further payment transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FulfillmentStatus tracks downstream license/email delivery separately from
// payment status. A completed payment stays completed even when fulfillment
// fails; operators reissue from this flag without re-processing payment.
type FulfillmentStatus string

const (
	FulfillmentNone      FulfillmentStatus = "none"
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentFulfilled FulfillmentStatus = "fulfilled"
	FulfillmentFailed    FulfillmentStatus = "failed"
)

// Invoice represents one requested payment across its lifecycle.
type Invoice struct {
	InvoiceNumber      string            `json:"invoiceNumber"`
	Amount             string            `json:"amount"`
	Currency           string            `json:"currency"`
	SettlementCurrency string            `json:"settlementCurrency,omitempty"`
	Email              string            `json:"email"`
	Description        string            `json:"description,omitempty"`
	Service            string            `json:"service,omitempty"`
	PaymentURL         string            `json:"paymentUrl,omitempty"`
	SuccessURL         string            `json:"-"`
	CancelURL          string            `json:"-"`
	Provider           Provider          `json:"provider"`
	Status             Status            `json:"status"`
	Fulfillment        FulfillmentStatus `json:"fulfillmentStatus"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`

	// ProviderLog holds the last raw provider payload for forensic replay.
	// Audit only; never a basis for a status transition.
	ProviderLog string `json:"-"`
}

// Store persists invoices.
//
// UpdateStatusIf is the engine's only mutation path for payment status: it
// atomically swaps from→to and reports whether this caller won the swap.
// A false return with a nil error means the invoice was not in the expected
// state (a concurrent duplicate already transitioned it).
type Store interface {
	Insert(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, number string) (*Invoice, error)
	UpdateStatusIf(ctx context.Context, number string, from, to Status) (bool, error)
	SetFulfillment(ctx context.Context, number string, fs FulfillmentStatus) error
	AppendProviderLog(ctx context.Context, number string, raw string) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Invoice, error)
}
