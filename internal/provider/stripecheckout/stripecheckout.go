// Package stripecheckout implements card payments through Stripe Checkout:
// hosted checkout sessions on create and signed webhook events on notify.
// Signature verification is delegated to the stripe-go webhook helper,
// which checks the Stripe-Signature header against the raw body.
package stripecheckout

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/vietkhanh/payhub/internal/idgen"
	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/money"
	"github.com/vietkhanh/payhub/internal/provider"
)

// SigHeader carries the webhook signature.
const SigHeader = "Stripe-Signature"

// Config holds Stripe API credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string // fallback when the request carries none
	CancelURL     string
}

// Adapter drives Stripe Checkout through the official client.
type Adapter struct {
	cfg Config
	api *client.API
}

// New creates a Stripe adapter. A non-nil backends override is used by
// tests to point the client at a local server.
func New(cfg Config, backends *stripe.Backends) *Adapter {
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &Adapter{cfg: cfg, api: api}
}

func (a *Adapter) ID() invoice.Provider { return invoice.ProviderStripe }

// CreateInvoice opens a checkout session. The invoice number is our
// generated client reference id, echoed back on every webhook event for
// the session.
func (a *Adapter) CreateInvoice(ctx context.Context, req provider.CreateRequest) (*invoice.Invoice, error) {
	cents, err := minorUnits(req.Amount)
	if err != nil {
		return nil, &provider.Rejection{Provider: a.ID(), Status: http.StatusBadRequest, Reason: err.Error()}
	}

	refID := idgen.WithPrefix("st_")
	successURL := req.SuccessURL
	if successURL == "" {
		successURL = a.cfg.SuccessURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = a.cfg.CancelURL
	}

	name := req.Service
	if name == "" {
		name = req.Description
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(refID),
		CustomerEmail:     stripe.String(req.Email),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(cents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
		}},
	}
	params.Context = ctx

	sess, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok {
			return nil, &provider.Rejection{Provider: a.ID(), Status: stripeErr.HTTPStatusCode, Reason: stripeErr.Msg}
		}
		return nil, &provider.TransportError{Provider: a.ID(), Op: "checkout.sessions.new", Err: err}
	}
	if sess.URL == "" {
		return nil, &provider.Rejection{Provider: a.ID(), Status: http.StatusOK, Reason: "session has no checkout url"}
	}

	now := time.Now().UTC()
	return &invoice.Invoice{
		InvoiceNumber:      refID,
		Amount:             req.Amount,
		Currency:           req.Currency,
		SettlementCurrency: req.Currency,
		Email:              req.Email,
		Description:        req.Description,
		Service:            req.Service,
		PaymentURL:         sess.URL,
		SuccessURL:         successURL,
		CancelURL:          cancelURL,
		Provider:           a.ID(),
		Status:             invoice.StatusCreated,
		Fulfillment:        invoice.FulfillmentNone,
		CreatedAt:          now,
		UpdatedAt:          now,
		ProviderLog:        sess.ID,
	}, nil
}

// VerifyAndExtract authenticates a webhook event and maps checkout session
// lifecycle events to outcomes. Events for other object types return
// Unrecognized with no correlation id; the caller treats that as a no-op.
func (a *Adapter) VerifyAndExtract(ctx context.Context, n provider.Notification) (string, provider.Outcome, error) {
	event, err := webhook.ConstructEvent(n.Body, n.Header.Get(SigHeader), a.cfg.WebhookSecret)
	if err != nil {
		return "", provider.OutcomeUnrecognized, fmt.Errorf("%w: %v", provider.ErrBadSignature, err)
	}

	var outcome provider.Outcome
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		outcome = provider.OutcomeCompleted
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		outcome = provider.OutcomeFailed
	default:
		return "", provider.OutcomeUnrecognized, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", provider.OutcomeUnrecognized,
			fmt.Errorf("%w: %v", provider.ErrMalformedNotification, err)
	}
	if sess.ClientReferenceID == "" {
		return "", provider.OutcomeUnrecognized,
			fmt.Errorf("%w: session has no client_reference_id", provider.ErrMalformedNotification)
	}
	return sess.ClientReferenceID, outcome, nil
}

// minorUnits converts a decimal amount string to cents. Sub-cent
// precision is rejected rather than rounded.
func minorUnits(amount string) (int64, error) {
	units, ok := money.Parse(amount)
	if !ok || units.Sign() <= 0 {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	// money carries 8 decimal places; cards settle in 2.
	scale := big.NewInt(1_000_000)
	cents, rem := new(big.Int).QuoRem(units, scale, new(big.Int))
	if rem.Sign() != 0 {
		return 0, fmt.Errorf("amount %q has sub-cent precision", amount)
	}
	if !cents.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", amount)
	}
	return cents.Int64(), nil
}
