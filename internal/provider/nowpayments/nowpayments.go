// Package nowpayments implements the NOWPayments invoice API: JSON create
// calls authenticated with an API key and JSON IPN callbacks signed with
// HMAC-SHA512 in the x-nowpayments-sig header.
package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vietkhanh/payhub/internal/idgen"
	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/provider"
)

// SigHeader carries the IPN signature.
const SigHeader = "x-nowpayments-sig"

// Config holds NOWPayments API credentials.
type Config struct {
	APIURL         string // e.g. https://api.nowpayments.io/v1
	APIKey         string
	IPNSecret      string
	IPNCallbackURL string
}

// Adapter talks to the NOWPayments API.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates a NOWPayments adapter. A nil client gets a 15s-timeout default.
func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) ID() invoice.Provider { return invoice.ProviderNowPayments }

type createRequest struct {
	PriceAmount      string `json:"price_amount"`
	PriceCurrency    string `json:"price_currency"`
	OrderID          string `json:"order_id"`
	OrderDescription string `json:"order_description,omitempty"`
	IPNCallbackURL   string `json:"ipn_callback_url"`
	SuccessURL       string `json:"success_url,omitempty"`
	CancelURL        string `json:"cancel_url,omitempty"`
}

type createResponse struct {
	ID         string `json:"id"`
	InvoiceURL string `json:"invoice_url"`
	OrderID    string `json:"order_id"`
	Message    string `json:"message"` // set on error responses
}

// CreateInvoice posts an invoice. The invoice number is the order id we
// generate and send; IPN callbacks echo it back, so correlation never
// depends on a provider-assigned id.
func (a *Adapter) CreateInvoice(ctx context.Context, req provider.CreateRequest) (*invoice.Invoice, error) {
	orderID := idgen.WithPrefix("np_")
	payload, err := json.Marshal(createRequest{
		PriceAmount:      req.Amount,
		PriceCurrency:    req.Currency,
		OrderID:          orderID,
		OrderDescription: req.Description,
		IPNCallbackURL:   a.cfg.IPNCallbackURL,
		SuccessURL:       req.SuccessURL,
		CancelURL:        req.CancelURL,
	})
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.APIURL+"/invoice", bytes.NewReader(payload))
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice", Err: err}
	}
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice", Err: err}
	}

	var cr createResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.Rejection{Provider: a.ID(), Status: resp.StatusCode, Reason: cr.Message}
	}
	if cr.InvoiceURL == "" {
		return nil, &provider.Rejection{Provider: a.ID(), Status: resp.StatusCode, Reason: "response missing invoice_url"}
	}

	now := time.Now().UTC()
	return &invoice.Invoice{
		InvoiceNumber:      orderID,
		Amount:             req.Amount,
		Currency:           req.Currency,
		SettlementCurrency: req.Currency,
		Email:              req.Email,
		Description:        req.Description,
		Service:            req.Service,
		PaymentURL:         cr.InvoiceURL,
		SuccessURL:         req.SuccessURL,
		CancelURL:          req.CancelURL,
		Provider:           a.ID(),
		Status:             invoice.StatusCreated,
		Fulfillment:        invoice.FulfillmentNone,
		CreatedAt:          now,
		UpdatedAt:          now,
		ProviderLog:        string(body),
	}, nil
}

type ipnPayload struct {
	PaymentStatus string `json:"payment_status"`
	OrderID       string `json:"order_id"`
}

// VerifyAndExtract authenticates an IPN. The x-nowpayments-sig header is
// an HMAC-SHA512 over the raw request body keyed with the IPN secret.
func (a *Adapter) VerifyAndExtract(ctx context.Context, n provider.Notification) (string, provider.Outcome, error) {
	sig := n.Header.Get(SigHeader)
	if err := provider.VerifyHMACSHA512([]byte(a.cfg.IPNSecret), n.Body, sig); err != nil {
		return "", provider.OutcomeUnrecognized, err
	}

	var p ipnPayload
	if err := json.Unmarshal(n.Body, &p); err != nil {
		return "", provider.OutcomeUnrecognized,
			fmt.Errorf("%w: %v", provider.ErrMalformedNotification, err)
	}
	if p.OrderID == "" {
		return "", provider.OutcomeUnrecognized,
			fmt.Errorf("%w: missing order_id", provider.ErrMalformedNotification)
	}
	return p.OrderID, mapStatus(p.PaymentStatus), nil
}

// QueryStatus polls GET /payment?orderId= for the latest payment attached
// to an order. Used by the pending sweeper.
func (a *Adapter) QueryStatus(ctx context.Context, correlationID string) (provider.Outcome, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.APIURL+"/payment/?orderId="+correlationID, nil)
	if err != nil {
		return provider.OutcomeUnrecognized, &provider.TransportError{Provider: a.ID(), Op: "payment", Err: err}
	}
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return provider.OutcomeUnrecognized, &provider.TransportError{Provider: a.ID(), Op: "payment", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.OutcomeUnrecognized, &provider.TransportError{Provider: a.ID(), Op: "payment", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return provider.OutcomeUnrecognized, &provider.Rejection{Provider: a.ID(), Status: resp.StatusCode, Reason: string(body)}
	}

	var pr struct {
		Data []struct {
			PaymentStatus string `json:"payment_status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &pr); err != nil {
		return provider.OutcomeUnrecognized, &provider.TransportError{Provider: a.ID(), Op: "payment", Err: err}
	}
	if len(pr.Data) == 0 {
		return provider.OutcomePending, nil
	}
	return mapStatus(pr.Data[0].PaymentStatus), nil
}

func mapStatus(status string) provider.Outcome {
	switch status {
	case "finished", "confirmed":
		return provider.OutcomeCompleted
	case "failed", "refunded", "expired":
		return provider.OutcomeFailed
	case "waiting", "confirming", "sending", "partially_paid":
		return provider.OutcomePending
	default:
		return provider.OutcomeUnrecognized
	}
}
