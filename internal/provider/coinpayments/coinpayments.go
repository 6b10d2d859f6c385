// Package coinpayments implements the CoinPayments merchant API: signed
// form-encoded create_transaction calls and HMAC-authenticated IPN
// callbacks. This adapter is signature-trusted: every inbound notification
// must carry a valid HMAC header computed over the raw body.
//
// The adapter is push-only. Status lookups on the CoinPayments side are
// keyed by their transaction id, not the merchant order reference that
// invoices are keyed on, so the pending sweeper skips this provider.
package coinpayments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vietkhanh/payhub/internal/idgen"
	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/provider"
)

// Config holds CoinPayments merchant credentials and endpoints.
type Config struct {
	APIURL    string // e.g. https://www.coinpayments.net/api.php
	APIKey    string
	APISecret string // signs outbound API calls
	IPNSecret string // verifies inbound IPN callbacks
	IPNURL    string // public callback URL sent with each transaction
}

// Adapter talks to the CoinPayments API.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates a CoinPayments adapter. A nil client gets a 15s-timeout default.
func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) ID() invoice.Provider { return invoice.ProviderCoinPayments }

// createResponse is the envelope CoinPayments wraps every API reply in.
// Error is the literal string "ok" on success.
type createResponse struct {
	Error  string `json:"error"`
	Result struct {
		TxnID       string `json:"txn_id"`
		CheckoutURL string `json:"checkout_url"`
		StatusURL   string `json:"status_url"`
		Amount      string `json:"amount"`
	} `json:"result"`
}

// CreateInvoice sends a create_transaction request. The invoice number is
// a merchant-generated order reference sent as item_number; IPN callbacks
// echo it back, which is what correlation keys on. The transaction id
// CoinPayments assigns stays in the provider log.
func (a *Adapter) CreateInvoice(ctx context.Context, req provider.CreateRequest) (*invoice.Invoice, error) {
	orderID := idgen.WithPrefix("ord_")

	params := url.Values{}
	params.Set("version", "1")
	params.Set("cmd", "create_transaction")
	params.Set("key", a.cfg.APIKey)
	params.Set("amount", req.Amount)
	params.Set("currency1", req.Currency)
	params.Set("currency2", req.Currency)
	params.Set("buyer_email", req.Email)
	params.Set("item_name", req.Service)
	params.Set("item_number", orderID)
	params.Set("ipn_url", a.cfg.IPNURL)
	params.Set("want_shipping", "0")
	if req.SuccessURL != "" {
		params.Set("success_url", req.SuccessURL)
	}
	if req.CancelURL != "" {
		params.Set("cancel_url", req.CancelURL)
	}

	body, err := a.call(ctx, "create_transaction", params)
	if err != nil {
		return nil, err
	}

	var cr createResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "create_transaction", Err: err}
	}
	if cr.Error != "ok" {
		return nil, &provider.Rejection{Provider: a.ID(), Status: http.StatusOK, Reason: cr.Error}
	}
	if cr.Result.TxnID == "" || cr.Result.CheckoutURL == "" {
		return nil, &provider.Rejection{Provider: a.ID(), Status: http.StatusOK, Reason: "response missing txn_id or checkout_url"}
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
		PaymentURL:         cr.Result.CheckoutURL,
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

// VerifyAndExtract authenticates an IPN callback. The HMAC header carries
// an HMAC-SHA512 of the raw body keyed with the IPN secret; verification
// runs over the exact bytes received, never a re-encoding.
func (a *Adapter) VerifyAndExtract(ctx context.Context, n provider.Notification) (string, provider.Outcome, error) {
	sig := n.Header.Get("HMAC")
	if err := provider.VerifyHMACSHA512([]byte(a.cfg.IPNSecret), n.Body, sig); err != nil {
		return "", provider.OutcomeUnrecognized, err
	}

	fields, err := provider.ParseForm(n.Body)
	if err != nil {
		return "", provider.OutcomeUnrecognized, err
	}
	orderID := fields.Get("item_number")
	if orderID == "" {
		return "", provider.OutcomeUnrecognized,
			fmt.Errorf("%w: missing item_number", provider.ErrMalformedNotification)
	}
	return orderID, mapStatus(fields.Get("status")), nil
}

// call signs the canonical form encoding of params and posts it. The HMAC
// header must match the exact bytes sent, so the encoded string is built
// once and used for both.
func (a *Adapter) call(ctx context.Context, op string, params url.Values) ([]byte, error) {
	payload := provider.CanonicalForm(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIURL, strings.NewReader(payload))
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("HMAC", provider.SignHMACSHA512([]byte(a.cfg.APISecret), []byte(payload)))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.Rejection{Provider: a.ID(), Status: resp.StatusCode, Reason: string(body)}
	}
	return body, nil
}

// mapStatus translates CoinPayments numeric statuses: >= 100 is complete,
// negative is an error state, anything in between is still in flight.
func mapStatus(status string) provider.Outcome {
	code, err := strconv.Atoi(strings.TrimSpace(status))
	if err != nil {
		return provider.OutcomeUnrecognized
	}
	switch {
	case code >= 100:
		return provider.OutcomeCompleted
	case code < 0:
		return provider.OutcomeFailed
	default:
		return provider.OutcomePending
	}
}
