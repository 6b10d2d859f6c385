// Package cryptocloud implements the CryptoCloud invoice API: JSON create
// calls with token auth and form-encoded postback notifications.
//
// Unlike the CoinPayments and NOWPayments adapters this one is
// channel-trusted: CryptoCloud postbacks carry no message signature, so
// authenticity rests on the callback URL being unguessable and restricted
// at the edge. The asymmetry is deliberate; do not add a fake signature
// check here.
package cryptocloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/provider"
)

// Config holds CryptoCloud API credentials.
type Config struct {
	APIURL string // e.g. https://api.cryptocloud.plus/v2
	APIKey string
	ShopID string
}

// acceptedCurrencies limits which coins an invoice can be paid in.
var acceptedCurrencies = []string{"USDT_TRC20", "ETH", "BTC"}

// Adapter talks to the CryptoCloud API.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates a CryptoCloud adapter. A nil client gets a 15s-timeout default.
func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) ID() invoice.Provider { return invoice.ProviderCryptoCloud }

type createResponse struct {
	Status string `json:"status"`
	Result struct {
		UUID   string  `json:"uuid"`
		Link   string  `json:"link"`
		Amount float64 `json:"amount"`
		Status string  `json:"status"`
	} `json:"result"`
}

// CreateInvoice posts an invoice to CryptoCloud. The invoice number is the
// uuid CryptoCloud assigns; postbacks echo it in invoice_id, so correlation
// works without a second identifier.
func (a *Adapter) CreateInvoice(ctx context.Context, req provider.CreateRequest) (*invoice.Invoice, error) {
	payload, err := json.Marshal(map[string]any{
		"shop_id":              a.cfg.ShopID,
		"amount":               req.Amount,
		"currency":             req.Currency,
		"available_currencies": acceptedCurrencies,
		"email":                req.Email,
	})
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice/create", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.APIURL+"/invoice/create", bytes.NewReader(payload))
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice/create", Err: err}
	}
	httpReq.Header.Set("Authorization", "Token "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice/create", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice/create", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.Rejection{Provider: a.ID(), Status: resp.StatusCode, Reason: string(body)}
	}

	var cr createResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, &provider.TransportError{Provider: a.ID(), Op: "invoice/create", Err: err}
	}
	if cr.Status != "success" || cr.Result.UUID == "" {
		return nil, &provider.Rejection{Provider: a.ID(), Status: resp.StatusCode, Reason: "create did not succeed: " + cr.Status}
	}

	now := time.Now().UTC()
	return &invoice.Invoice{
		InvoiceNumber:      cr.Result.UUID,
		Amount:             strconv.FormatFloat(cr.Result.Amount, 'f', -1, 64),
		Currency:           req.Currency,
		SettlementCurrency: req.Currency,
		Email:              req.Email,
		Description:        req.Description,
		Service:            req.Service,
		PaymentURL:         cr.Result.Link,
		Provider:           a.ID(),
		Status:             invoice.StatusCreated,
		Fulfillment:        invoice.FulfillmentNone,
		CreatedAt:          now,
		UpdatedAt:          now,
		ProviderLog:        string(body),
	}, nil
}

// VerifyAndExtract reads the named postback fields. There is no signature;
// a notification missing invoice_id or status is rejected as malformed.
func (a *Adapter) VerifyAndExtract(ctx context.Context, n provider.Notification) (string, provider.Outcome, error) {
	fields := n.Fields
	if fields == nil || fields.Get("invoice_id") == "" {
		parsed, err := provider.ParseForm(n.Body)
		if err != nil {
			return "", provider.OutcomeUnrecognized, err
		}
		fields = parsed
	}

	invoiceID := fields.Get("invoice_id")
	status := fields.Get("status")
	if invoiceID == "" || status == "" {
		return "", provider.OutcomeUnrecognized,
			fmt.Errorf("%w: missing invoice_id or status", provider.ErrMalformedNotification)
	}
	return invoiceID, mapStatus(status), nil
}

func mapStatus(status string) provider.Outcome {
	switch status {
	case "success", "overpaid":
		return provider.OutcomeCompleted
	case "canceled", "cancelled", "fail":
		return provider.OutcomeFailed
	case "created", "partial":
		return provider.OutcomePending
	default:
		return provider.OutcomeUnrecognized
	}
}
