package cryptocloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/provider"
)

func TestCreateInvoice(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":"success","result":{"uuid":"INV-A1B2C3","link":"https://pay.cryptocloud.plus/INV-A1B2C3","amount":100,"status":"created"}}`))
	}))
	defer srv.Close()

	a := New(Config{APIURL: srv.URL, APIKey: "cc-key", ShopID: "shop-1"}, nil)
	inv, err := a.CreateInvoice(context.Background(), provider.CreateRequest{
		Amount:   "100",
		Currency: "USD",
		Email:    "buyer@example.com",
		Service:  "pro-license",
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	if gotAuth != "Token cc-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["shop_id"] != "shop-1" || gotBody["amount"] != "100" {
		t.Errorf("request body = %v", gotBody)
	}
	if inv.InvoiceNumber != "INV-A1B2C3" {
		t.Errorf("invoice number = %s, want provider uuid", inv.InvoiceNumber)
	}
	if inv.PaymentURL != "https://pay.cryptocloud.plus/INV-A1B2C3" {
		t.Errorf("payment url = %s", inv.PaymentURL)
	}
	if inv.Provider != invoice.ProviderCryptoCloud || inv.Status != invoice.StatusCreated {
		t.Errorf("provider/status = %s/%s", inv.Provider, inv.Status)
	}
}

func TestCreateInvoice_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","result":{}}`))
	}))
	defer srv.Close()

	a := New(Config{APIURL: srv.URL, APIKey: "k", ShopID: "s"}, nil)
	_, err := a.CreateInvoice(context.Background(), provider.CreateRequest{
		Amount: "100", Currency: "USD", Email: "a@b.com",
	})
	var rej *provider.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected Rejection, got %v", err)
	}
	if rej.Status != http.StatusBadRequest {
		t.Errorf("status = %d", rej.Status)
	}
}

func TestVerifyAndExtract_Fields(t *testing.T) {
	a := New(Config{}, nil)

	cases := map[string]struct {
		status string
		want   provider.Outcome
	}{
		"success":  {"success", provider.OutcomeCompleted},
		"canceled": {"canceled", provider.OutcomeFailed},
		"created":  {"created", provider.OutcomePending},
		"unknown":  {"weird", provider.OutcomeUnrecognized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			fields := url.Values{}
			fields.Set("invoice_id", "INV-A1B2C3")
			fields.Set("status", tc.status)

			id, outcome, err := a.VerifyAndExtract(context.Background(), provider.Notification{Fields: fields})
			if err != nil {
				t.Fatalf("VerifyAndExtract: %v", err)
			}
			if id != "INV-A1B2C3" {
				t.Errorf("correlation id = %s", id)
			}
			if outcome != tc.want {
				t.Errorf("outcome = %s, want %s", outcome, tc.want)
			}
		})
	}
}

// Some CryptoCloud deployments post the form in the body instead of as
// decoded parameters.
func TestVerifyAndExtract_RawBodyFallback(t *testing.T) {
	a := New(Config{}, nil)
	n := provider.Notification{Body: []byte("invoice_id=INV-X&status=success&order_id=o1")}

	id, outcome, err := a.VerifyAndExtract(context.Background(), n)
	if err != nil {
		t.Fatalf("VerifyAndExtract: %v", err)
	}
	if id != "INV-X" || outcome != provider.OutcomeCompleted {
		t.Errorf("got (%s, %s)", id, outcome)
	}
}

func TestVerifyAndExtract_Malformed(t *testing.T) {
	a := New(Config{}, nil)
	for name, n := range map[string]provider.Notification{
		"empty":         {},
		"missing id":    {Body: []byte("status=success")},
		"missing state": {Body: []byte("invoice_id=INV-X")},
	} {
		t.Run(name, func(t *testing.T) {
			if _, _, err := a.VerifyAndExtract(context.Background(), n); !errors.Is(err, provider.ErrMalformedNotification) {
				t.Errorf("expected ErrMalformedNotification, got %v", err)
			}
		})
	}
}
