package provider

import (
	"context"

	"github.com/vietkhanh/payhub/internal/invoice"
)

type stubAdapter struct{}

func (stubAdapter) ID() invoice.Provider { return invoice.ProviderCoinPayments }

func (stubAdapter) CreateInvoice(ctx context.Context, req CreateRequest) (*invoice.Invoice, error) {
	return &invoice.Invoice{InvoiceNumber: "stub"}, nil
}

func (stubAdapter) VerifyAndExtract(ctx context.Context, n Notification) (string, Outcome, error) {
	return "stub", OutcomePending, nil
}
