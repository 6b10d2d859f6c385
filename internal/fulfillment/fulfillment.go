// Package fulfillment delivers the side effects of a completed payment:
// issuing a license key and emailing it to the buyer.
//
// Dispatch runs exactly once per invoice, gated by the caller winning the
// status swap to completed. Failures here never touch payment status; they
// are recorded in the invoice's fulfillment status so an operator can
// re-drive delivery.
package fulfillment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/license"
	"github.com/vietkhanh/payhub/internal/metrics"
	"github.com/vietkhanh/payhub/internal/retry"
)

// LicenseIssuer generates a license key for a purchased service.
type LicenseIssuer interface {
	Issue(ctx context.Context, service string) (*license.License, error)
}

// Mailer delivers buyer-facing confirmation email.
type Mailer interface {
	SendLicense(to, service, key string) error
	SendInvoice(inv *invoice.Invoice) error
}

// StatusWriter records fulfillment progress on the invoice.
type StatusWriter interface {
	SetFulfillment(ctx context.Context, number string, fs invoice.FulfillmentStatus) error
}

// Dispatcher runs side effects for completed invoices.
type Dispatcher struct {
	licenses LicenseIssuer
	mailer   Mailer
	store    StatusWriter
	logger   *slog.Logger

	attempts  int
	baseDelay time.Duration

	// wg tracks in-flight dispatches so shutdown can drain them.
	wg sync.WaitGroup
}

// New creates a dispatcher. licenses and mailer may be nil when the
// deployment has no licensing server or SMTP relay; dispatch then only
// records fulfillment status.
func New(licenses LicenseIssuer, mailer Mailer, store StatusWriter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		licenses:  licenses,
		mailer:    mailer,
		store:     store,
		logger:    logger,
		attempts:  3,
		baseDelay: 2 * time.Second,
	}
}

// DispatchAsync runs Dispatch on a goroutine so notification acks are not
// delayed by license or mail latency. The dispatch outlives the request
// that triggered it.
func (d *Dispatcher) DispatchAsync(ctx context.Context, inv *invoice.Invoice) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(ctx, inv)
	}()
}

// Dispatch issues the license and mails it, retrying transient failures.
// The invoice ends in fulfillment status fulfilled or failed.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *invoice.Invoice) {
	if err := d.store.SetFulfillment(ctx, inv.InvoiceNumber, invoice.FulfillmentPending); err != nil {
		d.logger.Error("failed to mark fulfillment pending",
			"invoiceNumber", inv.InvoiceNumber, "error", err)
	}

	key, err := d.issueKey(ctx, inv)
	if err != nil {
		d.fail(ctx, inv, "license issuance failed", err)
		return
	}

	if d.mailer != nil && inv.Email != "" {
		err = retry.Do(ctx, d.attempts, d.baseDelay, func() error {
			if key == "" {
				// No licensing server configured: send the payment
				// confirmation rather than a license mail with no key.
				return d.mailer.SendInvoice(inv)
			}
			return d.mailer.SendLicense(inv.Email, inv.Service, key)
		})
		if err != nil {
			d.fail(ctx, inv, "confirmation email failed", err)
			return
		}
	}

	if err := d.store.SetFulfillment(ctx, inv.InvoiceNumber, invoice.FulfillmentFulfilled); err != nil {
		d.logger.Error("failed to mark fulfillment done",
			"invoiceNumber", inv.InvoiceNumber, "error", err)
		return
	}
	metrics.FulfillmentTotal.WithLabelValues("fulfilled").Inc()
	d.logger.Info("invoice fulfilled",
		"invoiceNumber", inv.InvoiceNumber, "service", inv.Service)
}

// IssueSync issues a license inline and records fulfillment. Used by the
// web3 settle path, which returns the key in the HTTP response.
func (d *Dispatcher) IssueSync(ctx context.Context, inv *invoice.Invoice) (*license.License, error) {
	if d.licenses == nil {
		if err := d.store.SetFulfillment(ctx, inv.InvoiceNumber, invoice.FulfillmentFulfilled); err != nil {
			d.logger.Error("failed to mark fulfillment done",
				"invoiceNumber", inv.InvoiceNumber, "error", err)
		}
		metrics.FulfillmentTotal.WithLabelValues("fulfilled").Inc()
		return nil, nil
	}
	if err := d.store.SetFulfillment(ctx, inv.InvoiceNumber, invoice.FulfillmentPending); err != nil {
		d.logger.Error("failed to mark fulfillment pending",
			"invoiceNumber", inv.InvoiceNumber, "error", err)
	}

	var lic *license.License
	err := retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		var issueErr error
		lic, issueErr = d.licenses.Issue(ctx, inv.Service)
		return issueErr
	})
	if err != nil {
		d.fail(ctx, inv, "license issuance failed", err)
		return nil, err
	}

	if err := d.store.SetFulfillment(ctx, inv.InvoiceNumber, invoice.FulfillmentFulfilled); err != nil {
		d.logger.Error("failed to mark fulfillment done",
			"invoiceNumber", inv.InvoiceNumber, "error", err)
	}
	metrics.FulfillmentTotal.WithLabelValues("fulfilled").Inc()
	return lic, nil
}

// Wait blocks until all in-flight dispatches finish. Called on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) issueKey(ctx context.Context, inv *invoice.Invoice) (string, error) {
	if d.licenses == nil {
		return "", nil
	}
	var key string
	err := retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		lic, issueErr := d.licenses.Issue(ctx, inv.Service)
		if issueErr != nil {
			return issueErr
		}
		key = lic.Key()
		return nil
	})
	return key, err
}

func (d *Dispatcher) fail(ctx context.Context, inv *invoice.Invoice, msg string, err error) {
	metrics.FulfillmentTotal.WithLabelValues("failed").Inc()
	d.logger.Error(msg,
		"invoiceNumber", inv.InvoiceNumber, "service", inv.Service, "error", err)
	if serr := d.store.SetFulfillment(ctx, inv.InvoiceNumber, invoice.FulfillmentFailed); serr != nil {
		d.logger.Error("failed to mark fulfillment failed",
			"invoiceNumber", inv.InvoiceNumber, "error", serr)
	}
}
