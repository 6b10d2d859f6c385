// Package mail sends buyer-facing confirmation email over SMTP: a plain
// text message carrying the issued license key, and an HTML invoice
// summary. A configured CC address receives a copy of everything.
package mail

import (
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"github.com/vietkhanh/payhub/internal/invoice"
)

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	CC       string // optional copy of every outbound message
}

// sendFunc matches smtp.SendMail; swapped out in tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends mail through one SMTP relay.
type Mailer struct {
	cfg  Config
	send sendFunc
}

// New creates a Mailer for the configured relay.
func New(cfg Config) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

// SendLicense delivers an issued license key as plain text.
func (m *Mailer) SendLicense(to, service, key string) error {
	subject := "Payment Completed - Your License Key"
	body := fmt.Sprintf(
		"Your payment has been completed.\r\n\r\nService: %s\r\nLicense key: %s\r\n\r\nKeep this key somewhere safe.\r\n",
		service, key)
	return m.deliver(to, subject, "text/plain; charset=utf-8", body)
}

var invoiceTmpl = template.Must(template.New("invoice").Parse(`<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>Invoice {{.InvoiceNumber}}</h2>
  <table style="border-collapse: collapse;">
    <tr><td style="padding: 4px 12px 4px 0;"><b>Amount</b></td><td>{{.Amount}} {{.Currency}}</td></tr>
    <tr><td style="padding: 4px 12px 4px 0;"><b>Provider</b></td><td>{{.Provider}}</td></tr>
    <tr><td style="padding: 4px 12px 4px 0;"><b>Status</b></td><td>{{.Status}}</td></tr>
    <tr><td style="padding: 4px 12px 4px 0;"><b>Created</b></td><td>{{.Created}}</td></tr>
  </table>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  {{if .ShowPayLink}}<p><a href="{{.PaymentURL}}" style="background: #007bff; color: white; padding: 12px 25px; text-decoration: none; border-radius: 5px;">Complete Payment</a></p>{{end}}
</body>
</html>`))

// SendInvoice delivers an HTML summary of an invoice. Open invoices get a
// payment link; completed ones get a plain confirmation.
func (m *Mailer) SendInvoice(inv *invoice.Invoice) error {
	var body strings.Builder
	err := invoiceTmpl.Execute(&body, map[string]any{
		"InvoiceNumber": inv.InvoiceNumber,
		"Amount":        inv.Amount,
		"Currency":      inv.Currency,
		"Provider":      string(inv.Provider),
		"Status":        string(inv.Status),
		"Created":       inv.CreatedAt.Format("Jan 02, 2006 at 15:04"),
		"Description":   inv.Description,
		"PaymentURL":    inv.PaymentURL,
		"ShowPayLink":   inv.PaymentURL != "" && !inv.Status.Terminal(),
	})
	if err != nil {
		return fmt.Errorf("render invoice email: %w", err)
	}
	subject := "Invoice Created - " + inv.InvoiceNumber
	if inv.Status == invoice.StatusCompleted {
		subject = "Payment Completed - " + inv.InvoiceNumber
	}
	return m.deliver(inv.Email, subject, "text/html; charset=utf-8", body.String())
}

func (m *Mailer) deliver(to, subject, contentType, body string) error {
	recipients := []string{to}
	var headers strings.Builder
	fmt.Fprintf(&headers, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&headers, "To: %s\r\n", to)
	if m.cfg.CC != "" {
		fmt.Fprintf(&headers, "Cc: %s\r\n", m.cfg.CC)
		recipients = append(recipients, m.cfg.CC)
	}
	fmt.Fprintf(&headers, "Subject: %s\r\n", subject)
	fmt.Fprintf(&headers, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&headers, "MIME-Version: 1.0\r\nContent-Type: %s\r\n\r\n", contentType)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := m.cfg.Host + ":" + m.cfg.Port
	if err := m.send(addr, auth, m.cfg.From, recipients, []byte(headers.String()+body)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}
