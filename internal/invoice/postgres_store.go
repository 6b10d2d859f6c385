package invoice

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists invoices in PostgreSQL.
//
// The status swap relies on a conditional UPDATE so concurrent duplicate
// notifications resolve at the database, not in process memory.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `invoice_number, amount, currency, settlement_currency, email,
		       description, service, payment_url, success_url, cancel_url,
		       provider, status, fulfillment_status, created_at, updated_at, provider_log`

func (p *PostgresStore) Insert(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (
			invoice_number, amount, currency, settlement_currency, email,
			description, service, payment_url, success_url, cancel_url,
			provider, status, fulfillment_status, created_at, updated_at, provider_log
		) VALUES (
			$1, $2::NUMERIC(24,8), $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)`,
		inv.InvoiceNumber, inv.Amount, inv.Currency, nullString(inv.SettlementCurrency), inv.Email,
		nullString(inv.Description), nullString(inv.Service), nullString(inv.PaymentURL),
		nullString(inv.SuccessURL), nullString(inv.CancelURL),
		string(inv.Provider), string(inv.Status), string(inv.Fulfillment),
		inv.CreatedAt, inv.UpdatedAt, nullString(inv.ProviderLog),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, number string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE invoice_number = $1`, number)

	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inv, err
}

func (p *PostgresStore) UpdateStatusIf(ctx context.Context, number string, from, to Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET status = $1, updated_at = $2
		WHERE invoice_number = $3 AND status = $4`,
		string(to), time.Now().UTC(), number, string(from),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Distinguish "wrong state" from "no such invoice".
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM invoices WHERE invoice_number = $1)`, number,
		).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) SetFulfillment(ctx context.Context, number string, fs FulfillmentStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET fulfillment_status = $1, updated_at = $2
		WHERE invoice_number = $3`,
		string(fs), time.Now().UTC(), number,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AppendProviderLog(ctx context.Context, number string, raw string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices
		SET provider_log = CASE WHEN provider_log IS NULL OR provider_log = ''
		                        THEN $1
		                        ELSE provider_log || E'\n' || $1 END
		WHERE invoice_number = $2`,
		raw, number,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'created' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// Migrate creates the invoices table if migrations haven't been run.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			invoice_number      TEXT PRIMARY KEY,
			amount              NUMERIC(24,8) NOT NULL,
			currency            TEXT NOT NULL,
			settlement_currency TEXT,
			email               TEXT NOT NULL,
			description         TEXT,
			service             TEXT,
			payment_url         TEXT,
			success_url         TEXT,
			cancel_url          TEXT,
			provider            TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'created',
			fulfillment_status  TEXT NOT NULL DEFAULT 'none',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			provider_log        TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_status_created
			ON invoices (status, created_at);
	`)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		settlementCurrency sql.NullString
		description        sql.NullString
		service            sql.NullString
		paymentURL         sql.NullString
		successURL         sql.NullString
		cancelURL          sql.NullString
		provider           string
		status             string
		fulfillment        string
		providerLog        sql.NullString
	)

	err := s.Scan(
		&inv.InvoiceNumber, &inv.Amount, &inv.Currency, &settlementCurrency, &inv.Email,
		&description, &service, &paymentURL, &successURL, &cancelURL,
		&provider, &status, &fulfillment, &inv.CreatedAt, &inv.UpdatedAt, &providerLog,
	)
	if err != nil {
		return nil, err
	}

	inv.SettlementCurrency = settlementCurrency.String
	inv.Description = description.String
	inv.Service = service.String
	inv.PaymentURL = paymentURL.String
	inv.SuccessURL = successURL.String
	inv.CancelURL = cancelURL.String
	inv.Provider = Provider(provider)
	inv.Status = Status(status)
	inv.Fulfillment = FulfillmentStatus(fulfillment)
	inv.ProviderLog = providerLog.String
	return inv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
