//go:build integration

package invoice

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		_, _ = db.Exec(`DELETE FROM invoices WHERE invoice_number LIKE 'itest-%'`)
		_ = db.Close()
	}
	return store, cleanup
}

func TestPostgresStore_InsertGetSwap(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	inv := &Invoice{
		InvoiceNumber: "itest-1",
		Amount:        "42.50",
		Currency:      "USD",
		Email:         "a@b.com",
		Provider:      ProviderNowPayments,
		Status:        StatusCreated,
		Fulfillment:   FulfillmentNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Insert(ctx, inv); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, inv); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	got, err := store.Get(ctx, "itest-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Provider != ProviderNowPayments {
		t.Errorf("provider = %s", got.Provider)
	}

	swapped, err := store.UpdateStatusIf(ctx, "itest-1", StatusCreated, StatusCompleted)
	if err != nil || !swapped {
		t.Fatalf("UpdateStatusIf = (%v, %v), want winning swap", swapped, err)
	}
	swapped, err = store.UpdateStatusIf(ctx, "itest-1", StatusCreated, StatusFailed)
	if err != nil {
		t.Fatalf("UpdateStatusIf: %v", err)
	}
	if swapped {
		t.Error("stale swap should lose")
	}

	if _, err := store.UpdateStatusIf(ctx, "itest-missing", StatusCreated, StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ProviderLogAndPending(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	inv := &Invoice{
		InvoiceNumber: "itest-2",
		Amount:        "1.00",
		Currency:      "USD",
		Email:         "a@b.com",
		Provider:      ProviderCoinPayments,
		Status:        StatusCreated,
		Fulfillment:   FulfillmentNone,
		CreatedAt:     now.Add(-time.Hour),
		UpdatedAt:     now,
	}
	if err := store.Insert(ctx, inv); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := store.AppendProviderLog(ctx, "itest-2", "payload-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendProviderLog(ctx, "itest-2", "payload-2"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "itest-2")
	if got.ProviderLog != "payload-1\npayload-2" {
		t.Errorf("provider log = %q", got.ProviderLog)
	}

	pending, err := store.ListPending(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	found := false
	for _, p := range pending {
		if p.InvoiceNumber == "itest-2" {
			found = true
		}
	}
	if !found {
		t.Error("expected itest-2 in pending list")
	}
}
