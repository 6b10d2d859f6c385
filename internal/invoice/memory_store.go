package invoice

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invoices: make(map[string]*Invoice)}
}

func (m *MemoryStore) Insert(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.InvoiceNumber]; ok {
		return ErrDuplicate
	}
	cp := *inv
	m.invoices[inv.InvoiceNumber] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, number string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) UpdateStatusIf(ctx context.Context, number string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[number]
	if !ok {
		return false, ErrNotFound
	}
	if inv.Status != from {
		return false, nil
	}
	inv.Status = to
	inv.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) SetFulfillment(ctx context.Context, number string, fs FulfillmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[number]
	if !ok {
		return ErrNotFound
	}
	inv.Fulfillment = fs
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendProviderLog(ctx context.Context, number string, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[number]
	if !ok {
		return ErrNotFound
	}
	if inv.ProviderLog == "" {
		inv.ProviderLog = raw
	} else {
		inv.ProviderLog += "\n" + raw
	}
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.Status != StatusCreated || !inv.CreatedAt.Before(olderThan) {
			continue
		}
		cp := *inv
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
