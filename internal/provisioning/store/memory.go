package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"provisioner/internal/provisioning/models"
	"provisioner/pkg/platform/sentinel"
)

// Memory implements every store in-process. Records are copied on the way in
// and out so callers never share state with the store.
type Memory struct {
	mu        sync.RWMutex
	orders    map[string]models.Order
	customers map[string]models.Customer
	domains   map[string]models.DomainRecord
	audits    []models.AuditEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:    make(map[string]models.Order),
		customers: make(map[string]models.Customer),
		domains:   make(map[string]models.DomainRecord),
	}
}

func (m *Memory) SaveOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	return nil
}

func (m *Memory) FindByID(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, sentinel.ErrNotFound)
	}
	return &o, nil
}

func (m *Memory) SaveCustomer(_ context.Context, c *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.UserID] = *c
	return nil
}

func (m *Memory) FindByUserID(_ context.Context, userID string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[userID]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", userID, sentinel.ErrNotFound)
	}
	return &c, nil
}

func (m *Memory) FindByFQDN(_ context.Context, fqdn string) (*models.DomainRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.domains[fqdn]
	if !ok {
		return nil, fmt.Errorf("domain %s: %w", fqdn, sentinel.ErrNotFound)
	}
	return &rec, nil
}

func (m *Memory) Upsert(_ context.Context, rec *models.DomainRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.domains[rec.FQDN]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m.domains[rec.FQDN] = *rec
	return nil
}

func (m *Memory) Append(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, *entry)
	return nil
}

func (m *Memory) ListByOrder(_ context.Context, orderID string) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEntry
	for i := range m.audits {
		if m.audits[i].OrderID == orderID {
			e := m.audits[i]
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RunInTx runs fn directly; the memory store has no transactions.
func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
