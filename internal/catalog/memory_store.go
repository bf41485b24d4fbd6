package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory catalog for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]*Product
}

// NewMemoryStore creates a new in-memory catalog store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*Product)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Put(_ context.Context, p *Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	now := time.Now()
	if existing, ok := m.products[p.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByVendor(_ context.Context, vendorUserID string) ([]*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Product
	for _, p := range m.products {
		if p.VendorUserID == vendorUserID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DecrementStock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return ErrProductNotFound
	}
	if p.Stock <= 0 {
		return ErrOutOfStock
	}
	p.Stock--
	p.UpdatedAt = time.Now()
	return nil
}

// RestoreStock returns one unit taken by DecrementStock when the checkout
// that took it fails afterwards.
func (m *MemoryStore) RestoreStock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock++
	return nil
}
