// Package purchasetest provides an in-memory purchase.Repository for tests.
package purchasetest

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/challenge-checkout/internal/domain/purchase"
)

// Memory is a concurrency-safe in-memory purchase.Repository. Order numbers
// start at 10001 like the database sequence.
type Memory struct {
	mu        sync.Mutex
	next      int64
	purchases map[uuid.UUID]*purchase.Purchase

	// Fail, when set, is returned by every method whose name it maps to.
	Fail map[string]error
	// Transitions counts successful status transitions.
	Transitions int
}

var _ purchase.Repository = (*Memory)(nil)

// NewMemory creates an empty Memory.
func NewMemory() *Memory {
	return &Memory{next: 10001, purchases: map[uuid.UUID]*purchase.Purchase{}, Fail: map[string]error{}}
}

func clone(p *purchase.Purchase) *purchase.Purchase {
	c := *p
	c.AddOns = slices.Clone(p.AddOns)
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

func (m *Memory) fail(op string) error {
	return m.Fail[op]
}

// Put stores p as is, bypassing Create.
func (m *Memory) Put(p *purchase.Purchase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases[p.ID] = clone(p)
}

func (m *Memory) Create(_ context.Context, p *purchase.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Create"); err != nil {
		return err
	}
	p.OrderNumber = m.next
	m.next++
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}
	m.purchases[p.ID] = clone(p)
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Get"); err != nil {
		return nil, err
	}
	p, ok := m.purchases[id]
	if !ok {
		return nil, purchase.ErrNotFound
	}
	return clone(p), nil
}

func (m *Memory) FindByOrderNumber(_ context.Context, n int64) (*purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.OrderNumber == n {
			return clone(p), nil
		}
	}
	return nil, purchase.ErrNotFound
}

func (m *Memory) UpdatePending(_ context.Context, id uuid.UUID, patch purchase.PricePatch) (*purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdatePending"); err != nil {
		return nil, err
	}
	p, ok := m.purchases[id]
	if !ok {
		return nil, purchase.ErrNotFound
	}
	if p.Status != purchase.StatusPending {
		return nil, purchase.ErrInvalidState
	}
	p.BasePrice = patch.BasePrice
	p.FinalPrice = patch.FinalPrice
	p.AddOnValue = patch.AddOnValue
	p.TotalPrice = patch.TotalPrice
	p.AddOns = slices.Clone(patch.AddOns)
	p.CouponCode = patch.CouponCode
	p.Affiliate = patch.Affiliate
	if patch.PaymentMethod != "" {
		p.PaymentMethod = patch.PaymentMethod
	}
	maps.Copy(p.Metadata, patch.Metadata)
	p.UpdatedAt = time.Now().UTC()
	return clone(p), nil
}

func (m *Memory) Transition(_ context.Context, id uuid.UUID, from, to purchase.Status, meta purchase.Metadata) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Transition"); err != nil {
		return false, err
	}
	p, ok := m.purchases[id]
	if !ok {
		return false, purchase.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	maps.Copy(p.Metadata, meta)
	p.UpdatedAt = time.Now().UTC()
	m.Transitions++
	return true, nil
}

func (m *Memory) MergeMetadata(_ context.Context, id uuid.UUID, meta purchase.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MergeMetadata"); err != nil {
		return err
	}
	p, ok := m.purchases[id]
	if !ok {
		return purchase.ErrNotFound
	}
	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}
	maps.Copy(p.Metadata, meta)
	return nil
}

func (m *Memory) SetIdentifiers(_ context.Context, id uuid.UUID, productID, variationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetIdentifiers"); err != nil {
		return err
	}
	p, ok := m.purchases[id]
	if !ok {
		return purchase.ErrNotFound
	}
	p.ProductID, p.VariationID = productID, variationID
	return nil
}
