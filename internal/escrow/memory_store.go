package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/ledger"
)

// PostingApplier applies wallet postings all-or-nothing.
// Satisfied by *ledger.MemoryStore.
type PostingApplier interface {
	ApplyAll(ctx context.Context, ps ...ledger.Posting) ([]*ledger.Transaction, error)
}

// StockKeeper takes and returns product stock.
// Satisfied by *catalog.MemoryStore.
type StockKeeper interface {
	DecrementStock(ctx context.Context, id string) error
	RestoreStock(ctx context.Context, id string) error
}

// MemoryStore is an in-memory escrow store for demo/development mode.
// One mutex serializes every transition, so a status check and the
// postings it guards cannot interleave with another transition.
type MemoryStore struct {
	mu       sync.Mutex
	ledger   PostingApplier
	stock    StockKeeper
	orders   map[string]*Order
	escrows  map[string]*Escrow
	byOrder  map[string]string // order ID → escrow ID
	disputes map[string]*Dispute
	messages map[string][]*Message
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore(l PostingApplier, stock StockKeeper) *MemoryStore {
	return &MemoryStore{
		ledger:   l,
		stock:    stock,
		orders:   make(map[string]*Order),
		escrows:  make(map[string]*Escrow),
		byOrder:  make(map[string]string),
		disputes: make(map[string]*Dispute),
		messages: make(map[string][]*Message),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order, e *Escrow, debit ledger.Posting, takeStock bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if takeStock {
		if err := m.stock.DecrementStock(ctx, o.ProductID); err != nil {
			return err
		}
	}
	if _, err := m.ledger.ApplyAll(ctx, debit); err != nil {
		if takeStock {
			_ = m.stock.RestoreStock(ctx, o.ProductID)
		}
		return err
	}

	oc, ec := *o, *e
	m.orders[o.ID] = &oc
	m.escrows[e.ID] = &ec
	m.byOrder[o.ID] = e.ID
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*OrderView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return NewOrderView(o, m.escrows[m.byOrder[id]]), nil
}

func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]*OrderView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*OrderView
	for _, o := range m.orders {
		if (f.Role == RoleVendor && o.VendorUserID == f.UserID) ||
			(f.Role != RoleVendor && o.BuyerID == f.UserID) {
			out = append(out, NewOrderView(o, m.escrows[m.byOrder[o.ID]]))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEscrowByOrder(_ context.Context, orderID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[m.byOrder[orderID]]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, orderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.DeliveryStatus == DeliveryDelivered {
		return ErrAlreadyDelivered
	}
	o.DeliveryStatus = DeliveryDelivered
	o.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Finalize(ctx context.Context, escrowID string, at time.Time, onlyIfDue bool, payouts []ledger.Posting) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != StatusActive || (onlyIfDue && !e.AutoFinalizeAt.Before(at)) {
		return nil, finalizeConflict(e.Status, onlyIfDue)
	}
	if len(payouts) > 0 {
		if _, err := m.ledger.ApplyAll(ctx, payouts...); err != nil {
			return nil, err
		}
	}

	e.Status = StatusFinalized
	e.FinalizedAt = &at
	e.UpdatedAt = at
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Extend(_ context.Context, escrowID string, step time.Duration, max int, at time.Time) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != StatusActive || e.ExtendedCount >= max {
		return nil, extendConflict(e.Status)
	}

	e.AutoFinalizeAt = e.AutoFinalizeAt.Add(step)
	e.ExtendedCount++
	e.UpdatedAt = at
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusActive && e.AutoFinalizeAt.Before(before) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoFinalizeAt.Before(out[j].AutoFinalizeAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[d.EscrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusActive {
		return ErrEscrowNotActive
	}

	e.Status = StatusDisputed
	e.UpdatedAt = d.CreatedAt
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetDisputeByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Dispute
	for _, d := range m.disputes {
		if d.EscrowID == escrowID && (latest == nil || d.CreatedAt.After(latest.CreatedAt)) {
			latest = d
		}
	}
	if latest == nil {
		return nil, ErrDisputeNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if (status == "" && !d.Status.IsResolved()) || d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimDispute(_ context.Context, id, adminID string, at time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status.IsResolved() {
		return nil, ErrDisputeAlreadyResolved
	}

	d.Status = DisputeInProgress
	d.AdminID = adminID
	d.UpdatedAt = at
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ResolveDispute(ctx context.Context, r *Resolution, postings []ledger.Posting) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[r.DisputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status.IsResolved() {
		return nil, ErrDisputeAlreadyResolved
	}
	e, ok := m.escrows[r.EscrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != StatusDisputed {
		return nil, ErrEscrowNotActive
	}
	if len(postings) > 0 {
		if _, err := m.ledger.ApplyAll(ctx, postings...); err != nil {
			return nil, err
		}
	}

	at := r.ResolvedAt
	e.Status = r.EscrowStatus
	e.FinalizedAt = &at
	e.UpdatedAt = at

	bp, vp := r.BuyerPercentage, r.VendorPercentage
	d.Status = r.DisputeStatus
	d.BuyerPercentage = &bp
	d.VendorPercentage = &vp
	d.BuyerAmount = r.BuyerAmount
	d.VendorAmount = r.VendorAmount
	d.ResolutionNotes = r.Notes
	d.ResolvedBy = r.ResolvedBy
	d.ResolvedAt = &at
	d.UpdatedAt = at
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) AddMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[msg.DisputeID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *msg
	m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, disputeID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[disputeID]
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
