package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	wallets  map[string]*Wallet // userID -> wallet
	txs      map[string][]*Transaction
	deposits map[string]bool // deposit external refs already credited
	mu       sync.Mutex
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		txs:      make(map[string][]*Transaction),
		deposits: make(map[string]bool),
		now:      time.Now,
	}
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetOrCreateWallet(_ context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *m.walletLocked(userID)
	return &cp, nil
}

func (m *MemoryStore) walletLocked(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		now := m.now()
		w = &Wallet{
			ID:        idgen.WithPrefix(idgen.PrefixWallet),
			UserID:    userID,
			Balance:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.wallets[userID] = w
	}
	return w
}

// Apply mutates the balance and appends the log entry under one lock.
func (m *MemoryStore) Apply(_ context.Context, p Posting) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(p)
}

// ApplyAll applies postings all-or-nothing. Used by callers that need
// several wallet mutations to land together.
func (m *MemoryStore) ApplyAll(_ context.Context, ps ...Posting) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every debit before touching any balance.
	pending := make(map[string]decimal.Decimal)
	for _, p := range ps {
		bal, ok := pending[p.UserID]
		if !ok {
			bal = decimal.Zero
			if w, exists := m.wallets[p.UserID]; exists {
				bal = w.Balance
			}
		}
		bal = bal.Add(p.Amount)
		if bal.IsNegative() {
			return nil, ErrInsufficientFunds
		}
		pending[p.UserID] = bal
	}
	if err := m.checkDepositsLocked(ps); err != nil {
		return nil, err
	}

	out := make([]*Transaction, 0, len(ps))
	for _, p := range ps {
		tx, err := m.applyLocked(p)
		if err != nil {
			// unreachable after the checks above
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (m *MemoryStore) checkDepositsLocked(ps []Posting) error {
	seen := make(map[string]bool)
	for _, p := range ps {
		if p.Type != TxDeposit {
			continue
		}
		if m.deposits[p.Ref.ID] || seen[p.Ref.ID] {
			return ErrDuplicateDeposit
		}
		seen[p.Ref.ID] = true
	}
	return nil
}

func (m *MemoryStore) applyLocked(p Posting) (*Transaction, error) {
	if p.Type == TxDeposit && m.deposits[p.Ref.ID] {
		return nil, ErrDuplicateDeposit
	}

	var balance decimal.Decimal
	if w, ok := m.wallets[p.UserID]; ok {
		balance = w.Balance
	}
	next := balance.Add(p.Amount)
	if next.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	w := m.walletLocked(p.UserID)
	now := m.now()
	w.Balance = next
	w.UpdatedAt = now

	tx := newTransaction(w, p, next, now)
	m.txs[p.UserID] = append(m.txs[p.UserID], tx)
	if p.Type == TxDeposit {
		m.deposits[p.Ref.ID] = true
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.txs[userID]
	out := make([]*Transaction, 0, min(limit, len(src)))
	for i := len(src) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *src[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Transactions(_ context.Context, userID string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Transaction, 0, len(m.txs[userID]))
	for _, tx := range m.txs[userID] {
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) HasReference(_ context.Context, typ TxType, ref Reference) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if typ == TxDeposit {
		return m.deposits[ref.ID], nil
	}
	for _, txs := range m.txs {
		for _, tx := range txs {
			if tx.Type == typ && tx.Reference == ref {
				return true, nil
			}
		}
	}
	return false, nil
}

// TotalBalance sums every wallet. Used by conservation checks.
func (m *MemoryStore) TotalBalance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, w := range m.wallets {
		total = total.Add(w.Balance)
	}
	return total
}

// UserIDs lists users that own a wallet, sorted.
func (m *MemoryStore) UserIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
