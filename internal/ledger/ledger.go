// Package ledger tracks user wallet balances.
//
// Every balance mutation is an immutable Transaction carrying the signed
// amount and the balance snapshot after it was applied, so the log alone
// reconstructs every wallet.
//
// Flow:
//  1. Payment processor confirms a deposit → wallet credited (deposit)
//  2. Buyer checks out → wallet debited (escrow_lock)
//  3. Escrow finalizes or a dispute resolves → vendor/buyer credited
//  4. User withdraws → wallet debited (withdrawal)
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidType       = errors.New("invalid transaction type")
	ErrInvalidUser       = errors.New("invalid user id")
	ErrDuplicateDeposit  = errors.New("deposit already processed")
)

// TxType is the reason recorded on a wallet transaction.
type TxType string

const (
	TxDeposit       TxType = "deposit"
	TxEscrowLock    TxType = "escrow_lock"
	TxEscrowRelease TxType = "escrow_release"
	TxDisputeRefund TxType = "dispute_refund"
	TxDisputePayout TxType = "dispute_payout"
	TxPurchase      TxType = "purchase"
	TxSale          TxType = "sale"
	TxWithdrawal    TxType = "withdrawal"
)

// ParseTxType converts a stored string into a TxType.
func ParseTxType(s string) (TxType, error) {
	t := TxType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxEscrowLock, TxEscrowRelease, TxDisputeRefund,
		TxDisputePayout, TxPurchase, TxSale, TxWithdrawal:
		return true
	}
	return false
}

// IsDebit reports whether transactions of this type remove funds.
func (t TxType) IsDebit() bool {
	switch t {
	case TxEscrowLock, TxPurchase, TxWithdrawal:
		return true
	}
	return false
}

// RefType names the record a transaction points back to.
type RefType string

const (
	RefOrder        RefType = "order"
	RefDispute      RefType = "dispute"
	RefDeposit      RefType = "deposit"
	RefWithdrawal   RefType = "withdrawal"
	RefCardPurchase RefType = "card_purchase"
)

// Reference links a transaction to an order, dispute or external payment.
type Reference struct {
	Type RefType `json:"type,omitempty"`
	ID   string  `json:"id,omitempty"`
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool { return r.Type == "" && r.ID == "" }

func OrderRef(id string) Reference   { return Reference{Type: RefOrder, ID: id} }
func DisputeRef(id string) Reference { return Reference{Type: RefDispute, ID: id} }
func DepositRef(id string) Reference { return Reference{Type: RefDeposit, ID: id} }

// Wallet holds a user's USD balance.
type Wallet struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transaction is an immutable wallet log entry.
type Transaction struct {
	ID           string          `json:"id"`
	WalletID     string          `json:"walletId"`
	UserID       string          `json:"userId"`
	Type         TxType          `json:"type"`
	Amount       decimal.Decimal `json:"amount"` // negative for debits
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	Description  string          `json:"description,omitempty"`
	Reference    Reference       `json:"reference"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Posting is a validated balance mutation waiting to be applied. Stores
// apply postings; only CreditPosting and DebitPosting construct them.
type Posting struct {
	UserID      string
	Type        TxType
	Amount      decimal.Decimal // signed
	Description string
	Ref         Reference
}

// CreditPosting builds a posting that adds amount to userID's wallet.
func CreditPosting(userID string, amount decimal.Decimal, typ TxType, description string, ref Reference) (Posting, error) {
	if err := checkPosting(userID, amount, typ); err != nil {
		return Posting{}, err
	}
	if typ.IsDebit() {
		return Posting{}, fmt.Errorf("%w: %s is a debit type", ErrInvalidType, typ)
	}
	return Posting{UserID: userID, Type: typ, Amount: amount, Description: description, Ref: ref}, nil
}

// DebitPosting builds a posting that removes amount from userID's wallet.
func DebitPosting(userID string, amount decimal.Decimal, typ TxType, description string, ref Reference) (Posting, error) {
	if err := checkPosting(userID, amount, typ); err != nil {
		return Posting{}, err
	}
	if !typ.IsDebit() {
		return Posting{}, fmt.Errorf("%w: %s is a credit type", ErrInvalidType, typ)
	}
	return Posting{UserID: userID, Type: typ, Amount: amount.Neg(), Description: description, Ref: ref}, nil
}

// LockOrder returns a copy of ps sorted by user ID. Stores that lock one
// wallet row per posting apply them in this order, so two transactions
// touching the same pair of wallets always lock them the same way round.
func LockOrder(ps []Posting) []Posting {
	out := slices.Clone(ps)
	slices.SortStableFunc(out, func(a, b Posting) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

func checkPosting(userID string, amount decimal.Decimal, typ TxType) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	if !money.IsPositive(amount) || !amount.Equal(money.Round(amount)) {
		return ErrInvalidAmount
	}
	if !typ.Valid() {
		return ErrInvalidType
	}
	return nil
}

// newTransaction stamps an applied posting.
func newTransaction(w *Wallet, p Posting, balanceAfter decimal.Decimal, at time.Time) *Transaction {
	return &Transaction{
		ID:           idgen.WithPrefix(idgen.PrefixTransaction),
		WalletID:     w.ID,
		UserID:       w.UserID,
		Type:         p.Type,
		Amount:       p.Amount,
		BalanceAfter: balanceAfter,
		Description:  p.Description,
		Reference:    p.Ref,
		CreatedAt:    at,
	}
}

// Store persists wallets and their transaction log.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error)
	// Apply mutates the balance and appends the transaction atomically.
	// Debits that would overdraw fail with ErrInsufficientFunds and leave
	// no trace.
	Apply(ctx context.Context, p Posting) (*Transaction, error)
	// History returns the newest transactions first.
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// Transactions returns the full log oldest first.
	Transactions(ctx context.Context, userID string) ([]*Transaction, error)
	HasReference(ctx context.Context, typ TxType, ref Reference) (bool, error)
}

// Ledger manages user wallets.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Wallet returns a user's wallet, or an unsaved zero-balance wallet when the
// user has never held funds.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return &Wallet{UserID: userID, Balance: decimal.Zero}, nil
	}
	return w, err
}

// GetOrCreateWallet returns the user's wallet, creating it with a zero
// balance on first use.
func (l *Ledger) GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	return l.store.GetOrCreateWallet(ctx, userID)
}

// Credit adds funds to a wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, typ TxType, description string, ref Reference) (*Transaction, error) {
	p, err := CreditPosting(userID, amount, typ, description, ref)
	if err != nil {
		return nil, err
	}
	done := observeOp(string(typ))
	defer done()
	tx, err := l.store.Apply(ctx, p)
	observeRejection(err)
	return tx, err
}

// Debit removes funds from a wallet. The balance check happens inside the
// store's atomic apply, not here.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, typ TxType, description string, ref Reference) (*Transaction, error) {
	p, err := DebitPosting(userID, amount, typ, description, ref)
	if err != nil {
		return nil, err
	}
	done := observeOp(string(typ))
	defer done()
	tx, err := l.store.Apply(ctx, p)
	observeRejection(err)
	return tx, err
}

// Deposit credits a confirmed external payment. Each external reference is
// credited at most once.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal, externalID string) (*Transaction, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, fmt.Errorf("%w: missing deposit reference", ErrInvalidAmount)
	}
	ref := DepositRef(externalID)
	exists, err := l.store.HasReference(ctx, TxDeposit, ref)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateDeposit
	}
	return l.Credit(ctx, userID, amount, TxDeposit, "deposit confirmed", ref)
}

// Withdraw debits a wallet for an external payout.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*Transaction, error) {
	ref := Reference{Type: RefWithdrawal, ID: idgen.WithPrefix(idgen.PrefixWithdrawal)}
	return l.Debit(ctx, userID, amount, TxWithdrawal, "withdrawal requested", ref)
}

// History returns ledger entries for a user
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}

// ReconcileResult compares a wallet balance with its replayed log.
type ReconcileResult struct {
	UserID         string          `json:"userId"`
	Match          bool            `json:"match"`
	Balance        decimal.Decimal `json:"balance"`
	ReplayBalance  decimal.Decimal `json:"replayBalance"`
	Transactions   int             `json:"transactions"`
	FirstMismatch  string          `json:"firstMismatch,omitempty"` // transaction whose snapshot disagrees
	NegativeReplay bool            `json:"negativeReplay,omitempty"`
}

// Reconcile replays a wallet's log and checks that the running sum of
// amounts matches every balance snapshot and the current balance.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*ReconcileResult, error) {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, err := l.store.Transactions(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := Replay(txs)
	res.UserID = userID
	res.Balance = w.Balance
	res.Match = res.FirstMismatch == "" && !res.NegativeReplay && res.ReplayBalance.Equal(w.Balance)
	return res, nil
}

// Replay sums a log in order and records the first snapshot that disagrees
// with the running total.
func Replay(txs []*Transaction) *ReconcileResult {
	res := &ReconcileResult{ReplayBalance: decimal.Zero, Transactions: len(txs)}
	for _, tx := range txs {
		res.ReplayBalance = res.ReplayBalance.Add(tx.Amount)
		if res.ReplayBalance.IsNegative() {
			res.NegativeReplay = true
		}
		if res.FirstMismatch == "" && !res.ReplayBalance.Equal(tx.BalanceAfter) {
			res.FirstMismatch = tx.ID
		}
	}
	return res
}
