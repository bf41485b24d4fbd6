package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store), store
}

func TestPostingConstructors(t *testing.T) {
	p, err := CreditPosting("u1", d("5.00"), TxSale, "sale", OrderRef("ord_1"))
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(d("5.00")))

	p, err = DebitPosting("u1", d("5.00"), TxPurchase, "buy", OrderRef("ord_1"))
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(d("-5.00")))

	_, err = CreditPosting("u1", d("5.00"), TxWithdrawal, "", Reference{})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = DebitPosting("u1", d("5.00"), TxDeposit, "", Reference{})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = CreditPosting("u1", d("0"), TxDeposit, "", Reference{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = CreditPosting("u1", d("-1"), TxDeposit, "", Reference{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = CreditPosting("u1", d("1.005"), TxDeposit, "", Reference{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = CreditPosting(" ", d("1"), TxDeposit, "", Reference{})
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = CreditPosting("u1", d("1"), TxType("bogus"), "", Reference{})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestParseTxType(t *testing.T) {
	typ, err := ParseTxType("escrow_lock")
	require.NoError(t, err)
	assert.Equal(t, TxEscrowLock, typ)
	assert.True(t, typ.IsDebit())
	assert.False(t, TxEscrowRelease.IsDebit())

	_, err = ParseTxType("spend")
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestWallet_UnknownUserIsZero(t *testing.T) {
	l, _ := newTestLedger()

	w, err := l.Wallet(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Empty(t, w.ID, "read must not create a wallet")
}

func TestGetOrCreateWallet_Idempotent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	w1, err := l.GetOrCreateWallet(ctx, "u1")
	require.NoError(t, err)
	w2, err := l.GetOrCreateWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)
	assert.True(t, w1.Balance.IsZero())

	_, err = l.GetOrCreateWallet(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestCreditDebit_SnapshotsBalance(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	tx, err := l.Credit(ctx, "u1", d("100.00"), TxDeposit, "top up", DepositRef("pi_1"))
	require.NoError(t, err)
	assert.True(t, tx.BalanceAfter.Equal(d("100.00")))

	tx, err = l.Debit(ctx, "u1", d("25.50"), TxEscrowLock, "checkout", OrderRef("ord_1"))
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(d("-25.50")))
	assert.True(t, tx.BalanceAfter.Equal(d("74.50")))

	w, err := l.Wallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d("74.50")))
}

func TestDebit_InsufficientFundsLeavesNoTrace(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", d("10.00"), TxDeposit, "", DepositRef("pi_1"))
	require.NoError(t, err)

	_, err = l.Debit(ctx, "u1", d("10.01"), TxPurchase, "", OrderRef("ord_1"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	txs, _ := store.Transactions(ctx, "u1")
	assert.Len(t, txs, 1)
	w, _ := l.Wallet(ctx, "u1")
	assert.True(t, w.Balance.Equal(d("10.00")))
}

func TestDebit_ExactBalanceAllowed(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, _ = l.Credit(ctx, "u1", d("10.00"), TxDeposit, "", DepositRef("pi_1"))
	tx, err := l.Debit(ctx, "u1", d("10.00"), TxPurchase, "", OrderRef("ord_1"))
	require.NoError(t, err)
	assert.True(t, tx.BalanceAfter.IsZero())
}

func TestDebit_UnknownWallet(t *testing.T) {
	l, store := newTestLedger()

	_, err := l.Debit(context.Background(), "ghost", d("1.00"), TxWithdrawal, "", Reference{})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, store.UserIDs())
}

func TestDeposit_IdempotentPerExternalRef(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Deposit(ctx, "u1", d("20.00"), "pi_abc")
	require.NoError(t, err)

	_, err = l.Deposit(ctx, "u1", d("20.00"), "pi_abc")
	assert.ErrorIs(t, err, ErrDuplicateDeposit)

	_, err = l.Deposit(ctx, "u1", d("20.00"), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	w, _ := l.Wallet(ctx, "u1")
	assert.True(t, w.Balance.Equal(d("20.00")))
}

func TestWithdraw(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, _ = l.Deposit(ctx, "u1", d("20.00"), "pi_1")
	tx, err := l.Withdraw(ctx, "u1", d("5.00"))
	require.NoError(t, err)
	assert.Equal(t, TxWithdrawal, tx.Type)
	assert.Equal(t, RefWithdrawal, tx.Reference.Type)
	assert.NotEmpty(t, tx.Reference.ID)

	_, err = l.Withdraw(ctx, "u1", d("15.01"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestHistory_NewestFirst(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, _ = l.Deposit(ctx, "u1", d("1.00"), "pi_1")
	_, _ = l.Deposit(ctx, "u1", d("2.00"), "pi_2")
	_, _ = l.Deposit(ctx, "u1", d("3.00"), "pi_3")

	txs, err := l.History(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Amount.Equal(d("3.00")))
	assert.True(t, txs[1].Amount.Equal(d("2.00")))

	txs, err = l.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Deposit(ctx, "u1", d("100.00"), "pi_1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "u1", d("3.00"), TxPurchase, "", Reference{}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, succeeded)
	w, _ := l.Wallet(ctx, "u1")
	assert.True(t, w.Balance.Equal(d("1.00")))
	assert.True(t, store.TotalBalance().Equal(d("1.00")))
}

func TestLockOrder(t *testing.T) {
	refund, err := CreditPosting("user-b", d("30.00"), TxDisputeRefund, "refund", DisputeRef("dsp_1"))
	require.NoError(t, err)
	payout, err := CreditPosting("user-a", d("70.00"), TxDisputePayout, "payout", DisputeRef("dsp_1"))
	require.NoError(t, err)
	mirrored, err := CreditPosting("user-a", d("10.00"), TxDisputeRefund, "refund", DisputeRef("dsp_2"))
	require.NoError(t, err)

	in := []Posting{refund, payout}
	got := LockOrder(in)
	require.Len(t, got, 2)
	assert.Equal(t, "user-a", got[0].UserID)
	assert.Equal(t, "user-b", got[1].UserID)
	assert.Equal(t, "user-b", in[0].UserID, "input is left untouched")

	// Buyer and vendor swapped: same lock sequence.
	other := LockOrder([]Posting{mirrored, refund})
	assert.Equal(t, "user-a", other[0].UserID)
	assert.Equal(t, "user-b", other[1].UserID)

	// Postings for one user keep their relative order.
	same := LockOrder([]Posting{payout, mirrored})
	assert.Equal(t, TxDisputePayout, same[0].Type)
	assert.Equal(t, TxDisputeRefund, same[1].Type)
}

func TestApplyAll_AllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	dep, _ := CreditPosting("u1", d("10.00"), TxDeposit, "", DepositRef("pi_1"))
	_, err := store.Apply(ctx, dep)
	require.NoError(t, err)

	ok1, _ := CreditPosting("u2", d("4.00"), TxSale, "", Reference{})
	bad, _ := DebitPosting("u1", d("11.00"), TxPurchase, "", Reference{})
	_, err = store.ApplyAll(ctx, ok1, bad)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	w2, err := store.GetWallet(ctx, "u2")
	assert.ErrorIs(t, err, ErrWalletNotFound)
	assert.Nil(t, w2)

	debit, _ := DebitPosting("u1", d("4.00"), TxPurchase, "", Reference{})
	txs, err := store.ApplyAll(ctx, debit, ok1)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.True(t, store.TotalBalance().Equal(d("10.00")))
}

func TestReconcile_Matches(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, _ = l.Deposit(ctx, "u1", d("50.00"), "pi_1")
	_, _ = l.Debit(ctx, "u1", d("20.00"), TxEscrowLock, "", OrderRef("ord_1"))
	_, _ = l.Credit(ctx, "u1", d("20.00"), TxDisputeRefund, "", DisputeRef("dsp_1"))

	res, err := l.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Equal(t, 3, res.Transactions)
	assert.True(t, res.ReplayBalance.Equal(d("50.00")))
}

func TestReplay_DetectsMismatch(t *testing.T) {
	txs := []*Transaction{
		{ID: "t1", Amount: d("10.00"), BalanceAfter: d("10.00")},
		{ID: "t2", Amount: d("-4.00"), BalanceAfter: d("7.00")},
		{ID: "t3", Amount: d("1.00"), BalanceAfter: d("7.00")},
	}

	res := Replay(txs)
	assert.Equal(t, "t2", res.FirstMismatch)
	assert.True(t, res.ReplayBalance.Equal(d("7.00")))
	assert.False(t, res.NegativeReplay)
}

func TestHasReference(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, _ = l.Deposit(ctx, "u1", d("5.00"), "pi_1")
	_, _ = l.Debit(ctx, "u1", d("5.00"), TxEscrowLock, "", OrderRef("ord_9"))

	ok, err := store.HasReference(ctx, TxEscrowLock, OrderRef("ord_9"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = store.HasReference(ctx, TxEscrowRelease, OrderRef("ord_9"))
	assert.False(t, ok)
}
