// Package reconciliation cross-checks escrows against the wallet postings
// that moved their money, and flags escrows the sweeper has left behind.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/shopspring/decimal"
)

// DefaultGrace is how long past its deadline an active escrow may sit
// before it counts as stuck.
const DefaultGrace = 2 * time.Hour

// EscrowReader is the slice of escrow.Store the reconciler reads.
type EscrowReader interface {
	GetEscrowByOrder(ctx context.Context, orderID string) (*escrow.Escrow, error)
	GetDisputeByEscrow(ctx context.Context, escrowID string) (*escrow.Dispute, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*escrow.Escrow, error)
}

// TransactionLog returns a wallet's full log. Satisfied by ledger.Store.
type TransactionLog interface {
	Transactions(ctx context.Context, userID string) ([]*ledger.Transaction, error)
}

// OrderAudit compares one escrow with the postings recorded for it.
type OrderAudit struct {
	OrderID      string          `json:"orderId"`
	EscrowID     string          `json:"escrowId"`
	Status       escrow.Status   `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	VendorAmount decimal.Decimal `json:"vendorAmount"`
	DisputeID    string          `json:"disputeId,omitempty"`
	Locked       decimal.Decimal `json:"locked"`
	Released     decimal.Decimal `json:"released"`
	Refunded     decimal.Decimal `json:"refunded"`
	PaidOut      decimal.Decimal `json:"paidOut"`
	Match        bool            `json:"match"`
	Problems     []string        `json:"problems,omitempty"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Stuck     int       `json:"stuck"`
	StuckIDs  []string  `json:"stuckEscrowIds,omitempty"`
	Audited   int       `json:"audited"`
	Mismatch  int       `json:"mismatches"`
	CheckedAt time.Time `json:"checkedAt"`
	Duration  string    `json:"duration"`
}

// Reconciler audits escrow money flows.
type Reconciler struct {
	escrows EscrowReader
	txs     TransactionLog
	logger  *slog.Logger
	grace   time.Duration
	limit   int
	now     func() time.Time
}

// New creates a reconciler over the escrow and wallet stores.
func New(escrows EscrowReader, txs TransactionLog, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		escrows: escrows,
		txs:     txs,
		logger:  logger,
		grace:   DefaultGrace,
		limit:   500,
		now:     time.Now,
	}
}

// WithGrace sets how overdue an escrow must be to count as stuck.
func (r *Reconciler) WithGrace(d time.Duration) *Reconciler {
	if d >= 0 {
		r.grace = d
	}
	return r
}

// AuditOrder sums the postings referencing an order (and its dispute, if
// any) and checks them against the escrow's state:
//
//   - the buyer was debited exactly the escrowed amount
//   - an open escrow has paid nobody
//   - a finalized escrow paid the vendor its net amount
//   - a resolved dispute split the full amount between the parties
func (r *Reconciler) AuditOrder(ctx context.Context, orderID string) (*OrderAudit, error) {
	e, err := r.escrows.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	a := &OrderAudit{
		OrderID:      e.OrderID,
		EscrowID:     e.ID,
		Status:       e.Status.Display(),
		Amount:       e.Amount,
		VendorAmount: e.VendorAmount,
		Locked:       decimal.Zero,
		Released:     decimal.Zero,
		Refunded:     decimal.Zero,
		PaidOut:      decimal.Zero,
	}

	orderRef := ledger.OrderRef(e.OrderID)
	var disputeRef ledger.Reference
	d, err := r.escrows.GetDisputeByEscrow(ctx, e.ID)
	switch {
	case err == nil:
		a.DisputeID = d.ID
		disputeRef = ledger.DisputeRef(d.ID)
	case !errors.Is(err, escrow.ErrDisputeNotFound):
		return nil, err
	}

	buyerTxs, err := r.txs.Transactions(ctx, e.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("buyer transactions: %w", err)
	}
	for _, tx := range buyerTxs {
		switch {
		case tx.Type == ledger.TxEscrowLock && tx.Reference == orderRef:
			a.Locked = a.Locked.Add(tx.Amount.Neg())
		case tx.Type == ledger.TxDisputeRefund && d != nil && tx.Reference == disputeRef:
			a.Refunded = a.Refunded.Add(tx.Amount)
		}
	}

	vendorTxs, err := r.txs.Transactions(ctx, e.VendorUserID)
	if err != nil {
		return nil, fmt.Errorf("vendor transactions: %w", err)
	}
	for _, tx := range vendorTxs {
		switch {
		case tx.Type == ledger.TxEscrowRelease && tx.Reference == orderRef:
			a.Released = a.Released.Add(tx.Amount)
		case tx.Type == ledger.TxDisputePayout && d != nil && tx.Reference == disputeRef:
			a.PaidOut = a.PaidOut.Add(tx.Amount)
		}
	}

	a.check(d)
	a.Match = len(a.Problems) == 0
	if !a.Match {
		reconcileOrderMismatches.Inc()
		r.logger.Warn("escrow reconciliation mismatch",
			"orderId", a.OrderID,
			"escrowId", a.EscrowID,
			"status", a.Status,
			"problems", a.Problems)
	}
	return a, nil
}

func (a *OrderAudit) check(d *escrow.Dispute) {
	problem := func(format string, args ...any) {
		a.Problems = append(a.Problems, fmt.Sprintf(format, args...))
	}

	if !a.Locked.Equal(a.Amount) {
		problem("buyer locked %s, escrow holds %s", money.Format(a.Locked), money.Format(a.Amount))
	}

	settled := a.Released.Add(a.Refunded).Add(a.PaidOut)
	resolved := d != nil && d.Status.IsResolved()

	switch {
	case !a.Status.IsTerminal():
		if !settled.IsZero() {
			problem("%s escrow has %s paid out", a.Status, money.Format(settled))
		}
	case resolved:
		if !a.Released.IsZero() {
			problem("disputed escrow also released %s", money.Format(a.Released))
		}
		if total := a.Refunded.Add(a.PaidOut); !total.Equal(a.Amount) {
			problem("dispute paid out %s of %s", money.Format(total), money.Format(a.Amount))
		}
		if !a.Refunded.Equal(d.BuyerAmount) || !a.PaidOut.Equal(d.VendorAmount) {
			problem("dispute postings %s/%s differ from resolution %s/%s",
				money.Format(a.Refunded), money.Format(a.PaidOut),
				money.Format(d.BuyerAmount), money.Format(d.VendorAmount))
		}
	case a.Status == escrow.StatusFinalized:
		if !a.Released.Equal(a.VendorAmount) {
			problem("vendor received %s, expected %s", money.Format(a.Released), money.Format(a.VendorAmount))
		}
		if !a.Refunded.IsZero() || !a.PaidOut.IsZero() {
			problem("finalized escrow has dispute postings")
		}
	default:
		// Refunded without a resolved dispute cannot happen through the service.
		problem("%s escrow has no resolved dispute", a.Status)
	}
}

// FindStuck returns active escrows more than the grace period past their
// deadline, oldest first.
func (r *Reconciler) FindStuck(ctx context.Context) ([]*escrow.Escrow, error) {
	return r.escrows.ListExpired(ctx, r.now().Add(-r.grace), r.limit)
}

// Run flags stuck escrows and audits each of them.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	stuck, err := r.FindStuck(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list stuck escrows: %w", err)
	}
	reconcileStuckEscrows.Set(float64(len(stuck)))

	rep := &Report{Stuck: len(stuck), CheckedAt: r.now()}
	for _, e := range stuck {
		rep.StuckIDs = append(rep.StuckIDs, e.ID)
		a, err := r.AuditOrder(ctx, e.OrderID)
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("escrow audit failed", "escrowId", e.ID, "error", err)
			continue
		}
		rep.Audited++
		if !a.Match {
			rep.Mismatch++
		}
	}
	rep.Duration = time.Since(start).String()

	if rep.Stuck > 0 {
		r.logger.Warn("stuck escrows found", "count", rep.Stuck, "grace", r.grace)
	}
	return rep, nil
}
