package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/bazaar/internal/catalog"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/shopspring/decimal"
)

// TxPoster applies a wallet posting inside a caller's transaction.
// Satisfied by *ledger.PostgresStore.
type TxPoster interface {
	ApplyTx(ctx context.Context, tx *sql.Tx, p ledger.Posting) (*ledger.Transaction, error)
}

// TxStock takes one unit of stock inside a caller's transaction.
// Satisfied by *catalog.PostgresStore.
type TxStock interface {
	DecrementStockTx(ctx context.Context, tx *sql.Tx, id string) error
}

// PostgresStore persists orders, escrows and disputes in PostgreSQL. Each
// transition is a conditional UPDATE whose postings share its transaction.
type PostgresStore struct {
	db     *sql.DB
	ledger TxPoster
	stock  TxStock
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB, l TxPoster, stock TxStock) *PostgresStore {
	return &PostgresStore{db: db, ledger: l, stock: stock}
}

const escrowColumns = `id, order_id, buyer_id, vendor_id, vendor_user_id, amount, commission_rate,
	commission_amount, vendor_amount, status, product_type, auto_finalize_at, extended_count,
	finalized_at, created_at, updated_at`

const disputeColumns = `id, escrow_id, order_id, opened_by, reason, status, admin_id,
	buyer_percentage, vendor_percentage, buyer_amount, vendor_amount, resolution_notes,
	resolved_by, resolved_at, created_at, updated_at`

const orderViewQuery = `
	SELECT o.id, o.buyer_id, o.vendor_id, o.vendor_user_id, o.product_id, o.product_name,
		o.product_price, o.payment_status, o.delivery_status, o.delivered_content,
		o.created_at, o.updated_at, e.id, e.status, e.auto_finalize_at
	FROM orders o
	JOIN escrows e ON e.order_id = o.id`

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// applyAll locks wallets in user ID order; see ledger.LockOrder.
func (p *PostgresStore) applyAll(ctx context.Context, tx *sql.Tx, ps []ledger.Posting) error {
	for _, posting := range ledger.LockOrder(ps) {
		if _, err := p.ledger.ApplyTx(ctx, tx, posting); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order, e *Escrow, debit ledger.Posting, takeStock bool) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := p.ledger.ApplyTx(ctx, tx, debit); err != nil {
			return err
		}
		if takeStock {
			if err := p.stock.DecrementStockTx(ctx, tx, o.ProductID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, buyer_id, vendor_id, vendor_user_id, product_id, product_name, product_price,
				payment_status, delivery_status, delivered_content, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			o.ID, o.BuyerID, o.VendorID, o.VendorUserID, o.ProductID, o.ProductName, o.ProductPrice,
			string(o.PaymentStatus), string(o.DeliveryStatus), nullStringPtr(o.DeliveredContent),
			o.CreatedAt, o.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrows (`+escrowColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			e.ID, e.OrderID, e.BuyerID, e.VendorID, e.VendorUserID, e.Amount, e.CommissionRate,
			e.CommissionAmount, e.VendorAmount, string(e.Status), string(e.ProductType),
			e.AutoFinalizeAt, e.ExtendedCount, e.FinalizedAt, e.CreatedAt, e.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert escrow: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*OrderView, error) {
	v, err := scanOrderView(p.db.QueryRowContext(ctx, orderViewQuery+` WHERE o.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return v, err
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*OrderView, error) {
	col := "o.buyer_id"
	if f.Role == RoleVendor {
		col = "o.vendor_user_id"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.QueryContext(ctx,
		orderViewQuery+` WHERE `+col+` = $1 ORDER BY o.created_at DESC, o.id DESC LIMIT $2`, // #nosec G202 -- col is one of two constants
		f.UserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OrderView
	for rows.Next() {
		v, err := scanOrderView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, orderID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET delivery_status = 'delivered', updated_at = $2
		WHERE id = $1 AND delivery_status = 'pending'
	`, orderID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrAlreadyDelivered
}

func (p *PostgresStore) Finalize(ctx context.Context, escrowID string, at time.Time, onlyIfDue bool, payouts []ledger.Posting) (*Escrow, error) {
	var out *Escrow
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEscrow(tx.QueryRowContext(ctx, `
			UPDATE escrows SET status = 'finalized', finalized_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'active' AND (NOT $3::boolean OR auto_finalize_at < $2)
			RETURNING `+escrowColumns, escrowID, at, onlyIfDue))
		if errors.Is(err, sql.ErrNoRows) {
			status, serr := escrowStatus(ctx, tx, escrowID)
			if serr != nil {
				return serr
			}
			return finalizeConflict(status, onlyIfDue)
		}
		if err != nil {
			return fmt.Errorf("finalize escrow: %w", err)
		}
		if err := p.applyAll(ctx, tx, payouts); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Extend(ctx context.Context, escrowID string, step time.Duration, max int, at time.Time) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, `
		UPDATE escrows
		SET auto_finalize_at = auto_finalize_at + $2::double precision * INTERVAL '1 second',
			extended_count = extended_count + 1,
			updated_at = $4
		WHERE id = $1 AND status = 'active' AND extended_count < $3
		RETURNING `+escrowColumns, escrowID, int64(step/time.Second), max, at))
	if errors.Is(err, sql.ErrNoRows) {
		status, serr := escrowStatus(ctx, p.db, escrowID)
		if serr != nil {
			return nil, serr
		}
		return nil, extendConflict(status)
	}
	return e, err
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'active' AND auto_finalize_at < $1
		ORDER BY auto_finalize_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) OpenDispute(ctx context.Context, d *Dispute) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET status = 'disputed', updated_at = $2
			WHERE id = $1 AND status = 'active'
		`, d.EscrowID, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("dispute escrow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := escrowStatus(ctx, tx, d.EscrowID); err != nil {
				return err
			}
			return ErrEscrowNotActive
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO disputes (id, escrow_id, order_id, opened_by, reason, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, d.EscrowID, d.OrderID, d.OpenedBy, d.Reason, string(d.Status), d.CreatedAt, d.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert dispute: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetDisputeByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at DESC LIMIT 1`, escrowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE status IN ('open', 'in_progress')
			ORDER BY created_at ASC LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE status = $1
			ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimDispute(ctx context.Context, id, adminID string, at time.Time) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		UPDATE disputes SET status = 'in_progress', admin_id = $2, updated_at = $3
		WHERE id = $1 AND status IN ('open', 'in_progress')
		RETURNING `+disputeColumns, id, adminID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.disputeConflict(ctx, p.db, id)
	}
	return d, err
}

func (p *PostgresStore) ResolveDispute(ctx context.Context, r *Resolution, postings []ledger.Posting) (*Dispute, error) {
	var out *Dispute
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDispute(tx.QueryRowContext(ctx, `
			UPDATE disputes SET
				status = $2, buyer_percentage = $3, vendor_percentage = $4,
				buyer_amount = $5, vendor_amount = $6, resolution_notes = $7,
				resolved_by = $8, resolved_at = $9, updated_at = $9
			WHERE id = $1 AND status IN ('open', 'in_progress')
			RETURNING `+disputeColumns,
			r.DisputeID, string(r.DisputeStatus), r.BuyerPercentage, r.VendorPercentage,
			r.BuyerAmount, r.VendorAmount, nullString(r.Notes), r.ResolvedBy, r.ResolvedAt))
		if errors.Is(err, sql.ErrNoRows) {
			return p.disputeConflict(ctx, tx, r.DisputeID)
		}
		if err != nil {
			return fmt.Errorf("resolve dispute: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET status = $2, finalized_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'disputed'
		`, r.EscrowID, string(r.EscrowStatus), r.ResolvedAt)
		if err != nil {
			return fmt.Errorf("close escrow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrEscrowNotActive
		}

		if err := p.applyAll(ctx, tx, postings); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, sender_role, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.DisputeID, m.SenderID, string(m.SenderRole), m.Body, m.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrDisputeNotFound
	}
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, sender_id, sender_role, body, created_at
		FROM dispute_messages WHERE dispute_id = $1
		ORDER BY created_at ASC, id ASC
	`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Message{}
	for rows.Next() {
		m := &Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.SenderID, &role, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderRole = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// escrowStatus re-reads the status after a conditional update matched nothing.
func escrowStatus(ctx context.Context, q queryer, id string) (Status, error) {
	var s string
	err := q.QueryRowContext(ctx, `SELECT status FROM escrows WHERE id = $1`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrEscrowNotFound
	}
	if err != nil {
		return "", err
	}
	return ParseStatus(s)
}

func (p *PostgresStore) disputeConflict(ctx context.Context, q queryer, id string) error {
	var s string
	err := q.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDisputeNotFound
	}
	if err != nil {
		return err
	}
	return ErrDisputeAlreadyResolved
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var status, productType string
	var finalizedAt sql.NullTime
	if err := s.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.VendorID, &e.VendorUserID, &e.Amount,
		&e.CommissionRate, &e.CommissionAmount, &e.VendorAmount, &status, &productType,
		&e.AutoFinalizeAt, &e.ExtendedCount, &finalizedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	e.Status = st
	e.ProductType = catalog.ProductType(productType)
	if finalizedAt.Valid {
		e.FinalizedAt = &finalizedAt.Time
	}
	return e, nil
}

func scanOrderView(s scanner) (*OrderView, error) {
	v := &OrderView{}
	var payment, delivery, escrowSt string
	var content sql.NullString
	if err := s.Scan(&v.ID, &v.BuyerID, &v.VendorID, &v.VendorUserID, &v.ProductID, &v.ProductName,
		&v.ProductPrice, &payment, &delivery, &content, &v.CreatedAt, &v.UpdatedAt,
		&v.EscrowID, &escrowSt, &v.AutoFinalizeAt); err != nil {
		return nil, err
	}
	st, err := ParseStatus(escrowSt)
	if err != nil {
		return nil, err
	}
	v.PaymentStatus = PaymentStatus(payment)
	v.DeliveryStatus = DeliveryStatus(delivery)
	v.EscrowStatus = st.Display()
	if content.Valid {
		v.DeliveredContent = &content.String
	}
	return v, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status              string
		adminID, notes, by  sql.NullString
		buyerPct, vendorPct sql.NullInt64
		buyerAmt, vendorAmt decimal.NullDecimal
		resolvedAt          sql.NullTime
	)
	if err := s.Scan(&d.ID, &d.EscrowID, &d.OrderID, &d.OpenedBy, &d.Reason, &status, &adminID,
		&buyerPct, &vendorPct, &buyerAmt, &vendorAmt, &notes, &by, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := ParseDisputeStatus(status)
	if err != nil {
		return nil, err
	}
	d.Status = st
	d.AdminID = adminID.String
	d.ResolutionNotes = notes.String
	d.ResolvedBy = by.String
	if buyerPct.Valid {
		v := int(buyerPct.Int64)
		d.BuyerPercentage = &v
	}
	if vendorPct.Valid {
		v := int(vendorPct.Int64)
		d.VendorPercentage = &v
	}
	if buyerAmt.Valid {
		d.BuyerAmount = buyerAmt.Decimal
	}
	if vendorAmt.Valid {
		d.VendorAmount = vendorAmt.Decimal
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
