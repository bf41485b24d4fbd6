package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mbd888/bazaar/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Tables are created by the
// goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the handle so other stores can share transactions with ApplyTx.
func (p *PostgresStore) DB() *sql.DB { return p.db }

const walletColumns = `id, user_id, balance, created_at, updated_at`

const txColumns = `id, wallet_id, user_id, type, amount, balance_after,
	COALESCE(description, ''), COALESCE(ref_type, ''), COALESCE(ref_id, ''), created_at`

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID,
	).Scan(&w.ID, &w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (p *PostgresStore) GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, created_at, updated_at)
		VALUES ($1, $2, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, idgen.WithPrefix(idgen.PrefixWallet), userID); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return p.GetWallet(ctx, userID)
}

// Apply runs ApplyTx in its own transaction.
func (p *PostgresStore) Apply(ctx context.Context, posting Posting) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out, err := p.ApplyTx(ctx, tx, posting)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// ApplyTx mutates a wallet inside the caller's transaction. The wallet row
// is locked for the rest of tx, so concurrent debits serialize and the
// balance check cannot race. The CHECK (balance >= 0) constraint backs it up.
func (p *PostgresStore) ApplyTx(ctx context.Context, tx *sql.Tx, posting Posting) (*Transaction, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, created_at, updated_at)
		VALUES ($1, $2, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, idgen.WithPrefix(idgen.PrefixWallet), posting.UserID); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	w := &Wallet{}
	err := tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, posting.UserID,
	).Scan(&w.ID, &w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	next := w.Balance.Add(posting.Amount)
	if next.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE wallets SET balance = $2, updated_at = NOW() WHERE id = $1`, w.ID, next,
	); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	out := newTransaction(w, posting, next, w.UpdatedAt)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, user_id, type, amount, balance_after, description, ref_type, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING created_at
	`, out.ID, out.WalletID, out.UserID, string(out.Type), out.Amount, out.BalanceAfter,
		nullString(out.Description), nullString(string(out.Reference.Type)), nullString(out.Reference.ID),
	).Scan(&out.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && posting.Type == TxDeposit {
			return nil, ErrDuplicateDeposit
		}
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) Transactions(ctx context.Context, userID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) HasReference(ctx context.Context, typ TxType, ref Reference) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions
			WHERE type = $1 AND ref_type = $2 AND ref_id = $3
		)
	`, string(typ), string(ref.Type), ref.ID).Scan(&exists)
	return exists, err
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		var typ, refType string
		if err := rows.Scan(&tx.ID, &tx.WalletID, &tx.UserID, &typ, &tx.Amount, &tx.BalanceAfter,
			&tx.Description, &refType, &tx.Reference.ID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Type = TxType(typ)
		tx.Reference.Type = RefType(refType)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion
var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
