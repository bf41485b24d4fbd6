package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const productColumns = `id, vendor_id, vendor_user_id, name, price, type,
	COALESCE(delivery_payload, ''), stock, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Product, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	prod, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	return prod, err
}

func (p *PostgresStore) Put(ctx context.Context, prod *Product) error {
	if err := prod.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (id, vendor_id, vendor_user_id, name, price, type, delivery_payload, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			vendor_id        = EXCLUDED.vendor_id,
			vendor_user_id   = EXCLUDED.vendor_user_id,
			name             = EXCLUDED.name,
			price            = EXCLUDED.price,
			type             = EXCLUDED.type,
			delivery_payload = EXCLUDED.delivery_payload,
			stock            = EXCLUDED.stock,
			updated_at       = NOW()
	`, prod.ID, prod.VendorID, prod.VendorUserID, prod.Name, prod.Price, string(prod.Type),
		prod.DeliveryPayload, prod.Stock)
	if err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByVendor(ctx context.Context, vendorUserID string) ([]*Product, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE vendor_user_id = $1 ORDER BY id`, vendorUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		prod, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prod)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DecrementStock(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.DecrementStockTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DecrementStockTx removes one unit inside the caller's transaction.
func (p *PostgresStore) DecrementStockTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock - 1, updated_at = NOW()
		WHERE id = $1 AND stock > 0
	`, id)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOutOfStock
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(s scanner) (*Product, error) {
	prod := &Product{}
	var typ string
	if err := s.Scan(&prod.ID, &prod.VendorID, &prod.VendorUserID, &prod.Name, &prod.Price, &typ,
		&prod.DeliveryPayload, &prod.Stock, &prod.CreatedAt, &prod.UpdatedAt); err != nil {
		return nil, err
	}
	prod.Type = ProductType(typ)
	return prod, nil
}

// Compile-time assertion
var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
