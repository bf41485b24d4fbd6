package settings

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

// NewPostgresStore creates a new PostgreSQL-backed settings store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	var by sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT value, updated_by, updated_at FROM settings WHERE key = $1`, key,
	).Scan(&s.Value, &by, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	s.UpdatedBy = by.String
	return s, nil
}

func (p *PostgresStore) Set(ctx context.Context, s *Setting) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_by, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
	`, s.Key, s.Value, s.UpdatedBy)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// Compile-time assertion
var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
