// Package settings holds marketplace-wide settings that admins change at
// runtime. Today that is the commission rate applied at checkout.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("setting not found")
	ErrInvalidRate = errors.New("commission rate must be between 0 and 100 with at most two decimals")
)

// KeyCommissionRate is the settings key for the commission percentage.
const KeyCommissionRate = "commission_rate"

var hundred = decimal.NewFromInt(100)

// Setting is a stored key/value pair.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists settings.
type Store interface {
	Get(ctx context.Context, key string) (*Setting, error)
	Set(ctx context.Context, s *Setting) error
}

// Service reads and writes typed settings over a Store.
type Service struct {
	store       Store
	defaultRate decimal.Decimal
}

// NewService creates a settings service. defaultRate applies until an admin
// stores a rate.
func NewService(store Store, defaultRate decimal.Decimal) *Service {
	return &Service{store: store, defaultRate: defaultRate}
}

// ValidateRate checks a commission percentage.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) || !rate.Equal(rate.Round(2)) {
		return ErrInvalidRate
	}
	return nil
}

// CommissionRate returns the current commission percentage.
func (s *Service) CommissionRate(ctx context.Context) (decimal.Decimal, error) {
	st, err := s.store.Get(ctx, KeyCommissionRate)
	if errors.Is(err, ErrNotFound) {
		return s.defaultRate, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(st.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("stored commission rate %q: %w", st.Value, err)
	}
	return rate, nil
}

// SetCommissionRate stores a new percentage. Open escrows keep the amounts
// they snapshotted at checkout.
func (s *Service) SetCommissionRate(ctx context.Context, rate decimal.Decimal, by string) error {
	if err := ValidateRate(rate); err != nil {
		return err
	}
	return s.store.Set(ctx, &Setting{
		Key:       KeyCommissionRate,
		Value:     rate.String(),
		UpdatedBy: by,
		UpdatedAt: time.Now(),
	})
}
