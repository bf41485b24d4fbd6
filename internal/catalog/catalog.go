// Package catalog is the read side of the product catalog that checkout
// depends on. Product CRUD lives in the storefront service; Bazaar only
// loads products and decrements digital stock.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOutOfStock      = errors.New("product out of stock")
	ErrInvalidProduct  = errors.New("invalid product")
)

// ProductType decides delivery and the escrow auto-finalize window.
type ProductType string

const (
	Digital  ProductType = "digital"
	Physical ProductType = "physical"
)

// ParseProductType converts a stored string into a ProductType.
func ParseProductType(s string) (ProductType, error) {
	t := ProductType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidProduct, s)
	}
	return t, nil
}

func (t ProductType) Valid() bool { return t == Digital || t == Physical }

// Product is a listing as checkout sees it.
type Product struct {
	ID              string          `json:"id"`
	VendorID        string          `json:"vendorId"`
	VendorUserID    string          `json:"vendorUserId"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	Type            ProductType     `json:"type"`
	DeliveryPayload string          `json:"-"`
	Stock           int             `json:"stock"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Validate checks the fields checkout relies on.
func (p *Product) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: id required", ErrInvalidProduct)
	case p.VendorUserID == "":
		return fmt.Errorf("%w: vendor required", ErrInvalidProduct)
	case !p.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidProduct)
	case !p.Price.Equal(p.Price.Round(2)):
		return fmt.Errorf("%w: price must be whole cents", ErrInvalidProduct)
	case !p.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidProduct, p.Type)
	case p.Stock < 0:
		return fmt.Errorf("%w: negative stock", ErrInvalidProduct)
	}
	return nil
}

// Store persists products.
type Store interface {
	Get(ctx context.Context, id string) (*Product, error)
	Put(ctx context.Context, p *Product) error
	ListByVendor(ctx context.Context, vendorUserID string) ([]*Product, error)
	// DecrementStock removes one unit; ErrOutOfStock when none remain.
	DecrementStock(ctx context.Context, id string) error
}

// LoadSeed reads a JSON array of products from path into store. Used to
// populate the in-memory catalog in development.
func LoadSeed(ctx context.Context, store Store, path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return 0, fmt.Errorf("read catalog seed: %w", err)
	}

	var seed []struct {
		Product
		DeliveryPayload string `json:"deliveryPayload"`
	}
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse catalog seed: %w", err)
	}

	for i := range seed {
		p := seed[i].Product
		p.DeliveryPayload = seed[i].DeliveryPayload
		if err := p.Validate(); err != nil {
			return i, fmt.Errorf("seed product %d: %w", i, err)
		}
		if err := store.Put(ctx, &p); err != nil {
			return i, err
		}
	}
	return len(seed), nil
}
