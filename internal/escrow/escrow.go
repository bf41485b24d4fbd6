// Package escrow holds buyer funds between checkout and delivery.
//
// Flow:
//  1. Buyer checks out → buyer wallet debited (escrow_lock), order + escrow created
//  2. Buyer finalizes, or the deadline passes → vendor credited vendor_amount
//  3. Buyer disputes → funds frozen until the vendor or an admin resolves
//  4. Resolution → amount split between buyer and vendor by percentage
//
// Every transition is one conditional update plus its wallet postings,
// applied atomically by the Store.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bazaar/internal/catalog"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrOrderNotFound          = errors.New("order not found")
	ErrDisputeNotFound        = errors.New("dispute not found")
	ErrNotAuthorized          = errors.New("not authorized for this escrow operation")
	ErrAlreadyFinalized       = errors.New("escrow already finalized")
	ErrEscrowNotActive        = errors.New("escrow is not active")
	ErrMaxExtensionsReached   = errors.New("maximum extensions reached")
	ErrInvalidSplit           = errors.New("percentages must each be between 0 and 100 and sum to 100")
	ErrDisputeAlreadyResolved = errors.New("dispute already resolved")
	ErrReasonRequired         = errors.New("dispute reason required")
	ErrSelfPurchase           = errors.New("cannot buy your own product")
	ErrAlreadyDelivered       = errors.New("order already delivered")
	ErrEmptyMessage           = errors.New("message body required")
	ErrNotDue                 = errors.New("escrow not yet due for auto-finalize")
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusActive    Status = "active"    // Funds held, waiting on buyer or deadline
	StatusDisputed  Status = "disputed"  // Frozen until resolution
	StatusFinalized Status = "finalized" // Vendor paid
	StatusReleased  Status = "released"  // Legacy spelling of finalized; read-only
	StatusRefunded  Status = "refunded"  // Buyer repaid in full
)

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusActive, StatusDisputed, StatusFinalized, StatusReleased, StatusRefunded:
		return st, nil
	}
	return "", fmt.Errorf("unknown escrow status %q", s)
}

// IsTerminal returns true if the escrow is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinalized, StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// Display folds the legacy released state into finalized.
func (s Status) Display() Status {
	if s == StatusReleased {
		return StatusFinalized
	}
	return s
}

// DisputeStatus is the dispute lifecycle state.
type DisputeStatus string

const (
	DisputeOpen            DisputeStatus = "open"
	DisputeInProgress      DisputeStatus = "in_progress"
	DisputeResolvedBuyer   DisputeStatus = "resolved_buyer"
	DisputeResolvedVendor  DisputeStatus = "resolved_vendor"
	DisputeResolvedPartial DisputeStatus = "resolved_partial"
)

// ParseDisputeStatus converts a stored string into a DisputeStatus.
func ParseDisputeStatus(s string) (DisputeStatus, error) {
	st := DisputeStatus(s)
	switch st {
	case DisputeOpen, DisputeInProgress, DisputeResolvedBuyer, DisputeResolvedVendor, DisputeResolvedPartial:
		return st, nil
	}
	return "", fmt.Errorf("unknown dispute status %q", s)
}

// IsResolved reports whether the dispute has a final outcome.
func (s DisputeStatus) IsResolved() bool {
	return s != DisputeOpen && s != DisputeInProgress
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// Role is a participant's relation to an order.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// Auto-finalize windows and extension rules.
const (
	DigitalWindow  = 24 * time.Hour
	PhysicalWindow = 120 * time.Hour
	ExtensionStep  = 48 * time.Hour
	MaxExtensions  = 5
)

// WindowFor returns the auto-finalize window for a product type.
func WindowFor(t catalog.ProductType) time.Duration {
	if t == catalog.Digital {
		return DigitalWindow
	}
	return PhysicalWindow
}

// Order is created once at checkout. Its escrow status lives on the
// Escrow; see OrderView.
type Order struct {
	ID               string          `json:"id"`
	BuyerID          string          `json:"buyerId"`
	VendorID         string          `json:"vendorId"`
	VendorUserID     string          `json:"vendorUserId"`
	ProductID        string          `json:"productId"`
	ProductName      string          `json:"productName"`
	ProductPrice     decimal.Decimal `json:"productPrice"`
	PaymentStatus    PaymentStatus   `json:"paymentStatus"`
	DeliveryStatus   DeliveryStatus  `json:"deliveryStatus"`
	DeliveredContent *string         `json:"deliveredContent,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// OrderView is an order with the status of its escrow.
type OrderView struct {
	Order
	EscrowID       string    `json:"escrowId"`
	EscrowStatus   Status    `json:"escrowStatus"`
	AutoFinalizeAt time.Time `json:"autoFinalizeAt"`
}

// NewOrderView pairs an order with its escrow.
func NewOrderView(o *Order, e *Escrow) *OrderView {
	return &OrderView{
		Order:          *o,
		EscrowID:       e.ID,
		EscrowStatus:   e.Status.Display(),
		AutoFinalizeAt: e.AutoFinalizeAt,
	}
}

// Escrow holds an order's funds. Amount, CommissionRate, CommissionAmount
// and VendorAmount are fixed at checkout.
type Escrow struct {
	ID               string              `json:"id"`
	OrderID          string              `json:"orderId"`
	BuyerID          string              `json:"buyerId"`
	VendorID         string              `json:"vendorId"`
	VendorUserID     string              `json:"vendorUserId"`
	Amount           decimal.Decimal     `json:"amount"`
	CommissionRate   decimal.Decimal     `json:"commissionRate"`
	CommissionAmount decimal.Decimal     `json:"commissionAmount"`
	VendorAmount     decimal.Decimal     `json:"vendorAmount"`
	Status           Status              `json:"status"`
	ProductType      catalog.ProductType `json:"productType"`
	AutoFinalizeAt   time.Time           `json:"autoFinalizeAt"`
	ExtendedCount    int                 `json:"extendedCount"`
	FinalizedAt      *time.Time          `json:"finalizedAt,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Dispute is a buyer's challenge to an escrow.
type Dispute struct {
	ID               string          `json:"id"`
	EscrowID         string          `json:"escrowId"`
	OrderID          string          `json:"orderId"`
	OpenedBy         string          `json:"openedBy"`
	Reason           string          `json:"reason"`
	Status           DisputeStatus   `json:"status"`
	AdminID          string          `json:"adminId,omitempty"` // set when claimed
	BuyerPercentage  *int            `json:"buyerPercentage,omitempty"`
	VendorPercentage *int            `json:"vendorPercentage,omitempty"`
	BuyerAmount      decimal.Decimal `json:"buyerAmount"`
	VendorAmount     decimal.Decimal `json:"vendorAmount"`
	ResolutionNotes  string          `json:"resolutionNotes,omitempty"`
	ResolvedBy       string          `json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Message is one entry in a dispute thread.
type Message struct {
	ID         string    `json:"id"`
	DisputeID  string    `json:"disputeId"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Requester identifies who is calling an operation.
type Requester struct {
	UserID string
	Admin  bool
}

// Resolution is a validated dispute outcome ready to be applied.
type Resolution struct {
	DisputeID        string
	EscrowID         string
	DisputeStatus    DisputeStatus
	EscrowStatus     Status
	BuyerPercentage  int
	VendorPercentage int
	BuyerAmount      decimal.Decimal
	VendorAmount     decimal.Decimal
	Notes            string
	ResolvedBy       string
	ResolvedAt       time.Time
}

// OrderFilter selects orders for listing.
type OrderFilter struct {
	UserID string
	Role   Role // buyer or vendor
	Limit  int
}

// Store persists orders, escrows and disputes. Each mutating method is
// atomic: the conditional status change, the row inserts and the wallet
// postings either all land or none do.
type Store interface {
	// CreateOrder debits the buyer, decrements stock when takeStock is set
	// and inserts order + escrow.
	CreateOrder(ctx context.Context, o *Order, e *Escrow, debit ledger.Posting, takeStock bool) error
	GetOrder(ctx context.Context, id string) (*OrderView, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*OrderView, error)
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error)
	MarkDelivered(ctx context.Context, orderID string, at time.Time) error

	// Finalize moves active → finalized and applies payouts. With onlyIfDue
	// the escrow must also be past its deadline at `at` (ErrNotDue).
	Finalize(ctx context.Context, escrowID string, at time.Time, onlyIfDue bool, payouts []ledger.Posting) (*Escrow, error)
	// Extend pushes the deadline by step while extended_count < max.
	Extend(ctx context.Context, escrowID string, step time.Duration, max int, at time.Time) (*Escrow, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	// OpenDispute moves active → disputed and inserts d.
	OpenDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// GetDisputeByEscrow returns the most recent dispute on an escrow.
	GetDisputeByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error)
	ClaimDispute(ctx context.Context, id, adminID string, at time.Time) (*Dispute, error)
	// ResolveDispute closes an open dispute, moves the escrow out of
	// disputed and applies postings.
	ResolveDispute(ctx context.Context, r *Resolution, postings []ledger.Posting) (*Dispute, error)

	AddMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, disputeID string) ([]*Message, error)
}

// finalizeConflict explains why active → finalized matched nothing.
func finalizeConflict(current Status, onlyIfDue bool) error {
	switch {
	case current.IsTerminal():
		return ErrAlreadyFinalized
	case current == StatusActive && onlyIfDue:
		return ErrNotDue
	}
	return ErrEscrowNotActive
}

// extendConflict explains why an extension matched nothing.
func extendConflict(current Status) error {
	if current == StatusActive {
		return ErrMaxExtensionsReached
	}
	return ErrEscrowNotActive
}
