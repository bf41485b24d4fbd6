package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/catalog"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/traces"
	"github.com/mbd888/bazaar/internal/validation"
	"github.com/shopspring/decimal"
)

// Catalog looks up products at checkout.
type Catalog interface {
	Get(ctx context.Context, id string) (*catalog.Product, error)
}

// RateSource provides the global commission percentage.
type RateSource interface {
	CommissionRate(ctx context.Context) (decimal.Decimal, error)
}

// Service runs the escrow state machine. It holds no state of its own;
// every transition is delegated to the Store as one atomic step.
type Service struct {
	store    Store
	catalog  Catalog
	rates    RateSource
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, products Catalog, rates RateSource) *Service {
	return &Service{
		store:    store,
		catalog:  products,
		rates:    rates,
		notifier: nopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithNotifier sets where committed transitions are published.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Checkout buys one unit of a product: the buyer's wallet is debited and the
// funds held in a new escrow until finalize, dispute resolution or the
// auto-finalize deadline.
func (s *Service) Checkout(ctx context.Context, buyerID, productID string) (_ *Order, _ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Checkout", traces.UserID(buyerID), traces.ProductID(productID))
	defer func() { traces.End(span, err) }()

	p, err := s.catalog.Get(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	if p.VendorUserID == buyerID {
		return nil, nil, ErrSelfPurchase
	}
	digital := p.Type == catalog.Digital
	if digital && p.Stock <= 0 {
		return nil, nil, catalog.ErrOutOfStock
	}

	rate, err := s.rates.CommissionRate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read commission rate: %w", err)
	}
	amount := money.Round(p.Price)
	commission := money.Percent(amount, rate)

	now := s.now()
	order := &Order{
		ID:             idgen.WithPrefix(idgen.PrefixOrder),
		BuyerID:        buyerID,
		VendorID:       p.VendorID,
		VendorUserID:   p.VendorUserID,
		ProductID:      p.ID,
		ProductName:    p.Name,
		ProductPrice:   amount,
		PaymentStatus:  PaymentCompleted,
		DeliveryStatus: DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if digital {
		content := p.DeliveryPayload
		order.DeliveryStatus = DeliveryDelivered
		order.DeliveredContent = &content
	}

	escrow := &Escrow{
		ID:               idgen.WithPrefix(idgen.PrefixEscrow),
		OrderID:          order.ID,
		BuyerID:          buyerID,
		VendorID:         p.VendorID,
		VendorUserID:     p.VendorUserID,
		Amount:           amount,
		CommissionRate:   rate,
		CommissionAmount: commission,
		VendorAmount:     amount.Sub(commission),
		Status:           StatusActive,
		ProductType:      p.Type,
		AutoFinalizeAt:   now.Add(WindowFor(p.Type)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	debit, err := ledger.DebitPosting(buyerID, amount, ledger.TxEscrowLock,
		"Escrow for order "+order.ID, ledger.OrderRef(order.ID))
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.CreateOrder(ctx, order, escrow, debit, digital); err != nil {
		return nil, nil, err
	}

	metrics.EscrowCreatedTotal.WithLabelValues(string(p.Type)).Inc()
	s.logger.Info("escrow created",
		"orderId", order.ID,
		"escrowId", escrow.ID,
		"buyer", buyerID,
		"vendor", p.VendorUserID,
		"amount", money.Format(amount),
		"commission", money.Format(commission),
	)
	s.notifier.Publish(EventOrderCreated, participants(escrow), escrow)
	return order, escrow, nil
}

// Finalize releases the vendor's share. Buyer or admin only.
func (s *Service) Finalize(ctx context.Context, orderID string, req Requester) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Finalize", traces.OrderID(orderID), traces.UserID(req.UserID))
	defer func() { traces.End(span, err) }()

	e, err := s.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if req.UserID != e.BuyerID && !req.Admin {
		return nil, ErrNotAuthorized
	}

	trigger := metrics.TriggerBuyer
	if req.UserID != e.BuyerID {
		trigger = metrics.TriggerAdmin
	}
	return s.finalize(ctx, e, s.now(), false, trigger)
}

// FinalizeExpired is the sweeper's entry point: the same transition as
// Finalize, conditional on the deadline having passed at now.
func (s *Service) FinalizeExpired(ctx context.Context, e *Escrow, now time.Time) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.FinalizeExpired", traces.EscrowID(e.ID))
	defer func() { traces.End(span, err) }()

	return s.finalize(ctx, e, now, true, metrics.TriggerAuto)
}

func (s *Service) finalize(ctx context.Context, e *Escrow, at time.Time, onlyIfDue bool, trigger string) (*Escrow, error) {
	if e.Status.IsTerminal() {
		return nil, ErrAlreadyFinalized
	}
	if e.Status != StatusActive {
		return nil, ErrEscrowNotActive
	}

	var payouts []ledger.Posting
	if money.IsPositive(e.VendorAmount) {
		p, err := ledger.CreditPosting(e.VendorUserID, e.VendorAmount, ledger.TxEscrowRelease,
			"Escrow released for order "+e.OrderID, ledger.OrderRef(e.OrderID))
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}

	updated, err := s.store.Finalize(ctx, e.ID, at, onlyIfDue, payouts)
	if err != nil {
		return nil, err
	}

	metrics.EscrowFinalizedTotal.WithLabelValues(trigger).Inc()
	metrics.EscrowDuration.Observe(at.Sub(e.CreatedAt).Seconds())
	s.logger.Info("escrow finalized",
		"escrowId", e.ID,
		"orderId", e.OrderID,
		"vendor", e.VendorUserID,
		"amount", money.Format(e.VendorAmount),
		"trigger", trigger,
	)
	s.notifier.Publish(EventEscrowFinalized, participants(updated), updated)
	return updated, nil
}

// Extend pushes the auto-finalize deadline back by ExtensionStep. Buyer only.
func (s *Service) Extend(ctx context.Context, orderID string, req Requester) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Extend", traces.OrderID(orderID), traces.UserID(req.UserID))
	defer func() { traces.End(span, err) }()

	e, err := s.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if req.UserID != e.BuyerID {
		return nil, ErrNotAuthorized
	}
	if e.Status != StatusActive {
		return nil, ErrEscrowNotActive
	}
	if e.ExtendedCount >= MaxExtensions {
		return nil, ErrMaxExtensionsReached
	}

	updated, err := s.store.Extend(ctx, e.ID, ExtensionStep, MaxExtensions, s.now())
	if err != nil {
		return nil, err
	}

	metrics.EscrowExtendedTotal.Inc()
	s.logger.Info("escrow extended",
		"escrowId", e.ID,
		"autoFinalizeAt", updated.AutoFinalizeAt,
		"extendedCount", updated.ExtendedCount,
	)
	s.notifier.Publish(EventEscrowExtended, participants(updated), updated)
	return updated, nil
}

// OpenDispute freezes an active escrow. Buyer only.
func (s *Service) OpenDispute(ctx context.Context, orderID string, req Requester, reason string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.OrderID(orderID), traces.UserID(req.UserID))
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	e, err := s.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if req.UserID != e.BuyerID {
		return nil, ErrNotAuthorized
	}
	if e.Status != StatusActive {
		return nil, ErrEscrowNotActive
	}

	now := s.now()
	d := &Dispute{
		ID:        idgen.WithPrefix(idgen.PrefixDispute),
		EscrowID:  e.ID,
		OrderID:   e.OrderID,
		OpenedBy:  req.UserID,
		Reason:    validation.SanitizeString(reason, validation.MaxMessageLength),
		Status:    DisputeOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.OpenDispute(ctx, d); err != nil {
		return nil, err
	}

	metrics.EscrowDisputedTotal.Inc()
	s.logger.Info("dispute opened", "disputeId", d.ID, "escrowId", e.ID, "buyer", req.UserID)
	s.notifier.Publish(EventDisputeOpened, participants(e), d)
	return d, nil
}

// ResolveDispute splits the escrowed amount between buyer and vendor.
// The vendor (conceding part or all of it) or an admin may resolve.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, req Requester, buyerPct, vendorPct int, notes string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(disputeID), traces.UserID(req.UserID))
	defer func() { traces.End(span, err) }()

	if err := ValidateSplit(buyerPct, vendorPct); err != nil {
		return nil, err
	}

	d, e, err := s.disputeWithEscrow(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if req.UserID != e.VendorUserID && !req.Admin {
		return nil, ErrNotAuthorized
	}
	return s.resolve(ctx, d, e, buyerPct, vendorPct, notes, req.UserID)
}

// ReleaseDispute lets the buyer withdraw a dispute and pay the vendor in full.
func (s *Service) ReleaseDispute(ctx context.Context, disputeID string, req Requester) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseDispute", traces.DisputeID(disputeID), traces.UserID(req.UserID))
	defer func() { traces.End(span, err) }()

	d, e, err := s.disputeWithEscrow(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if req.UserID != e.BuyerID {
		return nil, ErrNotAuthorized
	}
	return s.resolve(ctx, d, e, 0, 100, "Released by buyer", req.UserID)
}

// ValidateSplit checks that both percentages are in [0,100] and sum to 100.
func ValidateSplit(buyerPct, vendorPct int) error {
	if buyerPct < 0 || buyerPct > 100 || vendorPct < 0 || vendorPct > 100 || buyerPct+vendorPct != 100 {
		return ErrInvalidSplit
	}
	return nil
}

// Outcome maps a validated split to the dispute and escrow end states.
func Outcome(buyerPct int) (DisputeStatus, Status) {
	switch buyerPct {
	case 100:
		return DisputeResolvedBuyer, StatusRefunded
	case 0:
		return DisputeResolvedVendor, StatusFinalized
	}
	return DisputeResolvedPartial, StatusFinalized
}

func (s *Service) resolve(ctx context.Context, d *Dispute, e *Escrow, buyerPct, vendorPct int, notes, by string) (*Dispute, error) {
	if d.Status.IsResolved() {
		return nil, ErrDisputeAlreadyResolved
	}

	buyerAmt, vendorAmt := money.Split(e.Amount, decimal.NewFromInt(int64(buyerPct)))
	disputeStatus, escrowStatus := Outcome(buyerPct)

	var postings []ledger.Posting
	if money.IsPositive(buyerAmt) {
		p, err := ledger.CreditPosting(e.BuyerID, buyerAmt, ledger.TxDisputeRefund,
			"Dispute refund for order "+e.OrderID, ledger.DisputeRef(d.ID))
		if err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	if money.IsPositive(vendorAmt) {
		p, err := ledger.CreditPosting(e.VendorUserID, vendorAmt, ledger.TxDisputePayout,
			"Dispute payout for order "+e.OrderID, ledger.DisputeRef(d.ID))
		if err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}

	now := s.now()
	r := &Resolution{
		DisputeID:        d.ID,
		EscrowID:         e.ID,
		DisputeStatus:    disputeStatus,
		EscrowStatus:     escrowStatus,
		BuyerPercentage:  buyerPct,
		VendorPercentage: vendorPct,
		BuyerAmount:      buyerAmt,
		VendorAmount:     vendorAmt,
		Notes:            validation.SanitizeString(notes, validation.MaxMessageLength),
		ResolvedBy:       by,
		ResolvedAt:       now,
	}
	resolved, err := s.store.ResolveDispute(ctx, r, postings)
	if err != nil {
		return nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(disputeStatus)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	s.logger.Info("dispute resolved",
		"disputeId", d.ID,
		"escrowId", e.ID,
		"outcome", disputeStatus,
		"buyerAmount", money.Format(buyerAmt),
		"vendorAmount", money.Format(vendorAmt),
		"resolvedBy", by,
	)
	s.notifier.Publish(EventDisputeResolved, participants(e), resolved)
	return resolved, nil
}

// MarkDelivered records shipment of a physical order. Vendor or admin only;
// the escrow is unaffected.
func (s *Service) MarkDelivered(ctx context.Context, orderID string, req Requester) (*OrderView, error) {
	v, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if req.UserID != v.VendorUserID && !req.Admin {
		return nil, ErrNotAuthorized
	}
	if v.DeliveryStatus == DeliveryDelivered {
		return nil, ErrAlreadyDelivered
	}
	if err := s.store.MarkDelivered(ctx, orderID, s.now()); err != nil {
		return nil, err
	}
	updated, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(EventOrderDelivered, []string{v.BuyerID, v.VendorUserID}, updated)
	return updated, nil
}

// ClaimDispute assigns an unresolved dispute to an admin.
func (s *Service) ClaimDispute(ctx context.Context, disputeID string, req Requester) (*Dispute, error) {
	if !req.Admin {
		return nil, ErrNotAuthorized
	}
	d, err := s.store.ClaimDispute(ctx, disputeID, req.UserID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispute claimed", "disputeId", disputeID, "admin", req.UserID)
	if e, err := s.store.GetEscrow(ctx, d.EscrowID); err == nil {
		s.notifier.Publish(EventDisputeClaimed, participants(e), d)
	}
	return d, nil
}

// PostMessage appends to a dispute thread. The sender's role is derived
// from their relation to the order.
func (s *Service) PostMessage(ctx context.Context, disputeID string, req Requester, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	_, e, err := s.disputeWithEscrow(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	role, ok := roleOf(e, req)
	if !ok {
		return nil, ErrNotAuthorized
	}

	m := &Message{
		ID:         idgen.WithPrefix(idgen.PrefixMessage),
		DisputeID:  disputeID,
		SenderID:   req.UserID,
		SenderRole: role,
		Body:       validation.SanitizeString(body, validation.MaxMessageLength),
		CreatedAt:  s.now(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	s.notifier.Publish(EventDisputeMessage, participants(e), m)
	return m, nil
}

// Messages returns a dispute thread, oldest first.
func (s *Service) Messages(ctx context.Context, disputeID string, req Requester) ([]*Message, error) {
	_, e, err := s.disputeWithEscrow(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if _, ok := roleOf(e, req); !ok {
		return nil, ErrNotAuthorized
	}
	return s.store.ListMessages(ctx, disputeID)
}

// GetOrder returns an order visible to its buyer, its vendor or an admin.
func (s *Service) GetOrder(ctx context.Context, orderID string, req Requester) (*OrderView, error) {
	v, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if req.UserID != v.BuyerID && req.UserID != v.VendorUserID && !req.Admin {
		return nil, ErrNotAuthorized
	}
	return v, nil
}

// ListOrders returns the requester's orders as buyer or as vendor.
func (s *Service) ListOrders(ctx context.Context, req Requester, role Role, limit int) ([]*OrderView, error) {
	if role != RoleVendor {
		role = RoleBuyer
	}
	return s.store.ListOrders(ctx, OrderFilter{UserID: req.UserID, Role: role, Limit: limit})
}

// GetDispute returns a dispute visible to the order's participants or an admin.
func (s *Service) GetDispute(ctx context.Context, disputeID string, req Requester) (*Dispute, error) {
	d, e, err := s.disputeWithEscrow(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if _, ok := roleOf(e, req); !ok {
		return nil, ErrNotAuthorized
	}
	return d, nil
}

// ListDisputes is the admin queue. An empty status lists unresolved disputes.
func (s *Service) ListDisputes(ctx context.Context, req Requester, status DisputeStatus, limit int) ([]*Dispute, error) {
	if !req.Admin {
		return nil, ErrNotAuthorized
	}
	return s.store.ListDisputes(ctx, status, limit)
}

func (s *Service) disputeWithEscrow(ctx context.Context, disputeID string) (*Dispute, *Escrow, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.store.GetEscrow(ctx, d.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	return d, e, nil
}

func roleOf(e *Escrow, req Requester) (Role, bool) {
	switch {
	case req.UserID == e.BuyerID:
		return RoleBuyer, true
	case req.UserID == e.VendorUserID:
		return RoleVendor, true
	case req.Admin:
		return RoleAdmin, true
	}
	return "", false
}
