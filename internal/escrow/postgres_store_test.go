//go:build integration

package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/bazaar/internal/catalog"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/settings"
	"github.com/mbd888/bazaar/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pgFixture struct {
	svc      *Service
	store    *PostgresStore
	ledger   *ledger.Ledger
	products *catalog.PostgresStore
	now      time.Time
}

func setupPG(t *testing.T) (*pgFixture, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)

	wallets := ledger.NewPostgresStore(db)
	products := catalog.NewPostgresStore(db)
	store := NewPostgresStore(db, wallets, products)
	rates := settings.NewService(settings.NewPostgresStore(db), decimal.NewFromInt(10))

	f := &pgFixture{
		store:    store,
		ledger:   ledger.New(wallets),
		products: products,
		now:      time.Now().UTC().Truncate(time.Second),
	}
	f.svc = NewService(store, products, rates).
		WithLogger(discard).
		WithClock(func() time.Time { return f.now })
	return f, cleanup
}

func (f *pgFixture) seed(t *testing.T, buyerFunds string, products ...*catalog.Product) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, buyer, d(buyerFunds), "pi_seed_"+buyer)
	require.NoError(t, err)
	for _, p := range products {
		require.NoError(t, f.products.Put(ctx, p))
	}
}

func pgProduct(id string, typ catalog.ProductType, price string, stock int) *catalog.Product {
	return &catalog.Product{
		ID: id, VendorID: "vendor-1", VendorUserID: vendor, Name: "Item " + id,
		Price: d(price), Type: typ, DeliveryPayload: "code-" + id, Stock: stock,
	}
}

func (f *pgFixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := f.ledger.Wallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func TestPostgres_CheckoutAndFinalize(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "50.00", pgProduct("pg-p1", catalog.Digital, "30.00", 2))

	o, e, err := f.svc.Checkout(ctx, buyer, "pg-p1")
	require.NoError(t, err)
	assert.True(t, f.balance(t, buyer).Equal(d("20.00")))

	v, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, v.DeliveryStatus)
	require.NotNil(t, v.DeliveredContent)
	assert.Equal(t, "code-pg-p1", *v.DeliveredContent)
	assert.Equal(t, StatusActive, v.EscrowStatus)
	assert.True(t, v.AutoFinalizeAt.Equal(f.now.Add(DigitalWindow)))

	got, err := f.store.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.CommissionAmount.Equal(d("3.00")))
	assert.True(t, got.VendorAmount.Equal(d("27.00")))

	p, _ := f.products.Get(ctx, "pg-p1")
	assert.Equal(t, 1, p.Stock)

	_, err = f.svc.Finalize(ctx, o.ID, Requester{UserID: buyer})
	require.NoError(t, err)
	_, err = f.svc.Finalize(ctx, o.ID, Requester{UserID: buyer})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.True(t, f.balance(t, vendor).Equal(d("27.00")))

	// Direct store call bypasses the service pre-check.
	_, err = f.store.Finalize(ctx, e.ID, f.now, false, nil)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestPostgres_InsufficientFundsNoSideEffects(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "10.00", pgProduct("pg-p1", catalog.Digital, "30.00", 2))

	_, _, err := f.svc.Checkout(ctx, buyer, "pg-p1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	orders, err := f.store.ListOrders(ctx, OrderFilter{UserID: buyer, Role: RoleBuyer})
	require.NoError(t, err)
	assert.Empty(t, orders)

	hist, err := f.ledger.History(ctx, buyer, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	p, _ := f.products.Get(ctx, "pg-p1")
	assert.Equal(t, 2, p.Stock)
}

func TestPostgres_ConcurrentFinalize(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "30.00", pgProduct("pg-p1", catalog.Digital, "30.00", 1))

	_, e, err := f.svc.Checkout(ctx, buyer, "pg-p1")
	require.NoError(t, err)
	payout, err := ledger.CreditPosting(vendor, e.VendorAmount, ledger.TxEscrowRelease, "", ledger.OrderRef(e.OrderID))
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.store.Finalize(ctx, e.ID, f.now, false, []ledger.Posting{payout})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyFinalized)
	}
	assert.Equal(t, 1, ok)
	assert.True(t, f.balance(t, vendor).Equal(d("27.00")))
}

func TestPostgres_DisputeResolution(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "100.00", pgProduct("pg-p2", catalog.Physical, "100.00", 1))

	o, e, err := f.svc.Checkout(ctx, buyer, "pg-p2")
	require.NoError(t, err)

	dsp, err := f.svc.OpenDispute(ctx, o.ID, Requester{UserID: buyer}, "damaged")
	require.NoError(t, err)
	_, err = f.svc.OpenDispute(ctx, o.ID, Requester{UserID: buyer}, "again")
	assert.ErrorIs(t, err, ErrEscrowNotActive)

	claimed, err := f.svc.ClaimDispute(ctx, dsp.ID, Requester{UserID: admin, Admin: true})
	require.NoError(t, err)
	assert.Equal(t, admin, claimed.AdminID)

	_, err = f.svc.PostMessage(ctx, dsp.ID, Requester{UserID: buyer}, "photos attached")
	require.NoError(t, err)
	msgs, err := f.svc.Messages(ctx, dsp.ID, Requester{UserID: vendor})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleBuyer, msgs[0].SenderRole)

	resolved, err := f.svc.ResolveDispute(ctx, dsp.ID, Requester{UserID: admin, Admin: true}, 30, 70, "split")
	require.NoError(t, err)
	assert.Equal(t, DisputeResolvedPartial, resolved.Status)
	assert.True(t, resolved.BuyerAmount.Equal(d("30.00")))
	require.NotNil(t, resolved.VendorPercentage)
	assert.Equal(t, 70, *resolved.VendorPercentage)

	assert.True(t, f.balance(t, buyer).Equal(d("30.00")))
	assert.True(t, f.balance(t, vendor).Equal(d("70.00")))

	got, _ := f.store.GetEscrow(ctx, e.ID)
	assert.Equal(t, StatusFinalized, got.Status)

	_, err = f.svc.ResolveDispute(ctx, dsp.ID, Requester{UserID: admin, Admin: true}, 100, 0, "")
	assert.ErrorIs(t, err, ErrDisputeAlreadyResolved)

	open, err := f.store.ListDisputes(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	byEscrow, err := f.store.GetDisputeByEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, dsp.ID, byEscrow.ID)
	_, err = f.store.GetDisputeByEscrow(ctx, "esc_none")
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestPostgres_CrossedDisputeResolutions(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	const rounds = 5

	// buyer buys from vendor and vendor buys from buyer, so each split
	// credits the same two wallets in opposite roles.
	f.seed(t, "500.00", pgProduct("pg-x1", catalog.Digital, "10.00", rounds))
	_, err := f.ledger.Deposit(ctx, vendor, d("500.00"), "pi_seed_"+vendor)
	require.NoError(t, err)
	reverse := pgProduct("pg-x2", catalog.Digital, "10.00", rounds)
	reverse.VendorID, reverse.VendorUserID = "vendor-2", buyer
	require.NoError(t, f.products.Put(ctx, reverse))

	byAdmin := Requester{UserID: admin, Admin: true}
	for i := 0; i < rounds; i++ {
		o1, _, err := f.svc.Checkout(ctx, buyer, "pg-x1")
		require.NoError(t, err)
		o2, _, err := f.svc.Checkout(ctx, vendor, "pg-x2")
		require.NoError(t, err)
		d1, err := f.svc.OpenDispute(ctx, o1.ID, Requester{UserID: buyer}, "crossed")
		require.NoError(t, err)
		d2, err := f.svc.OpenDispute(ctx, o2.ID, Requester{UserID: vendor}, "crossed")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, id := range []string{d1.ID, d2.ID} {
			wg.Add(1)
			go func(j int, id string) {
				defer wg.Done()
				_, errs[j] = f.svc.ResolveDispute(ctx, id, byAdmin, 40, 60, "split")
			}(j, id)
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
	}

	// Each side paid 50 and got back 40% of its own and 60% of the other's.
	assert.True(t, f.balance(t, buyer).Equal(d("500.00")))
	assert.True(t, f.balance(t, vendor).Equal(d("500.00")))
}

func TestPostgres_ExtendAndSweep(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "130.00",
		pgProduct("pg-d", catalog.Digital, "30.00", 1),
		pgProduct("pg-p", catalog.Physical, "100.00", 1))

	od, ed, err := f.svc.Checkout(ctx, buyer, "pg-d")
	require.NoError(t, err)
	_, ep, err := f.svc.Checkout(ctx, buyer, "pg-p")
	require.NoError(t, err)

	for i := 0; i < MaxExtensions; i++ {
		_, err := f.svc.Extend(ctx, od.ID, Requester{UserID: buyer})
		require.NoError(t, err)
	}
	_, err = f.store.Extend(ctx, ed.ID, ExtensionStep, MaxExtensions, f.now)
	assert.ErrorIs(t, err, ErrMaxExtensionsReached)

	got, _ := f.store.GetEscrow(ctx, ed.ID)
	assert.True(t, got.AutoFinalizeAt.Equal(ed.AutoFinalizeAt.Add(5*ExtensionStep)))

	// 24h + 240h of extensions puts the digital escrow after the physical one.
	sweepAt := f.now.Add(PhysicalWindow + time.Hour)
	n, err := NewSweeper(f.svc, discard).Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ = f.store.GetEscrow(ctx, ep.ID)
	assert.Equal(t, StatusFinalized, got.Status)
	got, _ = f.store.GetEscrow(ctx, ed.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, f.balance(t, vendor).Equal(d("90.00")))
}
