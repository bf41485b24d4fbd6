package reconciliation

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bazaar/internal/catalog"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/settings"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyer  = "buyer-1"
	vendor = "vendor-user-1"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	svc     *escrow.Service
	store   *escrow.MemoryStore
	wallets *ledger.MemoryStore
	ledger  *ledger.Ledger
	rec     *Reconciler
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		wallets: ledger.NewMemoryStore(),
		now:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	products := catalog.NewMemoryStore()
	f.ledger = ledger.New(f.wallets)
	f.store = escrow.NewMemoryStore(f.wallets, products)
	f.svc = escrow.NewService(f.store, products, settings.NewService(settings.NewMemoryStore(), decimal.NewFromInt(10))).
		WithLogger(discard).
		WithClock(func() time.Time { return f.now })
	f.rec = New(f.store, f.wallets, discard)
	f.rec.now = func() time.Time { return f.now }

	require.NoError(t, products.Put(ctx, &catalog.Product{
		ID:           "p1",
		VendorID:     "vendor-1",
		VendorUserID: vendor,
		Name:         "Lamp",
		Price:        decimal.NewFromInt(50),
		Type:         catalog.Physical,
		Stock:        10,
	}))
	_, err := f.ledger.Deposit(ctx, buyer, decimal.NewFromInt(500), "pi_1")
	require.NoError(t, err)
	return f
}

func (f *fixture) checkout(t *testing.T) *escrow.Order {
	t.Helper()
	o, _, err := f.svc.Checkout(context.Background(), buyer, "p1")
	require.NoError(t, err)
	return o
}

func TestAuditOrder_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	active := f.checkout(t)
	a, err := f.rec.AuditOrder(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, a.Match, a.Problems)
	assert.True(t, a.Locked.Equal(decimal.NewFromInt(50)))

	finalized := f.checkout(t)
	_, err = f.svc.Finalize(ctx, finalized.ID, escrow.Requester{UserID: buyer})
	require.NoError(t, err)
	a, err = f.rec.AuditOrder(ctx, finalized.ID)
	require.NoError(t, err)
	assert.True(t, a.Match, a.Problems)
	assert.True(t, a.Released.Equal(decimal.NewFromInt(45)))

	disputed := f.checkout(t)
	dsp, err := f.svc.OpenDispute(ctx, disputed.ID, escrow.Requester{UserID: buyer}, "broken")
	require.NoError(t, err)
	a, err = f.rec.AuditOrder(ctx, disputed.ID)
	require.NoError(t, err)
	assert.True(t, a.Match, a.Problems)
	assert.Equal(t, dsp.ID, a.DisputeID)

	_, err = f.svc.ResolveDispute(ctx, dsp.ID, escrow.Requester{UserID: vendor}, 30, 70, "partial")
	require.NoError(t, err)
	a, err = f.rec.AuditOrder(ctx, disputed.ID)
	require.NoError(t, err)
	assert.True(t, a.Match, a.Problems)
	assert.True(t, a.Refunded.Equal(decimal.NewFromInt(15)))
	assert.True(t, a.PaidOut.Equal(decimal.NewFromInt(35)))
}

func TestAuditOrder_DetectsStrayPayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.checkout(t)

	// A release posted outside the escrow transition.
	_, err := f.ledger.Credit(ctx, vendor, decimal.NewFromInt(45), ledger.TxEscrowRelease, "manual", ledger.OrderRef(o.ID))
	require.NoError(t, err)

	before := promtest.ToFloat64(reconcileOrderMismatches)
	a, err := f.rec.AuditOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, a.Match)
	require.Len(t, a.Problems, 1)
	assert.Contains(t, a.Problems[0], "paid out")
	assert.Equal(t, before+1, promtest.ToFloat64(reconcileOrderMismatches))
}

func TestAuditOrder_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.AuditOrder(context.Background(), "ord_missing")
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

func TestRun_FlagsStuckEscrows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.checkout(t)
	f.checkout(t)
	_, err := f.svc.Finalize(ctx, o.ID, escrow.Requester{UserID: buyer})
	require.NoError(t, err)

	// Inside the grace period nothing is stuck.
	f.now = f.now.Add(escrow.PhysicalWindow + time.Hour)
	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Stuck)

	f.now = f.now.Add(DefaultGrace)
	rep, err = f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stuck)
	assert.Equal(t, 1, rep.Audited)
	assert.Equal(t, 0, rep.Mismatch)
	assert.Equal(t, float64(1), promtest.ToFloat64(reconcileStuckEscrows))
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	o := f.checkout(t)

	r := gin.New()
	NewHandler(f.rec, discard).RegisterAdminRoutes(r.Group("/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/orders/"+o.ID+"/audit", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"match":true`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/orders/ord_missing/audit", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/run", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"report"`)
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.rec, discard).WithInterval(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
