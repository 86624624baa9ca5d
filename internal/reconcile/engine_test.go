package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyedge/internal/adapters/storage"
	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/reconcile"
)

// --- mocks ---

type mockVenue struct {
	ports.VenueREST
	orders    []domain.VenueOrder
	positions map[string]float64
}

func (m *mockVenue) OpenOrders(context.Context) ([]domain.VenueOrder, error) {
	return m.orders, nil
}

func (m *mockVenue) Positions(context.Context) (map[string]float64, error) {
	if m.positions == nil {
		return map[string]float64{}, nil
	}
	return m.positions, nil
}

type mockStatus struct {
	barrier   bool
	wsDown    bool
	lastWSMs  int64
	walletUSD float64
}

func (m mockStatus) BarrierActive() bool      { return m.barrier }
func (m mockStatus) WSDown() bool             { return m.wsDown }
func (m mockStatus) WSLastMessageMs() int64   { return m.lastWSMs }
func (m mockStatus) WalletUSDLastGood() float64 { return m.walletUSD }

type mockLocal map[string]float64

func (m mockLocal) Positions() map[string]float64 { return m }

func newEngine(t *testing.T, venue *mockVenue, status mockStatus, local mockLocal) (*reconcile.Engine, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return reconcile.NewEngine(venue, store, store, status, local, nil), store
}

func TestGreenRequiresCompletedCycle(t *testing.T) {
	eng, _ := newEngine(t, &mockVenue{}, mockStatus{walletUSD: 1000}, mockLocal{})
	green, reasons := eng.Green(context.Background(), time.Now().UTC())
	assert.False(t, green)
	assert.NotEmpty(t, reasons)
}

func TestCleanCycleGoesGreen(t *testing.T) {
	eng, _ := newEngine(t, &mockVenue{}, mockStatus{walletUSD: 1000}, mockLocal{})
	ctx := context.Background()

	require.NoError(t, eng.RunOnce(ctx))
	green, reasons := eng.Green(ctx, time.Now().UTC())
	assert.True(t, green, "reasons: %v", reasons)
}

func TestGreenFailsWhenStale(t *testing.T) {
	eng, _ := newEngine(t, &mockVenue{}, mockStatus{walletUSD: 1000}, mockLocal{})
	ctx := context.Background()

	require.NoError(t, eng.RunOnce(ctx))
	green, _ := eng.Green(ctx, time.Now().UTC().Add(121*time.Second))
	assert.False(t, green, "completion older than 120s")
}

func TestGreenFailsWhenWSNewerThanReconcile(t *testing.T) {
	status := mockStatus{walletUSD: 1000, lastWSMs: time.Now().UTC().Add(time.Minute).UnixMilli()}
	eng, _ := newEngine(t, &mockVenue{}, status, mockLocal{})
	ctx := context.Background()

	require.NoError(t, eng.RunOnce(ctx))
	green, _ := eng.Green(ctx, time.Now().UTC())
	assert.False(t, green, "reconcile must postdate the last WS activity")
}

func TestGreenFailsOnBarrierAndWSDown(t *testing.T) {
	eng, _ := newEngine(t, &mockVenue{}, mockStatus{walletUSD: 1000, barrier: true, wsDown: true}, mockLocal{})
	ctx := context.Background()
	require.NoError(t, eng.RunOnce(ctx))

	green, reasons := eng.Green(ctx, time.Now().UTC())
	assert.False(t, green)
	assert.GreaterOrEqual(t, len(reasons), 2)
}

func TestGreenFailsOnPendingUnknown(t *testing.T) {
	eng, store := newEngine(t, &mockVenue{}, mockStatus{walletUSD: 1000}, mockLocal{})
	ctx := context.Background()
	require.NoError(t, eng.RunOnce(ctx))

	since := time.Now().UTC()
	require.NoError(t, store.SaveOrder(ctx, domain.Order{
		ID: "o1", DecisionIDHex: "d1", MarketID: "m1", Side: domain.SideYes,
		Status: domain.OrderPendingUnknown, ClientOrderID: "c1",
		SizeCents: 100, ResidualCents: 100, PendingUnknownSince: &since,
		CreatedAt: since, UpdatedAt: since,
	}))

	green, _ := eng.Green(ctx, time.Now().UTC())
	assert.False(t, green, "any PENDING_UNKNOWN order blocks green")
}

func TestPositionMismatchRecordedAndLeveled(t *testing.T) {
	venue := &mockVenue{positions: map[string]float64{"m1": 0}}
	eng, store := newEngine(t, venue, mockStatus{walletUSD: 1000}, mockLocal{"m1": 7.50})
	ctx := context.Background()

	require.NoError(t, eng.RunOnce(ctx))

	active, err := store.ActiveMismatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 3, active[0].Level, "7.50 over the 5.00 floor is level 3")
	assert.Equal(t, "m1", active[0].MarketID)

	green, _ := eng.Green(ctx, time.Now().UTC())
	assert.False(t, green, "level-3 blocks green")
}

func TestMismatchResolvesOnExactMatch(t *testing.T) {
	venue := &mockVenue{positions: map[string]float64{"m1": 0}}
	local := mockLocal{"m1": 7.50}
	eng, store := newEngine(t, venue, mockStatus{walletUSD: 1000}, local)
	ctx := context.Background()

	require.NoError(t, eng.RunOnce(ctx))
	active, err := store.ActiveMismatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Venue and local now agree exactly: the next full cycle resolves.
	local["m1"] = 0
	require.NoError(t, eng.RunOnce(ctx))
	active, err = store.ActiveMismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestForeignVenueOrderFlagged(t *testing.T) {
	venue := &mockVenue{orders: []domain.VenueOrder{{
		ClientOrderID: "unknown-1", MarketID: "m1", Side: domain.SideYes,
		Price: 0.50, SizeCents: 1000, Open: true,
	}}}
	eng, store := newEngine(t, venue, mockStatus{walletUSD: 1000}, mockLocal{})
	ctx := context.Background()

	require.NoError(t, eng.RunOnce(ctx))
	active, err := store.ActiveMismatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Contains(t, active[0].Details, "unknown locally")
}

// A transient foreign order — seen once, gone the next cycle — must not
// leave a green-blocking mismatch behind.
func TestForeignOrderMismatchResolvesWhenGone(t *testing.T) {
	venue := &mockVenue{orders: []domain.VenueOrder{{
		ClientOrderID: "unknown-1", MarketID: "m1", Side: domain.SideYes,
		Price: 0.50, SizeCents: 1000, Open: true,
	}}}
	eng, store := newEngine(t, venue, mockStatus{walletUSD: 1000}, mockLocal{})
	ctx := context.Background()

	require.NoError(t, eng.RunOnce(ctx))
	green, _ := eng.Green(ctx, time.Now().UTC())
	assert.False(t, green, "the $10 foreign order classifies level 3")

	venue.orders = nil
	require.NoError(t, eng.RunOnce(ctx))

	active, err := store.ActiveMismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	green, reasons := eng.Green(ctx, time.Now().UTC())
	assert.True(t, green, "reasons: %v", reasons)
}

// A partially filled local order absent on the venue is exposure divergence
// too, not just OPEN orders — and it resolves once the venue reports it.
func TestMissingPartialOrderFlaggedAndResolves(t *testing.T) {
	venue := &mockVenue{}
	eng, store := newEngine(t, venue, mockStatus{walletUSD: 1000}, mockLocal{})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveOrder(ctx, domain.Order{
		ID: "o1", DecisionIDHex: "d1", MarketID: "m1", Side: domain.SideYes,
		Status: domain.OrderPartiallyFilled, ClientOrderID: "c1", Price: 0.50,
		SizeCents: 2000, FilledCents: 500, ResidualCents: 1500,
		CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, eng.RunOnce(ctx))
	active, err := store.ActiveMismatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "order-missing-c1", active[0].ID)
	assert.Contains(t, active[0].Details, "PARTIALLY_FILLED")

	// The venue catches up: the next full cycle resolves.
	venue.orders = []domain.VenueOrder{{
		ClientOrderID: "c1", MarketID: "m1", Side: domain.SideYes,
		Price: 0.50, SizeCents: 2000, FilledCents: 500, Open: true,
	}}
	require.NoError(t, eng.RunOnce(ctx))
	active, err = store.ActiveMismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

// The drift escalation tracks its condition: active while the day's Level-1
// drift exceeds the bound, resolved when the drift no longer does.
func TestDriftEscalationRaisesAndResolves(t *testing.T) {
	eng, store := newEngine(t, &mockVenue{}, mockStatus{walletUSD: 1000}, mockLocal{})
	ctx := context.Background()
	now := time.Now().UTC()

	// Two resolved Level-1 mismatches summing past 3.00 USD today.
	for i, id := range []string{"mm-a", "mm-b"} {
		require.NoError(t, store.UpsertMismatch(ctx, domain.Mismatch{
			ID: id, MarketID: "m1", Level: 1, Status: domain.MismatchResolved,
			FirstSeen: now, LastSeen: now.Add(time.Duration(i) * time.Second), DeltaUSD: 2.00,
		}))
	}

	require.NoError(t, eng.RunOnce(ctx))
	active, err := store.ActiveMismatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Level)
	green, _ := eng.Green(ctx, time.Now().UTC())
	assert.False(t, green)

	// The drift leaves today's window (UTC rollover): the escalation clears
	// and trading can go green again.
	yesterday := now.Add(-25 * time.Hour)
	for _, id := range []string{"mm-a", "mm-b"} {
		require.NoError(t, store.UpsertMismatch(ctx, domain.Mismatch{
			ID: id, MarketID: "m1", Level: 1, Status: domain.MismatchResolved,
			FirstSeen: yesterday, LastSeen: yesterday, DeltaUSD: 2.00,
		}))
	}
	require.NoError(t, eng.RunOnce(ctx))

	active, err = store.ActiveMismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	green, reasons := eng.Green(ctx, time.Now().UTC())
	assert.True(t, green, "reasons: %v", reasons)
}
