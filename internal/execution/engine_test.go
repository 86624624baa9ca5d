package execution_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyedge/internal/adapters/storage"
	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/execution"
	"github.com/alejandrodnm/polyedge/internal/locks"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/reconcile"
	"github.com/alejandrodnm/polyedge/internal/state"
	"github.com/alejandrodnm/polyedge/internal/wal"
)

var machineSecret = []byte("exec-test-secret")

// --- fakes ---

type fakeVenue struct {
	mu          sync.Mutex
	submitCount int
	submitOut   domain.Outcome
	findOut     domain.Outcome
	resting     []domain.VenueOrder
}

func (v *fakeVenue) SubmitLimitOrder(_ context.Context, req ports.SubmitRequest) (domain.Outcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitCount++
	if v.submitOut.Kind == domain.OutcomeSuccess && v.submitOut.Order == nil {
		vo := domain.VenueOrder{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: "ex-1",
			MarketID:        req.MarketID,
			Side:            req.Side,
			Price:           req.Price,
			SizeCents:       req.SizeCents,
			Open:            true,
		}
		v.resting = append(v.resting, vo)
		return domain.Success(&vo), nil
	}
	return v.submitOut, nil
}

func (v *fakeVenue) CancelOrder(context.Context, string) (domain.Outcome, error) {
	return domain.AbsentConfirmed(), nil
}

func (v *fakeVenue) OpenOrders(context.Context) ([]domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resting, nil
}

func (v *fakeVenue) FindByClientOrderID(context.Context, string) (domain.Outcome, error) {
	return v.findOut, nil
}

func (v *fakeVenue) Positions(context.Context) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (v *fakeVenue) Balance(context.Context) (float64, error) { return 1000, nil }

func (v *fakeVenue) ServerTime(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func (v *fakeVenue) submits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submitCount
}

type fakeWSView struct {
	epoch     int64
	lastMsgMs int64
}

func (f fakeWSView) Connected() bool      { return true }
func (f fakeWSView) Epoch() int64         { return f.epoch }
func (f fakeWSView) LastMessageMs() int64 { return f.lastMsgMs }

type fakeCoordinator struct {
	mu      sync.Mutex
	barrier bool
	gen     int64
	ws      fakeWSView
	bars    map[string]time.Time
}

func (c *fakeCoordinator) BarrierActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barrier
}

func (c *fakeCoordinator) BarrierGeneration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *fakeCoordinator) WSView() ports.WSStateView { return c.ws }

func (c *fakeCoordinator) MarketBarred(marketID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.bars[marketID]
	return ok && now.Before(until)
}

func (c *fakeCoordinator) BarMarket(marketID string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bars == nil {
		c.bars = make(map[string]time.Time)
	}
	c.bars[marketID] = until
}

// reconcile.StatusView + reconcile.LocalPositions for the test engine.
func (c *fakeCoordinator) WSDown() bool                 { return false }
func (c *fakeCoordinator) WSLastMessageMs() int64       { return 0 }
func (c *fakeCoordinator) WalletUSDLastGood() float64   { return 1000 }
func (c *fakeCoordinator) Positions() map[string]float64 { return map[string]float64{} }

// --- fixture ---

type fixture struct {
	engine  *execution.Engine
	machine *state.Machine
	store   *storage.SQLiteStore
	venue   *fakeVenue
	coord   *fakeCoordinator
	locks   *locks.Manager
	rec     *reconcile.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w, err := wal.Open(filepath.Join(t.TempDir(), "exec.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	machine := state.NewMachine(store, w, store, machineSecret, acceptTOTP{})
	venue := &fakeVenue{submitOut: domain.Outcome{Kind: domain.OutcomeSuccess}}
	nowMs := time.Now().UTC().UnixMilli()
	coord := &fakeCoordinator{ws: fakeWSView{epoch: 1, lastMsgMs: nowMs}}
	rec := reconcile.NewEngine(venue, store, store, coord, coord, nil)
	lockMgr := locks.NewManager(store, "inst-1")

	return &fixture{
		engine:  execution.NewEngine(machine, lockMgr, rec, venue, store, w, store, coord, nil),
		machine: machine,
		store:   store,
		venue:   venue,
		coord:   coord,
		locks:   lockMgr,
		rec:     rec,
	}
}

type acceptTOTP struct{}

func (acceptTOTP) Validate(string) bool { return true }

func (f *fixture) setState(t *testing.T, s domain.TradingState) {
	t.Helper()
	ctx := context.Background()
	_, err := f.machine.Read(ctx) // initialise
	require.NoError(t, err)
	bs := domain.BotState{State: s, Counter: 10, TS: time.Now().UTC()}
	bs.Sign(machineSecret)
	require.NoError(t, f.store.SaveBotState(ctx, bs))
}

func (f *fixture) freshRequest(t *testing.T) execution.Request {
	t.Helper()
	now := time.Now().UTC()
	nowMs := now.UnixMilli()

	snap := domain.Snapshot{
		ID: "s1", MarketID: "m1", SnapshotAtMs: nowMs - 1000, Source: domain.SourceWS,
		WSEpoch: 1, WSLastMessageMs: nowMs - 500,
		MarketLastWSUpdateMs: nowMs - 1000, OrderbookLastChangeMs: nowMs - 1000,
		BestBidYes: 0.40, BestAskYes: 0.42, BestBidNo: 0.56, BestAskNo: 0.58,
		ContentHash: []byte{0xaa},
	}
	d := domain.Decision{
		IDHex: "d1", MarketID: "m1", CandidateID: "c1", Side: domain.SideYes,
		SizeCents: 2000, EntryPrice: 0.42, ClientOrderID: "d1c1",
		SnapshotHash: snap.ContentHash, CreatedAt: now,
	}
	l, err := f.locks.Acquire(context.Background(), "m1", "w0")
	require.NoError(t, err)
	require.NotNil(t, l)

	return execution.Request{
		Candidate: domain.Candidate{ID: "c1", MarketID: "m1", SnapshotID: "s1", CreatedAt: now},
		Decision:  d,
		Market: domain.Market{
			ConditionID: "m1", Active: true,
			EndDate:   now.Add(48 * time.Hour),
			Volume24h: 10000, LiquidityUSD: 50000,
			Tokens: [2]domain.Token{{TokenID: "y", Outcome: "Yes"}, {TokenID: "n", Outcome: "No"}},
		},
		Snapshot:         snap,
		WorkerID:         "w0",
		LockVersion:      l.LockVersion,
		DecidedAt:        now,
		SubmitGeneration: f.coord.BarrierGeneration(),
	}
}

// --- tests ---

// Split freshness at the gate: a snapshot whose market update is 4s old has
// already passed the decision predicate but must abort execution, persisting
// nothing.
func TestGateRejectsStaleSnapshotForExec(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StatePaperTrading)
	require.NoError(t, f.rec.RunOnce(context.Background()))

	req := f.freshRequest(t)
	req.Snapshot.MarketLastWSUpdateMs = time.Now().UTC().UnixMilli() - 4000

	reason, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonWSUnhealthyExec, reason)

	active, err := f.store.ActiveOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active, "no order persisted on gate abort")
	assert.Zero(t, f.venue.submits())
}

func TestGateRejectsObserveOnly(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateObserveOnly)

	reason, err := f.engine.Execute(context.Background(), f.freshRequest(t))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonStateForbids, reason)
}

// After /halt bumps the barrier generation, a submit that recorded the old
// generation can never pass the gate again.
func TestGateRejectsStaleGeneration(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StatePaperTrading)
	require.NoError(t, f.rec.RunOnce(context.Background()))

	req := f.freshRequest(t)
	f.coord.mu.Lock()
	f.coord.gen++ // operator /halt while the submit was in flight
	f.coord.mu.Unlock()

	reason, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonBarrierActive, reason)
	assert.Zero(t, f.venue.submits())
}

func TestGateRejectsExpiredCandidate(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StatePaperTrading)

	req := f.freshRequest(t)
	req.Candidate.CreatedAt = time.Now().UTC().Add(-121 * time.Second)

	reason, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCandidateTooOld, reason)
}

func TestGateRejectsSlowDecisionToExec(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StatePaperTrading)

	req := f.freshRequest(t)
	req.DecidedAt = time.Now().UTC().Add(-9 * time.Second)

	reason, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonExecDelayTooHigh, reason)
}

func TestGateRejectsWithoutReconcileGreen(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StatePaperTrading)
	// No reconcile cycle has completed.
	reason, err := f.engine.Execute(context.Background(), f.freshRequest(t))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonReconcileNotGreen, reason)
}

func TestGateRejectsLostLock(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StatePaperTrading)
	require.NoError(t, f.rec.RunOnce(context.Background()))

	req := f.freshRequest(t)
	req.LockVersion = req.LockVersion + 1 // decision-time version moved

	reason, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonLockLost, reason)
}

func TestGateRejectsBarredMarket(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StatePaperTrading)
	require.NoError(t, f.rec.RunOnce(context.Background()))

	f.coord.BarMarket("m1", time.Now().UTC().Add(time.Minute))
	reason, err := f.engine.Execute(context.Background(), f.freshRequest(t))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonMarketBarred, reason)
}

func TestPaperSubmitPersistsOrder(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StatePaperTrading)
	require.NoError(t, f.rec.RunOnce(context.Background()))

	reason, err := f.engine.Execute(context.Background(), f.freshRequest(t))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTrade, reason)

	active, err := f.store.ActiveOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.OrderOpen, active[0].Status)
	assert.Zero(t, f.venue.submits(), "paper never touches the venue")
}

func TestLiveSubmitOncePerDecision(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateLiveTrading)
	require.NoError(t, f.rec.RunOnce(context.Background()))

	reason, err := f.engine.Execute(context.Background(), f.freshRequest(t))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTrade, reason)
	assert.Equal(t, 1, f.venue.submits())

	// The same decision id can never produce a second network submit.
	require.NoError(t, f.rec.RunOnce(context.Background()))
	reason, err = f.engine.Execute(context.Background(), f.freshRequest(t))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTrade, reason)
	assert.Equal(t, 1, f.venue.submits(), "duplicate suppressed by idempotency record")
}

func TestLiveAmbiguousSubmitGoesPendingUnknown(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateLiveTrading)
	require.NoError(t, f.rec.RunOnce(context.Background()))

	f.venue.submitOut = domain.Ambiguous("504 gateway timeout")
	reason, err := f.engine.Execute(context.Background(), f.freshRequest(t))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTrade, reason)

	pending, err := f.store.PendingUnknownOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotNil(t, pending[0].PendingUnknownSince)
}

// PENDING_UNKNOWN mismatch: the venue reports the client order id with the
// opposite side. HALT; never CANCELLED.
func TestPendingUnknownSideMismatchHalts(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateLiveTrading)

	since := time.Now().UTC()
	order := domain.Order{
		ID: "o1", DecisionIDHex: "d1", MarketID: "m1", Side: domain.SideYes,
		Status: domain.OrderPendingUnknown, ClientOrderID: "d1c1", Price: 0.42,
		SizeCents: 2000, ResidualCents: 2000, PendingUnknownSince: &since,
		CreatedAt: since, UpdatedAt: since,
	}
	require.NoError(t, f.store.SaveOrder(context.Background(), order))

	f.venue.findOut = domain.Success(&domain.VenueOrder{
		ClientOrderID: "d1c1", ExchangeOrderID: "ex-9", MarketID: "m1",
		Side: domain.SideNo, Price: 0.42, SizeCents: 2000, Open: true,
	})

	res, err := f.engine.ResolvePendingUnknown(context.Background(), order, 0.41, func() float64 { return 0.41 })
	require.NoError(t, err)
	assert.False(t, res.Resolved)

	bs, err := f.machine.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateHalted, bs.State)

	got, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPendingUnknown, got.Status, "no CANCELLED write on mismatch")
}

func TestPendingUnknownAbsentConfirmedBarsMarket(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateLiveTrading)

	since := time.Now().UTC()
	order := domain.Order{
		ID: "o1", DecisionIDHex: "d1", MarketID: "m1", Side: domain.SideYes,
		Status: domain.OrderPendingUnknown, ClientOrderID: "d1c1", Price: 0.42,
		SizeCents: 2000, ResidualCents: 2000, PendingUnknownSince: &since,
		CreatedAt: since, UpdatedAt: since,
	}
	require.NoError(t, f.store.SaveOrder(context.Background(), order))
	f.venue.findOut = domain.AbsentConfirmed()

	res, err := f.engine.ResolvePendingUnknown(context.Background(), order, 0.41, func() float64 { return 0.41 })
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.False(t, res.CandidateDiscarded)

	got, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.Status)
	assert.True(t, f.coord.MarketBarred("m1", time.Now().UTC()), "market barred for 300s")
}

func TestPendingUnknownFoundAdoptsVenueState(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateLiveTrading)

	since := time.Now().UTC()
	order := domain.Order{
		ID: "o1", DecisionIDHex: "d1", MarketID: "m1", Side: domain.SideYes,
		Status: domain.OrderPendingUnknown, ClientOrderID: "d1c1", Price: 0.42,
		SizeCents: 2000, ResidualCents: 2000, PendingUnknownSince: &since,
		CreatedAt: since, UpdatedAt: since,
	}
	require.NoError(t, f.store.SaveOrder(context.Background(), order))

	f.venue.findOut = domain.Success(&domain.VenueOrder{
		ClientOrderID: "d1c1", ExchangeOrderID: "ex-9", MarketID: "m1",
		Side: domain.SideYes, Price: 0.42, SizeCents: 2000, FilledCents: 800, Open: true,
	})

	res, err := f.engine.ResolvePendingUnknown(context.Background(), order, 0.41, func() float64 { return 0.41 })
	require.NoError(t, err)
	assert.True(t, res.Resolved)

	got, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, got.Status)
	assert.Equal(t, int64(800), got.FilledCents)
	assert.Equal(t, int64(1200), got.ResidualCents)

	submitted, err := f.store.SubmittedForDecision(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, submitted, "FOUND counts as the decision's one submit")
}

func TestPendingUnknownPriceDriftDiscardsCandidate(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateLiveTrading)

	since := time.Now().UTC()
	order := domain.Order{
		ID: "o1", DecisionIDHex: "d1", MarketID: "m1", Side: domain.SideYes,
		Status: domain.OrderPendingUnknown, ClientOrderID: "d1c1", Price: 0.42,
		SizeCents: 2000, ResidualCents: 2000, PendingUnknownSince: &since,
		CreatedAt: since, UpdatedAt: since,
	}
	require.NoError(t, f.store.SaveOrder(context.Background(), order))
	f.venue.findOut = domain.AbsentConfirmed()

	// Mid moved 5% since the ambiguity began.
	res, err := f.engine.ResolvePendingUnknown(context.Background(), order, 0.40, func() float64 { return 0.42 })
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.True(t, res.CandidateDiscarded, "a >2% drift requires fresh evaluation")
}

func TestCancelResidualsAfterDeadline(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateLiveTrading)

	stale := time.Now().UTC().Add(-31 * time.Second)
	order := domain.Order{
		ID: "o1", DecisionIDHex: "d1", MarketID: "m1", Side: domain.SideYes,
		Status: domain.OrderPartiallyFilled, ClientOrderID: "d1c1", ExchangeOrderID: "ex-1",
		Price: 0.42, SizeCents: 2000, FilledCents: 500, ResidualCents: 1500,
		CreatedAt: stale, UpdatedAt: stale,
	}
	require.NoError(t, f.store.SaveOrder(context.Background(), order))

	require.NoError(t, f.engine.CancelResiduals(context.Background()))

	got, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.Status)
}

func TestCancelResidualsLeavesFreshPartials(t *testing.T) {
	f := newFixture(t)
	f.setState(t, domain.StateLiveTrading)

	now := time.Now().UTC()
	order := domain.Order{
		ID: "o1", DecisionIDHex: "d1", MarketID: "m1", Side: domain.SideYes,
		Status: domain.OrderPartiallyFilled, ClientOrderID: "d1c1", ExchangeOrderID: "ex-1",
		Price: 0.42, SizeCents: 2000, FilledCents: 500, ResidualCents: 1500,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.SaveOrder(context.Background(), order))

	require.NoError(t, f.engine.CancelResiduals(context.Background()))

	got, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, got.Status, "under 30s the residual rests")
}

func TestMarketableAllowed(t *testing.T) {
	sigmaMax := 0.005
	assert.True(t, execution.MarketableAllowed(0.05, 0.01, 0.004, sigmaMax))
	assert.False(t, execution.MarketableAllowed(0.03, 0.01, 0.004, sigmaMax), "EV margin too small")
	assert.False(t, execution.MarketableAllowed(0.05, 0.03, 0.004, sigmaMax), "spread too wide")
	assert.False(t, execution.MarketableAllowed(0.05, 0.01, 0.006, sigmaMax), "volatility too high")
}
