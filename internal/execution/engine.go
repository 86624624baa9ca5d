// Package execution owns the path from a decided candidate to a venue order:
// the atomic pre-exec gate, the WAL two-phase LIVE submit, the
// PENDING_UNKNOWN resolution protocol, and residual cancellation. PAPER
// orders share the gate but never touch the WAL.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/locks"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/reconcile"
	"github.com/alejandrodnm/polyedge/internal/snapshot"
	"github.com/alejandrodnm/polyedge/internal/state"
	"github.com/alejandrodnm/polyedge/internal/wal"
)

// Coordinator is the slice of process-global state the engine consults at
// the gate: the barrier, its generation counter, the WS view, and the
// per-market bar list left behind by ABSENT_CONFIRMED resolutions.
type Coordinator interface {
	BarrierActive() bool
	BarrierGeneration() int64
	WSView() ports.WSStateView
	MarketBarred(marketID string, now time.Time) bool
	BarMarket(marketID string, until time.Time)
}

// Request is one execution attempt for a decided candidate.
type Request struct {
	Candidate         domain.Candidate
	Decision          domain.Decision
	Market            domain.Market
	Snapshot          domain.Snapshot
	WorkerID          string
	LockVersion       int64 // recorded at decision time
	DecidedAt         time.Time
	MarketableLimit   bool
	SubmitGeneration  int64 // recorded when the submit began
}

// Engine wires the execution path.
type Engine struct {
	machine  *state.Machine
	locks    *locks.Manager
	rec      *reconcile.Engine
	venue    ports.VenueREST
	orders   ports.OrderStore
	wal      *wal.Writer
	events   ports.EventStore
	coord    Coordinator
	notifier ports.Notifier
	paper    *PaperFills

	// submitGate serializes every outbound venue submission process-wide.
	submitGate sync.Mutex
}

// NewEngine creates the execution engine.
func NewEngine(machine *state.Machine, lockMgr *locks.Manager, rec *reconcile.Engine, venue ports.VenueREST, orders ports.OrderStore, w *wal.Writer, events ports.EventStore, coord Coordinator, notifier ports.Notifier) *Engine {
	return &Engine{
		machine:  machine,
		locks:    lockMgr,
		rec:      rec,
		venue:    venue,
		orders:   orders,
		wal:      w,
		events:   events,
		coord:    coord,
		notifier: notifier,
		paper:    NewPaperFills(),
	}
}

// PaperFillTracker exposes the paper fill simulator for the worker loop.
func (e *Engine) PaperFillTracker() *PaperFills { return e.paper }

// Execute runs the gate and, if it holds, the submit. The gate runs under
// the submit gate mutex so nothing suspends between the final check and the
// network call except the call itself.
func (e *Engine) Execute(ctx context.Context, req Request) (domain.Reason, error) {
	e.submitGate.Lock()
	defer e.submitGate.Unlock()

	now := time.Now().UTC()
	bs, err := e.machine.Read(ctx)
	if err != nil {
		return domain.ReasonStateForbids, fmt.Errorf("execution.Execute: %w", err)
	}

	if reason := e.gate(ctx, req, bs, now); reason != domain.ReasonTrade {
		slog.Info("pre-exec gate aborted", "market", req.Market.ConditionID, "reason", reason)
		return reason, nil
	}

	if bs.State == domain.StatePaperTrading {
		return e.submitPaper(ctx, req, now)
	}
	return e.submitLive(ctx, req, now)
}

// gate evaluates every pre-exec condition, returning the most specific
// failure reason.
func (e *Engine) gate(ctx context.Context, req Request, bs domain.BotState, now time.Time) domain.Reason {
	if !bs.State.AllowsNewExposure() {
		return domain.ReasonStateForbids
	}
	if bs.State == domain.StatePaperTrading {
		if blocked, _ := e.machine.PaperBlocked(); blocked {
			return domain.ReasonStateForbids
		}
	} else if e.machine.AnyBlocker() {
		return domain.ReasonStateForbids
	}

	if e.coord.BarrierActive() || req.SubmitGeneration != e.coord.BarrierGeneration() {
		return domain.ReasonBarrierActive
	}
	if req.Candidate.Expired(now) {
		return domain.ReasonCandidateTooOld
	}

	ws := e.coord.WSView()
	if healthy, _ := snapshot.HealthyExec(req.Market.ConditionID, req.Snapshot, ws, now.UnixMilli()); !healthy {
		return domain.ReasonWSUnhealthyExec
	}
	if req.Snapshot.WSEpoch != ws.Epoch() {
		return domain.ReasonWSUnhealthyExec
	}

	if delay := now.Sub(req.DecidedAt); delay > domain.MaxDecisionToExecDelaySec*time.Second {
		return domain.ReasonExecDelayTooHigh
	}

	if e.coord.MarketBarred(req.Market.ConditionID, now) {
		return domain.ReasonMarketBarred
	}

	if green, reasons := e.rec.Green(ctx, now); !green {
		slog.Debug("reconcile not green", "reasons", reasons)
		return domain.ReasonReconcileNotGreen
	}

	if ok, why := e.locks.ValidateForSubmit(ctx, req.Market.ConditionID, req.WorkerID, req.LockVersion, now); !ok {
		slog.Debug("lock validation failed", "why", why)
		return domain.ReasonLockLost
	}

	return domain.ReasonTrade
}

// submitLive runs the two-phase durable submit:
// WAL intent (fsync) -> event intent -> network -> WAL result -> event result.
func (e *Engine) submitLive(ctx context.Context, req Request, now time.Time) (domain.Reason, error) {
	d := req.Decision

	already, err := e.orders.SubmittedForDecision(ctx, d.IDHex)
	if err != nil {
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: idempotency read: %w", err)
	}
	if already {
		// At most one LIVE submit per decision, ever. Not an error: the work
		// is done.
		slog.Warn("duplicate submit suppressed", "decision_id", d.IDHex)
		return domain.ReasonTrade, nil
	}

	order := domain.Order{
		ID:            uuid.NewString(),
		DecisionIDHex: d.IDHex,
		MarketID:      d.MarketID,
		Side:          d.Side,
		Status:        domain.OrderPendingSubmit,
		ClientOrderID: d.ClientOrderID,
		Price:         d.EntryPrice,
		SizeCents:     d.SizeCents,
		ResidualCents: d.SizeCents,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	intentPayload := map[string]any{
		"decision_id_hex": d.IDHex,
		"client_order_id": d.ClientOrderID,
		"market_id":       d.MarketID,
		"side":            string(d.Side),
		"price":           d.EntryPrice,
		"size_cents":      d.SizeCents,
	}

	// Phase 1: WAL intent with fsync. Failure -> no submit, WAL degraded.
	intentRec, err := e.wal.Append(wal.RecordOrderIntent, intentPayload)
	if err != nil {
		e.machine.SetBlocker(domain.BlockerWALDegraded)
		if _, herr := e.machine.Halt(ctx, domain.HaltWALSync); herr != nil {
			slog.Error("halt after wal failure failed", "err", herr)
		}
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: wal intent: %w", err)
	}

	// Phase 2: event-store intent. Failure -> abort the intent durably and
	// fall back to OBSERVE_ONLY until the store recovers.
	if err := e.appendEvent(ctx, intentRec); err != nil {
		if _, aerr := e.wal.Append(wal.RecordOrderIntentAborted, intentPayload); aerr != nil {
			if _, herr := e.machine.Halt(ctx, domain.HaltWALSync); herr != nil {
				slog.Error("halt after abort-write failure failed", "err", herr)
			}
			return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: abort record: %w", aerr)
		}
		e.machine.SetBlocker(domain.BlockerDBDegraded)
		if _, derr := e.machine.Transition(ctx, domain.StateObserveOnly, "event store degraded", nil); derr != nil {
			slog.Error("downgrade after event failure failed", "err", derr)
		}
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: event intent: %w", err)
	}

	if err := e.orders.SaveOrder(ctx, order); err != nil {
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: save order: %w", err)
	}

	// Phase 3: the single network attempt. No retries ever; ambiguity goes
	// to PENDING_UNKNOWN.
	outcome, err := e.venue.SubmitLimitOrder(ctx, ports.SubmitRequest{
		ClientOrderID:   d.ClientOrderID,
		TokenID:         req.Market.TokenFor(d.Side).TokenID,
		MarketID:        d.MarketID,
		Side:            d.Side,
		Price:           d.EntryPrice,
		SizeCents:       d.SizeCents,
		PostOnly:        !req.MarketableLimit,
		MarketableLimit: req.MarketableLimit,
	})
	if err != nil || outcome.Kind == domain.OutcomeAmbiguous {
		reason := outcome.Reason
		if err != nil {
			reason = err.Error()
		}
		slog.Warn("submit ambiguous", "client_order_id", d.ClientOrderID, "reason", reason)
		if terr := order.Transition(domain.OrderPendingUnknown, time.Now().UTC()); terr != nil {
			return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: mark pending: %w", terr)
		}
		if uerr := e.orders.UpdateOrder(ctx, order); uerr != nil {
			return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: persist pending: %w", uerr)
		}
		return domain.ReasonTrade, nil
	}

	// Phase 4+5: durable result.
	resultPayload := map[string]any{
		"decision_id_hex":   d.IDHex,
		"client_order_id":   d.ClientOrderID,
		"exchange_order_id": outcome.Order.ExchangeOrderID,
		"filled_cents":      outcome.Order.FilledCents,
		"open":              outcome.Order.Open,
	}
	resultRec, err := e.wal.Append(wal.RecordOrderResult, resultPayload)
	if err != nil {
		e.machine.SetBlocker(domain.BlockerWALDegraded)
		if _, herr := e.machine.Halt(ctx, domain.HaltWALSync); herr != nil {
			slog.Error("halt after result-wal failure failed", "err", herr)
		}
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: wal result: %w", err)
	}

	nowRes := time.Now().UTC()
	order.ExchangeOrderID = outcome.Order.ExchangeOrderID
	if err := e.adoptVenueState(&order, *outcome.Order, nowRes); err != nil {
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: adopt: %w", err)
	}
	if err := e.orders.UpdateOrder(ctx, order); err != nil {
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: persist: %w", err)
	}
	if err := e.orders.MarkLiveSubmitted(ctx, order.ID); err != nil {
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: mark submitted: %w", err)
	}

	if err := e.appendEvent(ctx, resultRec); err != nil {
		// The WAL holds the result; the event store is behind. Degrade and
		// leave the order for reconciliation to settle.
		e.machine.SetBlocker(domain.BlockerDBDegraded)
		if _, derr := e.machine.Transition(ctx, domain.StateObserveOnly, "event store degraded after result", nil); derr != nil {
			slog.Error("downgrade after result-event failure failed", "err", derr)
		}
		pending := order
		if terr := pending.Transition(domain.OrderPendingUnknown, time.Now().UTC()); terr == nil {
			_ = e.orders.UpdateOrder(ctx, pending)
		}
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitLive: event result: %w", err)
	}

	slog.Info("live order submitted",
		"client_order_id", d.ClientOrderID, "market", d.MarketID, "side", d.Side,
		"price", d.EntryPrice, "size_cents", d.SizeCents, "status", order.Status)
	return domain.ReasonTrade, nil
}

// adoptVenueState maps a venue order report onto the local order.
func (e *Engine) adoptVenueState(order *domain.Order, vo domain.VenueOrder, now time.Time) error {
	switch {
	case vo.FilledCents >= order.SizeCents:
		return order.ApplyFill(order.SizeCents, now)
	case vo.FilledCents > 0:
		return order.ApplyFill(vo.FilledCents, now)
	case vo.Open:
		return order.Transition(domain.OrderOpen, now)
	default:
		return order.Transition(domain.OrderRejected, now)
	}
}

// submitPaper records a paper order. Paper entries never touch the WAL and
// fill only through the pessimistic simulator.
func (e *Engine) submitPaper(ctx context.Context, req Request, now time.Time) (domain.Reason, error) {
	d := req.Decision
	order := domain.Order{
		ID:            uuid.NewString(),
		DecisionIDHex: d.IDHex,
		MarketID:      d.MarketID,
		Side:          d.Side,
		Status:        domain.OrderOpen,
		ClientOrderID: d.ClientOrderID,
		Price:         d.EntryPrice,
		SizeCents:     d.SizeCents,
		ResidualCents: d.SizeCents,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.orders.SaveOrder(ctx, order); err != nil {
		return domain.ReasonStateForbids, fmt.Errorf("execution.submitPaper: %w", err)
	}
	e.paper.Track(order, req.Market.Tick())
	slog.Info("paper order placed",
		"client_order_id", d.ClientOrderID, "market", d.MarketID, "side", d.Side, "price", d.EntryPrice)
	return domain.ReasonTrade, nil
}

// MarketableAllowed answers whether a taker-like marketable limit may be
// used: a comfortable EV margin, a tight book, and realized volatility under
// the manifest-pinned sigma.
func MarketableAllowed(ev, spread, realizedSigma, sigmaMax float64) bool {
	return ev >= domain.EVMin+domain.MarketableEVBonus &&
		spread <= domain.MarketableMaxSpread &&
		realizedSigma <= sigmaMax
}

func (e *Engine) appendEvent(ctx context.Context, rec wal.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	_, err = e.events.AppendEvent(ctx, ports.Event{
		ID:            rec.EventID,
		TS:            rec.TS,
		Type:          string(rec.Type),
		CorrelationID: rec.EventID,
		Payload:       payload,
		PayloadHash:   rec.PayloadHash,
	})
	return err
}

func withinPct(a, b, pct float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs(a-b)/math.Abs(b) <= pct
}
