package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyedge/internal/budget"
	"github.com/alejandrodnm/polyedge/internal/decision"
	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/execution"
	"github.com/alejandrodnm/polyedge/internal/locks"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/risk"
	"github.com/alejandrodnm/polyedge/internal/snapshot"
	"github.com/alejandrodnm/polyedge/internal/state"
)

const fastLoopInterval = 2 * time.Second

// Analyzer produces the AI inputs for a candidate. The evidence pipeline and
// model fan-out live outside the core; this is the seam they plug into. A
// refusal comes back as a reason code, not an error.
type Analyzer interface {
	Analyze(ctx context.Context, market domain.Market, snap domain.Snapshot) (decision.Inputs, domain.Reason, error)
	// ModelKey names the model whose pinned pricing bounds the call.
	ModelKey() string
}

// Worker evaluates one market: candidate production with trigger
// persistence, lock upkeep, budgeted analysis, decision, and execution.
type Worker struct {
	MarketID string
	WorkerID string

	Machine  *state.Machine
	Coord    *Coordinator
	Locks    *locks.Manager
	Budget   *budget.Manager
	Risk     *risk.Manager
	Exec     *execution.Engine
	Store    ports.Store
	Venue    ports.VenueREST
	Analyzer Analyzer
	Market   domain.Market

	WorstCaseCents int64

	lockVersion   int64
	lockHeld      bool
	triggerCount  int
	triggerSince  time.Time
	lastSnapshotID string
}

// Run drives the fast loop and the lock-renewal loop until the context ends.
func (w *Worker) Run(ctx context.Context) {
	fast := time.NewTicker(fastLoopInterval)
	defer fast.Stop()
	renew := time.NewTicker(domain.LockRenewEverySec * time.Second)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			w.releaseLock()
			return
		case <-renew.C:
			w.renewLock(ctx)
		case <-fast.C:
			if err := w.step(ctx); err != nil {
				slog.Error("worker step failed", "market", w.MarketID, "err", err)
			}
		}
	}
}

// step is one pass of the fast loop: barrier check, snapshot freshness,
// candidate production, and — when everything lines up — a full evaluation.
func (w *Worker) step(ctx context.Context) error {
	if w.Coord.BarrierActive() {
		return nil
	}
	now := time.Now().UTC()

	bs, err := w.Machine.Read(ctx)
	if err != nil {
		return fmt.Errorf("worker.step: %w", err)
	}
	if !bs.State.AllowsNewExposure() {
		return nil
	}

	snap, err := w.Store.LatestSnapshot(ctx, w.MarketID)
	if err != nil {
		return fmt.Errorf("worker.step: snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}

	if healthy, _ := snapshot.HealthyDecision(w.MarketID, *snap, w.Coord, now.UnixMilli()); !healthy {
		w.resetTrigger()
		return nil
	}
	if r := w.Market.EligibilityReason(now); r != domain.ReasonTrade {
		w.resetTrigger()
		return nil
	}
	if r := domain.SnapshotQualityReason(*snap); r != domain.ReasonTrade {
		w.resetTrigger()
		return nil
	}

	if !w.triggerPersisted(*snap, now) {
		return nil
	}

	return w.evaluate(ctx, *snap, now)
}

// triggerPersisted requires TriggerPersistUpdates distinct snapshots over at
// least TriggerPersistMinSec before a candidate forms — spoof resistance.
func (w *Worker) triggerPersisted(snap domain.Snapshot, now time.Time) bool {
	if snap.ID == w.lastSnapshotID {
		return false
	}
	w.lastSnapshotID = snap.ID
	if w.triggerCount == 0 {
		w.triggerSince = now
	}
	w.triggerCount++
	return w.triggerCount >= domain.TriggerPersistUpdates &&
		now.Sub(w.triggerSince) >= domain.TriggerPersistMinSec*time.Second
}

func (w *Worker) resetTrigger() {
	w.triggerCount = 0
	w.lastSnapshotID = ""
}

// evaluate runs the candidate through budgeted analysis, decision, sizing,
// and execution.
func (w *Worker) evaluate(ctx context.Context, snap domain.Snapshot, now time.Time) error {
	defer w.resetTrigger()

	if !w.ensureLock(ctx) {
		return nil
	}

	cand := domain.Candidate{
		ID:         uuid.NewString(),
		MarketID:   w.MarketID,
		SnapshotID: snap.ID,
		CreatedAt:  now,
		Status:     domain.CandidateNew,
	}

	inputs, reason, err := w.analyze(ctx, snap)
	if err != nil {
		return fmt.Errorf("worker.evaluate: %w", err)
	}
	if reason != domain.ReasonTrade {
		slog.Debug("candidate refused", "market", w.MarketID, "reason", reason)
		return nil
	}
	_ = cand.Transition(domain.CandidateEvidenceDone)
	_ = cand.Transition(domain.CandidateAIDone)

	venueAvail, err := w.Venue.Balance(ctx)
	if err != nil {
		slog.Warn("balance read failed, skipping candidate", "err", err)
		return nil
	}
	if ok, r := w.Risk.CanOpen(w.MarketID); !ok {
		slog.Debug("risk refused", "market", w.MarketID, "reason", r)
		return nil
	}
	inputs.SizeUSD = w.Risk.OrderSizeUSD(venueAvail)
	if inputs.SizeUSD <= 0 {
		return nil
	}

	result := decision.Evaluate(cand.ID, w.Market, snap, inputs, time.Now().UTC())
	if result.Decision == nil {
		slog.Debug("no trade", "market", w.MarketID, "reason", result.Reason)
		return nil
	}
	_ = cand.Transition(domain.CandidateDecided)

	if err := w.Store.SaveDecision(ctx, *result.Decision); err != nil {
		return fmt.Errorf("worker.evaluate: save decision: %w", err)
	}

	gen := w.Coord.BarrierGeneration()
	reason, err = w.Exec.Execute(ctx, execution.Request{
		Candidate:        cand,
		Decision:         *result.Decision,
		Market:           w.Market,
		Snapshot:         snap,
		WorkerID:         w.WorkerID,
		LockVersion:      w.lockVersion,
		DecidedAt:        result.Decision.CreatedAt,
		SubmitGeneration: gen,
	})
	if err != nil {
		return fmt.Errorf("worker.evaluate: execute: %w", err)
	}
	if reason == domain.ReasonTrade {
		_ = cand.Transition(domain.CandidateExecuted)
	}
	return nil
}

// analyze wraps the analyzer call in a budget reservation. A denial surfaces
// as AI_BUDGET_DENIED; settlement uses the reserved worst case since the
// analyzer seam does not report actuals.
func (w *Worker) analyze(ctx context.Context, snap domain.Snapshot) (decision.Inputs, domain.Reason, error) {
	dbNow, err := w.Store.DBTime(ctx)
	if err != nil {
		return decision.Inputs{}, domain.ReasonStateForbids, fmt.Errorf("worker.analyze: db time: %w", err)
	}

	correlationID := uuid.NewString()
	reservation, err := w.Budget.Reserve(ctx, dbNow, w.Analyzer.ModelKey(), w.WorstCaseCents, correlationID)
	if err != nil {
		if errors.Is(err, budget.ErrDenied) {
			return decision.Inputs{}, domain.ReasonAIBudgetDenied, nil
		}
		return decision.Inputs{}, domain.ReasonStateForbids, err
	}

	inputs, reason, err := w.Analyzer.Analyze(ctx, w.Market, snap)
	if _, serr := w.Budget.SettleAtReserved(ctx, *reservation); serr != nil {
		slog.Error("budget settle failed", "reservation", reservation.ID, "err", serr)
	}
	if err != nil {
		return decision.Inputs{}, domain.ReasonAITimeout, nil
	}
	return inputs, reason, nil
}

// ensureLock acquires the market lock when not held.
func (w *Worker) ensureLock(ctx context.Context) bool {
	if w.lockHeld {
		return true
	}
	l, err := w.Locks.Acquire(ctx, w.MarketID, w.WorkerID)
	if err != nil {
		slog.Warn("lock acquire failed", "market", w.MarketID, "err", err)
		return false
	}
	if l == nil {
		return false
	}
	w.lockHeld = true
	w.lockVersion = l.LockVersion
	return true
}

// renewLock extends the lease. Renewal failure with a PENDING_UNKNOWN order
// in the market halts; otherwise the candidate is simply dropped by losing
// the lock.
func (w *Worker) renewLock(ctx context.Context) {
	if !w.lockHeld {
		return
	}
	l, err := w.Locks.Renew(ctx, w.MarketID, w.WorkerID)
	if err == nil && l != nil {
		w.lockVersion = l.LockVersion
		return
	}

	w.lockHeld = false
	pending, perr := w.Store.PendingUnknownOrders(ctx)
	if perr != nil {
		slog.Error("pending-unknown read after renew failure", "err", perr)
		return
	}
	for _, o := range pending {
		if o.MarketID == w.MarketID {
			slog.Error("lock renewal failed with PENDING_UNKNOWN in market", "market", w.MarketID)
			if _, herr := w.Machine.Halt(ctx, domain.HaltLockRenewPendingUnk); herr != nil {
				slog.Error("halt failed", "err", herr)
			}
			return
		}
	}
	slog.Warn("lock renewal failed, dropping candidate", "market", w.MarketID)
}

func (w *Worker) releaseLock() {
	if !w.lockHeld {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Locks.Release(ctx, w.MarketID, w.WorkerID); err != nil {
		slog.Warn("lock release failed", "market", w.MarketID, "err", err)
	}
	w.lockHeld = false
}
