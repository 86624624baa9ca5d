// Package reconcile compares local state against the venue's REST view and
// maintains the RECONCILE_GREEN predicate gating every new LIVE exposure.
// REST reads are authoritative for reconciliation only; reconciliation never
// creates exposure.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// StatusView is the narrow slice of coordinator state the engine reads.
type StatusView interface {
	BarrierActive() bool
	WSDown() bool
	WSLastMessageMs() int64
	WalletUSDLastGood() float64
}

// LocalPositions supplies the local market -> notional USD view.
type LocalPositions interface {
	Positions() map[string]float64
}

// Engine runs reconciliation cycles and answers the green predicate.
type Engine struct {
	venue      ports.VenueREST
	mismatches ports.MismatchStore
	orders     ports.OrderStore
	status     StatusView
	local      LocalPositions
	notifier   ports.Notifier

	mu              sync.Mutex
	lastCompletedAt time.Time
}

// NewEngine wires a reconciliation engine.
func NewEngine(venue ports.VenueREST, mismatches ports.MismatchStore, orders ports.OrderStore, status StatusView, local LocalPositions, notifier ports.Notifier) *Engine {
	return &Engine{
		venue:      venue,
		mismatches: mismatches,
		orders:     orders,
		status:     status,
		local:      local,
		notifier:   notifier,
	}
}

// LastCompletedAt returns the completion time of the last full cycle.
func (e *Engine) LastCompletedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCompletedAt
}

// RunOnce executes one full reconciliation cycle: orders then positions,
// mismatch upserts, resolution of now-matching entities, and the cumulative
// Level-1 drift escalation.
func (e *Engine) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	wallet := e.status.WalletUSDLastGood()

	venueOrders, err := e.venue.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile.RunOnce: open orders: %w", err)
	}
	venuePositions, err := e.venue.Positions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile.RunOnce: positions: %w", err)
	}

	active, err := e.mismatches.ActiveMismatches(ctx)
	if err != nil {
		return fmt.Errorf("reconcile.RunOnce: active mismatches: %w", err)
	}
	activeByID := make(map[string]domain.Mismatch, len(active))
	for _, m := range active {
		activeByID[m.ID] = m
	}

	if err := e.reconcileOrders(ctx, venueOrders, activeByID, wallet, now); err != nil {
		return err
	}
	if err := e.reconcilePositions(ctx, venuePositions, activeByID, wallet, now); err != nil {
		return err
	}
	if err := e.reconcileDrift(ctx, activeByID, wallet, now); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastCompletedAt = now
	e.mu.Unlock()
	return nil
}

// reconcileOrders checks that every local active LIVE order exists on the
// venue by client_order_id, and that no venue order is unknown locally. An
// order mismatch from an earlier cycle that no longer reproduces — the venue
// caught up, the local order went terminal, the foreign order left the book —
// is resolved, mirroring the position path.
func (e *Engine) reconcileOrders(ctx context.Context, venueOrders []domain.VenueOrder, activeByID map[string]domain.Mismatch, wallet float64, now time.Time) error {
	local, err := e.orders.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile.reconcileOrders: %w", err)
	}

	byClientID := make(map[string]domain.VenueOrder, len(venueOrders))
	for _, vo := range venueOrders {
		byClientID[vo.ClientOrderID] = vo
	}
	localByClientID := make(map[string]bool, len(local))
	diverged := make(map[string]bool)

	for _, o := range local {
		localByClientID[o.ClientOrderID] = true
		if o.Status == domain.OrderPendingUnknown {
			continue // its own protocol resolves it
		}
		if _, found := byClientID[o.ClientOrderID]; !found {
			// Any non-terminal local order absent on the venue is exposure
			// divergence, partials and in-flight cancels included.
			delta := float64(o.ResidualCents) / 100
			if delta < domain.MinReconcileUSD {
				continue
			}
			id := "order-missing-" + o.ClientOrderID
			diverged[id] = true
			if err := e.record(ctx, id, o.MarketID, delta, wallet, now,
				fmt.Sprintf("local %s order %s absent on venue", o.Status, o.ClientOrderID)); err != nil {
				return err
			}
		}
	}

	for _, vo := range venueOrders {
		if !localByClientID[vo.ClientOrderID] {
			id := "order-foreign-" + vo.ClientOrderID
			diverged[id] = true
			if err := e.record(ctx, id, vo.MarketID, float64(vo.SizeCents-vo.FilledCents)/100, wallet, now,
				fmt.Sprintf("venue order %s unknown locally", vo.ClientOrderID)); err != nil {
				return err
			}
		}
	}

	// A full cycle that no longer reproduces an order mismatch means the
	// local and venue views of that order agree again.
	for id := range activeByID {
		if !strings.HasPrefix(id, "order-") || diverged[id] {
			continue
		}
		if err := e.mismatches.ResolveMismatch(ctx, id, now); err != nil {
			return fmt.Errorf("reconcile.reconcileOrders: resolve %s: %w", id, err)
		}
		slog.Info("reconcile mismatch resolved", "id", id)
	}
	return nil
}

// reconcilePositions compares per-market notionals.
func (e *Engine) reconcilePositions(ctx context.Context, venuePositions map[string]float64, activeByID map[string]domain.Mismatch, wallet float64, now time.Time) error {
	local := e.local.Positions()

	markets := make(map[string]bool, len(local)+len(venuePositions))
	for mid := range local {
		markets[mid] = true
	}
	for mid := range venuePositions {
		markets[mid] = true
	}

	for mid := range markets {
		delta := math.Abs(local[mid] - venuePositions[mid])
		id := "position-" + mid
		if delta < domain.MinReconcileUSD {
			// Exactly matching state resolves an open mismatch.
			if _, open := activeByID[id]; open && delta == 0 {
				if err := e.mismatches.ResolveMismatch(ctx, id, now); err != nil {
					return fmt.Errorf("reconcile.reconcilePositions: resolve: %w", err)
				}
			}
			continue
		}
		if err := e.record(ctx, id, mid, delta, wallet, now,
			fmt.Sprintf("position delta %.2f USD (local %.2f venue %.2f)", delta, local[mid], venuePositions[mid])); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, id, marketID string, deltaUSD, wallet float64, now time.Time, details string) error {
	level := domain.ClassifyMismatch(deltaUSD, wallet)
	m := domain.Mismatch{
		ID:        id,
		MarketID:  marketID,
		Level:     level,
		Status:    domain.MismatchActive,
		FirstSeen: now,
		LastSeen:  now,
		DeltaUSD:  deltaUSD,
		Details:   details,
	}
	if err := e.mismatches.UpsertMismatch(ctx, m); err != nil {
		return fmt.Errorf("reconcile.record: %w", err)
	}
	slog.Warn("reconcile mismatch", "id", id, "level", level, "delta_usd", deltaUSD)
	return nil
}

// reconcileDrift escalates to a Level-2 mismatch with an alert while the
// day's cumulative Level-1 drift exceeds the bound, and resolves the
// escalation once the condition clears — the day's drift falling back under
// the bound, or the UTC day rolling over. The escalation must never outlive
// the condition that raised it.
func (e *Engine) reconcileDrift(ctx context.Context, activeByID map[string]domain.Mismatch, wallet float64, now time.Time) error {
	day := domain.UTCDay(now)
	id := "drift-" + day

	drift, err := e.mismatches.Level1DriftUSD(ctx, day)
	if err != nil {
		return fmt.Errorf("reconcile.reconcileDrift: %w", err)
	}

	// Escalations left over from earlier days resolve unconditionally.
	for staleID := range activeByID {
		if strings.HasPrefix(staleID, "drift-") && staleID != id {
			if err := e.mismatches.ResolveMismatch(ctx, staleID, now); err != nil {
				return fmt.Errorf("reconcile.reconcileDrift: resolve %s: %w", staleID, err)
			}
			slog.Info("reconcile mismatch resolved", "id", staleID)
		}
	}

	_, escalated := activeByID[id]
	switch {
	case drift > domain.Level1DailyDriftUSD:
		if err := e.record(ctx, id, "", domain.Level2ThresholdUSD(wallet), wallet, now,
			fmt.Sprintf("cumulative level-1 drift %.2f USD today", drift)); err != nil {
			return err
		}
		if !escalated && e.notifier != nil {
			_ = e.notifier.Alert(ctx, ports.Alert{
				Key:     id,
				Level:   "warn",
				Message: fmt.Sprintf("Cumulative Level-1 drift %.2f USD escalated to Level-2", drift),
			})
		}
	case escalated:
		if err := e.mismatches.ResolveMismatch(ctx, id, now); err != nil {
			return fmt.Errorf("reconcile.reconcileDrift: resolve %s: %w", id, err)
		}
		slog.Info("reconcile mismatch resolved", "id", id)
	}
	return nil
}

// Green evaluates RECONCILE_GREEN: a recent completion that postdates the
// last WS activity, no active Level-2/3 mismatches, no PENDING_UNKNOWN
// orders of any age, no barrier, and WS up.
func (e *Engine) Green(ctx context.Context, now time.Time) (bool, []string) {
	var reasons []string

	e.mu.Lock()
	last := e.lastCompletedAt
	e.mu.Unlock()

	switch {
	case last.IsZero():
		reasons = append(reasons, "no reconcile completed yet")
	case now.Sub(last) > domain.ReconcileFreshSec*time.Second:
		reasons = append(reasons, fmt.Sprintf("last reconcile %.0fs ago", now.Sub(last).Seconds()))
	case last.UnixMilli() < e.status.WSLastMessageMs():
		reasons = append(reasons, "reconcile predates last ws activity")
	}

	active, err := e.mismatches.ActiveMismatches(ctx)
	if err != nil {
		reasons = append(reasons, fmt.Sprintf("mismatch read failed: %v", err))
	} else {
		for _, m := range active {
			if m.Level >= 2 {
				reasons = append(reasons, fmt.Sprintf("active level-%d mismatch %s", m.Level, m.ID))
				break
			}
		}
	}

	pending, err := e.orders.PendingUnknownOrders(ctx)
	if err != nil {
		reasons = append(reasons, fmt.Sprintf("order read failed: %v", err))
	} else if len(pending) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d PENDING_UNKNOWN orders", len(pending)))
	}

	if e.status.BarrierActive() {
		reasons = append(reasons, "barrier active")
	}
	if e.status.WSDown() {
		reasons = append(reasons, "ws down")
	}

	return len(reasons) == 0, reasons
}
