package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/wal"
)

// PendingResolution is the outcome of a PENDING_UNKNOWN loop.
type PendingResolution struct {
	// Resolved reports whether the ambiguity was settled without halting.
	Resolved bool
	// CandidateDiscarded is set by the price-drift guard: any later attempt
	// needs a fresh candidate with a fresh snapshot.
	CandidateDiscarded bool
}

// acceptance tolerances for a FOUND venue order.
const (
	foundSizeTolerance  = 0.01
	foundPriceTolerance = 0.005
)

// ResolvePendingUnknown polls the venue every PendingUnknownPollSec for up to
// PendingUnknownMaxSec. FOUND adopts the venue state after strict validation;
// ABSENT_CONFIRMED cancels locally and bars the market; anything still
// inconclusive at the deadline halts with ORPHAN_RISK.
//
// midAtStart and currentMid feed the price-drift guard: a move beyond
// PendingUnknownDriftPct discards the candidate regardless of resolution.
func (e *Engine) ResolvePendingUnknown(ctx context.Context, order domain.Order, midAtStart float64, currentMid func() float64) (PendingResolution, error) {
	deadline := time.Now().UTC().Add(domain.PendingUnknownMaxSec * time.Second)
	ticker := time.NewTicker(domain.PendingUnknownPollSec * time.Second)
	defer ticker.Stop()

	res := PendingResolution{}

	for {
		if drifted(midAtStart, currentMid()) {
			res.CandidateDiscarded = true
		}

		outcome, err := e.venue.FindByClientOrderID(ctx, order.ClientOrderID)
		if err != nil {
			slog.Warn("pending-unknown probe failed", "client_order_id", order.ClientOrderID, "err", err)
		} else {
			switch outcome.Kind {
			case domain.OutcomeSuccess:
				done, rerr := e.resolveFound(ctx, &order, *outcome.Order)
				if rerr != nil {
					return res, rerr
				}
				if done {
					res.Resolved = true
					return res, nil
				}
				// Validation failed: halted inside resolveFound.
				return res, nil

			case domain.OutcomeAbsentConfirmed:
				if rerr := e.resolveAbsent(ctx, &order); rerr != nil {
					return res, rerr
				}
				res.Resolved = true
				return res, nil
			}
			// Ambiguous: keep polling.
		}

		if time.Now().UTC().After(deadline) {
			slog.Error("pending-unknown inconclusive past deadline", "client_order_id", order.ClientOrderID)
			e.alert(ctx, "orphan-"+order.ClientOrderID, "critical",
				fmt.Sprintf("Order %s unresolved after %ds — HALT", order.ClientOrderID, domain.PendingUnknownMaxSec))
			if _, herr := e.machine.Halt(ctx, domain.HaltOrphanRisk); herr != nil {
				return res, fmt.Errorf("execution.ResolvePendingUnknown: halt: %w", herr)
			}
			return res, nil
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

// resolveFound accepts the venue order only when side matches exactly, size
// is within 1%, and price within 0.5%. Any violation halts with
// PENDING_UNKNOWN_MISMATCH — a CANCELLED status is never written over it.
func (e *Engine) resolveFound(ctx context.Context, order *domain.Order, vo domain.VenueOrder) (bool, error) {
	now := time.Now().UTC()

	if vo.Side != order.Side ||
		!withinPct(float64(vo.SizeCents), float64(order.SizeCents), foundSizeTolerance) ||
		!withinPct(vo.Price, order.Price, foundPriceTolerance) {
		slog.Error("pending-unknown mismatch",
			"client_order_id", order.ClientOrderID,
			"venue_side", vo.Side, "local_side", order.Side,
			"venue_price", vo.Price, "local_price", order.Price)
		e.alert(ctx, "pum-"+order.ClientOrderID, "critical",
			fmt.Sprintf("PENDING_UNKNOWN mismatch on %s — HALT", order.ClientOrderID))
		if _, herr := e.machine.Halt(ctx, domain.HaltPendingUnknownMismatch); herr != nil {
			return false, fmt.Errorf("execution.resolveFound: halt: %w", herr)
		}
		return false, nil
	}

	order.ExchangeOrderID = vo.ExchangeOrderID
	if err := e.adoptVenueState(order, vo, now); err != nil {
		return false, fmt.Errorf("execution.resolveFound: adopt: %w", err)
	}
	if err := e.orders.UpdateOrder(ctx, *order); err != nil {
		return false, fmt.Errorf("execution.resolveFound: persist: %w", err)
	}
	if err := e.orders.MarkLiveSubmitted(ctx, order.ID); err != nil {
		return false, fmt.Errorf("execution.resolveFound: mark submitted: %w", err)
	}
	if err := e.writeResult(ctx, order, "FOUND"); err != nil {
		return false, err
	}
	slog.Info("pending-unknown resolved FOUND", "client_order_id", order.ClientOrderID, "status", order.Status)
	return true, nil
}

// resolveAbsent marks the order cancelled and bars the market for
// AbsentConfirmedBarSec; a later attempt needs a fresh candidate.
func (e *Engine) resolveAbsent(ctx context.Context, order *domain.Order) error {
	now := time.Now().UTC()
	if err := order.Transition(domain.OrderCancelled, now); err != nil {
		return fmt.Errorf("execution.resolveAbsent: %w", err)
	}
	if err := e.orders.UpdateOrder(ctx, *order); err != nil {
		return fmt.Errorf("execution.resolveAbsent: persist: %w", err)
	}
	if err := e.writeResult(ctx, order, "ABSENT_CONFIRMED"); err != nil {
		return err
	}
	e.coord.BarMarket(order.MarketID, now.Add(domain.AbsentConfirmedBarSec*time.Second))
	slog.Info("pending-unknown resolved ABSENT_CONFIRMED",
		"client_order_id", order.ClientOrderID, "market_barred_sec", domain.AbsentConfirmedBarSec)
	return nil
}

func (e *Engine) writeResult(ctx context.Context, order *domain.Order, resolution string) error {
	rec, err := e.wal.Append(wal.RecordOrderResult, map[string]any{
		"decision_id_hex": order.DecisionIDHex,
		"client_order_id": order.ClientOrderID,
		"resolution":      resolution,
		"status":          string(order.Status),
		"filled_cents":    order.FilledCents,
	})
	if err != nil {
		if _, herr := e.machine.Halt(ctx, domain.HaltWALSync); herr != nil {
			slog.Error("halt after result-wal failure failed", "err", herr)
		}
		return fmt.Errorf("execution.writeResult: %w", err)
	}
	if err := e.appendEvent(ctx, rec); err != nil {
		e.machine.SetBlocker(domain.BlockerDBDegraded)
		return fmt.Errorf("execution.writeResult: event: %w", err)
	}
	return nil
}

// CancelResiduals cancels partial residuals older than ResidualCancelAfterSec.
// An ambiguous cancel becomes PENDING_UNKNOWN (cancel variant); unresolved
// past the deadline halts with RESIDUAL_CANCEL_UNKNOWN.
func (e *Engine) CancelResiduals(ctx context.Context) error {
	active, err := e.orders.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("execution.CancelResiduals: %w", err)
	}
	now := time.Now().UTC()

	for _, o := range active {
		if o.Status != domain.OrderPartiallyFilled || o.ResidualCents <= 0 {
			continue
		}
		if now.Sub(o.UpdatedAt) < domain.ResidualCancelAfterSec*time.Second {
			continue
		}
		if err := e.cancelOrder(ctx, o, domain.HaltResidualCancelUnknown); err != nil {
			return err
		}
	}
	return nil
}

// cancelOrder issues one cancel, writing CANCEL_INTENT/CANCEL_RESULT around
// it, and resolves ambiguity through the pending-unknown loop.
func (e *Engine) cancelOrder(ctx context.Context, o domain.Order, haltCode string) error {
	now := time.Now().UTC()

	intentRec, err := e.wal.Append(wal.RecordCancelIntent, map[string]any{
		"client_order_id":   o.ClientOrderID,
		"exchange_order_id": o.ExchangeOrderID,
	})
	if err != nil {
		if _, herr := e.machine.Halt(ctx, domain.HaltWALSync); herr != nil {
			slog.Error("halt after cancel-intent failure failed", "err", herr)
		}
		return fmt.Errorf("execution.cancelOrder: wal intent: %w", err)
	}
	if err := e.appendEvent(ctx, intentRec); err != nil {
		e.machine.SetBlocker(domain.BlockerDBDegraded)
		return fmt.Errorf("execution.cancelOrder: event intent: %w", err)
	}

	if err := o.Transition(domain.OrderCancelRequested, now); err != nil {
		return fmt.Errorf("execution.cancelOrder: %w", err)
	}
	if err := e.orders.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("execution.cancelOrder: persist: %w", err)
	}

	outcome, err := e.venue.CancelOrder(ctx, o.ExchangeOrderID)
	switch {
	case err == nil && outcome.Kind == domain.OutcomeAbsentConfirmed,
		err == nil && outcome.Kind == domain.OutcomeSuccess:
		if terr := o.Transition(domain.OrderCancelled, time.Now().UTC()); terr != nil {
			return fmt.Errorf("execution.cancelOrder: finalize: %w", terr)
		}
		if uerr := e.orders.UpdateOrder(ctx, o); uerr != nil {
			return fmt.Errorf("execution.cancelOrder: persist cancel: %w", uerr)
		}
		rec, werr := e.wal.Append(wal.RecordCancelResult, map[string]any{
			"client_order_id": o.ClientOrderID,
			"status":          string(o.Status),
		})
		if werr != nil {
			if _, herr := e.machine.Halt(ctx, domain.HaltWALSync); herr != nil {
				slog.Error("halt after cancel-result failure failed", "err", herr)
			}
			return fmt.Errorf("execution.cancelOrder: wal result: %w", werr)
		}
		if eerr := e.appendEvent(ctx, rec); eerr != nil {
			e.machine.SetBlocker(domain.BlockerDBDegraded)
			return fmt.Errorf("execution.cancelOrder: event result: %w", eerr)
		}
		return nil

	default:
		// Ambiguous cancel: PENDING_UNKNOWN, cancel variant.
		reason := "cancel outcome unknown"
		if err != nil {
			reason = err.Error()
		}
		slog.Warn("cancel ambiguous", "client_order_id", o.ClientOrderID, "reason", reason)
		if terr := o.Transition(domain.OrderPendingUnknown, time.Now().UTC()); terr != nil {
			return fmt.Errorf("execution.cancelOrder: mark pending: %w", terr)
		}
		if uerr := e.orders.UpdateOrder(ctx, o); uerr != nil {
			return fmt.Errorf("execution.cancelOrder: persist pending: %w", uerr)
		}
		res, rerr := e.ResolvePendingUnknown(ctx, o, 0, func() float64 { return 0 })
		if rerr != nil {
			return rerr
		}
		if !res.Resolved {
			// ResolvePendingUnknown halted with ORPHAN_RISK; record the more
			// specific cancel code instead.
			if _, herr := e.machine.Halt(ctx, haltCode); herr != nil {
				return fmt.Errorf("execution.cancelOrder: halt: %w", herr)
			}
		}
		return nil
	}
}

// ConfirmCancelAbsent verifies, before any replacement order, that the prior
// cancel left nothing resting on the venue. Not confirmed within the window
// halts.
func (e *Engine) ConfirmCancelAbsent(ctx context.Context, clientOrderID string) error {
	deadline := time.Now().UTC().Add(domain.PendingUnknownMaxSec * time.Second)
	ticker := time.NewTicker(domain.PendingUnknownPollSec * time.Second)
	defer ticker.Stop()

	for {
		outcome, err := e.venue.FindByClientOrderID(ctx, clientOrderID)
		if err == nil {
			switch outcome.Kind {
			case domain.OutcomeAbsentConfirmed:
				return nil
			case domain.OutcomeSuccess:
				if !outcome.Order.Open {
					return nil
				}
			}
		}
		if time.Now().UTC().After(deadline) {
			e.alert(ctx, "replace-"+clientOrderID, "critical",
				fmt.Sprintf("Cancel of %s unconfirmed before replacement — HALT", clientOrderID))
			if _, herr := e.machine.Halt(ctx, domain.HaltReplaceCancelUnknown); herr != nil {
				return fmt.Errorf("execution.ConfirmCancelAbsent: halt: %w", herr)
			}
			return fmt.Errorf("execution.ConfirmCancelAbsent: %s unconfirmed", clientOrderID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) alert(ctx context.Context, key, level, msg string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Alert(ctx, ports.Alert{Key: key, Level: level, Message: msg}); err != nil {
		slog.Warn("alert delivery failed", "key", key, "err", err)
	}
}

func drifted(midAtStart, current float64) bool {
	if midAtStart <= 0 || current <= 0 {
		return false
	}
	return math.Abs(current-midAtStart)/midAtStart > domain.PendingUnknownDriftPct
}
