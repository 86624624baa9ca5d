// Package budget enforces the AI spending caps: a daily effective cap, a
// 600 s rolling-window cap, and a hard per-day analysis count. Reservations
// are tentative allocations that must be settled with the actual cost or
// force-settled by the reaper at worst case.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// ErrDenied reports a reservation refused by a cap.
var ErrDenied = errors.New("budget: reservation denied")

// WalletRef supplies the wallet reference the daily cap keys off.
type WalletRef interface {
	WalletUSDLastGood() float64
}

// Manager runs reservations, settlement, and the reaper against the budget
// store. All arithmetic is integer cents.
type Manager struct {
	store  ports.BudgetStore
	wallet WalletRef

	// onDegraded fires when force-settles cross the LIVE threshold.
	onDegraded func()
}

// NewManager creates a budget manager. onDegraded may be nil.
func NewManager(store ports.BudgetStore, wallet WalletRef, onDegraded func()) *Manager {
	return &Manager{store: store, wallet: wallet, onDegraded: onDegraded}
}

// Reserve allocates worst-case cents for one AI call. The store transaction
// checks the daily cap (spent + in-flight + worst case), the rolling-window
// sum, and the analysis count atomically. Returns ErrDenied when any cap
// refuses.
func (m *Manager) Reserve(ctx context.Context, dbNow time.Time, modelKey string, worstCaseCents int64, correlationID string) (*domain.Reservation, error) {
	daily := domain.DailyCapCents(m.wallet.WalletUSDLastGood())
	window := domain.WindowCapCents(daily)

	r := domain.Reservation{
		ID:            uuid.NewString(),
		Day:           domain.UTCDay(dbNow),
		TS:            dbNow,
		ModelKey:      modelKey,
		ReservedCents: worstCaseCents,
		Status:        domain.ReservationReserved,
		CorrelationID: correlationID,
		ExpiresAt:     dbNow.Add(domain.ReservationExpirySec * time.Second),
	}

	ok, err := m.store.Reserve(ctx, r, daily, window)
	if err != nil {
		return nil, fmt.Errorf("budget.Reserve: %w", err)
	}
	if !ok {
		slog.Info("budget reservation denied",
			"model", modelKey, "worst_case_cents", worstCaseCents, "daily_cap_cents", daily)
		return nil, ErrDenied
	}
	return &r, nil
}

// Settle finalises a reservation with its actual cost. Idempotent: a
// reservation already final logs RESERVATION_ALREADY_FINAL and returns
// false without touching the counters.
func (m *Manager) Settle(ctx context.Context, reservationID string, actualCents int64) (bool, error) {
	won, err := m.store.Settle(ctx, reservationID, actualCents)
	if err != nil {
		return false, fmt.Errorf("budget.Settle: %w", err)
	}
	if !won {
		slog.Info("RESERVATION_ALREADY_FINAL", "reservation_id", reservationID)
	}
	return won, nil
}

// SettleAtReserved settles at the reserved worst case when the caller never
// learned the actual cost.
func (m *Manager) SettleAtReserved(ctx context.Context, r domain.Reservation) (bool, error) {
	return m.Settle(ctx, r.ID, r.ReservedCents)
}

// RunReaper force-settles expired reservations every 30 s until the context
// ends. Three or more force-settles in LIVE within one UTC day degrade cost
// accounting.
func (m *Manager) RunReaper(ctx context.Context, live func() bool) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ReapOnce(ctx, time.Now().UTC(), live()); err != nil {
				slog.Error("budget reaper failed", "err", err)
			}
		}
	}
}

// ReapOnce force-settles everything past expiry+grace and applies the
// degradation rule.
func (m *Manager) ReapOnce(ctx context.Context, now time.Time, live bool) error {
	reaped, err := m.store.ReapExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("budget.ReapOnce: %w", err)
	}
	for _, id := range reaped {
		slog.Warn("budget reservation force-settled", "reservation_id", id)
	}
	if len(reaped) == 0 || !live {
		return nil
	}

	_, _, _, forceSettles, err := m.store.DayStats(ctx, domain.UTCDay(now))
	if err != nil {
		return fmt.Errorf("budget.ReapOnce: day stats: %w", err)
	}
	if forceSettles >= domain.ForceSettleDegradedN && m.onDegraded != nil {
		slog.Error("cost accounting degraded", "force_settles_today", forceSettles)
		m.onDegraded()
	}
	return nil
}
