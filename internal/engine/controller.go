package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polyedge/internal/adapters/notify"
	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/state"
)

// Controller backs the operator control channel: status rendering and the
// halt/unhalt/arming commands.
type Controller struct {
	Supervisor *Supervisor
	Machine    *state.Machine
	Ceremony   *state.Ceremony
	Store      ports.Store
	Coord      *Coordinator
}

// Status renders the /status summary.
func (c *Controller) Status(ctx context.Context) (string, error) {
	bs, err := c.Machine.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("engine.Status: %w", err)
	}
	now := time.Now().UTC()

	pending, err := c.Store.PendingUnknownOrders(ctx)
	if err != nil {
		return "", fmt.Errorf("engine.Status: %w", err)
	}
	mismatches, err := c.Store.ActiveMismatches(ctx)
	if err != nil {
		return "", fmt.Errorf("engine.Status: %w", err)
	}
	spent, _, analyses, _, err := c.Store.DayStats(ctx, domain.UTCDay(now))
	if err != nil {
		return "", fmt.Errorf("engine.Status: %w", err)
	}

	positions := c.Supervisor.Risk.Positions()
	var exposure float64
	for _, v := range positions {
		exposure += v
	}

	var sb strings.Builder
	notify.RenderStatus(&sb, notify.StatusSummary{
		State:            bs.State,
		Blockers:         c.Machine.Blockers(),
		WalletUSD:        c.Supervisor.Risk.WalletUSDLastGood(),
		OpenPositions:    len(positions),
		ExposureUSD:      exposure,
		DailyPnL:         c.Supervisor.Risk.DailyPnL(now),
		PendingUnknown:   len(pending),
		ActiveMismatches: len(mismatches),
		BudgetSpentUSD:   float64(spent) / 100,
		BudgetCapUSD:     float64(domain.DailyCapCents(c.Supervisor.Risk.WalletUSDLastGood())) / 100,
		AnalysesToday:    analyses,
	})
	return sb.String(), nil
}

// Halt raises the barrier and persists HALTED.
func (c *Controller) Halt(ctx context.Context, reason string) error {
	return c.Supervisor.Halt(ctx, reason)
}

// Unhalt leaves sticky HALTED with a valid TOTP.
func (c *Controller) Unhalt(ctx context.Context, totp string) error {
	if _, err := c.Machine.Unhalt(ctx, totp); err != nil {
		return err
	}
	c.Coord.LowerBarrier()
	return nil
}

// ResumePaper enters PAPER_TRADING with a valid TOTP.
func (c *Controller) ResumePaper(ctx context.Context, totp string) error {
	if _, err := c.Machine.ResumePaper(ctx, totp); err != nil {
		return err
	}
	c.Coord.LowerBarrier()
	return nil
}

// ArmLive mints nonce1.
func (c *Controller) ArmLive(ctx context.Context) (string, error) {
	return c.Ceremony.ArmLive(ctx)
}

// ConfirmLiveStep1 runs arming step 1 and returns nonce2.
func (c *Controller) ConfirmLiveStep1(ctx context.Context, nonce1, totp string) (string, error) {
	return c.Ceremony.ConfirmStep1(ctx, nonce1, totp)
}

// ConfirmLiveStep2 runs arming step 2 into LIVE_TRADING.
func (c *Controller) ConfirmLiveStep2(ctx context.Context, nonce2, totp string) error {
	if err := c.Ceremony.ConfirmStep2(ctx, nonce2, totp); err != nil {
		return err
	}
	if c.Supervisor.Notifier != nil {
		_ = c.Supervisor.Notifier.Alert(ctx, ports.Alert{
			Key: "live-armed", Level: "critical", Message: "LIVE_TRADING enabled by operator ceremony",
		})
	}
	return nil
}
