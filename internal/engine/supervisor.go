package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alejandrodnm/polyedge/internal/budget"
	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/execution"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/reconcile"
	"github.com/alejandrodnm/polyedge/internal/risk"
	"github.com/alejandrodnm/polyedge/internal/state"
)

// Supervisor starts the market workers and the background loops after the
// startup sequence completes: the reconcile heartbeat, the budget reaper,
// the risk checks, residual cancellation, and the UTC-midnight jobs.
type Supervisor struct {
	Machine   *state.Machine
	Coord     *Coordinator
	Reconcile *reconcile.Engine
	Budget    *budget.Manager
	Risk      *risk.Manager
	Exec      *execution.Engine
	Notifier  ports.Notifier
	Workers   []*Worker

	cron *cron.Cron
	wg   sync.WaitGroup
}

// Run starts everything and blocks until the context ends.
func (s *Supervisor) Run(ctx context.Context) {
	for _, w := range s.Workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconcileLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Budget.RunReaper(ctx, s.isLive)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.riskLoop(ctx)
	}()

	// Midnight UTC: daily-halt expiry. The budget day rolls implicitly with
	// the day key; this job only has to wake the state machine.
	s.cron = cron.New(cron.WithLocation(time.UTC))
	_, err := s.cron.AddFunc("0 0 * * *", func() {
		if err := s.Machine.ExpireDailyHalt(ctx); err != nil {
			slog.Error("daily halt expiry failed", "err", err)
		}
	})
	if err != nil {
		slog.Error("cron registration failed", "err", err)
	}
	s.cron.Start()

	<-ctx.Done()
	s.cron.Stop()
	s.wg.Wait()
}

func (s *Supervisor) isLive() bool {
	bs, err := s.Machine.Read(context.Background())
	if err != nil {
		return false
	}
	return bs.State == domain.StateLiveTrading
}

// reconcileLoop runs the heartbeat cycle and keeps the degraded blocker in
// sync with outcomes.
func (s *Supervisor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(domain.ReconcileHeartbeatSec * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile.RunOnce(ctx); err != nil {
				slog.Error("reconcile heartbeat failed", "err", err)
				s.Machine.SetBlocker(domain.BlockerReconcileDegraded)
				continue
			}
			s.Machine.ClearBlocker(domain.BlockerReconcileDegraded)

			if err := s.Exec.CancelResiduals(ctx); err != nil {
				slog.Error("residual cancellation failed", "err", err)
			}
		}
	}
}

// riskLoop watches the daily stop and the wallet reference staleness.
func (s *Supervisor) riskLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()

			if s.Risk.DailyStopHit(now) {
				bs, err := s.Machine.Read(ctx)
				if err == nil && bs.State != domain.StateHaltedDaily && bs.State.AllowsNewExposure() {
					slog.Error("daily stop loss hit", "daily_pnl", s.Risk.DailyPnL(now))
					s.Coord.RaiseBarrier()
					if _, herr := s.Machine.HaltDaily(ctx); herr != nil {
						slog.Error("daily halt failed", "err", herr)
					}
					s.alert(ctx, "daily-stop", "critical", "Daily stop loss hit — HALTED_DAILY until UTC midnight")
					// Best effort: the next reconcile cycle cancels resting
					// orders it finds.
					if err := s.Exec.CancelResiduals(ctx); err != nil {
						slog.Warn("post-stop residual cancel failed", "err", err)
					}
				}
			}

			if s.Risk.WalletStale(now) {
				bs, err := s.Machine.Read(ctx)
				if err == nil && bs.State.AllowsNewExposure() {
					slog.Warn("wallet reference stale, downgrading", "reason", domain.ReasonWalletRefStale)
					if _, derr := s.Machine.Transition(ctx, domain.StateObserveOnly, string(domain.ReasonWalletRefStale), nil); derr != nil {
						slog.Error("stale-wallet downgrade failed", "err", derr)
					}
				}
			}
		}
	}
}

// Halt is the /halt path: raise the barrier (bumping the generation so no
// in-flight submit passes its gate again), then persist HALTED.
func (s *Supervisor) Halt(ctx context.Context, reason string) error {
	gen := s.Coord.RaiseBarrier()
	slog.Warn("halt requested", "reason", reason, "barrier_generation", gen)
	if _, err := s.Machine.Halt(ctx, reason); err != nil {
		return err
	}
	s.alert(ctx, "halted", "critical", "Trading HALTED: "+reason)
	return nil
}

func (s *Supervisor) alert(ctx context.Context, key, level, msg string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Alert(ctx, ports.Alert{Key: key, Level: level, Message: msg}); err != nil {
		slog.Warn("alert failed", "key", key, "err", err)
	}
}
