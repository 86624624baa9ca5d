package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/manifest"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/reconcile"
	"github.com/alejandrodnm/polyedge/internal/risk"
	"github.com/alejandrodnm/polyedge/internal/state"
	"github.com/alejandrodnm/polyedge/internal/wal"
)

// StartupDeps collects everything the ordered startup sequence touches.
type StartupDeps struct {
	ManifestPath   string
	ManifestSecret []byte
	SecretFiles    []string
	WALPath        string

	Machine   *state.Machine
	Ceremony  *state.Ceremony
	Store     ports.Store
	Venue     ports.VenueREST
	Reconcile *reconcile.Engine
	Risk      *risk.Manager
	Notifier  ports.Notifier
	Coord     *Coordinator
}

// StartupResult reports what the sequence established.
type StartupResult struct {
	Manifest     *manifest.Manifest
	ReplayStats  wal.ReplayStats
	WalletUSD    float64
	InitialState domain.TradingState
}

// RunStartup executes the strictly ordered startup sequence. No worker may
// start before it returns. Any hard failure halts durably and returns the
// error.
func RunStartup(ctx context.Context, d StartupDeps) (*StartupResult, error) {
	res := &StartupResult{}

	// 1. Signed config manifest.
	m, err := manifest.Load(d.ManifestPath, d.ManifestSecret)
	if err != nil {
		d.alert(ctx, "config-tamper", "critical", "Config manifest verification failed — HALTED")
		return nil, d.haltf(ctx, domain.HaltConfigTamper, "startup: manifest: %w", err)
	}
	res.Manifest = m
	slog.Info("startup: manifest verified", "artifacts", len(m.ArtifactHashes))

	// 2. Secret file permissions.
	if err := manifest.CheckSecretPerms(d.SecretFiles...); err != nil {
		return nil, d.haltf(ctx, domain.HaltConfigTamper, "startup: secrets: %w", err)
	}

	// 3. Clock drift against DB and venue.
	forceObserve := false
	if err := checkClockDrift(ctx, d.Store, d.Venue); err != nil {
		slog.Error("startup: clock drift", "err", err)
		d.Machine.SetBlocker(domain.BlockerClockSkew)
		d.alert(ctx, "clock-skew", "critical", "Clock skew beyond bound — OBSERVE_ONLY")
		forceObserve = true
	}

	// 4+5. Read state, verify signature, force-downgrade any surviving LIVE.
	var bs domain.BotState
	prior, err := d.Machine.Read(ctx)
	if err == nil {
		bs, err = d.Machine.ForceDowngradeOnStartup(ctx)
	}
	if err != nil {
		if errors.Is(err, state.ErrSignatureInvalid) {
			d.alert(ctx, "state-sig", "critical", "Bot state signature invalid — HALTED")
			return nil, fmt.Errorf("startup: %w", err)
		}
		return nil, d.haltf(ctx, domain.HaltStateSignature, "startup: state: %w", err)
	}
	if prior.State.IsLive() {
		d.alert(ctx, "startup-downgrade", "warn", "LIVE state found on startup — downgraded to OBSERVE_ONLY")
	}

	// 6. Remove any leftover arming file.
	if err := d.Ceremony.RemoveFile(); err != nil {
		return nil, d.haltf(ctx, domain.HaltConfigTamper, "startup: arming file: %w", err)
	}

	// 7. Invalidate arming nonces.
	if err := d.Store.InvalidateArmingNonces(ctx); err != nil {
		return nil, d.haltf(ctx, domain.HaltConfigTamper, "startup: nonces: %w", err)
	}

	// 8. WAL replay with orphan adoption.
	stats, err := wal.Replay(ctx, d.WALPath, d.Store, d.Store, time.Now().UTC())
	if err != nil {
		return nil, d.haltf(ctx, domain.HaltWALSync, "startup: wal replay: %w", err)
	}
	res.ReplayStats = stats

	// 9. Initial reconciliation via REST.
	if err := d.Reconcile.RunOnce(ctx); err != nil {
		slog.Error("startup: initial reconciliation failed", "err", err)
		d.Machine.SetBlocker(domain.BlockerReconcileDegraded)
	}

	// 10. Wallet reference. Failure keeps OBSERVE_ONLY; trading needs a
	// wallet anchor.
	balance, err := d.Venue.Balance(ctx)
	if err != nil {
		slog.Warn("startup: balance fetch failed, staying OBSERVE_ONLY", "err", err)
		forceObserve = true
	} else {
		d.Risk.RefreshWallet(balance, time.Now().UTC())
		res.WalletUSD = balance
	}

	// Clock skew (step 3) or a missing wallet anchor (step 10) leaves the
	// process in OBSERVE_ONLY: a persisted PAPER_TRADING state is downgraded.
	if forceObserve && bs.State == domain.StatePaperTrading {
		if _, err := d.Machine.Transition(ctx, domain.StateObserveOnly, "startup: observe-only", nil); err != nil {
			return nil, d.haltf(ctx, domain.HaltStateSignature, "startup: observe-only downgrade: %w", err)
		}
	}

	final, err := d.Machine.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("startup: final state read: %w", err)
	}
	res.InitialState = final.State
	slog.Info("startup complete",
		"state", final.State, "wallet_usd", res.WalletUSD,
		"wal_inserted", stats.Inserted, "wal_orphans", stats.OrphansAdopted)
	return res, nil
}

// checkClockDrift probes the database and venue clocks; a skew beyond
// ClockSkewMaxSec on either fails the check.
func checkClockDrift(ctx context.Context, store ports.Store, venue ports.VenueREST) error {
	local := time.Now().UTC()

	dbTime, err := store.DBTime(ctx)
	if err != nil {
		return fmt.Errorf("db time probe: %w", err)
	}
	if skew := math.Abs(local.Sub(dbTime).Seconds()); skew > domain.ClockSkewMaxSec {
		return fmt.Errorf("db clock skew %.1fs", skew)
	}

	venueTime, err := venue.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("venue time probe: %w", err)
	}
	if skew := math.Abs(time.Now().UTC().Sub(venueTime).Seconds()); skew > domain.ClockSkewMaxSec {
		return fmt.Errorf("venue clock skew %.1fs", skew)
	}
	return nil
}

func (d StartupDeps) haltf(ctx context.Context, code, format string, args ...any) error {
	if _, herr := d.Machine.Halt(ctx, code); herr != nil {
		slog.Error("halt during startup failed", "code", code, "err", herr)
	}
	return fmt.Errorf(format, args...)
}

func (d StartupDeps) alert(ctx context.Context, key, level, msg string) {
	if d.Notifier == nil {
		return
	}
	if err := d.Notifier.Alert(ctx, ports.Alert{Key: key, Level: level, Message: msg}); err != nil {
		slog.Warn("startup alert failed", "key", key, "err", err)
	}
}
