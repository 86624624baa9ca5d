// Package state owns the durable trading state: the signed singleton row,
// the legal transition graph, the in-memory blocker set, and the two-step
// LIVE arming ceremony. Every mutation re-reads and re-verifies the HMAC
// before writing — the row is never cached across suspension points.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/wal"
)

var (
	ErrSignatureInvalid  = errors.New("state: signature verification failed")
	ErrIllegalTransition = errors.New("state: illegal transition")
	ErrTOTPInvalid       = errors.New("state: totp invalid")
)

// legal lists the allowed durable transitions. HALTED is sticky: it only
// leaves through the TOTP unhalt. LIVE_TRADING is reachable from LIVE_ARMED
// alone, within the arming window of the current process.
var legal = map[domain.TradingState][]domain.TradingState{
	domain.StateObserveOnly:  {domain.StatePaperTrading, domain.StateLiveArmed},
	domain.StatePaperTrading: {domain.StateObserveOnly, domain.StateLiveArmed, domain.StateHaltedDaily},
	domain.StateLiveArmed:    {domain.StateObserveOnly, domain.StateLiveTrading},
	domain.StateLiveTrading:  {domain.StateObserveOnly, domain.StatePaperTrading, domain.StateHaltedDaily},
	domain.StateHalted:       {domain.StateObserveOnly},
	domain.StateHaltedDaily:  {domain.StateObserveOnly, domain.StatePaperTrading},
}

// Machine manages the signed durable state and the blocker set.
type Machine struct {
	store  ports.StateStore
	wal    *wal.Writer
	events ports.EventStore
	secret []byte
	totp   ports.TOTPValidator

	mu       sync.Mutex
	blockers map[domain.Blocker]bool
}

// NewMachine wires the state machine.
func NewMachine(store ports.StateStore, w *wal.Writer, events ports.EventStore, secret []byte, totp ports.TOTPValidator) *Machine {
	return &Machine{
		store:    store,
		wal:      w,
		events:   events,
		secret:   secret,
		totp:     totp,
		blockers: make(map[domain.Blocker]bool),
	}
}

// Read loads and verifies the durable state. A failed signature durably
// forces HALTED and returns ErrSignatureInvalid.
func (m *Machine) Read(ctx context.Context) (domain.BotState, error) {
	bs, err := m.store.LoadBotState(ctx)
	if err != nil {
		return domain.BotState{}, fmt.Errorf("state.Read: %w", err)
	}
	if bs == nil {
		// First run.
		fresh := domain.BotState{
			State:   domain.StateObserveOnly,
			Counter: 1,
			TS:      time.Now().UTC(),
		}
		fresh.Sign(m.secret)
		if err := m.store.SaveBotState(ctx, fresh); err != nil {
			return domain.BotState{}, fmt.Errorf("state.Read: init: %w", err)
		}
		slog.Info("bot state initialised", "state", fresh.State)
		return fresh, nil
	}
	if !bs.VerifySignature(m.secret) {
		halted := domain.BotState{
			State:   domain.StateHalted,
			Counter: bs.Counter + 1,
			TS:      time.Now().UTC(),
		}
		halted.Sign(m.secret)
		if err := m.store.SaveBotState(ctx, halted); err != nil {
			return domain.BotState{}, fmt.Errorf("state.Read: force halt after bad signature: %w", err)
		}
		return halted, ErrSignatureInvalid
	}
	return *bs, nil
}

// Transition moves to a new durable state, writing WAL then event then the
// signed row. mutate may adjust auxiliary fields (armed_until etc.) before
// signing.
func (m *Machine) Transition(ctx context.Context, to domain.TradingState, reason string, mutate func(*domain.BotState)) (domain.BotState, error) {
	bs, err := m.Read(ctx)
	if err != nil {
		return bs, err
	}
	if bs.State != to && to != domain.StateHalted && !allowed(bs.State, to) {
		return bs, fmt.Errorf("state.Transition: %w: %s -> %s", ErrIllegalTransition, bs.State, to)
	}

	from := bs.State
	bs.State = to
	bs.Counter++
	bs.TS = time.Now().UTC()
	bs.ArmedUntil = nil
	bs.HaltUntil = nil
	if mutate != nil {
		mutate(&bs)
	}
	bs.Sign(m.secret)

	if err := m.logStateChange(ctx, from, to, reason); err != nil {
		return bs, err
	}
	if err := m.store.SaveBotState(ctx, bs); err != nil {
		return bs, fmt.Errorf("state.Transition: persist: %w", err)
	}
	slog.Info("state transition", "from", from, "to", to, "reason", reason, "counter", bs.Counter)
	return bs, nil
}

func allowed(from, to domain.TradingState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// logStateChange writes STATE_CHANGED to the WAL (fsync) and the event log.
func (m *Machine) logStateChange(ctx context.Context, from, to domain.TradingState, reason string) error {
	rec, err := m.wal.Append(wal.RecordStateChanged, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	if err != nil {
		return fmt.Errorf("state.logStateChange: %w", err)
	}
	payload, _ := json.Marshal(rec.Payload)
	if _, err := m.events.AppendEvent(ctx, ports.Event{
		ID:            rec.EventID,
		TS:            rec.TS,
		Type:          string(rec.Type),
		CorrelationID: rec.EventID,
		Payload:       payload,
		PayloadHash:   rec.PayloadHash,
	}); err != nil {
		return fmt.Errorf("state.logStateChange: event: %w", err)
	}
	return nil
}

// Halt forces HALTED with the given halt code. Always legal.
func (m *Machine) Halt(ctx context.Context, code string) (domain.BotState, error) {
	return m.Transition(ctx, domain.StateHalted, code, nil)
}

// HaltDaily enters HALTED_DAILY until the next UTC midnight, remembering the
// state to resume into.
func (m *Machine) HaltDaily(ctx context.Context) (domain.BotState, error) {
	bs, err := m.Read(ctx)
	if err != nil {
		return bs, err
	}
	resume := domain.StateObserveOnly
	if bs.State == domain.StatePaperTrading {
		resume = domain.StatePaperTrading
	}
	midnight := nextUTCMidnight(time.Now().UTC())
	return m.Transition(ctx, domain.StateHaltedDaily, domain.HaltDailyStop, func(b *domain.BotState) {
		b.HaltUntil = &midnight
		b.HaltResumeState = resume
	})
}

// ExpireDailyHalt returns to the recorded resume state once the halt window
// has passed. Called by the midnight scheduler.
func (m *Machine) ExpireDailyHalt(ctx context.Context) error {
	bs, err := m.Read(ctx)
	if err != nil {
		return err
	}
	if bs.State != domain.StateHaltedDaily {
		return nil
	}
	if bs.HaltUntil != nil && time.Now().UTC().Before(*bs.HaltUntil) {
		return nil
	}
	resume := domain.StateObserveOnly
	if bs.HaltResumeState == domain.StatePaperTrading {
		resume = domain.StatePaperTrading
	}
	_, err = m.Transition(ctx, resume, "daily halt expired", func(b *domain.BotState) {
		b.HaltResumeState = ""
	})
	return err
}

// Unhalt leaves sticky HALTED after TOTP authentication.
func (m *Machine) Unhalt(ctx context.Context, totpCode string) (domain.BotState, error) {
	bs, err := m.Read(ctx)
	if err != nil {
		return bs, err
	}
	if bs.State != domain.StateHalted {
		return bs, fmt.Errorf("state.Unhalt: %w: not halted", ErrIllegalTransition)
	}
	if !m.totp.Validate(totpCode) {
		return bs, ErrTOTPInvalid
	}
	return m.Transition(ctx, domain.StateObserveOnly, "operator unhalt", nil)
}

// ResumePaper enters PAPER_TRADING after TOTP authentication.
func (m *Machine) ResumePaper(ctx context.Context, totpCode string) (domain.BotState, error) {
	if !m.totp.Validate(totpCode) {
		return domain.BotState{}, ErrTOTPInvalid
	}
	if blocked, b := m.PaperBlocked(); blocked {
		return domain.BotState{}, fmt.Errorf("state.ResumePaper: blocker %s forbids paper", b)
	}
	return m.Transition(ctx, domain.StatePaperTrading, "operator resume paper", nil)
}

// ForceDowngradeOnStartup downgrades any surviving LIVE state to
// OBSERVE_ONLY. A restart can never re-enable LIVE.
func (m *Machine) ForceDowngradeOnStartup(ctx context.Context) (domain.BotState, error) {
	bs, err := m.Read(ctx)
	if err != nil {
		return bs, err
	}
	if !bs.State.IsLive() {
		return bs, nil
	}
	slog.Warn("startup force-downgrade", "from", bs.State)
	return m.Transition(ctx, domain.StateObserveOnly, "startup downgrade from "+string(bs.State), nil)
}

// --- blockers ---

// SetBlocker raises a fail-closed blocker.
func (m *Machine) SetBlocker(b domain.Blocker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.blockers[b] {
		slog.Warn("blocker set", "blocker", b)
	}
	m.blockers[b] = true
}

// ClearBlocker lowers a blocker.
func (m *Machine) ClearBlocker(b domain.Blocker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockers[b] {
		slog.Info("blocker cleared", "blocker", b)
	}
	delete(m.blockers, b)
}

// Blockers returns the currently set blockers.
func (m *Machine) Blockers() []domain.Blocker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Blocker, 0, len(m.blockers))
	for b := range m.blockers {
		out = append(out, b)
	}
	return out
}

// AnyBlocker reports whether any blocker is set. Any set blocker forces
// no-new-exposure.
func (m *Machine) AnyBlocker() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blockers) > 0
}

// PaperBlocked reports whether a set blocker forbids PAPER trading.
func (m *Machine) PaperBlocked() (bool, domain.Blocker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b := range m.blockers {
		if !b.AllowsPaper() {
			return true, b
		}
	}
	return false, ""
}

func nextUTCMidnight(now time.Time) time.Time {
	y, mo, d := now.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
