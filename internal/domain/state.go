package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"
)

// TradingState is the durable bot state. Transitions are authoritative only
// when written through the state machine with a fresh HMAC signature.
type TradingState string

const (
	StateObserveOnly  TradingState = "OBSERVE_ONLY"
	StatePaperTrading TradingState = "PAPER_TRADING"
	StateLiveArmed    TradingState = "LIVE_ARMED"
	StateLiveTrading  TradingState = "LIVE_TRADING"
	StateHalted       TradingState = "HALTED"
	StateHaltedDaily  TradingState = "HALTED_DAILY"
)

// Valid reports whether s is one of the six durable states.
func (s TradingState) Valid() bool {
	switch s {
	case StateObserveOnly, StatePaperTrading, StateLiveArmed, StateLiveTrading, StateHalted, StateHaltedDaily:
		return true
	}
	return false
}

// AllowsNewExposure reports whether the state permits opening new exposure.
func (s TradingState) AllowsNewExposure() bool {
	return s == StatePaperTrading || s == StateLiveTrading
}

// IsLive reports whether the state is one of the live-armed states that must
// never survive a restart.
func (s TradingState) IsLive() bool {
	return s == StateLiveArmed || s == StateLiveTrading
}

// BotState is the signed singleton durable state row.
type BotState struct {
	State           TradingState
	Counter         int64
	TS              time.Time
	ArmedUntil      *time.Time
	HaltUntil       *time.Time
	HaltResumeState TradingState
	Signature       []byte
}

// stateCanonical covers every field prior to the signature, in a fixed order.
func stateCanonical(b BotState) string {
	armed, halt := "", ""
	if b.ArmedUntil != nil {
		armed = b.ArmedUntil.UTC().Format(time.RFC3339Nano)
	}
	if b.HaltUntil != nil {
		halt = b.HaltUntil.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("state=%s|counter=%d|ts_utc=%s|armed_until=%s|halt_until=%s|halt_resume=%s",
		b.State, b.Counter, b.TS.UTC().Format(time.RFC3339Nano), armed, halt, b.HaltResumeState)
}

// Sign computes and sets the HMAC-SHA256 signature over all prior fields.
func (b *BotState) Sign(secret []byte) {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(stateCanonical(*b)))
	b.Signature = mac.Sum(nil)
}

// VerifySignature reports whether the stored signature matches. Any read that
// fails verification forces HALTED.
func (b BotState) VerifySignature(secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(stateCanonical(b)))
	return hmac.Equal(b.Signature, mac.Sum(nil))
}

// Blocker is an in-memory fail-closed flag, orthogonal to the durable state.
// Any set blocker forces no-new-exposure.
type Blocker string

const (
	BlockerWSDown            Blocker = "WS_DOWN"
	BlockerDBDegraded        Blocker = "DB_DEGRADED"
	BlockerWALDegraded       Blocker = "WAL_DEGRADED"
	BlockerReconcileDegraded Blocker = "RECONCILE_DEGRADED"
	BlockerClockSkew         Blocker = "CLOCK_SKEW"
	BlockerCostAccounting    Blocker = "COST_ACCOUNTING_DEGRADED"
	BlockerInjectionInvalid  Blocker = "INJECTION_DETECTOR_INVALID"
)

// AllowsPaper reports whether PAPER_TRADING may continue with this blocker
// set. Only degraded cost accounting is tolerated in paper.
func (b Blocker) AllowsPaper() bool {
	return b == BlockerCostAccounting
}
