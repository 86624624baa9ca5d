package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

func TestBotStateSignatureRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	armed := time.Date(2026, 8, 5, 10, 5, 0, 0, time.UTC)
	bs := domain.BotState{
		State:      domain.StateLiveArmed,
		Counter:    7,
		TS:         time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC),
		ArmedUntil: &armed,
	}
	bs.Sign(secret)
	require.NotEmpty(t, bs.Signature)
	assert.True(t, bs.VerifySignature(secret))
	assert.False(t, bs.VerifySignature([]byte("wrong-secret")))
}

func TestBotStateSignatureCoversAllFields(t *testing.T) {
	secret := []byte("test-secret")
	bs := domain.BotState{State: domain.StatePaperTrading, Counter: 1, TS: time.Now().UTC()}
	bs.Sign(secret)

	tampered := bs
	tampered.State = domain.StateLiveTrading
	assert.False(t, tampered.VerifySignature(secret))

	tampered = bs
	tampered.Counter++
	assert.False(t, tampered.VerifySignature(secret))

	tampered = bs
	armed := bs.TS.Add(time.Minute)
	tampered.ArmedUntil = &armed
	assert.False(t, tampered.VerifySignature(secret))

	tampered = bs
	tampered.HaltResumeState = domain.StatePaperTrading
	assert.False(t, tampered.VerifySignature(secret))
}

func TestTradingStatePredicates(t *testing.T) {
	assert.True(t, domain.StatePaperTrading.AllowsNewExposure())
	assert.True(t, domain.StateLiveTrading.AllowsNewExposure())
	assert.False(t, domain.StateObserveOnly.AllowsNewExposure())
	assert.False(t, domain.StateHalted.AllowsNewExposure())

	assert.True(t, domain.StateLiveArmed.IsLive())
	assert.True(t, domain.StateLiveTrading.IsLive())
	assert.False(t, domain.StateHaltedDaily.IsLive())

	assert.True(t, domain.TradingState("PAPER_TRADING").Valid())
	assert.False(t, domain.TradingState("YOLO").Valid())
}

func TestBlockerPaperTolerance(t *testing.T) {
	assert.True(t, domain.BlockerCostAccounting.AllowsPaper())
	for _, b := range []domain.Blocker{
		domain.BlockerWSDown, domain.BlockerDBDegraded, domain.BlockerWALDegraded,
		domain.BlockerReconcileDegraded, domain.BlockerClockSkew, domain.BlockerInjectionInvalid,
	} {
		assert.False(t, b.AllowsPaper(), "%s must inhibit paper", b)
	}
}

func TestLockStealRules(t *testing.T) {
	now := time.Now().UTC()
	l := domain.Lock{
		OwnerInstance:  "i1",
		OwnerWorker:    "w1",
		OwnerHeartbeat: now,
		ExpiresAt:      now.Add(30 * time.Second),
	}
	assert.False(t, l.Expired(now))
	assert.False(t, l.Stealable(now))

	// Expired but inside the 5s grace.
	l.ExpiresAt = now.Add(-4 * time.Second)
	assert.True(t, l.Expired(now))
	assert.False(t, l.Stealable(now))

	// Past the grace.
	l.ExpiresAt = now.Add(-5 * time.Second)
	assert.True(t, l.Stealable(now))

	// Silent heartbeat for two TTLs steals even with a future expiry.
	l.ExpiresAt = now.Add(time.Minute)
	l.OwnerHeartbeat = now.Add(-2*domain.LockTTLSec*time.Second - time.Second)
	assert.True(t, l.Stealable(now))
}
