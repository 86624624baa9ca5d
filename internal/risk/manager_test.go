package risk_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/risk"
)

func TestOrderSizing(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)

	// 2% of wallet = 20, capacity 10% = 100, venue plenty.
	assert.InDelta(t, 20, m.OrderSizeUSD(500), 1e-9)

	// Venue balance binds.
	assert.InDelta(t, 5, m.OrderSizeUSD(5), 1e-9)

	// Exposure eats capacity: 95 deployed leaves 5.
	m.OpenPosition("m1", domain.SideYes, 95, 0.50, now)
	assert.InDelta(t, 5, m.OrderSizeUSD(500), 1e-9)
}

func TestPositionLimits(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(10000, now)

	for i := 0; i < domain.MaxOpenPositions; i++ {
		ok, _ := m.CanOpen("m" + string(rune('0'+i)))
		require.True(t, ok)
		m.OpenPosition("m"+string(rune('0'+i)), domain.SideYes, 10, 0.50, now)
	}
	ok, reason := m.CanOpen("m9")
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonRiskLimitHit, reason)

	// An existing market is not a new position slot.
	ok, _ = m.CanOpen("m0")
	assert.True(t, ok)
}

func TestExposureLimit(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)

	m.OpenPosition("m1", domain.SideYes, 100, 0.50, now) // 10% of wallet
	ok, reason := m.CanOpen("m2")
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonRiskLimitHit, reason)
}

func TestTWAPMark(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)
	m.OpenPosition("m1", domain.SideYes, 20, 0.50, now.Add(-time.Hour))

	// Two samples: not enough.
	m.AddSample("m1", 0.49, 0.51, 100, now.Add(-70*time.Second))
	m.AddSample("m1", 0.49, 0.51, 100, now.Add(-40*time.Second))
	_, _, err := m.Mark("m1", now)
	assert.Error(t, err)

	// Third sample spans >=60s: TWAP available and trade-backed.
	m.AddSample("m1", 0.50, 0.52, 100, now)
	mark, backed, err := m.Mark("m1", now)
	require.NoError(t, err)
	assert.True(t, backed)
	assert.InDelta(t, 0.50, mark, 0.02)
}

func TestTWAPSampleValidity(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)
	m.OpenPosition("m1", domain.SideYes, 20, 0.50, now.Add(-time.Hour))

	// Invalid samples: wide spread, thin depth, missing side.
	m.AddSample("m1", 0.30, 0.45, 100, now.Add(-90*time.Second))
	m.AddSample("m1", 0.49, 0.51, 10, now.Add(-80*time.Second))
	m.AddSample("m1", 0, 0.51, 100, now.Add(-70*time.Second))
	_, _, err := m.Mark("m1", now)
	assert.Error(t, err, "all samples rejected")
}

func TestTWAPOutlierRejection(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)

	// Ten tight samples plus two spoofed spikes inside the window.
	for i := 0; i < 10; i++ {
		m.AddSample("m1", 0.49, 0.51, 100, now.Add(-time.Duration(100-i*5)*time.Second))
	}
	m.AddSample("m1", 0.89, 0.91, 100, now.Add(-20*time.Second))
	m.AddSample("m1", 0.88, 0.90, 100, now.Add(-10*time.Second))

	mark, _, err := m.Mark("m1", now)
	require.NoError(t, err)
	assert.Less(t, mark, 0.60, "spoofed mids rejected by the 2-sigma filter")
}

func TestMarkFallbackLadder(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)

	// Fresh position, no TWAP, no trade: entry fallback inside 300s,
	// and it is NOT wallet-refresh backed.
	m.OpenPosition("m1", domain.SideYes, 20, 0.47, now.Add(-100*time.Second))
	mark, backed, err := m.Mark("m1", now)
	require.NoError(t, err)
	assert.False(t, backed)
	assert.InDelta(t, 0.47, mark, 1e-9)

	// A recent trade outranks entry.
	m.RecordTrade("m1", 0.52, now.Add(-time.Minute))
	mark, backed, err = m.Mark("m1", now)
	require.NoError(t, err)
	assert.True(t, backed)
	assert.InDelta(t, 0.52, mark, 1e-9)
}

func TestMarkFailuresEscalate(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)
	// Old position, no samples, no trades, past entry fallback.
	m.OpenPosition("m1", domain.SideYes, 20, 0.47, now.Add(-time.Hour))

	for i := 0; i < 2; i++ {
		_, _, err := m.Mark("m1", now)
		require.Error(t, err)
		require.NotErrorIs(t, err, risk.ErrMarkUnavailable)
	}
	_, _, err := m.Mark("m1", now)
	assert.ErrorIs(t, err, risk.ErrMarkUnavailable, "third consecutive failure halts")
}

func TestDailyStop(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)

	m.OpenPosition("m1", domain.SideYes, 100, 0.50, now)
	assert.False(t, m.DailyStopHit(now))

	// Exit low enough to lose >3% of wallet.
	pnl := m.ClosePosition("m1", 0.34, now)
	assert.Less(t, pnl, -30.0)
	assert.True(t, m.DailyStopHit(now))

	// Next UTC day resets the PnL.
	tomorrow := now.Add(25 * time.Hour)
	assert.False(t, m.DailyStopHit(tomorrow))
}

func TestWalletStaleness(t *testing.T) {
	now := time.Now().UTC()
	m := risk.NewManager(1000, now)

	assert.False(t, m.WalletStale(now.Add(3599*time.Second)))
	assert.True(t, m.WalletStale(now.Add(3601*time.Second)))

	m.RefreshWallet(1010, now.Add(3601*time.Second))
	assert.False(t, m.WalletStale(now.Add(3700*time.Second)))
	assert.InDelta(t, 1010, m.WalletUSDLastGood(), 1e-9)
}
