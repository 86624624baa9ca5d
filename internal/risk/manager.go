// Package risk sizes orders, marks positions to market, and enforces the
// exposure limits and the daily stop.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// ErrMarkUnavailable reports three consecutive mark failures for a position:
// the caller must halt.
var ErrMarkUnavailable = errors.New("risk: no usable mark")

// Position is one open position tracked for exposure and MTM.
type Position struct {
	MarketID   string
	Side       domain.Side
	NotionalUSD float64
	EntryPrice float64
	OpenedAt   time.Time
	LastTrade  float64
	LastTradeAt time.Time
}

type twapSample struct {
	mid float64
	at  time.Time
}

// Manager tracks the wallet reference, open positions, TWAP samples, and the
// daily PnL.
type Manager struct {
	mu sync.Mutex

	walletUSDLastGood float64
	walletUpdatedAt   time.Time

	positions map[string]*Position
	samples   map[string][]twapSample
	markFails map[string]int
	dailyPnL  float64
	pnlDay    string
}

// NewManager creates a risk manager seeded with the startup wallet read.
func NewManager(walletUSD float64, now time.Time) *Manager {
	return &Manager{
		walletUSDLastGood: walletUSD,
		walletUpdatedAt:   now,
		positions:         make(map[string]*Position),
		samples:           make(map[string][]twapSample),
		markFails:         make(map[string]int),
		pnlDay:            domain.UTCDay(now),
	}
}

// WalletUSDLastGood returns the wallet reference.
func (m *Manager) WalletUSDLastGood() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walletUSDLastGood
}

// WalletStale reports whether the reference has gone unrefreshed past the
// staleness bound; the caller forces OBSERVE_ONLY with WALLET_REF_STALE.
func (m *Manager) WalletStale(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.walletUpdatedAt) > domain.WalletStaleSec*time.Second
}

// RefreshWallet updates the reference. Only TWAP- or trade-backed marks may
// call this; the entry-price fallback never refreshes the wallet.
func (m *Manager) RefreshWallet(walletUSD float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletUSDLastGood = walletUSD
	m.walletUpdatedAt = now
}

// OrderSizeUSD computes the sized notional:
// min(MaxPerMarketPct × wallet, remaining exposure capacity, venue balance).
func (m *Manager) OrderSizeUSD(venueAvailableUSD float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := math.Min(domain.MaxPerMarketPct*m.walletUSDLastGood, m.remainingCapacity())
	size = math.Min(size, venueAvailableUSD)
	return math.Max(0, math.Round(size*100)/100)
}

// CanOpen checks the position-count and total-exposure limits.
func (m *Manager) CanOpen(marketID string) (bool, domain.Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[marketID]; !exists && len(m.positions) >= domain.MaxOpenPositions {
		return false, domain.ReasonRiskLimitHit
	}
	if m.totalExposure() >= domain.MaxTotalExposurePct*m.walletUSDLastGood {
		return false, domain.ReasonRiskLimitHit
	}
	return true, domain.ReasonTrade
}

func (m *Manager) totalExposure() float64 {
	var total float64
	for _, p := range m.positions {
		total += p.NotionalUSD
	}
	return total
}

func (m *Manager) remainingCapacity() float64 {
	return math.Max(0, domain.MaxTotalExposurePct*m.walletUSDLastGood-m.totalExposure())
}

// OpenPosition records a new filled position.
func (m *Manager) OpenPosition(marketID string, side domain.Side, notionalUSD, entryPrice float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[marketID] = &Position{
		MarketID:    marketID,
		Side:        side,
		NotionalUSD: notionalUSD,
		EntryPrice:  entryPrice,
		OpenedAt:    now,
	}
}

// ClosePosition removes a position and books its PnL into the daily total.
func (m *Manager) ClosePosition(marketID string, exitPrice float64, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay(now)

	p, ok := m.positions[marketID]
	if !ok {
		return 0
	}
	delete(m.positions, marketID)

	var pnl float64
	if p.Side == domain.SideYes {
		pnl = (exitPrice - p.EntryPrice) * p.NotionalUSD / math.Max(p.EntryPrice, 0.001)
	} else {
		pnl = (p.EntryPrice - exitPrice) * p.NotionalUSD / math.Max(p.EntryPrice, 0.001)
	}
	m.dailyPnL += pnl
	return pnl
}

// Positions returns market -> notional USD, the local side of reconciliation.
func (m *Manager) Positions() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.positions))
	for mid, p := range m.positions {
		out[mid] = p.NotionalUSD
	}
	return out
}

// RecordTrade notes the last traded price for the fallback mark.
func (m *Manager) RecordTrade(marketID string, price float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[marketID]; ok {
		p.LastTrade = price
		p.LastTradeAt = now
	}
}

// AddSample feeds the TWAP window. Samples are valid only when both sides of
// the book exist, the spread is within bounds, and top depth clears the
// floor; invalid samples are discarded.
func (m *Manager) AddSample(marketID string, bid, ask, depthTopUSD float64, now time.Time) {
	if bid <= 0 || ask <= 0 || ask-bid > domain.TWAPMaxSpread || depthTopUSD < domain.MinDepthUSDNearTop {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mid := (bid + ask) / 2
	cutoff := now.Add(-domain.TWAPWindowSec * time.Second)
	kept := m.samples[marketID][:0]
	for _, s := range m.samples[marketID] {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples[marketID] = append(kept, twapSample{mid: mid, at: now})
}

// Mark returns the risk mark for a market, walking the fallback ladder:
// TWAP, last trade within 10 minutes, entry price within 300 s of opening.
// Three consecutive failures return ErrMarkUnavailable; the caller halts.
// The boolean reports whether the mark is TWAP- or trade-backed and thus may
// refresh the wallet reference.
func (m *Manager) Mark(marketID string, now time.Time) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mark, ok := m.twapMark(marketID); ok {
		m.markFails[marketID] = 0
		return mark, true, nil
	}

	p := m.positions[marketID]
	if p != nil && p.LastTrade > 0 && now.Sub(p.LastTradeAt) <= domain.LastTradeMaxAgeSec*time.Second {
		m.markFails[marketID] = 0
		return p.LastTrade, true, nil
	}
	if p != nil && now.Sub(p.OpenedAt) <= domain.EntryFallbackSec*time.Second {
		m.markFails[marketID] = 0
		return p.EntryPrice, false, nil
	}

	m.markFails[marketID]++
	if m.markFails[marketID] >= 3 {
		return 0, false, fmt.Errorf("%w: market %s failed %d consecutive checks", ErrMarkUnavailable, marketID, m.markFails[marketID])
	}
	return 0, false, fmt.Errorf("risk.Mark: no mark for %s yet", marketID)
}

// twapMark computes the anti-spoof TWAP: needs TWAPMinSamples spanning
// TWAPMinSpanSec; with ten or more samples, mids beyond 2σ of the mean are
// rejected before taking the median.
func (m *Manager) twapMark(marketID string) (float64, bool) {
	samples := m.samples[marketID]
	if len(samples) < domain.TWAPMinSamples {
		return 0, false
	}
	first, last := samples[0].at, samples[len(samples)-1].at
	if last.Sub(first) < domain.TWAPMinSpanSec*time.Second {
		return 0, false
	}

	mids := make([]float64, len(samples))
	for i, s := range samples {
		mids[i] = s.mid
	}
	if len(mids) >= domain.TWAPOutlierMinN {
		mids = rejectOutliers(mids)
		if len(mids) == 0 {
			return 0, false
		}
	}
	return median(mids), true
}

// DailyPnL returns today's realized PnL.
func (m *Manager) DailyPnL(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay(now)
	return m.dailyPnL
}

// DailyStopHit reports whether the stop loss tripped:
// daily_pnl ≤ -DailyStopLossPct × wallet.
func (m *Manager) DailyStopHit(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay(now)
	return m.dailyPnL <= -domain.DailyStopLossPct*m.walletUSDLastGood
}

func (m *Manager) rollDay(now time.Time) {
	day := domain.UTCDay(now)
	if day != m.pnlDay {
		m.pnlDay = day
		m.dailyPnL = 0
	}
}

func rejectOutliers(mids []float64) []float64 {
	mean := 0.0
	for _, v := range mids {
		mean += v
	}
	mean /= float64(len(mids))

	variance := 0.0
	for _, v := range mids {
		variance += (v - mean) * (v - mean)
	}
	sigma := math.Sqrt(variance / float64(len(mids)-1))
	if sigma == 0 {
		return mids
	}

	kept := mids[:0]
	for _, v := range mids {
		if math.Abs(v-mean) <= 2*sigma {
			kept = append(kept, v)
		}
	}
	return kept
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
