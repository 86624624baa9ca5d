// Package engine orchestrates the core: the process-global coordinator, the
// ordered startup sequence, and the per-market workers. All global mutable
// state — barrier generation, WS epoch, market bars — lives behind the
// coordinator's narrow contract and is never reached ambiently.
package engine

import (
	"sync"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/risk"
	"github.com/alejandrodnm/polyedge/internal/state"
)

// Coordinator concentrates the process-global mutable state.
type Coordinator struct {
	machine *state.Machine
	risk    *risk.Manager

	mu            sync.Mutex
	barrierActive bool
	barrierGen    int64
	wsConnected   bool
	wsEpoch       int64
	wsLastMsgMs   int64
	marketBars    map[string]time.Time
	marketLastUpdateMs map[string]int64
	bookLastChangeMs   map[string]int64
}

// NewCoordinator creates the coordinator.
func NewCoordinator(machine *state.Machine, riskMgr *risk.Manager) *Coordinator {
	return &Coordinator{
		machine:            machine,
		risk:               riskMgr,
		marketBars:         make(map[string]time.Time),
		marketLastUpdateMs: make(map[string]int64),
		bookLastChangeMs:   make(map[string]int64),
	}
}

// --- barrier ---

// RaiseBarrier blocks all new submits and bumps the generation counter.
// In-flight submits observe the generation change at their gate and abort.
func (c *Coordinator) RaiseBarrier() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barrierActive = true
	c.barrierGen++
	return c.barrierGen
}

// LowerBarrier re-enables submits without touching the generation.
func (c *Coordinator) LowerBarrier() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barrierActive = false
}

// BarrierActive reports the barrier flag.
func (c *Coordinator) BarrierActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barrierActive
}

// BarrierGeneration returns the monotonic halt counter. A submit records it
// at start and re-checks it at the gate.
func (c *Coordinator) BarrierGeneration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barrierGen
}

// --- WS state ---

// WSConnected marks the feed up.
func (c *Coordinator) WSConnected() {
	c.mu.Lock()
	c.wsConnected = true
	c.mu.Unlock()
	c.machine.ClearBlocker(domain.BlockerWSDown)
}

// WSDisconnected marks the feed down and increments the epoch, invalidating
// every snapshot captured on the previous connection.
func (c *Coordinator) WSDisconnected() {
	c.mu.Lock()
	c.wsConnected = false
	c.wsEpoch++
	c.mu.Unlock()
	c.machine.SetBlocker(domain.BlockerWSDown)
}

// OnWSMessage records global WS liveness.
func (c *Coordinator) OnWSMessage(nowMs int64) {
	c.mu.Lock()
	c.wsLastMsgMs = nowMs
	c.mu.Unlock()
}

// OnMarketUpdate records per-market WS liveness; bookChanged additionally
// stamps the orderbook change clock.
func (c *Coordinator) OnMarketUpdate(marketID string, nowMs int64, bookChanged bool) {
	c.mu.Lock()
	c.marketLastUpdateMs[marketID] = nowMs
	if bookChanged {
		c.bookLastChangeMs[marketID] = nowMs
	}
	c.mu.Unlock()
}

// MarketClocks returns the per-market WS clocks for snapshot construction.
func (c *Coordinator) MarketClocks(marketID string) (lastUpdateMs, bookChangeMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marketLastUpdateMs[marketID], c.bookLastChangeMs[marketID]
}

// WSView exposes the coordinator as the WS state view consumed by the
// health predicates.
func (c *Coordinator) WSView() ports.WSStateView { return c }

// Connected implements ports.WSStateView.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsConnected
}

// Epoch implements ports.WSStateView.
func (c *Coordinator) Epoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsEpoch
}

// LastMessageMs implements ports.WSStateView.
func (c *Coordinator) LastMessageMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsLastMsgMs
}

// WSDown reports the inverse of Connected for the reconcile view.
func (c *Coordinator) WSDown() bool { return !c.Connected() }

// WSLastMessageMs aliases LastMessageMs for the reconcile view.
func (c *Coordinator) WSLastMessageMs() int64 { return c.LastMessageMs() }

// WalletUSDLastGood delegates to the risk manager.
func (c *Coordinator) WalletUSDLastGood() float64 { return c.risk.WalletUSDLastGood() }

// --- market bars ---

// BarMarket blocks new orders in a market until the given time. Set by
// ABSENT_CONFIRMED resolutions.
func (c *Coordinator) BarMarket(marketID string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marketBars[marketID] = until
}

// MarketBarred reports whether the market is still barred.
func (c *Coordinator) MarketBarred(marketID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.marketBars[marketID]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.marketBars, marketID)
		return false
	}
	return true
}
