package execution

import (
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// PaperFills simulates maker fills pessimistically: no touch-fills. A resting
// limit fills only after the book trades through the order's price by at
// least one tick and holds there for PaperSustainSec.
type PaperFills struct {
	mu      sync.Mutex
	pending map[string]*paperOrder
}

type paperOrder struct {
	order          domain.Order
	tick           float64
	firstThroughAt time.Time
}

// PaperFill reports one simulated fill.
type PaperFill struct {
	OrderID   string
	FillPrice float64 // pessimistic: always the limit price
	FeeUSD    float64
	FilledAt  time.Time
}

// NewPaperFills creates an empty tracker.
func NewPaperFills() *PaperFills {
	return &PaperFills{pending: make(map[string]*paperOrder)}
}

// Track registers a resting paper order with its market tick size.
func (p *PaperFills) Track(order domain.Order, tick float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tick <= 0 {
		tick = domain.PaperTickDefault
	}
	p.pending[order.ID] = &paperOrder{order: order, tick: tick}
}

// Untrack drops an order (cancelled or expired).
func (p *PaperFills) Untrack(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, orderID)
}

// OnBookUpdate feeds the current best ask for the order's side and returns
// any fills that completed. The price must stay through the limit for the
// full sustain window; a pullback resets the clock.
func (p *PaperFills) OnBookUpdate(marketID string, askBySide map[domain.Side]float64, feeRateBps float64, now time.Time) []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fills []PaperFill
	for id, po := range p.pending {
		if po.order.MarketID != marketID {
			continue
		}
		ask, ok := askBySide[po.order.Side]
		if !ok || ask <= 0 {
			continue
		}

		through := ask <= po.order.Price-po.tick
		if !through {
			po.firstThroughAt = time.Time{}
			continue
		}
		if po.firstThroughAt.IsZero() {
			po.firstThroughAt = now
			continue
		}
		if now.Sub(po.firstThroughAt) < time.Duration(domain.PaperSustainSec*float64(time.Second)) {
			continue
		}

		sizeUSD := float64(po.order.SizeCents) / 100
		fills = append(fills, PaperFill{
			OrderID:   id,
			FillPrice: po.order.Price,
			FeeUSD:    PaperFeeUSD(sizeUSD, feeRateBps),
			FilledAt:  now,
		})
		delete(p.pending, id)
	}
	return fills
}

// PaperFeeUSD applies the pessimistic paper fee:
// max(actual_fee_bps, PaperMinFeeBps) × PaperFeeMultiplier.
func PaperFeeUSD(sizeUSD, feeRateBps float64) float64 {
	bps := math.Max(feeRateBps, domain.PaperMinFeeBps) * domain.PaperFeeMultiplier
	return sizeUSD * bps / 10000.0
}
