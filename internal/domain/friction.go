package domain

import "math"

// friction.go — the friction model and EV rule. All components are in
// payout-share units (fractions of the $1 payout).

// FrictionBreakdown records each component of the required edge for one side.
type FrictionBreakdown struct {
	SpreadCost       float64
	FeeCost          float64
	SlippageBuffer   float64
	DisputeBuffer    float64
	LatencyPenalty   float64
	TimeValuePenalty float64
}

// Total sums all friction components.
func (f FrictionBreakdown) Total() float64 {
	return f.SpreadCost + f.FeeCost + f.SlippageBuffer + f.DisputeBuffer + f.LatencyPenalty + f.TimeValuePenalty
}

// SpreadCost is the maker-first half-spread on the traded side.
func SpreadCost(bid, ask float64) float64 {
	return 0.5 * math.Max(0, ask-bid)
}

// FeeCost converts a fee rate in bps to payout-share units. Paper mode floors
// the rate at PaperMinFeeBps and doubles it.
func FeeCost(feeRateBps float64, paper bool) float64 {
	if paper {
		return math.Max(feeRateBps, PaperMinFeeBps) / 10000.0 * PaperFeeMultiplier
	}
	return feeRateBps / 10000.0
}

// SlippageBuffer scales with order size relative to top-of-book depth.
func SlippageBuffer(orderUSD, topDepthUSD float64) float64 {
	return math.Max(0.005, orderUSD/math.Max(topDepthUSD, 1)*0.02)
}

// DisputeBuffer scales with dispute risk; a Tier-1 majority fallback in the
// evidence bundle multiplies it by 1.5.
func DisputeBuffer(disputeRisk float64, tier1Fallback bool) float64 {
	buf := 0.01 + 0.02*disputeRisk
	if tier1Fallback {
		buf *= 1.5
	}
	return buf
}

// LatencyPenalty charges 0.001 (10 bp) per second of decision-to-exec delay
// past 2 s.
func LatencyPenalty(decisionToExecSec float64) float64 {
	return math.Max(0, decisionToExecSec-2) * 0.001
}

// TimeValuePenalty charges capital lockup until resolution, capped at 0.02
// (200 bp).
func TimeValuePenalty(daysToResolution float64) float64 {
	return math.Min(0.02, daysToResolution*0.0002)
}

// EV computes the expected value of buying the given side at entryPrice:
// p_side - entry - required_edge, where p_side is p_eff for YES and
// 1-p_eff for NO.
func EV(pEff, entryPrice, requiredEdge float64, side Side) float64 {
	p := pEff
	if side == SideNo {
		p = 1 - pEff
	}
	return p - entryPrice - requiredEdge
}

// BlendPEff shifts p_market toward the AI-calibrated probability by weight
// wAI: p_market + w_ai * (p_ai_cal - p_market).
func BlendPEff(pMarket, pAICal, wAI float64) float64 {
	return pMarket + wAI*(pAICal-pMarket)
}

// DeltaMax returns the hard bound on |p_eff - p_market| for the given
// dispute risk.
func DeltaMax(disputeRisk float64) float64 {
	if disputeRisk >= HighDisputeRisk {
		return DeltaMaxHighDispute
	}
	return DeltaMaxDefault
}

// ClampPEff applies the DELTA_MAX bound around p_market and clips to (0, 1).
func ClampPEff(pMarket, pEff, deltaMax float64) float64 {
	if pEff > pMarket+deltaMax {
		pEff = pMarket + deltaMax
	}
	if pEff < pMarket-deltaMax {
		pEff = pMarket - deltaMax
	}
	return math.Min(math.Max(pEff, 0.000001), 0.999999)
}
