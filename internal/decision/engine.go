// Package decision turns a candidate plus AI inputs into an immutable,
// deterministically identified decision, or a NO_TRADE reason.
package decision

import (
	"math"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// Inputs carries everything beyond the snapshot that the EV math needs.
type Inputs struct {
	PAICal           float64 // AI-calibrated probability of YES
	DisputeRisk      float64 // [0, 1]
	Tier1Fallback    bool    // evidence bundle needed a Tier-1 majority fallback
	ResolvedOutcomes int     // resolved markets in this category, gates w_ai
	WAI              float64 // requested AI weight before gating
	DaysToResolution float64
	FeeRateBps       float64
	Paper            bool
	SizeUSD          float64
	DecisionToExecS  float64 // expected delay, feeds the latency penalty
	ClientOrderIDLen int     // venue max, from the signed manifest
}

// Result is either a decision or a refusal with the most specific reason.
type Result struct {
	Decision *domain.Decision
	Reason   domain.Reason
}

// Evaluate runs the full decision pipeline: calibration gate, p_eff
// blending and bounds, per-side friction, and the EV rule.
func Evaluate(candidateID string, market domain.Market, snap domain.Snapshot, in Inputs, now time.Time) Result {
	if r := domain.SnapshotQualityReason(snap); r != domain.ReasonTrade {
		return Result{Reason: r}
	}

	// Baseline from the book: best ask is the feasible buy price for YES.
	pMarket := snap.BestAskYes

	wAI := in.WAI
	if in.ResolvedOutcomes < domain.NResolvedMin {
		wAI = 0
	}
	wAI = math.Min(wAI, domain.WAIMax)

	pEff := domain.BlendPEff(pMarket, in.PAICal, wAI)
	if math.Abs(pEff-pMarket) > domain.PEffOutlierThreshold {
		return Result{Reason: domain.ReasonPEffOutlier}
	}
	pEff = domain.ClampPEff(pMarket, pEff, domain.DeltaMax(in.DisputeRisk))

	fee := domain.FeeCost(market.EffectiveFeeBps(in.FeeRateBps), in.Paper)
	dispute := domain.DisputeBuffer(in.DisputeRisk, in.Tier1Fallback)
	latency := domain.LatencyPenalty(in.DecisionToExecS)
	timeVal := domain.TimeValuePenalty(in.DaysToResolution)

	frictionFor := func(side domain.Side) domain.FrictionBreakdown {
		return domain.FrictionBreakdown{
			SpreadCost:       domain.SpreadCost(snap.BestBid(side), snap.BestAsk(side)),
			FeeCost:          fee,
			SlippageBuffer:   domain.SlippageBuffer(in.SizeUSD, snap.TopDepthUSD(side)),
			DisputeBuffer:    dispute,
			LatencyPenalty:   latency,
			TimeValuePenalty: timeVal,
		}
	}

	fYes := frictionFor(domain.SideYes)
	fNo := frictionFor(domain.SideNo)
	evYes := domain.EV(pEff, snap.BestAskYes, fYes.Total(), domain.SideYes)
	evNo := domain.EV(pEff, snap.BestAskNo, fNo.Total(), domain.SideNo)

	var (
		side     domain.Side
		ev       float64
		friction domain.FrictionBreakdown
		entry    float64
	)
	switch {
	case evYes >= domain.EVMin && evYes >= evNo:
		side, ev, friction, entry = domain.SideYes, evYes, fYes, snap.BestAskYes
	case evNo >= domain.EVMin:
		side, ev, friction, entry = domain.SideNo, evNo, fNo, snap.BestAskNo
	default:
		return Result{Reason: domain.ReasonEVTooLow}
	}

	sizeCents := int64(math.Round(in.SizeUSD * 100))
	canonical := domain.DecisionCanonical(market.ConditionID, side, snap.ContentHash,
		entry, sizeCents, pMarket, pEff, friction.Total(), now)
	idHex := domain.DecisionIDHex(canonical)

	d := &domain.Decision{
		IDHex:         idHex,
		MarketID:      market.ConditionID,
		CandidateID:   candidateID,
		Side:          side,
		SizeCents:     sizeCents,
		EntryPrice:    entry,
		PMarket:       pMarket,
		PEff:          pEff,
		RequiredEdge:  friction.Total(),
		EV:            ev,
		EVYes:         evYes,
		EVNo:          evNo,
		ReasonCode:    domain.ReasonTrade,
		SnapshotHash:  snap.ContentHash,
		Friction:      friction,
		ClientOrderID: domain.DeriveClientOrderID(idHex, in.ClientOrderIDLen),
		CreatedAt:     now,
	}
	return Result{Decision: d, Reason: domain.ReasonTrade}
}
