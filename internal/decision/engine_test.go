package decision_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyedge/internal/decision"
	"github.com/alejandrodnm/polyedge/internal/domain"
)

func testMarket() domain.Market {
	return domain.Market{
		ConditionID:  "0xmkt",
		Category:     "economics",
		EndDate:      time.Now().UTC().Add(30 * 24 * time.Hour),
		Volume24h:    10000,
		LiquidityUSD: 50000,
		Active:       true,
		Tokens: [2]domain.Token{
			{TokenID: "y", Outcome: "Yes"},
			{TokenID: "n", Outcome: "No"},
		},
	}
}

func testSnapshot() domain.Snapshot {
	return domain.Snapshot{
		MarketID:   "0xmkt",
		Source:     domain.SourceWS,
		BestBidYes: 0.40, BestAskYes: 0.41,
		BestBidNo: 0.58, BestAskNo: 0.59,
		DepthYes: []domain.BookLevel{{Price: 0.41, SizeUSD: 500}, {Price: 0.42, SizeUSD: 300}, {Price: 0.43, SizeUSD: 200}},
		DepthNo:  []domain.BookLevel{{Price: 0.59, SizeUSD: 400}, {Price: 0.60, SizeUSD: 300}, {Price: 0.61, SizeUSD: 200}},
		ContentHash: []byte{0xaa},
	}
}

func baseInputs() decision.Inputs {
	return decision.Inputs{
		PAICal:           0.55,
		ResolvedOutcomes: 100,
		WAI:              0.35,
		DaysToResolution: 30,
		Paper:            true,
		SizeUSD:          20,
		ClientOrderIDLen: 32,
	}
}

func TestEvaluateProducesYesTrade(t *testing.T) {
	res := decision.Evaluate("c1", testMarket(), testSnapshot(), baseInputs(), time.Now().UTC())
	require.NotNil(t, res.Decision)
	d := res.Decision

	assert.Equal(t, domain.SideYes, d.Side)
	assert.InDelta(t, 0.41, d.EntryPrice, 1e-9)
	assert.GreaterOrEqual(t, d.EV, domain.EVMin)
	assert.Len(t, d.ClientOrderID, 32)
	assert.Equal(t, domain.ReasonTrade, d.ReasonCode)

	// p_eff shifted toward the AI view but clamped within delta max.
	assert.Greater(t, d.PEff, d.PMarket)
	assert.LessOrEqual(t, d.PEff-d.PMarket, domain.DeltaMaxDefault+1e-9)
}

func TestEvaluateDeterministicID(t *testing.T) {
	ts := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	a := decision.Evaluate("c1", testMarket(), testSnapshot(), baseInputs(), ts)
	b := decision.Evaluate("c2", testMarket(), testSnapshot(), baseInputs(), ts)
	require.NotNil(t, a.Decision)
	require.NotNil(t, b.Decision)
	assert.Equal(t, a.Decision.IDHex, b.Decision.IDHex,
		"identity is the canonical decision string, not the candidate")
}

func TestEvaluateNoEdgeRefuses(t *testing.T) {
	in := baseInputs()
	in.PAICal = 0.41 // no disagreement with the market
	res := decision.Evaluate("c1", testMarket(), testSnapshot(), in, time.Now().UTC())
	assert.Nil(t, res.Decision)
	assert.Equal(t, domain.ReasonEVTooLow, res.Reason)
}

func TestCalibrationGateZeroesWAI(t *testing.T) {
	in := baseInputs()
	in.ResolvedOutcomes = domain.NResolvedMin - 1
	res := decision.Evaluate("c1", testMarket(), testSnapshot(), in, time.Now().UTC())
	assert.Nil(t, res.Decision, "with w_ai=0 p_eff equals p_market and nothing clears friction")
	assert.Equal(t, domain.ReasonEVTooLow, res.Reason)
}

func TestPEffOutlierRefused(t *testing.T) {
	in := baseInputs()
	in.PAICal = 0.99 // 0.35 × (0.99 − 0.41) = 0.203 > 0.20
	res := decision.Evaluate("c1", testMarket(), testSnapshot(), in, time.Now().UTC())
	assert.Nil(t, res.Decision)
	assert.Equal(t, domain.ReasonPEffOutlier, res.Reason)
}

func TestSnapshotAnomalyRefused(t *testing.T) {
	snap := testSnapshot()
	snap.InvalidBook = true
	res := decision.Evaluate("c1", testMarket(), snap, baseInputs(), time.Now().UTC())
	assert.Equal(t, domain.ReasonSnapshotInvalidBook, res.Reason)

	snap = testSnapshot()
	snap.AskSumAnomaly = true
	res = decision.Evaluate("c1", testMarket(), snap, baseInputs(), time.Now().UTC())
	assert.Equal(t, domain.ReasonSnapshotAskSum, res.Reason)
}

func TestThinDepthRefused(t *testing.T) {
	snap := testSnapshot()
	snap.DepthYes = []domain.BookLevel{{Price: 0.41, SizeUSD: 10}}
	res := decision.Evaluate("c1", testMarket(), snap, baseInputs(), time.Now().UTC())
	assert.Equal(t, domain.ReasonDepthTooThin, res.Reason)
}

func TestNoSidePicksLargerEV(t *testing.T) {
	in := baseInputs()
	in.PAICal = 0.15 // strongly NO
	snap := testSnapshot()
	res := decision.Evaluate("c1", testMarket(), snap, in, time.Now().UTC())
	require.NotNil(t, res.Decision)
	assert.Equal(t, domain.SideNo, res.Decision.Side)
	assert.InDelta(t, 0.59, res.Decision.EntryPrice, 1e-9)
}
