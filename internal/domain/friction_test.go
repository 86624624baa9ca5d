package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

func TestSpreadCost(t *testing.T) {
	assert.InDelta(t, 0.01, domain.SpreadCost(0.40, 0.42), 1e-9)
	assert.Equal(t, 0.0, domain.SpreadCost(0.42, 0.40), "crossed book clamps to zero")
}

func TestFeeCost(t *testing.T) {
	// Paper floors at 10 bps and doubles.
	assert.InDelta(t, 0.002, domain.FeeCost(0, true), 1e-9)
	assert.InDelta(t, 0.004, domain.FeeCost(20, true), 1e-9)
	// Live charges the raw rate.
	assert.InDelta(t, 0.002, domain.FeeCost(20, false), 1e-9)
}

func TestSlippageBuffer(t *testing.T) {
	tests := []struct {
		name     string
		orderUSD float64
		depthUSD float64
		want     float64
	}{
		{"floor dominates", 10, 1000, 0.005},
		{"depth scales", 100, 200, 0.01},
		{"zero depth clamps to 1", 1, 0, 0.02},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, domain.SlippageBuffer(tt.orderUSD, tt.depthUSD), 1e-9)
		})
	}
}

func TestDisputeBuffer(t *testing.T) {
	assert.InDelta(t, 0.01, domain.DisputeBuffer(0, false), 1e-9)
	assert.InDelta(t, 0.03, domain.DisputeBuffer(1, false), 1e-9)
	assert.InDelta(t, 0.045, domain.DisputeBuffer(1, true), 1e-9, "tier-1 fallback multiplies by 1.5")
}

func TestLatencyPenalty(t *testing.T) {
	assert.Equal(t, 0.0, domain.LatencyPenalty(1.5), "under 2s is free")
	assert.InDelta(t, 0.004, domain.LatencyPenalty(6), 1e-9)
}

func TestTimeValuePenalty(t *testing.T) {
	assert.InDelta(t, 0.006, domain.TimeValuePenalty(30), 1e-9)
	assert.InDelta(t, 0.02, domain.TimeValuePenalty(365), 1e-9, "capped at 0.02")
}

func TestEV(t *testing.T) {
	// YES: p - entry - edge.
	assert.InDelta(t, 0.05, domain.EV(0.60, 0.50, 0.05, domain.SideYes), 1e-9)
	// NO: (1-p) - entry - edge.
	assert.InDelta(t, -0.15, domain.EV(0.60, 0.50, 0.05, domain.SideNo), 1e-9)
}

func TestBlendAndClampPEff(t *testing.T) {
	pEff := domain.BlendPEff(0.50, 0.80, 0.35)
	assert.InDelta(t, 0.605, pEff, 1e-9)

	clamped := domain.ClampPEff(0.50, pEff, domain.DeltaMaxDefault)
	assert.InDelta(t, 0.60, clamped, 1e-9, "delta max 0.10 binds")

	clamped = domain.ClampPEff(0.50, pEff, domain.DeltaMaxHighDispute)
	assert.InDelta(t, 0.55, clamped, 1e-9, "high dispute tightens to 0.05")
}

func TestDeltaMax(t *testing.T) {
	assert.Equal(t, domain.DeltaMaxDefault, domain.DeltaMax(0.69))
	assert.Equal(t, domain.DeltaMaxHighDispute, domain.DeltaMax(0.70))
}

func TestDetectAskSumAnomaly_Boundaries(t *testing.T) {
	tests := []struct {
		askYes, askNo float64
		want          bool
	}{
		{0.489, 0.490, true},  // 0.979 -> anomaly
		{0.490, 0.490, false}, // 0.980 exactly -> not
		{1.000, 1.000, false}, // 2.000 exactly -> not
		{1.000, 1.001, true},  // 2.001 -> anomaly
		{0, 0.5, true},        // missing ask
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.DetectAskSumAnomaly(tt.askYes, tt.askNo),
			"ask_sum %.3f", tt.askYes+tt.askNo)
	}
}

func TestDetectInvalidBook(t *testing.T) {
	assert.False(t, domain.DetectInvalidBook(0.40, 0.42, 0.57, 0.60))
	assert.True(t, domain.DetectInvalidBook(0, 0.42, 0.57, 0.60), "missing bid")
	assert.True(t, domain.DetectInvalidBook(0.43, 0.42, 0.57, 0.60), "bid over ask")
	assert.True(t, domain.DetectInvalidBook(0.40, 1.0, 0.57, 0.60), "price at 1")
}

func TestClassifyMismatch(t *testing.T) {
	// Wallet 1000: L2 threshold max(1.00, 1.00)=1.00, L3 max(5.00, 1.00)=5.00.
	assert.Equal(t, 1, domain.ClassifyMismatch(0.50, 1000))
	assert.Equal(t, 2, domain.ClassifyMismatch(1.00, 1000))
	assert.Equal(t, 3, domain.ClassifyMismatch(5.00, 1000))
	// Large wallet scales the floors up.
	assert.Equal(t, 1, domain.ClassifyMismatch(5.00, 100000))
	assert.Equal(t, 3, domain.ClassifyMismatch(0.01, 0), "no wallet reference escalates")
}

func TestDailyAndWindowCaps(t *testing.T) {
	// min(2.00, wallet*0.005)
	assert.Equal(t, int64(200), domain.DailyCapCents(1000))
	assert.Equal(t, int64(50), domain.DailyCapCents(100))
	assert.Equal(t, int64(40), domain.WindowCapCents(200))
}
