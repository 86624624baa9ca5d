package domain

import "time"

// Market is a binary prediction market on the venue: two outcome tokens, each
// paying $1 on the correct outcome.
type Market struct {
	ConditionID  string
	Question     string
	Slug         string
	Category     string
	EndDate      time.Time
	Volume24h    float64
	LiquidityUSD float64
	TickSize     float64 // venue quoted price increment
	MakerFeeBps  float64 // 0 = use configured default
	Tokens       [2]Token
	Active       bool
	Closed       bool
}

// Token is one of the two sides of the market.
type Token struct {
	TokenID string
	Outcome string // "Yes" | "No"
}

// YesToken returns the YES token of the market.
func (m Market) YesToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "Yes" {
			return t
		}
	}
	return m.Tokens[0]
}

// NoToken returns the NO token of the market.
func (m Market) NoToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "No" {
			return t
		}
	}
	return m.Tokens[1]
}

// TokenFor maps a side to its token.
func (m Market) TokenFor(side Side) Token {
	if side == SideNo {
		return m.NoToken()
	}
	return m.YesToken()
}

// Tick returns the quoted price increment, defaulting when the venue did not
// report one.
func (m Market) Tick() float64 {
	if m.TickSize > 0 {
		return m.TickSize
	}
	return PaperTickDefault
}

// EffectiveFeeBps returns the market fee if reported, else the default.
func (m Market) EffectiveFeeBps(defaultBps float64) float64 {
	if m.MakerFeeBps > 0 {
		return m.MakerFeeBps
	}
	return defaultBps
}

// TimeToResolution returns the remaining time until resolution, 0 when the
// end date is unset or past.
func (m Market) TimeToResolution(now time.Time) time.Duration {
	if m.EndDate.IsZero() {
		return 0
	}
	d := m.EndDate.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// EligibilityReason checks the static market-quality gates and returns the
// most specific failure reason, or ReasonTrade when all pass.
func (m Market) EligibilityReason(now time.Time) Reason {
	if !m.Active || m.Closed {
		return ReasonMarketNotEligible
	}
	ttr := m.TimeToResolution(now)
	if ttr < TimeToResolutionMin || ttr > TimeToResolutionMax {
		return ReasonTimeToResolution
	}
	if m.Volume24h < MinVolume24hUSD || m.LiquidityUSD < MinLiquidityUSD {
		return ReasonMarketNotEligible
	}
	return ReasonTrade
}

// SnapshotQualityReason checks anomaly, spread, and depth gates against a
// snapshot.
func SnapshotQualityReason(snap Snapshot) Reason {
	if snap.InvalidBook {
		return ReasonSnapshotInvalidBook
	}
	if snap.AskSumAnomaly {
		return ReasonSnapshotAskSum
	}
	if snap.BestAskYes-snap.BestBidYes > MaxSpreadAbs || snap.BestAskNo-snap.BestBidNo > MaxSpreadAbs {
		return ReasonSpreadTooWide
	}
	if snap.TopDepthUSD(SideYes) < MinDepthUSDNearTop || snap.TopDepthUSD(SideNo) < MinDepthUSDNearTop {
		return ReasonDepthTooThin
	}
	return ReasonTrade
}
