package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Decision is an immutable trade decision. Its identity is a pure function of
// the canonical decision string, so identical inputs always produce the same
// id — the basis for submit idempotency.
type Decision struct {
	IDHex        string
	MarketID     string
	CandidateID  string
	Side         Side
	SizeCents    int64
	EntryPrice   float64
	PMarket      float64
	PEff         float64
	RequiredEdge float64
	EV           float64
	EVYes        float64
	EVNo         float64
	ReasonCode   Reason
	SnapshotHash []byte
	Friction     FrictionBreakdown
	ClientOrderID string
	CreatedAt    time.Time
}

// DecisionCanonical serializes the identity fields deterministically:
// sorted keys, fixed precision, timestamp truncated to a one-second bucket.
func DecisionCanonical(marketID string, side Side, snapshotHash []byte, limitPrice float64, sizeCents int64, pMarket, pEff, requiredEdge float64, ts time.Time) string {
	obj := map[string]any{
		"market_id":     marketID,
		"p_eff":         fmt.Sprintf("%.6f", pEff),
		"p_market":      fmt.Sprintf("%.6f", pMarket),
		"price":         fmt.Sprintf("%.6f", limitPrice),
		"required_edge": fmt.Sprintf("%.6f", requiredEdge),
		"side":          string(side),
		"size_cents":    sizeCents,
		"snapshot_hash": hex.EncodeToString(snapshotHash),
		"ts_bucket":     ts.UTC().Unix(),
	}
	b, _ := json.Marshal(obj)
	return string(b)
}

// DecisionIDHex is the SHA-256 of the canonical decision string, hex encoded.
func DecisionIDHex(canonical string) string {
	h := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(h[:])
}

// DeriveClientOrderID takes the first maxLen hex chars of the decision id.
// maxLen comes from the signed manifest (venue client_order_id limit).
// There is no attempt counter: one decision maps to at most one submit.
func DeriveClientOrderID(decisionIDHex string, maxLen int) string {
	if maxLen <= 0 || maxLen >= len(decisionIDHex) {
		return decisionIDHex
	}
	return decisionIDHex[:maxLen]
}
