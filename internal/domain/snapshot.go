package domain

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// SnapshotSource tags where a snapshot's book came from. Only WS snapshots
// are ever eligible for decisions or execution.
type SnapshotSource string

const (
	SourceWS   SnapshotSource = "WS"
	SourceREST SnapshotSource = "REST"
)

// BookLevel is one depth level: price and resting size in USD.
type BookLevel struct {
	Price   float64
	SizeUSD float64
}

// Snapshot is an immutable per-market price-and-depth record. Once persisted
// it is never mutated; freshness is judged against its embedded timestamps
// and WS epoch.
type Snapshot struct {
	ID                   string
	MarketID             string
	SnapshotAtMs         int64 // local-receive monotonic milliseconds
	Source               SnapshotSource
	WSEpoch              int64 // incremented on every WS disconnect
	WSLastMessageMs      int64 // global, at capture time
	MarketLastWSUpdateMs int64
	OrderbookLastChangeMs int64

	BestBidYes float64 // 0 means missing
	BestAskYes float64
	BestBidNo  float64
	BestAskNo  float64
	DepthYes   []BookLevel // top BookLevelsRequired levels
	DepthNo    []BookLevel

	ContentHash   []byte
	InvalidBook   bool
	AskSumAnomaly bool
}

// Anomalous reports whether either anomaly flag is set.
func (s Snapshot) Anomalous() bool {
	return s.InvalidBook || s.AskSumAnomaly
}

// TopDepthUSD sums the resting USD across the recorded depth levels of the
// given side.
func (s Snapshot) TopDepthUSD(side Side) float64 {
	levels := s.DepthYes
	if side == SideNo {
		levels = s.DepthNo
	}
	var total float64
	for _, l := range levels {
		total += l.SizeUSD
	}
	return total
}

// BestBid returns the best bid for the given side.
func (s Snapshot) BestBid(side Side) float64 {
	if side == SideNo {
		return s.BestBidNo
	}
	return s.BestBidYes
}

// BestAsk returns the best ask for the given side.
func (s Snapshot) BestAsk(side Side) float64 {
	if side == SideNo {
		return s.BestAskNo
	}
	return s.BestAskYes
}

// Mid returns the YES mid price, or 0 if either side of the book is missing.
func (s Snapshot) Mid() float64 {
	if s.BestBidYes <= 0 || s.BestAskYes <= 0 {
		return 0
	}
	return (s.BestBidYes + s.BestAskYes) / 2
}

// DetectInvalidBook flags a book where any price is outside (0, 1), bid
// crosses ask on a side, or a best quote is missing on either side.
func DetectInvalidBook(bidYes, askYes, bidNo, askNo float64) bool {
	prices := []float64{bidYes, askYes, bidNo, askNo}
	for _, p := range prices {
		if p <= 0 || p >= 1 {
			return true
		}
	}
	if bidYes > askYes || bidNo > askNo {
		return true
	}
	return false
}

// DetectAskSumAnomaly flags a binary-consistency violation:
// best_ask_yes + best_ask_no outside [AskSumLow, AskSumHigh]. Missing asks
// are anomalous. The bounds themselves are not anomalous.
func DetectAskSumAnomaly(askYes, askNo float64) bool {
	if askYes <= 0 || askNo <= 0 {
		return true
	}
	sum := askYes + askNo
	return sum < AskSumLow || sum > AskSumHigh
}

// CanonicalBookJSON builds the deterministic serialization hashed into the
// snapshot content hash. Prices at 6 decimals, sizes at 2, keys sorted.
func CanonicalBookJSON(bidYes, askYes, bidNo, askNo float64, depthYes, depthNo []BookLevel) string {
	fmtLevels := func(levels []BookLevel) [][2]string {
		out := make([][2]string, 0, len(levels))
		for _, l := range levels {
			out = append(out, [2]string{fmt.Sprintf("%.6f", l.Price), fmt.Sprintf("%.2f", l.SizeUSD)})
		}
		return out
	}
	obj := map[string]any{
		"best_ask_no":  fmt.Sprintf("%.6f", askNo),
		"best_ask_yes": fmt.Sprintf("%.6f", askYes),
		"best_bid_no":  fmt.Sprintf("%.6f", bidNo),
		"best_bid_yes": fmt.Sprintf("%.6f", bidYes),
		"depth_no":     fmtLevels(depthNo),
		"depth_yes":    fmtLevels(depthYes),
	}
	// encoding/json marshals map keys in sorted order, which gives the
	// deterministic layout the hash depends on.
	b, _ := json.Marshal(obj)
	return string(b)
}

// BookContentHash is the SHA-256 of the canonical book serialization.
func BookContentHash(canonical string) []byte {
	h := sha256.Sum256([]byte(canonical))
	return h[:]
}
