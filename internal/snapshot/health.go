// Package snapshot builds immutable book snapshots and judges their
// freshness. The two health predicates share one structure and differ only
// in the per-market staleness bound: 6 s for decisions, 3 s for execution.
package snapshot

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// New builds a snapshot from one WS book frame, computing the content hash
// and anomaly flags. The result is immutable.
func New(frame ports.BookFrame, wsLastMessageMs, marketLastUpdateMs, bookLastChangeMs int64) domain.Snapshot {
	depthYes := topLevels(frame.DepthYes)
	depthNo := topLevels(frame.DepthNo)

	canonical := domain.CanonicalBookJSON(frame.BidYes, frame.AskYes, frame.BidNo, frame.AskNo, depthYes, depthNo)

	return domain.Snapshot{
		ID:                    uuid.NewString(),
		MarketID:              frame.MarketID,
		SnapshotAtMs:          frame.ReceivedMs,
		Source:                domain.SourceWS,
		WSEpoch:               frame.Epoch,
		WSLastMessageMs:       wsLastMessageMs,
		MarketLastWSUpdateMs:  marketLastUpdateMs,
		OrderbookLastChangeMs: bookLastChangeMs,
		BestBidYes:            frame.BidYes,
		BestAskYes:            frame.AskYes,
		BestBidNo:             frame.BidNo,
		BestAskNo:             frame.AskNo,
		DepthYes:              depthYes,
		DepthNo:               depthNo,
		ContentHash:           domain.BookContentHash(canonical),
		InvalidBook:           domain.DetectInvalidBook(frame.BidYes, frame.AskYes, frame.BidNo, frame.AskNo),
		AskSumAnomaly:         domain.DetectAskSumAnomaly(frame.AskYes, frame.AskNo),
	}
}

func topLevels(levels []domain.BookLevel) []domain.BookLevel {
	if len(levels) > domain.BookLevelsRequired {
		return levels[:domain.BookLevelsRequired]
	}
	return levels
}

// HealthyDecision checks the 6 s decision predicate.
func HealthyDecision(marketID string, snap domain.Snapshot, ws ports.WSStateView, nowMs int64) (bool, []string) {
	return healthy(marketID, snap, ws, nowMs, domain.MaxSnapshotAgeDecisionSec)
}

// HealthyExec checks the stricter 3 s execution predicate.
func HealthyExec(marketID string, snap domain.Snapshot, ws ports.WSStateView, nowMs int64) (bool, []string) {
	return healthy(marketID, snap, ws, nowMs, domain.MaxSnapshotAgeExecSec)
}

// healthy is the shared predicate body. Every clause appends its own reason
// so the caller can log the most specific failure.
func healthy(marketID string, snap domain.Snapshot, ws ports.WSStateView, nowMs int64, maxAgeSec int64) (bool, []string) {
	var reasons []string

	if !ws.Connected() {
		reasons = append(reasons, "ws disconnected")
	}
	if age := nowMs - ws.LastMessageMs(); age > domain.WSHeartbeatSec*1000 {
		reasons = append(reasons, fmt.Sprintf("global ws silence %dms", age))
	}
	if snap.Source != domain.SourceWS {
		reasons = append(reasons, fmt.Sprintf("snapshot source %s", snap.Source))
	}
	if snap.WSEpoch != ws.Epoch() {
		// A disconnect bumped the epoch: the snapshot predates the current
		// connection and is invalid regardless of age.
		reasons = append(reasons, fmt.Sprintf("stale ws epoch %d != %d", snap.WSEpoch, ws.Epoch()))
	}
	if snap.MarketID != marketID {
		reasons = append(reasons, "market mismatch")
	}
	if snap.MarketLastWSUpdateMs <= 0 {
		reasons = append(reasons, "no market ws update recorded")
	} else if age := nowMs - snap.MarketLastWSUpdateMs; age > maxAgeSec*1000 {
		reasons = append(reasons, fmt.Sprintf("market update age %dms > %dms", age, maxAgeSec*1000))
	}
	if snap.OrderbookLastChangeMs <= 0 {
		reasons = append(reasons, "no book change recorded")
	} else if age := nowMs - snap.OrderbookLastChangeMs; age > maxAgeSec*1000 {
		reasons = append(reasons, fmt.Sprintf("book change age %dms > %dms", age, maxAgeSec*1000))
	}
	if snap.WSLastMessageMs < snap.SnapshotAtMs {
		reasons = append(reasons, "snapshot newer than last ws message")
	}

	return len(reasons) == 0, reasons
}
