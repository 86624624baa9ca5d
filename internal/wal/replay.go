package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// ReplayStats summarises one replay pass.
type ReplayStats struct {
	Inserted       int
	Skipped        int
	OrphansAdopted int
}

// Replay applies the WAL into the event store in offset order, then adopts
// orphaned intents. An ORDER_INTENT with no ORDER_RESULT and no
// ORDER_INTENT_ABORTED means the process died between fsync and the venue
// response: the order is adopted as PENDING_UNKNOWN and left for
// reconciliation. Replay is idempotent via the event payload hash.
func Replay(ctx context.Context, path string, events ports.EventStore, orders ports.OrderStore, now time.Time) (ReplayStats, error) {
	var stats ReplayStats

	records, err := ReadAll(path)
	if err != nil {
		return stats, fmt.Errorf("wal.Replay: %w", err)
	}
	if len(records) == 0 {
		slog.Info("wal replay: empty log")
		return stats, nil
	}

	intents := make(map[string]Record)
	resolved := make(map[string]bool)
	for _, rec := range records {
		decisionID, _ := rec.Payload["decision_id_hex"].(string)
		switch rec.Type {
		case RecordOrderIntent:
			if decisionID == "" {
				decisionID = rec.EventID
			}
			intents[decisionID] = rec
		case RecordOrderResult, RecordOrderIntentAborted:
			if decisionID != "" {
				resolved[decisionID] = true
			}
		}
	}

	for _, rec := range records {
		payload, err := encodePayload(rec)
		if err != nil {
			return stats, fmt.Errorf("wal.Replay: encode event %s: %w", rec.EventID, err)
		}
		inserted, err := events.AppendEvent(ctx, ports.Event{
			ID:            rec.EventID,
			TS:            rec.TS,
			Type:          string(rec.Type),
			CorrelationID: rec.EventID,
			Payload:       payload,
			PayloadHash:   rec.PayloadHash,
		})
		if err != nil {
			return stats, fmt.Errorf("wal.Replay: insert event %s: %w", rec.EventID, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Skipped++
		}
	}

	for decisionID, rec := range intents {
		if resolved[decisionID] {
			continue
		}
		slog.Warn("wal replay: orphaned intent adopted as PENDING_UNKNOWN", "decision_id", decisionID)

		order := orphanOrder(decisionID, rec, now)
		if err := orders.SaveOrder(ctx, order); err != nil {
			return stats, fmt.Errorf("wal.Replay: adopt orphan %s: %w", decisionID, err)
		}
		stats.OrphansAdopted++
	}

	slog.Info("wal replay complete",
		"inserted", stats.Inserted, "skipped", stats.Skipped, "orphans", stats.OrphansAdopted)
	return stats, nil
}

func orphanOrder(decisionID string, rec Record, now time.Time) domain.Order {
	marketID, _ := rec.Payload["market_id"].(string)
	if marketID == "" {
		marketID = "UNKNOWN"
	}
	sideStr, _ := rec.Payload["side"].(string)
	side := domain.Side(sideStr)
	if side != domain.SideYes && side != domain.SideNo {
		side = domain.SideYes
	}
	clientOrderID, _ := rec.Payload["client_order_id"].(string)
	if clientOrderID == "" {
		clientOrderID = decisionID
	}
	price, _ := rec.Payload["price"].(float64)
	sizeCents := int64(0)
	if v, ok := rec.Payload["size_cents"].(float64); ok {
		sizeCents = int64(v)
	}

	since := now
	return domain.Order{
		ID:                  uuid.NewString(),
		DecisionIDHex:       decisionID,
		MarketID:            marketID,
		Side:                side,
		Status:              domain.OrderPendingUnknown,
		ClientOrderID:       clientOrderID,
		Price:               price,
		SizeCents:           sizeCents,
		ResidualCents:       sizeCents,
		PendingUnknownSince: &since,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func encodePayload(rec Record) ([]byte, error) {
	return json.Marshal(rec.Payload)
}
