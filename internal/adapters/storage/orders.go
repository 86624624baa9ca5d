package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// SaveDecision inserts an immutable decision row. Re-inserting the same
// decision id is a no-op: decisions are deterministic, so a duplicate id
// carries identical content.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d domain.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(decision_id_hex, market_id, candidate_id, side, size_cents,
			 entry_price_micro, p_market_micro, p_eff_micro, required_edge_micro,
			 ev_micro, reason_code, snapshot_hash, client_order_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_id_hex) DO NOTHING`,
		d.IDHex, d.MarketID, d.CandidateID, string(d.Side), d.SizeCents,
		toMicro(d.EntryPrice), toMicro(d.PMarket), toMicro(d.PEff), toMicro(d.RequiredEdge),
		toMicro(d.EV), string(d.ReasonCode), d.SnapshotHash, d.ClientOrderID, toMs(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveDecision: %w", err)
	}
	return nil
}

// SaveOrder inserts an order row. Inserting an order id that already exists
// is a no-op (DO NOTHING): the existing row is kept unchanged.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(order_id, decision_id_hex, market_id, side, status, client_order_id,
			 exchange_order_id, price_micro, size_cents, filled_cents, residual_cents,
			 pending_unknown_since_ms, live_submitted, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(order_id) DO NOTHING`,
		o.ID, o.DecisionIDHex, o.MarketID, string(o.Side), string(o.Status), o.ClientOrderID,
		o.ExchangeOrderID, toMicro(o.Price), o.SizeCents, o.FilledCents, o.ResidualCents,
		msPtr(o.PendingUnknownSince), toMs(o.CreatedAt), toMs(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveOrder: %w", err)
	}
	return nil
}

// UpdateOrder rewrites the mutable order fields.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = ?, exchange_order_id = ?, filled_cents = ?, residual_cents = ?,
			pending_unknown_since_ms = ?, updated_at_ms = ?
		WHERE order_id = ?`,
		string(o.Status), o.ExchangeOrderID, o.FilledCents, o.ResidualCents,
		msPtr(o.PendingUnknownSince), toMs(o.UpdatedAt), o.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateOrder: %w", err)
	}
	return nil
}

// MarkLiveSubmitted records that the decision produced its one successful
// LIVE submit. The partial unique index makes a second mark fail.
func (s *SQLiteStore) MarkLiveSubmitted(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE orders SET live_submitted = 1 WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("storage.MarkLiveSubmitted: %w", err)
	}
	return nil
}

// SubmittedForDecision reports whether a successful LIVE submit exists for
// the decision.
func (s *SQLiteStore) SubmittedForDecision(ctx context.Context, decisionIDHex string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM orders WHERE decision_id_hex = ? AND live_submitted = 1`,
		decisionIDHex).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.SubmittedForDecision: %w", err)
	}
	return n > 0, nil
}

// GetOrder loads one order by id.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelect+` WHERE order_id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage.GetOrder: %w", err)
	}
	return o, nil
}

// ActiveOrders lists orders in non-terminal statuses.
func (s *SQLiteStore) ActiveOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, orderSelect+` WHERE status NOT IN ('FILLED', 'CANCELLED', 'REJECTED')`)
}

// PendingUnknownOrders lists orders awaiting ambiguity resolution.
func (s *SQLiteStore) PendingUnknownOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, orderSelect+` WHERE status = 'PENDING_UNKNOWN'`)
}

const orderSelect = `
	SELECT order_id, decision_id_hex, market_id, side, status, client_order_id,
	       exchange_order_id, price_micro, size_cents, filled_cents, residual_cents,
	       pending_unknown_since_ms, created_at_ms, updated_at_ms
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o           domain.Order
		side, state string
		priceMicro  int64
		pendingMs   sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&o.ID, &o.DecisionIDHex, &o.MarketID, &side, &state, &o.ClientOrderID,
		&o.ExchangeOrderID, &priceMicro, &o.SizeCents, &o.FilledCents, &o.ResidualCents,
		&pendingMs, &created, &updated)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(state)
	o.Price = fromMicro(priceMicro)
	if pendingMs.Valid {
		t := fromMs(pendingMs.Int64)
		o.PendingUnknownSince = &t
	}
	o.CreatedAt = fromMs(created)
	o.UpdatedAt = fromMs(updated)
	return &o, nil
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryOrders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.queryOrders: scan: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// SaveSnapshot appends one immutable snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	depthYes, err := json.Marshal(snap.DepthYes)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot: encode depth_yes: %w", err)
	}
	depthNo, err := json.Marshal(snap.DepthNo)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot: encode depth_no: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(snapshot_id, market_id, snapshot_at_ms, source, ws_epoch,
			 ws_last_message_ms, market_last_ws_update_ms, orderbook_last_change_ms,
			 best_bid_yes_micro, best_ask_yes_micro, best_bid_no_micro, best_ask_no_micro,
			 depth_yes, depth_no, content_hash, invalid_book, ask_sum_anomaly)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.MarketID, snap.SnapshotAtMs, string(snap.Source), snap.WSEpoch,
		snap.WSLastMessageMs, snap.MarketLastWSUpdateMs, snap.OrderbookLastChangeMs,
		toMicro(snap.BestBidYes), toMicro(snap.BestAskYes), toMicro(snap.BestBidNo), toMicro(snap.BestAskNo),
		string(depthYes), string(depthNo), snap.ContentHash,
		boolInt(snap.InvalidBook), boolInt(snap.AskSumAnomaly),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for a market, nil when none.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, marketID string) (*domain.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, market_id, snapshot_at_ms, source, ws_epoch,
		       ws_last_message_ms, market_last_ws_update_ms, orderbook_last_change_ms,
		       best_bid_yes_micro, best_ask_yes_micro, best_bid_no_micro, best_ask_no_micro,
		       depth_yes, depth_no, content_hash, invalid_book, ask_sum_anomaly
		FROM snapshots WHERE market_id = ? ORDER BY snapshot_at_ms DESC LIMIT 1`, marketID)

	var (
		snap                           domain.Snapshot
		source                         string
		bidYes, askYes, bidNo, askNo   int64
		depthYes, depthNo              string
		invalid, askSum                int
	)
	err := row.Scan(&snap.ID, &snap.MarketID, &snap.SnapshotAtMs, &source, &snap.WSEpoch,
		&snap.WSLastMessageMs, &snap.MarketLastWSUpdateMs, &snap.OrderbookLastChangeMs,
		&bidYes, &askYes, &bidNo, &askNo, &depthYes, &depthNo, &snap.ContentHash,
		&invalid, &askSum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage.LatestSnapshot: %w", err)
	}
	snap.Source = domain.SnapshotSource(source)
	snap.BestBidYes = fromMicro(bidYes)
	snap.BestAskYes = fromMicro(askYes)
	snap.BestBidNo = fromMicro(bidNo)
	snap.BestAskNo = fromMicro(askNo)
	if err := json.Unmarshal([]byte(depthYes), &snap.DepthYes); err != nil {
		return nil, fmt.Errorf("storage.LatestSnapshot: decode depth_yes: %w", err)
	}
	if err := json.Unmarshal([]byte(depthNo), &snap.DepthNo); err != nil {
		return nil, fmt.Errorf("storage.LatestSnapshot: decode depth_no: %w", err)
	}
	snap.InvalidBook = invalid == 1
	snap.AskSumAnomaly = askSum == 1
	return &snap, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
