package storage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// AppendEvent inserts one event-log row. The unique payload hash makes the
// append idempotent; a duplicate reports false without error.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev ports.Event) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (event_id, ts_utc_ms, type, correlation_id, payload, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING`,
		ev.ID, toMs(ev.TS), ev.Type, ev.CorrelationID, string(ev.Payload), ev.PayloadHash)
	if err != nil {
		return false, fmt.Errorf("storage.AppendEvent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.AppendEvent: rows: %w", err)
	}
	return n == 1, nil
}

// HasEvent reports whether an event with this payload hash exists.
func (s *SQLiteStore) HasEvent(ctx context.Context, payloadHash []byte) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM event_log WHERE payload_hash = ?`, payloadHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.HasEvent: %w", err)
	}
	return n > 0, nil
}

// UpsertMismatch records a mismatch, refreshing last_seen when the id exists.
func (s *SQLiteStore) UpsertMismatch(ctx context.Context, m domain.Mismatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_mismatches
			(mismatch_id, market_id, level, status, first_seen_ms, last_seen_ms, delta_cents, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mismatch_id) DO UPDATE SET
			level        = excluded.level,
			status       = excluded.status,
			last_seen_ms = excluded.last_seen_ms,
			delta_cents  = excluded.delta_cents,
			details      = excluded.details`,
		m.ID, m.MarketID, m.Level, string(m.Status),
		toMs(m.FirstSeen), toMs(m.LastSeen), usdToCents(m.DeltaUSD), m.Details)
	if err != nil {
		return fmt.Errorf("storage.UpsertMismatch: %w", err)
	}
	return nil
}

// ResolveMismatch flips a mismatch to RESOLVED.
func (s *SQLiteStore) ResolveMismatch(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reconcile_mismatches SET status = 'RESOLVED', last_seen_ms = ?
		WHERE mismatch_id = ?`, toMs(now), id)
	if err != nil {
		return fmt.Errorf("storage.ResolveMismatch: %w", err)
	}
	return nil
}

// ActiveMismatches lists open mismatches, highest level first.
func (s *SQLiteStore) ActiveMismatches(ctx context.Context) ([]domain.Mismatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mismatch_id, market_id, level, status, first_seen_ms, last_seen_ms, delta_cents, details
		FROM reconcile_mismatches WHERE status = 'ACTIVE' ORDER BY level DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage.ActiveMismatches: %w", err)
	}
	defer rows.Close()

	var out []domain.Mismatch
	for rows.Next() {
		var (
			m                  domain.Mismatch
			status             string
			first, last, delta int64
		)
		if err := rows.Scan(&m.ID, &m.MarketID, &m.Level, &status, &first, &last, &delta, &m.Details); err != nil {
			return nil, fmt.Errorf("storage.ActiveMismatches: scan: %w", err)
		}
		m.Status = domain.MismatchStatus(status)
		m.FirstSeen = fromMs(first)
		m.LastSeen = fromMs(last)
		m.DeltaUSD = float64(delta) / 100
		out = append(out, m)
	}
	return out, rows.Err()
}

// Level1DriftUSD sums the day's Level-1 deltas, resolved or not — cumulative
// drift escalates even when individual mismatches close.
func (s *SQLiteStore) Level1DriftUSD(ctx context.Context, day string) (float64, error) {
	dayStart, err := time.Parse("2006-01-02", day)
	if err != nil {
		return 0, fmt.Errorf("storage.Level1DriftUSD: parse day %q: %w", day, err)
	}
	from := toMs(dayStart)
	to := toMs(dayStart.Add(24 * time.Hour))

	var cents int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta_cents), 0) FROM reconcile_mismatches
		WHERE level = 1 AND last_seen_ms >= ? AND last_seen_ms < ?`, from, to).Scan(&cents)
	if err != nil {
		return 0, fmt.Errorf("storage.Level1DriftUSD: %w", err)
	}
	return float64(cents) / 100, nil
}

func usdToCents(usd float64) int64 {
	return int64(math.Round(usd * 100))
}
