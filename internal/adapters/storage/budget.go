package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// Reserve runs the budget reservation as one serializable transaction: lock
// the day row, sum the rolling window, check every cap, insert the RESERVED
// row, and bump in_flight. Returns false when any cap denies.
func (s *SQLiteStore) Reserve(ctx context.Context, r domain.Reservation, dailyCapCents, windowCapCents int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage.Reserve: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ai_budget_day (day) VALUES (?) ON CONFLICT(day) DO NOTHING`, r.Day); err != nil {
		return false, fmt.Errorf("storage.Reserve: day row: %w", err)
	}

	var spent, inFlight int64
	var analyses int
	err = tx.QueryRowContext(ctx,
		`SELECT spent_cents, in_flight_cents, analyses FROM ai_budget_day WHERE day = ?`, r.Day).
		Scan(&spent, &inFlight, &analyses)
	if err != nil {
		return false, fmt.Errorf("storage.Reserve: read day: %w", err)
	}

	// Window sum: coalesce(actual, reserved) over reservations stamped inside
	// [now-600s, now+5s] in counting statuses, plus current in-flight is
	// already included by status RESERVED rows.
	nowMs := toMs(r.TS)
	var windowSum int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(COALESCE(actual_cents, reserved_cents)), 0)
		FROM ai_reservations
		WHERE ts_utc_ms BETWEEN ? AND ?
		  AND status IN ('RESERVED', 'SETTLED', 'FORCE_SETTLED')`,
		nowMs-int64(domain.AIWindowSec)*1000, nowMs+5000).Scan(&windowSum)
	if err != nil {
		return false, fmt.Errorf("storage.Reserve: window sum: %w", err)
	}

	var known int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ai_reservations WHERE day = ? AND correlation_id = ?`,
		r.Day, r.CorrelationID).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("storage.Reserve: correlation: %w", err)
	}

	if spent+inFlight+r.ReservedCents > dailyCapCents {
		return false, tx.Commit()
	}
	if windowSum+r.ReservedCents > windowCapCents {
		return false, tx.Commit()
	}
	if known == 0 && analyses >= domain.AIAnalysesPerDayHardCap {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ai_reservations
			(reservation_id, day, ts_utc_ms, model_key, reserved_cents, actual_cents,
			 status, correlation_id, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, NULL, 'RESERVED', ?, ?)`,
		r.ID, r.Day, nowMs, r.ModelKey, r.ReservedCents, r.CorrelationID, toMs(r.ExpiresAt)); err != nil {
		return false, fmt.Errorf("storage.Reserve: insert: %w", err)
	}

	bump := 0
	if known == 0 {
		bump = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ai_budget_day SET in_flight_cents = in_flight_cents + ?, analyses = analyses + ?
		WHERE day = ?`, r.ReservedCents, bump, r.Day); err != nil {
		return false, fmt.Errorf("storage.Reserve: bump day: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage.Reserve: commit: %w", err)
	}
	return true, nil
}

// Settle transitions a reservation RESERVED -> SETTLED by compare-and-swap.
// Zero rows affected means the reservation was already final: the caller
// logs RESERVATION_ALREADY_FINAL and moves on.
func (s *SQLiteStore) Settle(ctx context.Context, reservationID string, actualCents int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage.Settle: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ai_reservations SET status = 'SETTLED', actual_cents = ?
		WHERE reservation_id = ? AND status = 'RESERVED'`,
		actualCents, reservationID)
	if err != nil {
		return false, fmt.Errorf("storage.Settle: cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.Settle: rows: %w", err)
	}
	if n == 0 {
		return false, tx.Commit()
	}

	var day string
	var reserved int64
	err = tx.QueryRowContext(ctx,
		`SELECT day, reserved_cents FROM ai_reservations WHERE reservation_id = ?`, reservationID).
		Scan(&day, &reserved)
	if err != nil {
		return false, fmt.Errorf("storage.Settle: read: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ai_budget_day SET in_flight_cents = in_flight_cents - ?, spent_cents = spent_cents + ?
		WHERE day = ?`, reserved, actualCents, day); err != nil {
		return false, fmt.Errorf("storage.Settle: day: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage.Settle: commit: %w", err)
	}
	return true, nil
}

// ReapExpired force-settles RESERVED rows whose expiry lapsed past the
// grace, at their worst-case reserved cost. Same CAS discipline as Settle,
// so a concurrent settlement wins or loses atomically.
func (s *SQLiteStore) ReapExpired(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := toMs(now.Add(-domain.ReaperGraceSec * time.Second))

	rows, err := s.db.QueryContext(ctx,
		`SELECT reservation_id FROM ai_reservations WHERE status = 'RESERVED' AND expires_at_ms < ?`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage.ReapExpired: list: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage.ReapExpired: scan: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.ReapExpired: rows: %w", err)
	}

	var reaped []string
	for _, id := range candidates {
		won, err := s.forceSettle(ctx, id)
		if err != nil {
			return reaped, err
		}
		if won {
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

func (s *SQLiteStore) forceSettle(ctx context.Context, reservationID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage.forceSettle: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ai_reservations SET status = 'FORCE_SETTLED', actual_cents = reserved_cents
		WHERE reservation_id = ? AND status = 'RESERVED'`, reservationID)
	if err != nil {
		return false, fmt.Errorf("storage.forceSettle: cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.forceSettle: rows: %w", err)
	}
	if n == 0 {
		return false, tx.Commit()
	}

	var day string
	var reserved int64
	err = tx.QueryRowContext(ctx,
		`SELECT day, reserved_cents FROM ai_reservations WHERE reservation_id = ?`, reservationID).
		Scan(&day, &reserved)
	if err != nil {
		return false, fmt.Errorf("storage.forceSettle: read: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ai_budget_day SET
			in_flight_cents = in_flight_cents - ?,
			spent_cents     = spent_cents + ?,
			force_settles   = force_settles + 1
		WHERE day = ?`, reserved, reserved, day); err != nil {
		return false, fmt.Errorf("storage.forceSettle: day: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage.forceSettle: commit: %w", err)
	}
	return true, nil
}

// DayStats reads the day accounting row.
func (s *SQLiteStore) DayStats(ctx context.Context, day string) (int64, int64, int, int, error) {
	var spent, inFlight int64
	var analyses, forceSettles int
	err := s.db.QueryRowContext(ctx, `
		SELECT spent_cents, in_flight_cents, analyses, force_settles
		FROM ai_budget_day WHERE day = ?`, day).
		Scan(&spent, &inFlight, &analyses, &forceSettles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, 0, 0, nil
		}
		return 0, 0, 0, 0, fmt.Errorf("storage.DayStats: %w", err)
	}
	return spent, inFlight, analyses, forceSettles, nil
}
