package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// LoadBotState reads the signed singleton row. Returns nil when the bot has
// never been initialised.
func (s *SQLiteStore) LoadBotState(ctx context.Context) (*domain.BotState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state, counter, ts_utc, armed_until_utc, halt_until_utc, halt_resume_state, state_signature
		FROM bot_state WHERE id = 1`)

	var (
		state, ts, resume string
		counter           int64
		armed, halt       sql.NullString
		sig               []byte
	)
	if err := row.Scan(&state, &counter, &ts, &armed, &halt, &resume, &sig); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage.LoadBotState: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadBotState: parse ts %q: %w", ts, err)
	}
	bs := &domain.BotState{
		State:           domain.TradingState(state),
		Counter:         counter,
		TS:              parsed.UTC(),
		HaltResumeState: domain.TradingState(resume),
		Signature:       sig,
	}
	if armed.Valid {
		t, err := time.Parse(time.RFC3339Nano, armed.String)
		if err != nil {
			return nil, fmt.Errorf("storage.LoadBotState: parse armed_until %q: %w", armed.String, err)
		}
		t = t.UTC()
		bs.ArmedUntil = &t
	}
	if halt.Valid {
		t, err := time.Parse(time.RFC3339Nano, halt.String)
		if err != nil {
			return nil, fmt.Errorf("storage.LoadBotState: parse halt_until %q: %w", halt.String, err)
		}
		t = t.UTC()
		bs.HaltUntil = &t
	}
	return bs, nil
}

// SaveBotState upserts the singleton row. Timestamps are stored as
// RFC3339Nano text so the signed canonical string round-trips exactly.
func (s *SQLiteStore) SaveBotState(ctx context.Context, bs domain.BotState) error {
	var armed, halt any
	if bs.ArmedUntil != nil {
		armed = bs.ArmedUntil.UTC().Format(time.RFC3339Nano)
	}
	if bs.HaltUntil != nil {
		halt = bs.HaltUntil.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_state (id, state, counter, ts_utc, armed_until_utc, halt_until_utc, halt_resume_state, state_signature)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state             = excluded.state,
			counter           = excluded.counter,
			ts_utc            = excluded.ts_utc,
			armed_until_utc   = excluded.armed_until_utc,
			halt_until_utc    = excluded.halt_until_utc,
			halt_resume_state = excluded.halt_resume_state,
			state_signature   = excluded.state_signature`,
		string(bs.State), bs.Counter, bs.TS.UTC().Format(time.RFC3339Nano),
		armed, halt, string(bs.HaltResumeState), bs.Signature,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveBotState: %w", err)
	}
	return nil
}

// InvalidateArmingNonces marks every stored nonce used. Runs at startup.
func (s *SQLiteStore) InvalidateArmingNonces(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE arming_nonces SET used = 1`); err != nil {
		return fmt.Errorf("storage.InvalidateArmingNonces: %w", err)
	}
	return nil
}

// SaveArmingNonce stores a fresh single-use nonce.
func (s *SQLiteStore) SaveArmingNonce(ctx context.Context, nonce string, step int, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arming_nonces (nonce, step, expires_at, used) VALUES (?, ?, ?, 0)
		ON CONFLICT(nonce) DO NOTHING`,
		nonce, step, toMs(expiresAt))
	if err != nil {
		return fmt.Errorf("storage.SaveArmingNonce: %w", err)
	}
	return nil
}

// ConsumeArmingNonce atomically marks a live nonce used. Returns false when
// the nonce is unknown, expired, wrong step, or already consumed.
func (s *SQLiteStore) ConsumeArmingNonce(ctx context.Context, nonce string, step int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE arming_nonces SET used = 1
		WHERE nonce = ? AND step = ? AND used = 0 AND expires_at >= ?`,
		nonce, step, toMs(now))
	if err != nil {
		return false, fmt.Errorf("storage.ConsumeArmingNonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.ConsumeArmingNonce: rows: %w", err)
	}
	return n == 1, nil
}
