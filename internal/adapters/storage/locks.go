package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// GetLock loads one lock row, nil when absent.
func (s *SQLiteStore) GetLock(ctx context.Context, marketID string) (*domain.Lock, error) {
	return s.getLock(ctx, s.db, marketID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getLock(ctx context.Context, q querier, marketID string) (*domain.Lock, error) {
	row := q.QueryRowContext(ctx, `
		SELECT market_id, owner_instance, owner_worker, lock_version,
		       owner_heartbeat, expires_at, last_renewed
		FROM market_locks WHERE market_id = ?`, marketID)

	var (
		l                              domain.Lock
		heartbeat, expires, renewed    int64
	)
	err := row.Scan(&l.MarketID, &l.OwnerInstance, &l.OwnerWorker, &l.LockVersion,
		&heartbeat, &expires, &renewed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage.getLock: %w", err)
	}
	l.OwnerHeartbeat = fromMs(heartbeat)
	l.ExpiresAt = fromMs(expires)
	l.LastRenewed = fromMs(renewed)
	return &l, nil
}

// AcquireLock implements the lease rules in one transaction: take when no
// row exists, when expired past the steal grace, or when the heartbeat has
// been silent for two TTLs. Re-acquiring an owned lock returns it unchanged.
func (s *SQLiteStore) AcquireLock(ctx context.Context, marketID, instance, worker string, now time.Time) (*domain.Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage.AcquireLock: begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getLock(ctx, tx, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.AcquireLock: %w", err)
	}

	version := int64(1)
	switch {
	case existing == nil:
		// free
	case existing.OwnedBy(instance, worker) && !existing.Expired(now):
		return existing, tx.Commit()
	case existing.Stealable(now):
		version = existing.LockVersion + 1
	default:
		return nil, tx.Commit()
	}

	l := domain.Lock{
		MarketID:       marketID,
		OwnerInstance:  instance,
		OwnerWorker:    worker,
		LockVersion:    version,
		OwnerHeartbeat: now,
		ExpiresAt:      now.Add(domain.LockTTLSec * time.Second),
		LastRenewed:    now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO market_locks
			(market_id, owner_instance, owner_worker, lock_version, owner_heartbeat, expires_at, last_renewed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			owner_instance  = excluded.owner_instance,
			owner_worker    = excluded.owner_worker,
			lock_version    = excluded.lock_version,
			owner_heartbeat = excluded.owner_heartbeat,
			expires_at      = excluded.expires_at,
			last_renewed    = excluded.last_renewed`,
		l.MarketID, l.OwnerInstance, l.OwnerWorker, l.LockVersion,
		toMs(l.OwnerHeartbeat), toMs(l.ExpiresAt), toMs(l.LastRenewed))
	if err != nil {
		return nil, fmt.Errorf("storage.AcquireLock: upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage.AcquireLock: commit: %w", err)
	}
	return &l, nil
}

// RenewLock extends an owned lease, bumping heartbeat, expiry, and version.
func (s *SQLiteStore) RenewLock(ctx context.Context, marketID, instance, worker string, now time.Time) (*domain.Lock, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE market_locks SET
			owner_heartbeat = ?, expires_at = ?, last_renewed = ?, lock_version = lock_version + 1
		WHERE market_id = ? AND owner_instance = ? AND owner_worker = ?`,
		toMs(now), toMs(now.Add(domain.LockTTLSec*time.Second)), toMs(now),
		marketID, instance, worker)
	if err != nil {
		return nil, fmt.Errorf("storage.RenewLock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("storage.RenewLock: rows: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetLock(ctx, marketID)
}

// ReleaseLock deletes an owned lock row.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, marketID, instance, worker string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM market_locks
		WHERE market_id = ? AND owner_instance = ? AND owner_worker = ?`,
		marketID, instance, worker)
	if err != nil {
		return fmt.Errorf("storage.ReleaseLock: %w", err)
	}
	return nil
}
