// Package locks coordinates per-market leased locks. A worker acquires the
// lock before producing exposure in a market, renews it every
// LockRenewEverySec, and validates version and remaining TTL immediately
// before any network submit.
package locks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// Manager wraps the lock store with the lease protocol for one process
// instance.
type Manager struct {
	store      ports.LockStore
	instanceID string
}

// NewManager creates a lock manager bound to this process instance.
func NewManager(store ports.LockStore, instanceID string) *Manager {
	return &Manager{store: store, instanceID: instanceID}
}

// Acquire takes the market lock for a worker. Returns nil when another owner
// holds a live lease.
func (m *Manager) Acquire(ctx context.Context, marketID, workerID string) (*domain.Lock, error) {
	l, err := m.store.AcquireLock(ctx, marketID, m.instanceID, workerID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("locks.Acquire: %w", err)
	}
	if l != nil {
		slog.Debug("lock acquired", "market", marketID, "worker", workerID, "version", l.LockVersion)
	}
	return l, nil
}

// Renew extends the lease and bumps the version. Returns nil when ownership
// was lost; the caller decides between dropping the candidate and halting.
func (m *Manager) Renew(ctx context.Context, marketID, workerID string) (*domain.Lock, error) {
	l, err := m.store.RenewLock(ctx, marketID, m.instanceID, workerID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("locks.Renew: %w", err)
	}
	return l, nil
}

// Release drops the lock.
func (m *Manager) Release(ctx context.Context, marketID, workerID string) error {
	if err := m.store.ReleaseLock(ctx, marketID, m.instanceID, workerID); err != nil {
		return fmt.Errorf("locks.Release: %w", err)
	}
	return nil
}

// ValidateForSubmit re-checks the lock immediately before a network submit:
// owned by this worker, at least MinLockTTLBeforeSubmitS of lease left, and
// the version unchanged since decision time.
func (m *Manager) ValidateForSubmit(ctx context.Context, marketID, workerID string, versionAtDecision int64, now time.Time) (bool, string) {
	l, err := m.store.GetLock(ctx, marketID)
	if err != nil {
		return false, fmt.Sprintf("lock read failed: %v", err)
	}
	if l == nil {
		return false, "no lock row"
	}
	if !l.OwnedBy(m.instanceID, workerID) {
		return false, "owned elsewhere"
	}
	if remaining := l.ExpiresAt.Sub(now); remaining < domain.MinLockTTLBeforeSubmitS*time.Second {
		return false, fmt.Sprintf("lease too short: %.1fs", remaining.Seconds())
	}
	if l.LockVersion != versionAtDecision {
		return false, fmt.Sprintf("version moved: %d != %d", l.LockVersion, versionAtDecision)
	}
	return true, ""
}
