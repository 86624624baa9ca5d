package domain

import "time"

// Lock is a leased per-market lock row. The market id is the primary key;
// lock_version increases monotonically on every acquire and renewal so that
// a submit can detect ownership changes since decision time.
type Lock struct {
	MarketID       string
	OwnerInstance  string
	OwnerWorker    string
	LockVersion    int64
	OwnerHeartbeat time.Time
	ExpiresAt      time.Time
	LastRenewed    time.Time
}

// Expired reports whether the lease has lapsed.
func (l Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Stealable reports whether another worker may take the lock: expired past
// the steal grace, or heartbeat silent for two full TTLs.
func (l Lock) Stealable(now time.Time) bool {
	if now.Sub(l.ExpiresAt) >= LockStealGraceSec*time.Second {
		return true
	}
	return l.OwnerHeartbeat.Before(now.Add(-2 * LockTTLSec * time.Second))
}

// OwnedBy reports whether the lock belongs to the given instance and worker.
func (l Lock) OwnedBy(instance, worker string) bool {
	return l.OwnerInstance == instance && l.OwnerWorker == worker
}
