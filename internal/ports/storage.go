package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// StateStore persists the signed bot_state singleton and arming nonces.
type StateStore interface {
	LoadBotState(ctx context.Context) (*domain.BotState, error) // nil when uninitialised
	SaveBotState(ctx context.Context, bs domain.BotState) error
	InvalidateArmingNonces(ctx context.Context) error
	SaveArmingNonce(ctx context.Context, nonce string, step int, expiresAt time.Time) error
	ConsumeArmingNonce(ctx context.Context, nonce string, step int, now time.Time) (bool, error)
}

// SnapshotStore appends immutable snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) error
	LatestSnapshot(ctx context.Context, marketID string) (*domain.Snapshot, error)
}

// OrderStore persists orders and decisions.
type OrderStore interface {
	SaveDecision(ctx context.Context, d domain.Decision) error
	SaveOrder(ctx context.Context, o domain.Order) error
	UpdateOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ActiveOrders(ctx context.Context) ([]domain.Order, error)
	PendingUnknownOrders(ctx context.Context) ([]domain.Order, error)
	// SubmittedForDecision reports whether a successful LIVE submit is already
	// recorded for the decision id.
	SubmittedForDecision(ctx context.Context, decisionIDHex string) (bool, error)
	// MarkLiveSubmitted records the decision's single successful LIVE submit.
	MarkLiveSubmitted(ctx context.Context, orderID string) error
}

// LockStore persists market lock rows. Each mutation runs in one transaction
// so concurrent acquires serialize on the row.
type LockStore interface {
	GetLock(ctx context.Context, marketID string) (*domain.Lock, error)
	// AcquireLock takes the lock when no row exists, the lease lapsed past the
	// steal grace, or the heartbeat has been silent for two TTLs. The version
	// increments on every successful acquire. Returns nil when held elsewhere.
	AcquireLock(ctx context.Context, marketID, instance, worker string, now time.Time) (*domain.Lock, error)
	// RenewLock extends an owned lease and bumps the version. Returns nil when
	// the lock is no longer owned by the caller.
	RenewLock(ctx context.Context, marketID, instance, worker string, now time.Time) (*domain.Lock, error)
	ReleaseLock(ctx context.Context, marketID, instance, worker string) error
}

// BudgetStore runs the serializable budget transactions. Implementations must
// make Reserve, Settle, and Reap atomic with respect to each other.
type BudgetStore interface {
	Reserve(ctx context.Context, r domain.Reservation, dailyCapCents, windowCapCents int64) (bool, error)
	// Settle transitions RESERVED -> SETTLED via compare-and-swap.
	// Returns false when the reservation was already final.
	Settle(ctx context.Context, reservationID string, actualCents int64) (bool, error)
	// ReapExpired force-settles RESERVED rows past expiry+grace. Returns ids
	// force-settled.
	ReapExpired(ctx context.Context, now time.Time) ([]string, error)
	DayStats(ctx context.Context, day string) (spentCents, inFlightCents int64, analyses int, forceSettles int, err error)
}

// MismatchStore persists reconciliation mismatches.
type MismatchStore interface {
	UpsertMismatch(ctx context.Context, m domain.Mismatch) error
	ResolveMismatch(ctx context.Context, id string, now time.Time) error
	ActiveMismatches(ctx context.Context) ([]domain.Mismatch, error)
	Level1DriftUSD(ctx context.Context, day string) (float64, error)
}

// EventStore is the transactional event log. Payload hashes are unique so
// WAL replay is idempotent.
type EventStore interface {
	// AppendEvent inserts one event; returns false when the payload hash was
	// already present.
	AppendEvent(ctx context.Context, ev Event) (bool, error)
	HasEvent(ctx context.Context, payloadHash []byte) (bool, error)
}

// Event is one event-log row.
type Event struct {
	ID            string
	TS            time.Time
	Type          string
	CorrelationID string
	Payload       []byte
	PayloadHash   []byte
}

// Store aggregates every persistence surface the core needs.
type Store interface {
	StateStore
	SnapshotStore
	OrderStore
	LockStore
	BudgetStore
	MismatchStore
	EventStore
	// DBTime returns the database clock, the anchor for budget timestamps and
	// the clock-drift probe.
	DBTime(ctx context.Context) (time.Time, error)
	Close() error
}
