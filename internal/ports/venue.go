package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// SubmitRequest carries everything the venue needs for a limit order.
type SubmitRequest struct {
	ClientOrderID   string
	TokenID         string
	MarketID        string
	Side            domain.Side
	Price           float64
	SizeCents       int64
	PostOnly        bool
	MarketableLimit bool
}

// VenueREST is the venue's REST surface. It is a pure transport: all policy
// (idempotency, retries, reconciliation) is enforced above it. Every call
// must honour the context deadline; an ambiguous failure surfaces as
// domain.Ambiguous, never as a bare error with unknown side effects.
type VenueREST interface {
	// SubmitLimitOrder places a limit order. The outcome is Success with the
	// venue order, or Ambiguous on timeout/5xx/unknown.
	SubmitLimitOrder(ctx context.Context, req SubmitRequest) (domain.Outcome, error)

	// CancelOrder cancels by exchange order id. AbsentConfirmed means the
	// venue affirmed the order no longer rests.
	CancelOrder(ctx context.Context, exchangeOrderID string) (domain.Outcome, error)

	// OpenOrders lists resting orders for this account.
	OpenOrders(ctx context.Context) ([]domain.VenueOrder, error)

	// FindByClientOrderID looks up one order across open and recent history.
	FindByClientOrderID(ctx context.Context, clientOrderID string) (domain.Outcome, error)

	// Positions returns market id -> signed notional USD.
	Positions(ctx context.Context) (map[string]float64, error)

	// Balance returns the available venue balance in USD.
	Balance(ctx context.Context) (float64, error)

	// ServerTime probes the venue clock for the drift check.
	ServerTime(ctx context.Context) (time.Time, error)
}

// WSStateView is a read-only view of the venue WS connection used by the
// snapshot health predicates.
type WSStateView interface {
	Connected() bool
	Epoch() int64
	LastMessageMs() int64
}

// BookFrame is one timestamped best-of-book + depth update from the WS feed.
type BookFrame struct {
	MarketID   string
	ReceivedMs int64
	Epoch      int64
	BidYes     float64
	AskYes     float64
	BidNo      float64
	AskNo      float64
	DepthYes   []domain.BookLevel
	DepthNo    []domain.BookLevel
	BookChanged bool
}
