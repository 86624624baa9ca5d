package domain

import (
	"errors"
	"time"
)

// Side is the outcome token being bought.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderStatus is the local order lifecycle state.
type OrderStatus string

const (
	OrderPendingSubmit   OrderStatus = "PENDING_SUBMIT"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelRequested OrderStatus = "CANCEL_REQUESTED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderPendingUnknown  OrderStatus = "PENDING_UNKNOWN"
	OrderRejected        OrderStatus = "REJECTED"
)

var ErrInvalidOrderTransition = errors.New("invalid order state transition")

// orderTransitions is the allowed transition graph. PENDING_UNKNOWN is
// reachable from any non-terminal state since any ambiguous outcome lands
// there.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPendingSubmit:   {OrderOpen, OrderPartiallyFilled, OrderFilled, OrderRejected, OrderPendingUnknown},
	OrderOpen:            {OrderPartiallyFilled, OrderFilled, OrderCancelRequested, OrderCancelled, OrderPendingUnknown},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelRequested, OrderCancelled, OrderPendingUnknown},
	OrderCancelRequested: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderPendingUnknown},
	OrderPendingUnknown:  {OrderOpen, OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderRejected},
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// Active reports whether the order still represents live or potential
// exposure.
func (s OrderStatus) Active() bool {
	return !s.Terminal()
}

// Order links a decision to its venue-side lifecycle.
type Order struct {
	ID              string
	DecisionIDHex   string
	MarketID        string
	Side            Side
	Status          OrderStatus
	ClientOrderID   string
	ExchangeOrderID string
	Price           float64
	SizeCents       int64
	FilledCents     int64
	ResidualCents   int64
	PendingUnknownSince *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transition moves the order to a new status if the graph allows it.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if o.Status == to {
		o.UpdatedAt = now
		return nil
	}
	for _, allowed := range orderTransitions[o.Status] {
		if allowed == to {
			o.Status = to
			o.UpdatedAt = now
			if to == OrderPendingUnknown && o.PendingUnknownSince == nil {
				t := now
				o.PendingUnknownSince = &t
			}
			if to != OrderPendingUnknown {
				o.PendingUnknownSince = nil
			}
			return nil
		}
	}
	return ErrInvalidOrderTransition
}

// ApplyFill records filled notional and recomputes the residual. A fill that
// arrives while a cancel is in flight moves the order to PARTIALLY_FILLED.
func (o *Order) ApplyFill(filledCents int64, now time.Time) error {
	if filledCents < 0 || filledCents > o.SizeCents {
		return errors.New("fill outside order size")
	}
	o.FilledCents = filledCents
	o.ResidualCents = o.SizeCents - filledCents

	switch {
	case o.ResidualCents == 0:
		return o.Transition(OrderFilled, now)
	case o.Status == OrderCancelRequested:
		return o.Transition(OrderPartiallyFilled, now)
	default:
		return o.Transition(OrderPartiallyFilled, now)
	}
}
