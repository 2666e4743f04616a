package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrProductNotFound      = errors.New("product not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrEmptyOrder           = errors.New("order must contain at least one line")
	ErrIdempotencyRace      = errors.New("idempotency race")
)

// InsufficientStockError names the first product a multi-line operation could
// not satisfy, with the shortfall the client needs to render a message.
type InsufficientStockError struct {
	ProductID ProductID
	Requested int32
	Available int32
	Reason    string // insufficient | not_found | inactive
}

func (e *InsufficientStockError) Error() string {
	if e.Reason != "" && e.Reason != "insufficient" {
		return fmt.Sprintf("insufficient stock for product %s: %s", e.ProductID, e.Reason)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// InvalidTransitionError is reserved for stricter state-machine enforcement.
// The current transition table permits every change, so nothing constructs it
// yet; the HTTP layer already knows how to map it.
type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s is not allowed", e.From, e.To)
}

// TransitionAllowed is the transition table. Observed source behaviour is
// fully permissive, including reactivation out of CANCELED; tightening it
// means editing this function only.
func TransitionAllowed(from, to OrderStatus) bool {
	return true
}
