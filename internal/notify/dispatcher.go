// Package notify persists notification events and pushes them to live
// subscribers. Persistence happens in the caller's business transaction; the
// live push is best-effort and never fails or delays the caller.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/logging"
)

// subscriberBuffer is how far a slow consumer may lag before it is dropped.
const subscriberBuffer = 16

type Subscription struct {
	ID string
	C  <-chan domain.Notification
}

type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string]chan domain.Notification
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string]chan domain.Notification)}
}

// Subscribe registers a live listener. There is no replay: events emitted
// before Subscribe or after a drop are only available through the store.
func (d *Dispatcher) Subscribe() Subscription {
	ch := make(chan domain.Notification, subscriberBuffer)
	id := uuid.NewString()

	d.mu.Lock()
	d.subs[id] = ch
	d.mu.Unlock()

	return Subscription{ID: id, C: ch}
}

func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	ch, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
		close(ch)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Emit persists the notification and its outbox event inside tx. The row
// commits with the business write; the live push happens later, after commit,
// via Publish.
func (d *Dispatcher) Emit(ctx context.Context, tx storage.Tx, n *domain.Notification) error {
	if err := tx.InsertNotification(ctx, n); err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, contracts.Event{
		EventID:   uuid.NewString(),
		OrderID:   string(n.OrderID),
		CreatedAt: n.CreatedAt,
		Type:      eventType(n.Kind),
		Payload: map[string]any{
			"notification_id": n.ID,
			"title":           n.Title,
			"message":         n.Message,
			"priority":        n.Priority,
		},
	})
}

// Publish fans a committed notification out to every live subscriber without
// blocking: a subscriber whose buffer is full is dropped from the set.
func (d *Dispatcher) Publish(n domain.Notification) {
	d.mu.RLock()
	var stale []string
	for id, ch := range d.subs {
		select {
		case ch <- n:
		default:
			stale = append(stale, id)
		}
	}
	d.mu.RUnlock()

	for _, id := range stale {
		d.Unsubscribe(id)
		logging.Log(logging.Fields{Service: "notify", Step: "publish", Status: "subscriber_dropped", Message: id})
	}
}

func eventType(kind domain.NotificationKind) string {
	switch kind {
	case domain.NotificationOrderCreated:
		return contracts.EventOrderCreated
	case domain.NotificationStatusChanged:
		return contracts.EventOrderStatusChanged
	case domain.NotificationLowStock:
		return contracts.EventInventoryLowStock
	default:
		return "notification." + string(kind)
	}
}

// Builders keep titles/messages consistent between the creation and status
// paths; wording follows the admin UI copy.

func OrderCreated(o *domain.Order) *domain.Notification {
	return &domain.Notification{
		Kind:     domain.NotificationOrderCreated,
		Title:    "New Order Received",
		Message:  fmt.Sprintf("Order %s from %s %s, total %d", o.ID, o.Customer.FirstName, o.Customer.LastName, o.Total),
		Priority: domain.PriorityHigh,
		OrderID:  o.ID,
	}
}

func StatusChanged(orderID domain.OrderID, oldStatus, newStatus domain.OrderStatus, actor string) *domain.Notification {
	return &domain.Notification{
		Kind:     domain.NotificationStatusChanged,
		Title:    "Order Status Changed",
		Message:  fmt.Sprintf("Order %s: %s -> %s (by %s)", orderID, oldStatus, newStatus, actor),
		Priority: domain.PriorityMedium,
		OrderID:  orderID,
	}
}

func LowStock(productID domain.ProductID, productName string, remaining int32) *domain.Notification {
	return &domain.Notification{
		Kind:     domain.NotificationLowStock,
		Title:    "Low Stock Alert",
		Message:  fmt.Sprintf("Product %s (%s) is down to %d units", productName, productID, remaining),
		Priority: domain.PriorityUrgent,
	}
}
