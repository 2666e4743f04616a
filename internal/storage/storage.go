// Package storage owns durable state. Every multi-step business write runs
// inside WithinTx: either the whole operation commits or none of it does.
package storage

import (
	"context"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
)

// Tx is the mutation surface available inside a transaction scope.
type Tx interface {
	GetProduct(ctx context.Context, id domain.ProductID) (domain.Product, error)

	// DecrementStock is conditional: it only applies when the product exists,
	// is active and has at least qty units. It returns the remaining quantity
	// on success, domain.ErrProductNotFound or *domain.InsufficientStockError
	// otherwise. The check and the write are one atomic step per product.
	DecrementStock(ctx context.Context, id domain.ProductID, qty int32) (int32, error)

	// IncrementStock restores previously reserved units. No upper bound.
	IncrementStock(ctx context.Context, id domain.ProductID, qty int32) (int32, error)

	InsertOrder(ctx context.Context, o *domain.Order) error

	// GetOrderForUpdate loads the order and its lines and holds the order row
	// until the transaction ends, serializing concurrent status updates on
	// the same order id.
	GetOrderForUpdate(ctx context.Context, id domain.OrderID) (*domain.Order, error)

	SetOrderStatus(ctx context.Context, id domain.OrderID, status domain.OrderStatus) error

	// InsertIdempotencyKey fails with domain.ErrIdempotencyRace when the key
	// was already claimed by another order.
	InsertIdempotencyKey(ctx context.Context, key string, orderID domain.OrderID) error

	AppendStatusChange(ctx context.Context, c *domain.StatusChange) error

	InsertNotification(ctx context.Context, n *domain.Notification) error

	// AppendOutbox stages an event to be relayed to the broker after commit.
	AppendOutbox(ctx context.Context, evt contracts.Event) error
}

// Store is the read surface plus the transaction entrypoint.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetProduct(ctx context.Context, id domain.ProductID) (domain.Product, error)
	UpsertProduct(ctx context.Context, p domain.Product) error

	GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	ListOrders(ctx context.Context, status *domain.OrderStatus, limit, offset int) ([]domain.Order, error)

	// OrderIDByIdempotencyKey returns "" (and no error) when the key is unseen.
	OrderIDByIdempotencyKey(ctx context.Context, key string) (domain.OrderID, error)

	// ListStatusChanges returns transitions newest first.
	ListStatusChanges(ctx context.Context, orderID domain.OrderID) ([]domain.StatusChange, error)

	ListNotifications(ctx context.Context, limit int, unreadOnly bool) ([]domain.Notification, error)
	UnreadNotificationCount(ctx context.Context) (int64, error)
	MarkNotificationRead(ctx context.Context, id int64) (domain.Notification, error)
	MarkAllNotificationsRead(ctx context.Context) (int64, error)
	DeleteNotification(ctx context.Context, id int64) error
}
