package domain

import "time"

type NotificationKind string

const (
	NotificationOrderCreated  NotificationKind = "ORDER_CREATED"
	NotificationStatusChanged NotificationKind = "ORDER_STATUS_CHANGED"
	NotificationLowStock      NotificationKind = "LOW_STOCK"
	NotificationSystemAlert   NotificationKind = "SYSTEM_ALERT"
)

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "LOW"
	PriorityMedium NotificationPriority = "MEDIUM"
	PriorityHigh   NotificationPriority = "HIGH"
	PriorityUrgent NotificationPriority = "URGENT"
)

type Notification struct {
	ID        int64                `json:"id"`
	Kind      NotificationKind     `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Priority  NotificationPriority `json:"priority"`
	OrderID   OrderID              `json:"order_id,omitempty"` // empty when not order-related
	Read      bool                 `json:"is_read"`
	CreatedAt time.Time            `json:"created_at"`
}
