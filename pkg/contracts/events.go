package contracts

import "time"

// Topic carries every event the engine emits; consumers filter on Type.
const Topic = "opticstore.events"

type Event struct {
	EventID   string         `json:"event_id"`
	OrderID   string         `json:"order_id,omitempty"`
	ProductID string         `json:"product_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventInventoryLowStock  = "inventory.low_stock"
	EventInventoryReleased  = "inventory.released"
	EventInventoryReserved  = "inventory.reserved"
)
