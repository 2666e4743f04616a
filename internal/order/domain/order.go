package domain

import "time"

type OrderID string
type ProductID string

type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
)

// ParseOrderStatus возвращает статус по строке или false, если значение неизвестно.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch OrderStatus(s) {
	case OrderStatusNew, OrderStatusConfirmed, OrderStatusShipped, OrderStatusDelivered, OrderStatusCanceled:
		return OrderStatus(s), true
	}
	return "", false
}

type PaymentMethod string

const PaymentCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"

// Customer holds the contact fields captured with the order. They are opaque
// to the engine: nothing downstream parses or validates them beyond presence.
type Customer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Wilaya    string `json:"wilaya"`
	Baladia   string `json:"baladia"`
	Address   string `json:"address"`
}

// OrderLine is a snapshot of a product at order time. Name and unit price are
// copied from the request, never re-read from the catalog.
type OrderLine struct {
	ProductID   ProductID `json:"product_id"`
	ProductName string    `json:"product_name"`
	UnitPrice   int64     `json:"unit_price"` // в минимальных единицах (сантимы)
	Quantity    int32     `json:"quantity"`
}

func (l OrderLine) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

type Order struct {
	ID            OrderID       `json:"id"`
	Customer      Customer      `json:"customer"`
	Lines         []OrderLine   `json:"lines"`
	Total         int64         `json:"total"`
	Status        OrderStatus   `json:"status"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ComputeTotal sums line subtotals. The stored total is fixed at creation;
// lines are immutable afterwards, so the two never diverge.
func ComputeTotal(lines []OrderLine) int64 {
	var total int64
	for _, l := range lines {
		total += l.Subtotal()
	}
	return total
}

// Product is the stock record the ledger mutates. Rows are owned by the
// catalog; this engine only reads them and moves Quantity up and down.
type Product struct {
	ID       ProductID `json:"id"`
	Name     string    `json:"name"`
	Price    int64     `json:"price"`
	Quantity int32     `json:"quantity"`
	Active   bool      `json:"active"`
}

func (p Product) Purchasable() bool {
	return p.Active && p.Quantity > 0
}

// StatusChange is one append-only history record.
type StatusChange struct {
	ID        int64       `json:"id"`
	OrderID   OrderID     `json:"order_id"`
	OldStatus OrderStatus `json:"old_status"`
	NewStatus OrderStatus `json:"new_status"`
	ChangedBy string      `json:"changed_by"`
	ChangedAt time.Time   `json:"changed_at"`
}
