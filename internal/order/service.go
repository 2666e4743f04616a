// Package order is the only writer of orders and order status. Creation and
// status transitions are single transactions covering the order row, the
// inventory effects, the history record and the notification row.
package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/history"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/inventory"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/notify"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/logging"
)

type Service struct {
	store      storage.Store
	ledger     *inventory.Ledger
	history    *history.Recorder
	dispatcher *notify.Dispatcher
}

func NewService(store storage.Store, ledger *inventory.Ledger, recorder *history.Recorder, dispatcher *notify.Dispatcher) *Service {
	return &Service{store: store, ledger: ledger, history: recorder, dispatcher: dispatcher}
}

type LineRequest struct {
	ProductID   domain.ProductID `json:"product_id"`
	ProductName string           `json:"product_name"`
	UnitPrice   int64            `json:"unit_price"`
	Quantity    int32            `json:"quantity"`
}

type CreateRequest struct {
	Customer       domain.Customer `json:"customer"`
	Lines          []LineRequest   `json:"lines"`
	IdempotencyKey string          `json:"-"`
}

func (r CreateRequest) validate() error {
	if len(r.Lines) == 0 {
		return domain.ErrEmptyOrder
	}
	for _, l := range r.Lines {
		if strings.TrimSpace(string(l.ProductID)) == "" {
			return errors.New("each line must name a product")
		}
		if l.Quantity <= 0 {
			return errors.New("each line quantity must be positive")
		}
		if l.UnitPrice < 0 {
			return errors.New("line unit price must be >= 0")
		}
	}
	return nil
}

// CreateOrder validates stock for every line, persists the order with
// snapshotted names and prices, commits the per-line decrements and queues
// the notifications, all in one transaction. The replayed result reports an
// idempotent hit on a reused Idempotency-Key.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (o *domain.Order, replayed bool, err error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	// Идемпотентность: если ключ уже есть, вернём существующий заказ.
	if req.IdempotencyKey != "" {
		if existing, err := s.replay(ctx, req.IdempotencyKey); err != nil || existing != nil {
			return existing, existing != nil, err
		}
	}

	created, notifications, err := s.createTx(ctx, req)
	if errors.Is(err, domain.ErrIdempotencyRace) && req.IdempotencyKey != "" {
		existing, rerr := s.replay(ctx, req.IdempotencyKey)
		if rerr == nil && existing != nil {
			return existing, true, nil
		}
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}

	for _, n := range notifications {
		s.dispatcher.Publish(n)
	}
	logging.Log(logging.Fields{Service: "order", OrderID: string(created.ID), Step: "create", Status: string(created.Status)})
	return created, false, nil
}

func (s *Service) replay(ctx context.Context, key string) (*domain.Order, error) {
	existing, err := s.store.OrderIDByIdempotencyKey(ctx, key)
	if err != nil || existing == "" {
		return nil, err
	}
	return s.store.GetOrder(ctx, existing)
}

func (s *Service) createTx(ctx context.Context, req CreateRequest) (*domain.Order, []domain.Notification, error) {
	var (
		created       *domain.Order
		notifications []domain.Notification
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		notifications = notifications[:0]

		// 1) every line must be satisfiable before anything is written
		for _, l := range req.Lines {
			av, err := s.ledger.CheckTx(ctx, tx, l.ProductID, l.Quantity)
			if err != nil {
				return err
			}
			if !av.OK {
				return &domain.InsufficientStockError{
					ProductID: l.ProductID,
					Requested: l.Quantity,
					Available: av.Available,
					Reason:    av.Reason,
				}
			}
		}

		// 2) build the aggregate from the request snapshot
		lines := make([]domain.OrderLine, 0, len(req.Lines))
		for _, l := range req.Lines {
			lines = append(lines, domain.OrderLine{
				ProductID:   l.ProductID,
				ProductName: l.ProductName,
				UnitPrice:   l.UnitPrice,
				Quantity:    l.Quantity,
			})
		}
		now := time.Now().UTC()
		o := &domain.Order{
			ID:            domain.OrderID(uuid.NewString()),
			Customer:      req.Customer,
			Lines:         lines,
			Total:         domain.ComputeTotal(lines),
			Status:        domain.OrderStatusNew,
			PaymentMethod: domain.PaymentCashOnDelivery,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		// 3) persist
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if err := tx.InsertIdempotencyKey(ctx, req.IdempotencyKey, o.ID); err != nil {
				return err
			}
		}

		// 4) commit decrements; a concurrent consumer racing us past step 1
		// surfaces here and rolls the whole order back
		lowStock, err := s.reserveLines(ctx, tx, o.ID, o.Lines)
		if err != nil {
			return err
		}

		// 5) queue notifications in the same transaction
		n := notify.OrderCreated(o)
		if err := s.dispatcher.Emit(ctx, tx, n); err != nil {
			return err
		}
		notifications = append(notifications, *n)
		for _, ls := range lowStock {
			if err := s.dispatcher.Emit(ctx, tx, ls); err != nil {
				return err
			}
			notifications = append(notifications, *ls)
		}

		created = o
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, notifications, nil
}

// reserveLines decrements every line, stages an inventory.reserved event per
// line and returns the low-stock notifications for the products this
// reservation pushed to or below the threshold.
func (s *Service) reserveLines(ctx context.Context, tx storage.Tx, orderID domain.OrderID, lines []domain.OrderLine) ([]*domain.Notification, error) {
	var lowStock []*domain.Notification
	for _, l := range lines {
		remaining, crossed, err := s.ledger.Reserve(ctx, tx, l.ProductID, l.Quantity)
		if err != nil {
			return nil, err
		}
		if err := tx.AppendOutbox(ctx, inventoryEvent(contracts.EventInventoryReserved, orderID, l, remaining)); err != nil {
			return nil, err
		}
		if crossed {
			lowStock = append(lowStock, notify.LowStock(l.ProductID, l.ProductName, remaining))
		}
	}
	return lowStock, nil
}

func inventoryEvent(eventType string, orderID domain.OrderID, l domain.OrderLine, remaining int32) contracts.Event {
	return contracts.Event{
		EventID:   uuid.NewString(),
		OrderID:   string(orderID),
		ProductID: string(l.ProductID),
		CreatedAt: time.Now().UTC(),
		Type:      eventType,
		Payload:   map[string]any{"quantity": l.Quantity, "remaining": remaining},
	}
}

// ValidateStock is the read-only pre-flight: same checks as creation, no
// reservation. Stock can still move before the real CreateOrder call.
func (s *Service) ValidateStock(ctx context.Context, lines []LineRequest) ([]inventory.Availability, error) {
	out := make([]inventory.Availability, 0, len(lines))
	for _, l := range lines {
		av, err := s.ledger.Check(ctx, l.ProductID, l.Quantity)
		if err != nil {
			return nil, err
		}
		out = append(out, av)
	}
	return out, nil
}

// UpdateStatus is the single writer of order status. Transitions touching
// CANCELED carry inventory effects; everything happens in one transaction,
// and a stock shortfall during reactivation leaves status and stock as they
// were.
func (s *Service) UpdateStatus(ctx context.Context, orderID domain.OrderID, newStatus domain.OrderStatus, actor string) (*domain.Order, error) {
	var (
		updated       *domain.Order
		notifications []domain.Notification
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		notifications = notifications[:0]

		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		oldStatus := o.Status

		// same-status call is a no-op: no history entry, no notification
		if oldStatus == newStatus {
			updated = o
			return nil
		}
		if !domain.TransitionAllowed(oldStatus, newStatus) {
			return &domain.InvalidTransitionError{From: oldStatus, To: newStatus}
		}

		switch {
		case newStatus == domain.OrderStatusCanceled:
			// restore stock for every line
			for _, l := range o.Lines {
				remaining, err := s.ledger.Release(ctx, tx, l.ProductID, l.Quantity)
				if err != nil {
					return err
				}
				if err := tx.AppendOutbox(ctx, inventoryEvent(contracts.EventInventoryReleased, orderID, l, remaining)); err != nil {
					return err
				}
			}
		case oldStatus == domain.OrderStatusCanceled:
			// reactivation re-reserves; any shortfall aborts with the order
			// still CANCELED
			for _, l := range o.Lines {
				av, err := s.ledger.CheckTx(ctx, tx, l.ProductID, l.Quantity)
				if err != nil {
					return err
				}
				if !av.OK {
					return &domain.InsufficientStockError{
						ProductID: l.ProductID,
						Requested: l.Quantity,
						Available: av.Available,
						Reason:    av.Reason,
					}
				}
			}
			lowStock, err := s.reserveLines(ctx, tx, orderID, o.Lines)
			if err != nil {
				return err
			}
			for _, ls := range lowStock {
				if err := s.dispatcher.Emit(ctx, tx, ls); err != nil {
					return err
				}
				notifications = append(notifications, *ls)
			}
		}

		if err := tx.SetOrderStatus(ctx, orderID, newStatus); err != nil {
			return err
		}
		o.Status = newStatus

		if _, err := s.history.Record(ctx, tx, orderID, oldStatus, newStatus, actor); err != nil {
			return err
		}

		n := notify.StatusChanged(orderID, oldStatus, newStatus, actor)
		if err := s.dispatcher.Emit(ctx, tx, n); err != nil {
			return err
		}
		notifications = append(notifications, *n)

		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, n := range notifications {
		s.dispatcher.Publish(n)
	}
	if len(notifications) > 0 {
		logging.Log(logging.Fields{Service: "order", OrderID: string(orderID), Actor: actor, Step: "update_status", Status: string(updated.Status)})
	}
	return updated, nil
}

// GetOrder and History are the read side used by the admin API.

func (s *Service) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return s.store.GetOrder(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, status *domain.OrderStatus, limit, offset int) ([]domain.Order, error) {
	return s.store.ListOrders(ctx, status, limit, offset)
}

func (s *Service) History(ctx context.Context, id domain.OrderID) ([]domain.StatusChange, error) {
	if _, err := s.store.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return s.history.ListForOrder(ctx, id)
}
