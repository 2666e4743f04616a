package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/history"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/inventory"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/notify"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *notify.Dispatcher) {
	t.Helper()
	store := storage.NewMemoryStore()
	dispatcher := notify.NewDispatcher()
	ledger := inventory.NewLedger(store, inventory.DefaultLowStockThreshold)
	svc := NewService(store, ledger, history.NewRecorder(store), dispatcher)
	return svc, store, dispatcher
}

func seedProduct(t *testing.T, store *storage.MemoryStore, id string, qty int32) {
	t.Helper()
	require.NoError(t, store.UpsertProduct(context.Background(), domain.Product{
		ID:       domain.ProductID(id),
		Name:     "Frame " + id,
		Price:    4500,
		Quantity: qty,
		Active:   true,
	}))
}

func stockOf(t *testing.T, store *storage.MemoryStore, id string) int32 {
	t.Helper()
	p, err := store.GetProduct(context.Background(), domain.ProductID(id))
	require.NoError(t, err)
	return p.Quantity
}

func testCustomer() domain.Customer {
	return domain.Customer{
		FirstName: "Amine",
		LastName:  "K",
		Phone:     "0550123456",
		Wilaya:    "Oran",
		Baladia:   "Bir El Djir",
		Address:   "5 Rue des Freres",
	}
}

func line(id string, price int64, qty int32) LineRequest {
	return LineRequest{
		ProductID:   domain.ProductID(id),
		ProductName: "Frame " + id,
		UnitPrice:   price,
		Quantity:    qty,
	}
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 100)
	seedProduct(t, store, "sku-2", 100)

	o, replayed, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 2), line("sku-2", 1200, 3)},
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, domain.OrderStatusNew, o.Status)
	assert.Equal(t, domain.PaymentCashOnDelivery, o.PaymentMethod)
	assert.Equal(t, int64(2*4500+3*1200), o.Total)
	assert.Equal(t, int32(98), stockOf(t, store, "sku-1"))
	assert.Equal(t, int32(97), stockOf(t, store, "sku-2"))

	got, err := svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Total, got.Total)
	assert.Len(t, got.Lines, 2)

	notifications, err := store.ListNotifications(ctx, 0, false)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, domain.NotificationOrderCreated, notifications[0].Kind)
	assert.Equal(t, domain.PriorityHigh, notifications[0].Priority)
	assert.Equal(t, o.ID, notifications[0].OrderID)

	// один inventory.reserved на строку плюс order.created
	events := store.PendingOutbox()
	require.Len(t, events, 3)
	assert.Equal(t, contracts.EventInventoryReserved, events[0].Type)
	assert.Equal(t, "sku-1", events[0].ProductID)
	assert.Equal(t, contracts.EventInventoryReserved, events[1].Type)
	assert.Equal(t, contracts.EventOrderCreated, events[2].Type)
	assert.Equal(t, string(o.ID), events[2].OrderID)
}

func TestCreateOrderRejectsAllLinesWhenOneFails(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 100)
	seedProduct(t, store, "sku-2", 100)
	seedProduct(t, store, "sku-3", 1)

	_, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines: []LineRequest{
			line("sku-1", 4500, 2),
			line("sku-2", 1200, 3),
			line("sku-3", 900, 5),
		},
	})
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, domain.ProductID("sku-3"), stockErr.ProductID)
	assert.Equal(t, int32(5), stockErr.Requested)
	assert.Equal(t, int32(1), stockErr.Available)
	assert.Equal(t, "insufficient", stockErr.Reason)

	// ни одна строка не списана, заказ не записан
	assert.Equal(t, int32(100), stockOf(t, store, "sku-1"))
	assert.Equal(t, int32(100), stockOf(t, store, "sku-2"))
	assert.Equal(t, int32(1), stockOf(t, store, "sku-3"))

	orders, err := svc.ListOrders(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)

	notifications, err := store.ListNotifications(ctx, 0, false)
	require.NoError(t, err)
	assert.Empty(t, notifications)
}

func TestCreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 10)

	_, _, err := svc.CreateOrder(ctx, CreateRequest{Customer: testCustomer()})
	assert.ErrorIs(t, err, domain.ErrEmptyOrder)

	_, _, err = svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 0)},
	})
	assert.Error(t, err)

	_, _, err = svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("", 4500, 1)},
	})
	assert.Error(t, err)
}

func TestCreateOrderUnknownAndInactiveProducts(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	require.NoError(t, store.UpsertProduct(ctx, domain.Product{
		ID: "sku-off", Name: "Discontinued", Price: 900, Quantity: 50, Active: false,
	}))

	_, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-missing", 900, 1)},
	})
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "not_found", stockErr.Reason)

	_, _, err = svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-off", 900, 1)},
	})
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "inactive", stockErr.Reason)
	assert.Equal(t, int32(50), stockOf(t, store, "sku-off"))
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 10)

	req := CreateRequest{
		Customer:       testCustomer(),
		Lines:          []LineRequest{line("sku-1", 4500, 2)},
		IdempotencyKey: "key-123",
	}
	first, replayed, err := svc.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := svc.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	// списание произошло один раз
	assert.Equal(t, int32(8), stockOf(t, store, "sku-1"))
	orders, err := svc.ListOrders(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCreateOrderLowStockFiresOncePerCrossing(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 7)

	// 7 -> 4 пересекает порог 5
	_, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 3)},
	})
	require.NoError(t, err)

	// 4 -> 3 остаётся под порогом, второго алерта нет
	_, _, err = svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 1)},
	})
	require.NoError(t, err)

	notifications, err := store.ListNotifications(ctx, 0, false)
	require.NoError(t, err)
	var lowStock int
	for _, n := range notifications {
		if n.Kind == domain.NotificationLowStock {
			lowStock++
			assert.Equal(t, domain.PriorityUrgent, n.Priority)
			assert.Contains(t, n.Message, "sku-1")
		}
	}
	assert.Equal(t, 1, lowStock)
}

func TestValidateStockDoesNotReserve(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 3)

	results, err := svc.ValidateStock(ctx, []LineRequest{
		line("sku-1", 4500, 2),
		line("sku-1", 4500, 5),
		line("sku-missing", 900, 1),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "insufficient", results[1].Reason)
	assert.Equal(t, int32(3), results[1].Available)
	assert.False(t, results[2].OK)
	assert.Equal(t, "not_found", results[2].Reason)

	assert.Equal(t, int32(3), stockOf(t, store, "sku-1"))
}

func TestUpdateStatusCancelRestocks(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 10)
	seedProduct(t, store, "sku-2", 10)

	o, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 3), line("sku-2", 1200, 2)},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(7), stockOf(t, store, "sku-1"))

	updated, err := svc.UpdateStatus(ctx, o.ID, domain.OrderStatusCanceled, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, updated.Status)
	assert.Equal(t, int32(10), stockOf(t, store, "sku-1"))
	assert.Equal(t, int32(10), stockOf(t, store, "sku-2"))

	var released int
	for _, e := range store.PendingOutbox() {
		if e.Type == contracts.EventInventoryReleased {
			released++
		}
	}
	assert.Equal(t, 2, released)
}

func TestUpdateStatusReactivationReReserves(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 10)

	o, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 4)},
	})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, o.ID, domain.OrderStatusCanceled, "admin")
	require.NoError(t, err)
	assert.Equal(t, int32(10), stockOf(t, store, "sku-1"))

	updated, err := svc.UpdateStatus(ctx, o.ID, domain.OrderStatusConfirmed, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, updated.Status)
	assert.Equal(t, int32(6), stockOf(t, store, "sku-1"))
}

func TestUpdateStatusReactivationShortfallKeepsCanceled(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 5)

	o, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 5)},
	})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, o.ID, domain.OrderStatusCanceled, "admin")
	require.NoError(t, err)

	// кто-то выкупил часть возвращённого стока
	_, _, err = svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 3)},
	})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, o.ID, domain.OrderStatusConfirmed, "admin")
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int32(2), stockErr.Available)

	got, err := svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
	assert.Equal(t, int32(2), stockOf(t, store, "sku-1"))
}

func TestUpdateStatusPlainTransitionLeavesStock(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 10)

	o, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 2)},
	})
	require.NoError(t, err)

	for _, status := range []domain.OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	} {
		_, err = svc.UpdateStatus(ctx, o.ID, status, "admin")
		require.NoError(t, err)
		assert.Equal(t, int32(8), stockOf(t, store, "sku-1"))
	}
}

func TestUpdateStatusSameStatusIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 10)

	o, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 1)},
	})
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, o.ID, domain.OrderStatusNew, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, updated.Status)

	entries, err := svc.History(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	notifications, err := store.ListNotifications(ctx, 0, false)
	require.NoError(t, err)
	for _, n := range notifications {
		assert.NotEqual(t, domain.NotificationStatusChanged, n.Kind)
	}
}

func TestUpdateStatusUnknownOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.UpdateStatus(context.Background(), "nope", domain.OrderStatusConfirmed, "admin")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 10)

	o, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 1)},
	})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, o.ID, domain.OrderStatusConfirmed, "amel")
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, o.ID, domain.OrderStatusShipped, "karim")
	require.NoError(t, err)

	entries, err := svc.History(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OrderStatusShipped, entries[0].NewStatus)
	assert.Equal(t, "karim", entries[0].ChangedBy)
	assert.Equal(t, domain.OrderStatusConfirmed, entries[1].NewStatus)
	assert.Equal(t, domain.OrderStatusNew, entries[1].OldStatus)
}

func TestHistoryUnknownOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.History(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestListOrdersStatusFilter(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 100)

	var ids []domain.OrderID
	for i := 0; i < 3; i++ {
		o, _, err := svc.CreateOrder(ctx, CreateRequest{
			Customer: testCustomer(),
			Lines:    []LineRequest{line("sku-1", 4500, 1)},
		})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	_, err := svc.UpdateStatus(ctx, ids[1], domain.OrderStatusCanceled, "admin")
	require.NoError(t, err)

	canceled := domain.OrderStatusCanceled
	got, err := svc.ListOrders(ctx, &canceled, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[1], got[0].ID)

	all, err := svc.ListOrders(ctx, nil, 2, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// newest first
	assert.Equal(t, ids[2], all[0].ID)
}

func TestStatusChangeNotificationAndOutbox(t *testing.T) {
	ctx := context.Background()
	svc, store, dispatcher := newTestService(t)
	seedProduct(t, store, "sku-1", 10)

	sub := dispatcher.Subscribe()
	defer dispatcher.Unsubscribe(sub.ID)

	o, _, err := svc.CreateOrder(ctx, CreateRequest{
		Customer: testCustomer(),
		Lines:    []LineRequest{line("sku-1", 4500, 1)},
	})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, o.ID, domain.OrderStatusConfirmed, "admin")
	require.NoError(t, err)

	// живые пуши приходят после коммита, в порядке событий
	created := <-sub.C
	assert.Equal(t, domain.NotificationOrderCreated, created.Kind)
	changed := <-sub.C
	assert.Equal(t, domain.NotificationStatusChanged, changed.Kind)
	assert.Contains(t, changed.Message, "NEW -> CONFIRMED")

	events := store.PendingOutbox()
	require.Len(t, events, 3)
	assert.Equal(t, contracts.EventOrderStatusChanged, events[2].Type)
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedProduct(t, store, "sku-1", 10)

	const attempts = 25
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.CreateOrder(ctx, CreateRequest{
				Customer:       testCustomer(),
				Lines:          []LineRequest{line("sku-1", 4500, 1)},
				IdempotencyKey: fmt.Sprintf("conc-%d", i),
			})
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		var stockErr *domain.InsufficientStockError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &stockErr):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, attempts-10, rejected)
	assert.Equal(t, int32(0), stockOf(t, store, "sku-1"))
}
