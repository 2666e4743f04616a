package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	a := d.Subscribe()
	b := d.Subscribe()
	assert.Equal(t, 2, d.SubscriberCount())

	d.Publish(domain.Notification{Kind: domain.NotificationOrderCreated, Title: "hello"})

	got := <-a.C
	assert.Equal(t, "hello", got.Title)
	got = <-b.C
	assert.Equal(t, "hello", got.Title)

	d.Unsubscribe(a.ID)
	assert.Equal(t, 1, d.SubscriberCount())
	_, open := <-a.C
	assert.False(t, open)

	// повторный Unsubscribe безопасен
	d.Unsubscribe(a.ID)
	d.Unsubscribe(b.ID)
	assert.Equal(t, 0, d.SubscriberCount())
}

func TestPublishDropsFullSubscriber(t *testing.T) {
	d := NewDispatcher()
	slow := d.Subscribe()

	// переполняем буфер: на (buffer+1)-й публикации подписчик отбрасывается
	for i := 0; i < subscriberBuffer+1; i++ {
		d.Publish(domain.Notification{Kind: domain.NotificationLowStock, Title: "alert"})
	}
	assert.Equal(t, 0, d.SubscriberCount())

	// буферизованные сообщения дочитываются, потом канал закрыт
	for i := 0; i < subscriberBuffer; i++ {
		<-slow.C
	}
	_, open := <-slow.C
	assert.False(t, open)

	// новый подписчик живёт независимо от отброшенного
	fresh := d.Subscribe()
	d.Publish(domain.Notification{Title: "still alive"})
	got := <-fresh.C
	assert.Equal(t, "still alive", got.Title)
	d.Unsubscribe(fresh.ID)
}

func TestEmitPersistsNotificationAndOutboxEvent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := NewDispatcher()

	o := &domain.Order{
		ID:       "o-1",
		Customer: domain.Customer{FirstName: "Sara", LastName: "M"},
		Total:    9000,
	}
	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return d.Emit(ctx, tx, OrderCreated(o))
	})
	require.NoError(t, err)

	list, err := store.ListNotifications(ctx, 0, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.NotificationOrderCreated, list[0].Kind)
	assert.Equal(t, domain.OrderID("o-1"), list[0].OrderID)
	assert.False(t, list[0].Read)

	events := store.PendingOutbox()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventOrderCreated, events[0].Type)
	assert.Equal(t, "o-1", events[0].OrderID)
	assert.NotEmpty(t, events[0].EventID)
}

func TestBuilders(t *testing.T) {
	o := &domain.Order{ID: "o-9", Customer: domain.Customer{FirstName: "Nour", LastName: "B"}, Total: 4500}

	created := OrderCreated(o)
	assert.Equal(t, domain.PriorityHigh, created.Priority)
	assert.Contains(t, created.Message, "o-9")

	changed := StatusChanged("o-9", domain.OrderStatusNew, domain.OrderStatusShipped, "admin")
	assert.Equal(t, domain.PriorityMedium, changed.Priority)
	assert.Contains(t, changed.Message, "NEW -> SHIPPED")
	assert.Equal(t, domain.OrderID("o-9"), changed.OrderID)

	low := LowStock("sku-2", "Reading Glasses", 3)
	assert.Equal(t, domain.PriorityUrgent, low.Priority)
	assert.Empty(t, low.OrderID)
	assert.Contains(t, low.Message, "down to 3")
}
