package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertProduct(context.Background(), domain.Product{
		ID: "sku-1", Name: "Frame", Price: 4500, Quantity: 10, Active: true,
	}))
	return s
}

func TestDecrementStockConditions(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	require.NoError(t, s.UpsertProduct(ctx, domain.Product{
		ID: "sku-off", Name: "Old", Price: 100, Quantity: 10, Active: false,
	}))

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		remaining, err := tx.DecrementStock(ctx, "sku-1", 4)
		require.NoError(t, err)
		assert.Equal(t, int32(6), remaining)

		var stockErr *domain.InsufficientStockError
		_, err = tx.DecrementStock(ctx, "sku-1", 7)
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, "insufficient", stockErr.Reason)
		assert.Equal(t, int32(6), stockErr.Available)

		_, err = tx.DecrementStock(ctx, "sku-off", 1)
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, "inactive", stockErr.Reason)

		_, err = tx.DecrementStock(ctx, "sku-missing", 1)
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, "not_found", stockErr.Reason)
		return nil
	})
	require.NoError(t, err)

	p, err := s.GetProduct(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int32(6), p.Quantity)
}

func TestWithinTxRollsBackStagedState(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.DecrementStock(ctx, "sku-1", 5); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &domain.Order{ID: "o-1", Status: domain.OrderStatusNew}); err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, contracts.Event{EventID: "e-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := s.GetProduct(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int32(10), p.Quantity)

	_, err = s.GetOrder(ctx, "o-1")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Empty(t, s.PendingOutbox())
}

func TestIdempotencyKeyConflict(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertIdempotencyKey(ctx, "key-1", "o-1")
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertIdempotencyKey(ctx, "key-1", "o-2")
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyRace)

	id, err := s.OrderIDByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderID("o-1"), id)

	id, err = s.OrderIDByIdempotencyKey(ctx, "key-unknown")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestListOrdersNewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	for _, id := range []domain.OrderID{"o-1", "o-2", "o-3"} {
		err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertOrder(ctx, &domain.Order{ID: id, Status: domain.OrderStatusNew})
		})
		require.NoError(t, err)
	}

	all, err := s.ListOrders(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.OrderID("o-3"), all[0].ID)

	page, err := s.ListOrders(ctx, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.OrderID("o-2"), page[0].ID)
}

func TestNotificationReadModel(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, title := range []string{"first", "second", "third"} {
			n := &domain.Notification{
				Kind:     domain.NotificationOrderCreated,
				Title:    title,
				Message:  title,
				Priority: domain.PriorityMedium,
			}
			if err := tx.InsertNotification(ctx, n); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	count, err := s.UnreadNotificationCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	list, err := s.ListNotifications(ctx, 2, true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "third", list[0].Title)

	marked, err := s.MarkNotificationRead(ctx, list[0].ID)
	require.NoError(t, err)
	assert.True(t, marked.Read)

	unread, err := s.ListNotifications(ctx, 0, true)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	n, err := s.MarkAllNotificationsRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.DeleteNotification(ctx, marked.ID))
	assert.ErrorIs(t, s.DeleteNotification(ctx, marked.ID), domain.ErrNotificationNotFound)

	_, err = s.MarkNotificationRead(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrNotificationNotFound)
}

func TestStatusHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	base := time.Now().UTC()

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertOrder(ctx, &domain.Order{ID: "o-1", Status: domain.OrderStatusNew}); err != nil {
			return err
		}
		for i, st := range []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusShipped} {
			c := &domain.StatusChange{
				OrderID:   "o-1",
				OldStatus: domain.OrderStatusNew,
				NewStatus: st,
				ChangedBy: "admin",
				ChangedAt: base.Add(time.Duration(i) * time.Second),
			}
			if err := tx.AppendStatusChange(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := s.ListStatusChanges(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OrderStatusShipped, entries[0].NewStatus)
}
