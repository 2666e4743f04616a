package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
)

func newLedger(t *testing.T, qty int32, threshold int32) (*Ledger, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertProduct(context.Background(), domain.Product{
		ID: "sku-1", Name: "Frame", Price: 4500, Quantity: qty, Active: true,
	}))
	return NewLedger(store, threshold), store
}

func TestCheckReportsReasons(t *testing.T) {
	ctx := context.Background()
	ledger, store := newLedger(t, 3, 5)
	require.NoError(t, store.UpsertProduct(ctx, domain.Product{
		ID: "sku-off", Name: "Old", Price: 100, Quantity: 8, Active: false,
	}))

	av, err := ledger.Check(ctx, "sku-1", 2)
	require.NoError(t, err)
	assert.True(t, av.OK)
	assert.Equal(t, int32(3), av.Available)

	av, err = ledger.Check(ctx, "sku-1", 4)
	require.NoError(t, err)
	assert.False(t, av.OK)
	assert.Equal(t, "insufficient", av.Reason)

	av, err = ledger.Check(ctx, "sku-off", 1)
	require.NoError(t, err)
	assert.False(t, av.OK)
	assert.Equal(t, "inactive", av.Reason)

	av, err = ledger.Check(ctx, "sku-none", 1)
	require.NoError(t, err)
	assert.False(t, av.OK)
	assert.Equal(t, "not_found", av.Reason)
	assert.Equal(t, int32(0), av.Available)
}

func TestReserveLowStockCrossing(t *testing.T) {
	ctx := context.Background()
	ledger, store := newLedger(t, 8, 5)

	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// 8 -> 6: выше порога
		remaining, crossed, err := ledger.Reserve(ctx, tx, "sku-1", 2)
		require.NoError(t, err)
		assert.Equal(t, int32(6), remaining)
		assert.False(t, crossed)

		// 6 -> 4: пересечение, алерт ровно один раз
		remaining, crossed, err = ledger.Reserve(ctx, tx, "sku-1", 2)
		require.NoError(t, err)
		assert.Equal(t, int32(4), remaining)
		assert.True(t, crossed)

		// 4 -> 3: уже под порогом
		_, crossed, err = ledger.Reserve(ctx, tx, "sku-1", 1)
		require.NoError(t, err)
		assert.False(t, crossed)
		return nil
	})
	require.NoError(t, err)
}

func TestReserveBigDecrementStillCrossesOnce(t *testing.T) {
	ctx := context.Background()
	ledger, store := newLedger(t, 20, 5)

	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		remaining, crossed, err := ledger.Reserve(ctx, tx, "sku-1", 18)
		require.NoError(t, err)
		assert.Equal(t, int32(2), remaining)
		assert.True(t, crossed)
		return nil
	})
	require.NoError(t, err)
}

func TestReleaseRestores(t *testing.T) {
	ctx := context.Background()
	ledger, store := newLedger(t, 5, 5)

	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, _, err := ledger.Reserve(ctx, tx, "sku-1", 5); err != nil {
			return err
		}
		remaining, err := ledger.Release(ctx, tx, "sku-1", 5)
		require.NoError(t, err)
		assert.Equal(t, int32(5), remaining)
		return nil
	})
	require.NoError(t, err)

	p, err := store.GetProduct(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int32(5), p.Quantity)
}

func TestThresholdDefaulting(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := NewLedger(store, 0)
	assert.Equal(t, int32(DefaultLowStockThreshold), ledger.LowStockThreshold)
}
