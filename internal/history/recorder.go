// Package history appends one immutable record per accepted status change.
// Records are never updated or deleted.
package history

import (
	"context"
	"time"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
)

type Recorder struct {
	store storage.Store
}

func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends inside the caller's transaction; a storage failure rolls the
// whole status change back rather than leaving an unrecorded transition.
func (r *Recorder) Record(ctx context.Context, tx storage.Tx, orderID domain.OrderID, oldStatus, newStatus domain.OrderStatus, changedBy string) (*domain.StatusChange, error) {
	c := &domain.StatusChange{
		OrderID:   orderID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		ChangedBy: changedBy,
		ChangedAt: time.Now().UTC(),
	}
	if err := tx.AppendStatusChange(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListForOrder returns the order's transitions, newest first.
func (r *Recorder) ListForOrder(ctx context.Context, orderID domain.OrderID) ([]domain.StatusChange, error) {
	return r.store.ListStatusChanges(ctx, orderID)
}
