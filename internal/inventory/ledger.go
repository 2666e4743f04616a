// Package inventory is the authoritative mover of per-product stock. All
// mutations run through a storage transaction, so a multi-line reservation
// either fully applies or leaves every counter untouched.
package inventory

import (
	"context"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
)

const DefaultLowStockThreshold = 5

type Ledger struct {
	store             storage.Store
	LowStockThreshold int32
}

func NewLedger(store storage.Store, threshold int32) *Ledger {
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	return &Ledger{store: store, LowStockThreshold: threshold}
}

// Availability is the read-only answer for one line.
type Availability struct {
	ProductID domain.ProductID `json:"product_id"`
	Requested int32            `json:"requested"`
	Available int32            `json:"available"`
	OK        bool             `json:"available_ok"`
	Reason    string           `json:"reason,omitempty"` // not_found | inactive | insufficient
}

// Check answers whether qty units are currently purchasable. It never errors
// on business grounds: a missing or inactive product is reported as
// unavailable, not as a failure.
func (l *Ledger) Check(ctx context.Context, id domain.ProductID, qty int32) (Availability, error) {
	p, err := l.store.GetProduct(ctx, id)
	return l.evaluate(p, err, id, qty)
}

// CheckTx is Check against an open transaction's view.
func (l *Ledger) CheckTx(ctx context.Context, tx storage.Tx, id domain.ProductID, qty int32) (Availability, error) {
	p, err := tx.GetProduct(ctx, id)
	return l.evaluate(p, err, id, qty)
}

func (l *Ledger) evaluate(p domain.Product, err error, id domain.ProductID, qty int32) (Availability, error) {
	av := Availability{ProductID: id, Requested: qty}
	if err == domain.ErrProductNotFound {
		av.Reason = "not_found"
		return av, nil
	}
	if err != nil {
		return av, err
	}
	av.Available = p.Quantity
	switch {
	case !p.Active:
		av.Reason = "inactive"
	case p.Quantity < qty:
		av.Reason = "insufficient"
	default:
		av.OK = true
	}
	return av, nil
}

// Reserve decrements stock for one line. lowStock reports whether this exact
// decrement moved the quantity from above the threshold to at or below it, so
// a threshold crossing alerts once, not on every later decrement.
func (l *Ledger) Reserve(ctx context.Context, tx storage.Tx, id domain.ProductID, qty int32) (remaining int32, lowStock bool, err error) {
	remaining, err = tx.DecrementStock(ctx, id, qty)
	if err != nil {
		return 0, false, err
	}
	lowStock = remaining <= l.LowStockThreshold && remaining+qty > l.LowStockThreshold
	return remaining, lowStock, nil
}

// Release restores previously reserved units (cancellation path).
func (l *Ledger) Release(ctx context.Context, tx storage.Tx, id domain.ProductID, qty int32) (int32, error) {
	return tx.IncrementStock(ctx, id, qty)
}
