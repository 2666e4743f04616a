package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
)

// MemoryStore is the in-process backend used by tests and the bench tooling.
// A transaction runs against a staged copy of the whole state under one
// mutex; the copy replaces the live state only when the callback succeeds,
// which gives the same all-or-nothing and serialization guarantees the
// Postgres backend gets from row locks.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	products      map[domain.ProductID]domain.Product
	orders        map[domain.OrderID]*domain.Order
	orderSeq      []domain.OrderID // insertion order, for listing
	idempotency   map[string]domain.OrderID
	history       map[domain.OrderID][]domain.StatusChange
	historySeq    int64
	notifications []domain.Notification
	notifSeq      int64
	outbox        []contracts.Event
}

func newMemState() *memState {
	return &memState{
		products:    make(map[domain.ProductID]domain.Product),
		orders:      make(map[domain.OrderID]*domain.Order),
		idempotency: make(map[string]domain.OrderID),
		history:     make(map[domain.OrderID][]domain.StatusChange),
	}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		o := *v
		o.Lines = append([]domain.OrderLine(nil), v.Lines...)
		c.orders[k] = &o
	}
	c.orderSeq = append([]domain.OrderID(nil), s.orderSeq...)
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.history {
		c.history[k] = append([]domain.StatusChange(nil), v...)
	}
	c.historySeq = s.historySeq
	c.notifications = append([]domain.Notification(nil), s.notifications...)
	c.notifSeq = s.notifSeq
	c.outbox = append([]contracts.Event(nil), s.outbox...)
	return c
}

type memTx struct {
	state *memState
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(ctx, &memTx{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (t *memTx) GetProduct(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	p, ok := t.state.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (t *memTx) DecrementStock(ctx context.Context, id domain.ProductID, qty int32) (int32, error) {
	p, ok := t.state.products[id]
	if !ok {
		return 0, &domain.InsufficientStockError{ProductID: id, Requested: qty, Reason: "not_found"}
	}
	if !p.Active {
		return 0, &domain.InsufficientStockError{ProductID: id, Requested: qty, Available: p.Quantity, Reason: "inactive"}
	}
	if p.Quantity < qty {
		return 0, &domain.InsufficientStockError{ProductID: id, Requested: qty, Available: p.Quantity, Reason: "insufficient"}
	}
	p.Quantity -= qty
	t.state.products[id] = p
	return p.Quantity, nil
}

func (t *memTx) IncrementStock(ctx context.Context, id domain.ProductID, qty int32) (int32, error) {
	p, ok := t.state.products[id]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	p.Quantity += qty
	t.state.products[id] = p
	return p.Quantity, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	cp := *o
	cp.Lines = append([]domain.OrderLine(nil), o.Lines...)
	t.state.orders[o.ID] = &cp
	t.state.orderSeq = append(t.state.orderSeq, o.ID)
	return nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	cp.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return &cp, nil
}

func (t *memTx) SetOrderStatus(ctx context.Context, id domain.OrderID, status domain.OrderStatus) error {
	o, ok := t.state.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) InsertIdempotencyKey(ctx context.Context, key string, orderID domain.OrderID) error {
	if _, exists := t.state.idempotency[key]; exists {
		return domain.ErrIdempotencyRace
	}
	t.state.idempotency[key] = orderID
	return nil
}

func (t *memTx) AppendStatusChange(ctx context.Context, c *domain.StatusChange) error {
	t.state.historySeq++
	c.ID = t.state.historySeq
	t.state.history[c.OrderID] = append(t.state.history[c.OrderID], *c)
	return nil
}

func (t *memTx) InsertNotification(ctx context.Context, n *domain.Notification) error {
	t.state.notifSeq++
	n.ID = t.state.notifSeq
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	t.state.notifications = append(t.state.notifications, *n)
	return nil
}

func (t *memTx) AppendOutbox(ctx context.Context, evt contracts.Event) error {
	t.state.outbox = append(t.state.outbox, evt)
	return nil
}

func (s *MemoryStore) GetProduct(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (s *MemoryStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.products[p.ID] = p
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	cp.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return &cp, nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, status *domain.OrderStatus, limit, offset int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Order, 0, len(s.state.orderSeq))
	// newest first
	for i := len(s.state.orderSeq) - 1; i >= 0; i-- {
		o := s.state.orders[s.state.orderSeq[i]]
		if status != nil && o.Status != *status {
			continue
		}
		cp := *o
		cp.Lines = append([]domain.OrderLine(nil), o.Lines...)
		out = append(out, cp)
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OrderIDByIdempotencyKey(ctx context.Context, key string) (domain.OrderID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.idempotency[key], nil
}

func (s *MemoryStore) ListStatusChanges(ctx context.Context, orderID domain.OrderID) ([]domain.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]domain.StatusChange(nil), s.state.history[orderID]...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ChangedAt.Equal(entries[j].ChangedAt) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].ChangedAt.After(entries[j].ChangedAt)
	})
	return entries, nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, limit int, unreadOnly bool) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Notification, 0, len(s.state.notifications))
	for i := len(s.state.notifications) - 1; i >= 0; i-- {
		n := s.state.notifications[i]
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UnreadNotificationCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.state.notifications {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkNotificationRead(ctx context.Context, id int64) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.notifications {
		if s.state.notifications[i].ID == id {
			s.state.notifications[i].Read = true
			return s.state.notifications[i], nil
		}
	}
	return domain.Notification{}, domain.ErrNotificationNotFound
}

func (s *MemoryStore) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for i := range s.state.notifications {
		if !s.state.notifications[i].Read {
			s.state.notifications[i].Read = true
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DeleteNotification(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.notifications {
		if s.state.notifications[i].ID == id {
			s.state.notifications = append(s.state.notifications[:i], s.state.notifications[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotificationNotFound
}

// PendingOutbox exposes staged events for assertions and the in-memory relay.
func (s *MemoryStore) PendingOutbox() []contracts.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.Event(nil), s.state.outbox...)
}
