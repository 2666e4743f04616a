package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/outbox"
)

// PostgresStore keeps all engine state in Postgres. Per-product atomicity
// comes from conditional UPDATEs, per-order serialization from SELECT ... FOR
// UPDATE on the order row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type pgTx struct {
	tx pgx.Tx
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (t *pgTx) GetProduct(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	return scanProduct(t.tx.QueryRow(ctx,
		`SELECT id, name, price, quantity, active FROM products WHERE id=$1`, id))
}

func (t *pgTx) DecrementStock(ctx context.Context, id domain.ProductID, qty int32) (int32, error) {
	var remaining int32
	err := t.tx.QueryRow(ctx,
		`UPDATE products SET quantity = quantity - $2
		 WHERE id = $1 AND active AND quantity >= $2
		 RETURNING quantity`, id, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	// Условие не прошло — выясняем почему, чтобы назвать причину клиенту.
	p, gerr := t.GetProduct(ctx, id)
	if errors.Is(gerr, domain.ErrProductNotFound) {
		return 0, &domain.InsufficientStockError{ProductID: id, Requested: qty, Reason: "not_found"}
	}
	if gerr != nil {
		return 0, gerr
	}
	if !p.Active {
		return 0, &domain.InsufficientStockError{ProductID: id, Requested: qty, Available: p.Quantity, Reason: "inactive"}
	}
	return 0, &domain.InsufficientStockError{ProductID: id, Requested: qty, Available: p.Quantity, Reason: "insufficient"}
}

func (t *pgTx) IncrementStock(ctx context.Context, id domain.ProductID, qty int32) (int32, error) {
	var remaining int32
	err := t.tx.QueryRow(ctx,
		`UPDATE products SET quantity = quantity + $2 WHERE id = $1 RETURNING quantity`, id, qty).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	return remaining, err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders(id, first_name, last_name, phone, wilaya, baladia, address, payment_method, total, status, created_at, updated_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		o.ID, o.Customer.FirstName, o.Customer.LastName, o.Customer.Phone, o.Customer.Wilaya,
		o.Customer.Baladia, o.Customer.Address, o.PaymentMethod, o.Total, o.Status, o.CreatedAt)
	if err != nil {
		return err
	}
	for _, l := range o.Lines {
		_, err = t.tx.Exec(ctx,
			`INSERT INTO order_items(order_id, product_id, product_name, unit_price, quantity) VALUES($1, $2, $3, $4, $5)`,
			o.ID, l.ProductID, l.ProductName, l.UnitPrice, l.Quantity)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, selectOrder+` WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	o.Lines, err = queryLines(ctx, t.tx, id)
	return o, err
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id domain.OrderID, status domain.OrderStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) InsertIdempotencyKey(ctx context.Context, key string, orderID domain.OrderID) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_idempotency(idempotency_key, order_id) VALUES($1, $2)`, key, orderID)
	if isUniqueViolation(err) {
		return domain.ErrIdempotencyRace
	}
	return err
}

func (t *pgTx) AppendStatusChange(ctx context.Context, c *domain.StatusChange) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO order_status_history(order_id, old_status, new_status, changed_by, changed_at)
		 VALUES($1, $2, $3, $4, $5) RETURNING id`,
		c.OrderID, c.OldStatus, c.NewStatus, c.ChangedBy, c.ChangedAt).Scan(&c.ID)
}

func (t *pgTx) InsertNotification(ctx context.Context, n *domain.Notification) error {
	var orderID any
	if n.OrderID != "" {
		orderID = string(n.OrderID)
	}
	return t.tx.QueryRow(ctx,
		`INSERT INTO notifications(type, title, message, priority, order_id, is_read)
		 VALUES($1, $2, $3, $4, $5, false) RETURNING id, created_at`,
		n.Kind, n.Title, n.Message, n.Priority, orderID).Scan(&n.ID, &n.CreatedAt)
}

func (t *pgTx) AppendOutbox(ctx context.Context, evt contracts.Event) error {
	key := evt.OrderID
	if key == "" {
		key = evt.ProductID
	}
	return outbox.InsertTx(ctx, t.tx, evt.EventID, contracts.Topic, key, evt)
}

const selectOrder = `SELECT id, first_name, last_name, phone, wilaya, baladia, address, payment_method, total, status, created_at, updated_at FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.Customer.FirstName, &o.Customer.LastName, &o.Customer.Phone,
		&o.Customer.Wilaya, &o.Customer.Baladia, &o.Customer.Address, &o.PaymentMethod,
		&o.Total, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Quantity, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLines(ctx context.Context, q querier, orderID domain.OrderID) ([]domain.OrderLine, error) {
	rows, err := q.Query(ctx,
		`SELECT product_id, product_name, unit_price, quantity FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.OrderLine
	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.UnitPrice, &l.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *PostgresStore) GetProduct(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	return scanProduct(s.pool.QueryRow(ctx,
		`SELECT id, name, price, quantity, active FROM products WHERE id=$1`, id))
}

func (s *PostgresStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO products(id, name, price, quantity, active) VALUES($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, price=EXCLUDED.price, quantity=EXCLUDED.quantity, active=EXCLUDED.active`,
		p.ID, p.Name, p.Price, p.Quantity, p.Active)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, selectOrder+` WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	o.Lines, err = queryLines(ctx, s.pool, id)
	return o, err
}

func (s *PostgresStore) ListOrders(ctx context.Context, status *domain.OrderStatus, limit, offset int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectOrder
	args := []any{}
	if status != nil {
		query += ` WHERE status=$1`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OrderIDByIdempotencyKey(ctx context.Context, key string) (domain.OrderID, error) {
	var orderID domain.OrderID
	err := s.pool.QueryRow(ctx,
		`SELECT order_id FROM order_idempotency WHERE idempotency_key=$1`, key).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return orderID, err
}

func (s *PostgresStore) ListStatusChanges(ctx context.Context, orderID domain.OrderID) ([]domain.StatusChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, old_status, new_status, changed_by, changed_at
		 FROM order_status_history WHERE order_id=$1 ORDER BY changed_at DESC, id DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		if err := rows.Scan(&c.ID, &c.OrderID, &c.OldStatus, &c.NewStatus, &c.ChangedBy, &c.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListNotifications(ctx context.Context, limit int, unreadOnly bool) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, type, title, message, priority, COALESCE(order_id, ''), is_read, created_at FROM notifications`
	if unreadOnly {
		query += ` WHERE NOT is_read`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.Title, &n.Message, &n.Priority, &n.OrderID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UnreadNotificationCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE NOT is_read`).Scan(&count)
	return count, err
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id int64) (domain.Notification, error) {
	var n domain.Notification
	err := s.pool.QueryRow(ctx,
		`UPDATE notifications SET is_read=true WHERE id=$1
		 RETURNING id, type, title, message, priority, COALESCE(order_id, ''), is_read, created_at`, id).
		Scan(&n.ID, &n.Kind, &n.Title, &n.Message, &n.Priority, &n.OrderID, &n.Read, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Notification{}, domain.ErrNotificationNotFound
	}
	return n, err
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET is_read=true WHERE NOT is_read`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

// isUniqueViolation: минимальная проверка на нарушение UNIQUE.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate") ||
		strings.Contains(strings.ToLower(err.Error()), "unique")
}
