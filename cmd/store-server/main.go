package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/history"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/inventory"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/notify"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/order"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/contracts"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/idempotency"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/kafka"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/logging"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/metrics"
	"github.com/SadallahYounes/OpticeStoreBackend/pkg/outbox"
)

type cfg struct {
	Port              string
	DatabaseURL       string
	KafkaBrokers      string
	KafkaTopic        string
	LowStockThreshold int32
	RequestTimeout    time.Duration
	RelayInterval     time.Duration
}

func readCfg() (cfg, error) {
	port := getenv("PORT", "8080")
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if db == "" {
		return cfg{}, errors.New("DATABASE_URL is required")
	}
	threshold, _ := strconv.Atoi(getenv("LOW_STOCK_THRESHOLD", "5"))
	toutMS, _ := strconv.Atoi(getenv("REQUEST_TIMEOUT_MS", "2500"))
	relayMS, _ := strconv.Atoi(getenv("OUTBOX_RELAY_INTERVAL_MS", "1000"))

	return cfg{
		Port:              port,
		DatabaseURL:       db,
		KafkaBrokers:      getenv("KAFKA_BROKERS", ""),
		KafkaTopic:        getenv("KAFKA_TOPIC", contracts.Topic),
		LowStockThreshold: int32(threshold),
		RequestTimeout:    time.Duration(toutMS) * time.Millisecond,
		RelayInterval:     time.Duration(relayMS) * time.Millisecond,
	}, nil
}

type server struct {
	cfg        cfg
	svc        *order.Service
	store      storage.Store
	dispatcher *notify.Dispatcher
	metrics    *metrics.ServerMetrics
}

func main() {
	cfg, err := readCfg()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()

	// smoke-check DB
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("db ping error: %v", err)
	}

	store := storage.NewPostgresStore(pool)
	dispatcher := notify.NewDispatcher()
	ledger := inventory.NewLedger(store, cfg.LowStockThreshold)
	recorder := history.NewRecorder(store)
	svc := order.NewService(store, ledger, recorder, dispatcher)
	srvMetrics := metrics.NewServerMetrics("store_server")

	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
	if kafkaClient.Enabled() {
		go runOutboxRelay(pool, kafkaClient, cfg, srvMetrics)
	}

	s := &server{cfg: cfg, svc: svc, store: store, dispatcher: dispatcher, metrics: srvMetrics}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(pool))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/orders", s.handleCreateOrder)
	mux.HandleFunc("POST /api/orders/validate-stock", s.handleValidateStock)

	mux.HandleFunc("GET /api/admin/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/admin/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("PUT /api/admin/orders/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("GET /api/admin/orders/{id}/history", s.handleHistory)

	mux.HandleFunc("GET /api/admin/notifications", s.handleListNotifications)
	mux.HandleFunc("GET /api/admin/notifications/unread-count", s.handleUnreadCount)
	mux.HandleFunc("POST /api/admin/notifications/{id}/read", s.handleMarkRead)
	mux.HandleFunc("POST /api/admin/notifications/read-all", s.handleMarkAllRead)
	mux.HandleFunc("DELETE /api/admin/notifications/{id}", s.handleDeleteNotification)
	mux.HandleFunc("GET /api/notifications/stream", s.handleStream)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("store-server listening on :%s (kafka=%v, low_stock_threshold=%d)", cfg.Port, kafkaClient.Enabled(), cfg.LowStockThreshold)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server error: %v", err)
	}
}

func (s *server) handleHealth(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			s.observe("health", http.StatusServiceUnavailable, start)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		s.observe("health", http.StatusOK, start)
	}
}

type createOrderRequest struct {
	FirstName string              `json:"first_name"`
	LastName  string              `json:"last_name"`
	Phone     string              `json:"phone"`
	Wilaya    string              `json:"wilaya"`
	Baladia   string              `json:"baladia"`
	Address   string              `json:"address"`
	Items     []order.LineRequest `json:"items"`
}

func (s *server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		s.observe("create_order", http.StatusBadRequest, start)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	o, replayed, err := s.svc.CreateOrder(ctx, order.CreateRequest{
		Customer: domain.Customer{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
			Wilaya:    req.Wilaya,
			Baladia:   req.Baladia,
			Address:   req.Address,
		},
		Lines:          req.Items,
		IdempotencyKey: idempotency.Key(r),
	})
	if err != nil {
		code := s.writeError(w, err)
		s.observe("create_order", code, start)
		return
	}

	if replayed {
		writeJSON(w, http.StatusOK, map[string]any{"order": o, "status": "IDEMPOTENT_REPLAY"})
		s.observe("create_order", http.StatusOK, start)
		return
	}
	s.metrics.OrdersCreated.Inc()
	writeJSON(w, http.StatusCreated, o)
	s.observe("create_order", http.StatusCreated, start)
}

func (s *server) handleValidateStock(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var items []order.LineRequest
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		s.observe("validate_stock", http.StatusBadRequest, start)
		return
	}
	if len(items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "items is required"})
		s.observe("validate_stock", http.StatusBadRequest, start)
		return
	}

	results, err := s.svc.ValidateStock(r.Context(), items)
	if err != nil {
		code := s.writeError(w, err)
		s.observe("validate_stock", code, start)
		return
	}

	valid := true
	for _, av := range results {
		if !av.OK {
			valid = false
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid, "items": results})
	s.observe("validate_stock", http.StatusOK, start)
}

func (s *server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var statusFilter *domain.OrderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := domain.ParseOrderStatus(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown status " + raw})
			s.observe("list_orders", http.StatusBadRequest, start)
			return
		}
		statusFilter = &st
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	orders, err := s.svc.ListOrders(r.Context(), statusFilter, limit, offset)
	if err != nil {
		code := s.writeError(w, err)
		s.observe("list_orders", code, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	s.observe("list_orders", http.StatusOK, start)
}

func (s *server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	o, err := s.svc.GetOrder(r.Context(), domain.OrderID(r.PathValue("id")))
	if err != nil {
		code := s.writeError(w, err)
		s.observe("get_order", code, start)
		return
	}
	writeJSON(w, http.StatusOK, o)
	s.observe("get_order", http.StatusOK, start)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		s.observe("update_status", http.StatusBadRequest, start)
		return
	}
	newStatus, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown status " + req.Status})
		s.observe("update_status", http.StatusBadRequest, start)
		return
	}
	actor := strings.TrimSpace(r.Header.Get("X-Admin-User"))
	if actor == "" {
		actor = "admin"
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	o, err := s.svc.UpdateStatus(ctx, domain.OrderID(r.PathValue("id")), newStatus, actor)
	if err != nil {
		code := s.writeError(w, err)
		s.observe("update_status", code, start)
		return
	}
	writeJSON(w, http.StatusOK, o)
	s.observe("update_status", http.StatusOK, start)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	entries, err := s.svc.History(r.Context(), domain.OrderID(r.PathValue("id")))
	if err != nil {
		code := s.writeError(w, err)
		s.observe("order_history", code, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
	s.observe("order_history", http.StatusOK, start)
}

func (s *server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	unreadOnly := r.URL.Query().Get("unread") == "true"

	list, err := s.store.ListNotifications(r.Context(), limit, unreadOnly)
	if err != nil {
		code := s.writeError(w, err)
		s.observe("list_notifications", code, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
	s.observe("list_notifications", http.StatusOK, start)
}

func (s *server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	count, err := s.store.UnreadNotificationCount(r.Context())
	if err != nil {
		code := s.writeError(w, err)
		s.observe("unread_count", code, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": count})
	s.observe("unread_count", http.StatusOK, start)
}

func (s *server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid notification id"})
		s.observe("mark_read", http.StatusBadRequest, start)
		return
	}
	n, err := s.store.MarkNotificationRead(r.Context(), id)
	if err != nil {
		code := s.writeError(w, err)
		s.observe("mark_read", code, start)
		return
	}
	writeJSON(w, http.StatusOK, n)
	s.observe("mark_read", http.StatusOK, start)
}

func (s *server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	count, err := s.store.MarkAllNotificationsRead(r.Context())
	if err != nil {
		code := s.writeError(w, err)
		s.observe("mark_all_read", code, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": count})
	s.observe("mark_all_read", http.StatusOK, start)
}

func (s *server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid notification id"})
		s.observe("delete_notification", http.StatusBadRequest, start)
		return
	}
	if err := s.store.DeleteNotification(r.Context(), id); err != nil {
		code := s.writeError(w, err)
		s.observe("delete_notification", code, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	s.observe("delete_notification", http.StatusOK, start)
}

// handleStream is the long-lived SSE channel. It is not on the request path
// of any business operation: a slow or dead consumer is dropped by the
// dispatcher, never waited on.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	sub := s.dispatcher.Subscribe()
	defer s.dispatcher.Unsubscribe(sub.ID)
	s.metrics.Subscribers.Inc()
	defer s.metrics.Subscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSE(w, "connected", map[string]any{"message": "SSE connection established"})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, open := <-sub.C:
			if !open {
				return // dropped by the dispatcher
			}
			writeSSE(w, "new-notification", n)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// writeError maps domain errors onto the response contract and returns the
// status code written.
func (s *server) writeError(w http.ResponseWriter, err error) int {
	var stockErr *domain.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		s.metrics.StockRejections.Inc()
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient_stock",
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
			"reason":     stockErr.Reason,
		})
		return http.StatusConflict
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrNotificationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyOrder):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return http.StatusBadRequest
	}
	var transErr *domain.InvalidTransitionError
	if errors.As(err, &transErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "request timed out"})
		return http.StatusGatewayTimeout
	}
	// validation errors from the service are plain errors; everything else is
	// a storage failure already rolled back
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	return http.StatusInternalServerError
}

func (s *server) observe(handler string, code int, start time.Time) {
	s.metrics.Requests.WithLabelValues(handler, strconv.Itoa(code)).Inc()
	s.metrics.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Milliseconds()))
}

// runOutboxRelay ships committed events to the broker. A publish failure
// leaves the row pending; it will be retried on the next tick.
func runOutboxRelay(pool *pgxpool.Pool, client *kafka.Client, cfg cfg, m *metrics.ServerMetrics) {
	writer := client.NewWriter(cfg.KafkaTopic)
	defer writer.Close()

	for {
		time.Sleep(cfg.RelayInterval)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pending, err := outbox.FetchPending(ctx, pool, 100)
		if err != nil {
			cancel()
			log.Printf("outbox fetch error: %v", err)
			continue
		}
		for _, rec := range pending {
			if err := kafka.PublishRaw(ctx, writer, rec.Key, rec.Payload); err != nil {
				log.Printf("outbox publish error: %v", err)
				break
			}
			if err := outbox.MarkSent(ctx, pool, rec.ID); err != nil {
				log.Printf("outbox mark-sent error: %v", err)
				break
			}
			m.EventsPublished.Inc()
			logging.Log(logging.Fields{Service: "store-server", EventID: rec.EventID, Step: "outbox_relay", Status: "sent"})
		}
		cancel()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
