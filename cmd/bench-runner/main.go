package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type benchResult struct {
	Timestamp          string         `json:"timestamp"`
	BaseURL            string         `json:"base_url"`
	Scenario           string         `json:"scenario"`
	Orders             int            `json:"orders"`
	Concurrency        int            `json:"concurrency"`
	SuccessfulOrders   int            `json:"successful_orders"`
	RejectedOrders     int            `json:"rejected_orders"`
	ErrorRequests      int            `json:"error_requests"`
	DurationSeconds    float64        `json:"duration_seconds"`
	AvgLatencyMs       float64        `json:"avg_latency_ms"`
	MinLatencyMs       float64        `json:"min_latency_ms"`
	MaxLatencyMs       float64        `json:"max_latency_ms"`
	P50LatencyMs       float64        `json:"p50_latency_ms"`
	P90LatencyMs       float64        `json:"p90_latency_ms"`
	P95LatencyMs       float64        `json:"p95_latency_ms"`
	P99LatencyMs       float64        `json:"p99_latency_ms"`
	ThroughputOPS      float64        `json:"throughput_ops"`
	StatusCounts       map[string]int `json:"status_counts"`
	ErrorClasses       map[string]int `json:"error_classes"`
	FirstError         string         `json:"first_error"`
	ProductID          string         `json:"product_id"`
	InitialStock       int64          `json:"initial_stock"`
	FinalStock         int64          `json:"final_stock"`
	StockAccountedFor  bool           `json:"stock_accounted_for"`
	StockWentNegative  bool           `json:"stock_went_negative"`
	PerLineQuantity    int            `json:"per_line_quantity"`
	CanceledAfterBench int            `json:"canceled_after_bench"`
}

type metrics struct {
	mu           sync.Mutex
	success      int
	rejected     int
	errors       int
	total        time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	latenciesMs  []float64
	statusCounts map[string]int
	errorClasses map[string]int
	firstError   string
	orderIDs     []string
}

func newMetrics() *metrics {
	return &metrics{
		statusCounts: make(map[string]int),
		errorClasses: make(map[string]int),
	}
}

func (m *metrics) recordOrder(latency time.Duration, orderID string, rejected bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rejected {
		m.rejected++
		return
	}
	if err != nil {
		m.errors++
		return
	}
	m.success++
	m.total += latency
	if m.minLatency == 0 || latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	m.latenciesMs = append(m.latenciesMs, float64(latency.Milliseconds()))
	if orderID != "" {
		m.orderIDs = append(m.orderIDs, orderID)
	}
}

func (m *metrics) recordStatus(status int, err error, class string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCounts[strconv.Itoa(status)]++
	if class != "" {
		m.errorClasses[class]++
	}
	if err != nil && m.firstError == "" {
		m.firstError = err.Error()
	}
}

func main() {
	baseURL := flag.String("base-url", getenv("STORE_BASE_URL", "http://localhost:8080"), "store-server base URL")
	scenario := flag.String("scenario", "create", "scenario to run: create|churn")
	productID := flag.String("product-id", getenv("STORE_PRODUCT_ID", "sku-1"), "product under load")
	quantity := flag.Int("quantity", 1, "quantity reserved per order line")
	total := flag.Int("total", 1000, "total number of order attempts")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	cancelAfter := flag.Bool("cancel-after", true, "cancel created orders after the run to return stock")
	output := flag.String("output", "", "optional output path for JSON result")
	flag.Parse()

	if *total <= 0 {
		fmt.Fprintln(os.Stderr, "total must be > 0")
		os.Exit(1)
	}
	if *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "concurrency must be > 0")
		os.Exit(1)
	}
	if *scenario != "create" && *scenario != "churn" {
		fmt.Fprintf(os.Stderr, "unknown scenario: %s\n", *scenario)
		os.Exit(1)
	}

	client := &http.Client{}
	m := newMetrics()

	initialStock, err := fetchStock(client, *baseURL, *productID, *quantity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stock probe failed: %v\n", err)
		os.Exit(1)
	}

	tasks := make(chan struct{})
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range tasks {
				latency, orderID, rejected, err := runOrder(client, *baseURL, *productID, *quantity, *timeout, m)
				m.recordOrder(latency, orderID, rejected, err)
				if *scenario == "churn" && orderID != "" {
					// сразу отменяем, чтобы сток ходил туда-сюда
					_ = cancelOrder(client, *baseURL, orderID, *timeout)
				}
			}
		}()
	}

	for i := 0; i < *total; i++ {
		tasks <- struct{}{}
	}
	close(tasks)
	wg.Wait()
	duration := time.Since(start)

	canceled := 0
	if *cancelAfter && *scenario == "create" {
		for _, id := range m.orderIDs {
			if err := cancelOrder(client, *baseURL, id, *timeout); err == nil {
				canceled++
			}
		}
	}

	finalStock, err := fetchStock(client, *baseURL, *productID, *quantity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "final stock probe failed: %v\n", err)
		os.Exit(1)
	}

	// аудит: каждый успешный заказ списал ровно quantity, отказ — ничего
	outstanding := m.success - canceled
	if *scenario == "churn" {
		outstanding = 0
	}
	expected := initialStock - int64(outstanding**quantity)
	accounted := finalStock == expected

	avgLatency := 0.0
	minLatency := 0.0
	maxLatency := 0.0
	if m.success > 0 {
		avgLatency = float64(m.total.Milliseconds()) / float64(m.success)
		minLatency = float64(m.minLatency.Milliseconds())
		maxLatency = float64(m.maxLatency.Milliseconds())
	}
	p50, p90, p95, p99 := calcPercentiles(m.latenciesMs)

	result := benchResult{
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		BaseURL:            *baseURL,
		Scenario:           *scenario,
		Orders:             *total,
		Concurrency:        *concurrency,
		SuccessfulOrders:   m.success,
		RejectedOrders:     m.rejected,
		ErrorRequests:      m.errors,
		DurationSeconds:    duration.Seconds(),
		AvgLatencyMs:       avgLatency,
		MinLatencyMs:       minLatency,
		MaxLatencyMs:       maxLatency,
		P50LatencyMs:       p50,
		P90LatencyMs:       p90,
		P95LatencyMs:       p95,
		P99LatencyMs:       p99,
		ThroughputOPS:      float64(m.success) / duration.Seconds(),
		StatusCounts:       m.statusCounts,
		ErrorClasses:       m.errorClasses,
		FirstError:         m.firstError,
		ProductID:          *productID,
		InitialStock:       initialStock,
		FinalStock:         finalStock,
		StockAccountedFor:  accounted,
		StockWentNegative:  finalStock < 0,
		PerLineQuantity:    *quantity,
		CanceledAfterBench: canceled,
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}

	if *output != "" {
		if err := writeJSON(*output, result); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output: %v\n", err)
			os.Exit(1)
		}
	}

	if !accounted || finalStock < 0 {
		os.Exit(2)
	}
}

func runOrder(client *http.Client, baseURL, productID string, quantity int, timeout time.Duration, m *metrics) (time.Duration, string, bool, error) {
	start := time.Now()
	payload := map[string]any{
		"first_name": "Bench",
		"last_name":  "Runner",
		"phone":      "0550000000",
		"wilaya":     "Alger",
		"baladia":    "Hydra",
		"address":    "1 Rue Test",
		"items":      []map[string]any{{"product_id": productID, "quantity": quantity}},
	}
	info, class, err := doPost(client, strings.TrimRight(baseURL, "/")+"/api/orders", payload, timeout)
	m.recordStatus(info.StatusCode, err, class)
	if info.StatusCode == http.StatusConflict {
		return time.Since(start), "", true, nil
	}
	if err != nil {
		return time.Since(start), "", false, err
	}
	return time.Since(start), info.OrderID, false, nil
}

func cancelOrder(client *http.Client, baseURL, orderID string, timeout time.Duration) error {
	data, _ := json.Marshal(map[string]any{"status": "CANCELED"})
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	url := strings.TrimRight(baseURL, "/") + "/api/admin/orders/" + orderID + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-User", "bench-runner")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// fetchStock reads availability via validate-stock, which reports the actual
// remaining quantity for the probed product.
func fetchStock(client *http.Client, baseURL, productID string, quantity int) (int64, error) {
	payload := []map[string]any{{"product_id": productID, "quantity": quantity}}
	info, _, err := doPost(client, strings.TrimRight(baseURL, "/")+"/api/orders/validate-stock", payload, 5*time.Second)
	if err != nil && info.StatusCode != http.StatusOK {
		return 0, err
	}
	var parsed struct {
		Items []struct {
			ProductID string `json:"product_id"`
			Available int64  `json:"available"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(info.Body), &parsed); err != nil {
		return 0, err
	}
	for _, item := range parsed.Items {
		if item.ProductID == productID {
			return item.Available, nil
		}
	}
	return 0, fmt.Errorf("product %s not in validate-stock response", productID)
}

type responseInfo struct {
	StatusCode int
	Body       string
	OrderID    string
}

func doPost(client *http.Client, url string, payload any, timeout time.Duration) (responseInfo, string, error) {
	data, _ := json.Marshal(payload)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return responseInfo{}, "transport", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	resp, err := client.Do(req)
	if err != nil {
		return responseInfo{StatusCode: 0}, "transport", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	bodyStr := strings.TrimSpace(string(body))
	info := responseInfo{
		StatusCode: resp.StatusCode,
		Body:       bodyStr,
		OrderID:    parseOrderID(bodyStr),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return info, classifyError(resp.StatusCode), fmt.Errorf("status %d: %s", resp.StatusCode, bodyStr)
	}
	return info, "", nil
}

func parseOrderID(body string) string {
	if body == "" {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return ""
	}
	id, _ := payload["id"].(string)
	return id
}

func classifyError(status int) string {
	switch {
	case status == http.StatusConflict:
		return "insufficient_stock"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	default:
		return ""
	}
}

func writeJSON(path string, result benchResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func calcPercentiles(values []float64) (float64, float64, float64, float64) {
	if len(values) == 0 {
		return 0, 0, 0, 0
	}
	sort.Float64s(values)
	return percentile(values, 0.50), percentile(values, 0.90), percentile(values, 0.95), percentile(values, 0.99)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
