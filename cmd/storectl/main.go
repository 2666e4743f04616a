package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SadallahYounes/OpticeStoreBackend/internal/order/domain"
	"github.com/SadallahYounes/OpticeStoreBackend/internal/storage"
)

type action struct {
	Name        string
	Description string
}

type model struct {
	actions     []action
	selected    int
	status      string
	metrics     string
	lastOrderID string
	busy        bool
}

func initialModel() model {
	return model{
		actions: []action{
			{"seed", "Upsert the demo product (needs DATABASE_URL)"},
			{"create", "Create a cash-on-delivery order"},
			{"validate", "Validate stock for the sample cart"},
			{"cancel", "Cancel the last created order"},
			{"reactivate", "Confirm the last canceled order"},
			{"watch", "Follow the notification stream for 30s"},
			{"bench", "Run a short create/cancel benchmark"},
		},
		status: "Ready",
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.actions)-1 {
				m.selected++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Running..."
			return m, runActionCmd(m.actions[m.selected].Name, m.lastOrderID)
		}
	case actionResult:
		m.busy = false
		m.status = msg.status
		m.metrics = msg.metrics
		if msg.orderID != "" {
			m.lastOrderID = msg.orderID
		}
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "opticstore storectl")
	fmt.Fprintln(b, "")
	fmt.Fprintln(b, "Actions:")
	for i, a := range m.actions {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %s - %s\n", marker, a.Name, a.Description)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	if m.lastOrderID != "" {
		fmt.Fprintf(b, "Last order: %s\n", m.lastOrderID)
	}
	if m.metrics != "" {
		fmt.Fprintf(b, "Metrics: %s\n", m.metrics)
	}
	fmt.Fprintln(b, "\nControls: up/down select action, enter to run, q to quit")
	return b.String()
}

type actionResult struct {
	status  string
	metrics string
	orderID string
}

func runActionCmd(name, lastOrderID string) tea.Cmd {
	return func() tea.Msg {
		baseURL := getenv("STORE_BASE_URL", "http://localhost:8080")
		switch name {
		case "bench":
			metrics := runBenchmark(baseURL)
			return actionResult{status: "Benchmark finished", metrics: metrics}
		case "seed":
			if err := seedProduct(); err != nil {
				return actionResult{status: fmt.Sprintf("Seed failed: %v", err)}
			}
			return actionResult{status: "Seeded product " + getenv("STORE_PRODUCT_ID", "sku-1")}
		case "watch":
			summary, err := watchStream(baseURL, 30*time.Second)
			if err != nil {
				return actionResult{status: fmt.Sprintf("Watch failed: %v", err)}
			}
			return actionResult{status: "Watch finished", metrics: summary}
		case "validate":
			body, err := postJSON(baseURL, "/api/orders/validate-stock", sampleCart())
			if err != nil {
				return actionResult{status: fmt.Sprintf("Validate failed: %v", err)}
			}
			return actionResult{status: "Validate OK: " + body}
		case "cancel":
			if lastOrderID == "" {
				return actionResult{status: "No order to cancel, run create first"}
			}
			body, err := putStatus(baseURL, lastOrderID, "CANCELED")
			if err != nil {
				return actionResult{status: fmt.Sprintf("Cancel failed: %v", err)}
			}
			return actionResult{status: "Canceled: " + body}
		case "reactivate":
			if lastOrderID == "" {
				return actionResult{status: "No order to reactivate, run create first"}
			}
			body, err := putStatus(baseURL, lastOrderID, "CONFIRMED")
			if err != nil {
				return actionResult{status: fmt.Sprintf("Reactivate failed: %v", err)}
			}
			return actionResult{status: "Confirmed: " + body}
		default:
			id, body, err := doCreateOrder(baseURL)
			if err != nil {
				return actionResult{status: fmt.Sprintf("Create failed: %v", err)}
			}
			return actionResult{status: "Created: " + body, orderID: id}
		}
	}
}

func seedProduct() error {
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if db == "" {
		return fmt.Errorf("DATABASE_URL is required for seeding")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, db)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := storage.NewPostgresStore(pool)
	return store.UpsertProduct(ctx, domain.Product{
		ID:       domain.ProductID(getenv("STORE_PRODUCT_ID", "sku-1")),
		Name:     "Demo Frame",
		Price:    4500,
		Quantity: 100,
		Active:   true,
	})
}

// watchStream follows the SSE endpoint and summarizes what arrived.
func watchStream(baseURL string, duration time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	url := strings.TrimRight(baseURL, "/") + "/api/notifications/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var connected bool
	var events int
	var last string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: connected":
			connected = true
		case line == "event: new-notification":
			events++
		case strings.HasPrefix(line, "data: ") && events > 0:
			last = strings.TrimPrefix(line, "data: ")
		}
	}
	if !connected {
		return "", fmt.Errorf("no connected handshake received")
	}
	summary := fmt.Sprintf("events=%d", events)
	if last != "" {
		summary += " last=" + last
	}
	return summary, nil
}

func sampleCart() []map[string]any {
	return []map[string]any{{"product_id": getenv("STORE_PRODUCT_ID", "sku-1"), "quantity": 1}}
}

func sampleOrder() map[string]any {
	return map[string]any{
		"first_name": "Yacine",
		"last_name":  "B",
		"phone":      "0550000000",
		"wilaya":     "Alger",
		"baladia":    "Bab El Oued",
		"address":    "12 Rue Didouche",
		"items":      sampleCart(),
	}
}

func doCreateOrder(baseURL string) (string, string, error) {
	body, err := postJSONIdempotent(baseURL, "/api/orders", sampleOrder(), uuid.NewString())
	if err != nil {
		return "", "", err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal([]byte(body), &parsed)
	return parsed.ID, body, nil
}

func putStatus(baseURL, orderID, status string) (string, error) {
	data, _ := json.Marshal(map[string]any{"status": status})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.TrimRight(baseURL, "/") + "/api/admin/orders/" + orderID + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-User", "storectl")
	return doRequest(req)
}

func postJSON(baseURL, path string, payload any) (string, error) {
	return postJSONIdempotent(baseURL, path, payload, "")
}

func postJSONIdempotent(baseURL, path string, payload any, idemKey string) (string, error) {
	data, _ := json.Marshal(payload)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	return doRequest(req)
}

func doRequest(req *http.Request) (string, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return string(body), nil
}

func runBenchmark(baseURL string) string {
	duration := 5 * time.Second
	vus := 5
	var mu sync.Mutex
	var total time.Duration
	var count int
	var rejected int
	var errors int
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < vus; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
					start := time.Now()
					id, _, err := doCreateOrder(baseURL)
					mu.Lock()
					switch {
					case err != nil && strings.Contains(err.Error(), "status 409"):
						rejected++
					case err != nil:
						errors++
					default:
						count++
						total += time.Since(start)
					}
					mu.Unlock()
					if err == nil && id != "" {
						// возвращаем сток, чтобы бенч не выжирал товар
						_, _ = putStatus(baseURL, id, "CANCELED")
					}
				}
			}
		}()
	}
	wg.Wait()

	avg := time.Duration(0)
	if count > 0 {
		avg = total / time.Duration(count)
	}
	throughput := float64(count) / duration.Seconds()
	return fmt.Sprintf("created=%d rejected=%d errors=%d avg=%s throughput=%.2f orders/s", count, rejected, errors, avg, throughput)
}

func main() {
	runCmd := flag.String("run", "", "run action: seed|create|validate|watch|bench")
	flag.Parse()

	if *runCmd != "" {
		res := runActionCmd(*runCmd, "")().(actionResult)
		fmt.Println(res.status)
		if res.metrics != "" {
			fmt.Println(res.metrics)
		}
		return
	}

	p := tea.NewProgram(initialModel())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
