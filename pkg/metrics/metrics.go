package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	OrdersCreated   prometheus.Counter
	StockRejections prometheus.Counter
	EventsPublished prometheus.Counter
	Subscribers     prometheus.Gauge
}

func NewServerMetrics(service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opticstore",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opticstore",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	ordersCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "opticstore",
		Subsystem: service,
		Name:      "orders_created_total",
		Help:      "Orders successfully created.",
	})
	stockRejections := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "opticstore",
		Subsystem: service,
		Name:      "stock_rejections_total",
		Help:      "Operations rejected for insufficient stock.",
	})
	eventsPublished := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "opticstore",
		Subsystem: service,
		Name:      "events_published_total",
		Help:      "Outbox events relayed to the broker.",
	})
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opticstore",
		Subsystem: service,
		Name:      "live_subscribers",
		Help:      "Currently connected notification stream subscribers.",
	})

	prometheus.MustRegister(requests, latency, ordersCreated, stockRejections, eventsPublished, subscribers)
	return &ServerMetrics{
		Requests:        requests,
		LatencyMS:       latency,
		OrdersCreated:   ordersCreated,
		StockRejections: stockRejections,
		EventsPublished: eventsPublished,
		Subscribers:     subscribers,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
