package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan metrics
	messagesScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyword_watch_messages_scanned_total",
		Help: "Total number of messages scanned",
	})

	matchesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyword_watch_matches_found_total",
		Help: "Total number of keyword matches found",
	}, []string{"chat"})

	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyword_watch_fetches_total",
		Help: "Total number of fetch attempts",
	}, []string{"status"})

	// Rate budget metrics
	floodWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyword_watch_flood_waits_total",
		Help: "Total number of flood-control cooldowns entered",
	})

	budgetDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyword_watch_budget_denials_total",
		Help: "Total number of fetches deferred by the rate budget",
	})

	// Control surface metrics
	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyword_watch_commands_executed_total",
		Help: "Total number of control commands executed",
	}, []string{"command"})

	// Delivery metrics
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyword_watch_deliveries_total",
		Help: "Total number of notification delivery attempts by outcome",
	}, []string{"status"})

	// Tick metrics
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyword_watch_tick_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// Active chats gauge
	activeChats = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keyword_watch_active_chats",
		Help: "Number of enabled watched chats",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessagesScanned counts scanned messages.
func (m *Metrics) RecordMessagesScanned(n int) {
	messagesScanned.Add(float64(n))
}

// RecordMatchFound counts a keyword match in a chat.
func (m *Metrics) RecordMatchFound(chat string) {
	matchesFound.WithLabelValues(chat).Inc()
}

// RecordFetch records a fetch attempt outcome.
func (m *Metrics) RecordFetch(status string) {
	fetchesTotal.WithLabelValues(status).Inc()
}

// RecordFloodWait counts a flood-control cooldown.
func (m *Metrics) RecordFloodWait() {
	floodWaits.Inc()
}

// RecordBudgetDenial counts a fetch deferred by the rate budget.
func (m *Metrics) RecordBudgetDenial() {
	budgetDenials.Inc()
}

// RecordCommandExecuted records an executed control command.
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordDelivery records a notification delivery outcome.
func (m *Metrics) RecordDelivery(status string) {
	deliveries.WithLabelValues(status).Inc()
}

// RecordTickDuration records how long one scheduler tick took.
func (m *Metrics) RecordTickDuration(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// SetActiveChats sets the enabled-chat gauge.
func (m *Metrics) SetActiveChats(count float64) {
	activeChats.Set(count)
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
