package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metrics for the bot. All observe helpers are
// nil-safe so services constructed without metrics in tests keep working.
type Metrics struct {
	LedgerOps        *prometheus.CounterVec
	CheckActivations *prometheus.CounterVec
	NotifyFailures   prometheus.Counter
	BroadcastsSent   prometheus.Counter

	startTime time.Time
}

func New() *Metrics {
	return &Metrics{
		LedgerOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "prgram",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		CheckActivations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "prgram",
				Subsystem: "checks",
				Name:      "activations_total",
				Help:      "Check activation attempts by outcome",
			},
			[]string{"outcome"},
		),
		NotifyFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "prgram",
				Subsystem: "notify",
				Name:      "failures_total",
				Help:      "Telegram notifications that could not be delivered",
			},
		),
		BroadcastsSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "prgram",
				Subsystem: "broadcast",
				Name:      "messages_total",
				Help:      "Broadcast messages delivered",
			},
		),
		startTime: time.Now(),
	}
}

func (m *Metrics) ObserveLedgerOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LedgerOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveActivation(outcome string) {
	if m == nil {
		return
	}
	m.CheckActivations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}

func (m *Metrics) ObserveBroadcast() {
	if m == nil {
		return
	}
	m.BroadcastsSent.Inc()
}

// Serve exposes /metrics and /health on addr. Blocks.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"uptime": time.Since(m.startTime).Round(time.Second).String(),
		})
	})
	return http.ListenAndServe(addr, mux)
}
