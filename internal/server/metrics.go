package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	transactionsTotal  *prometheus.CounterVec
	relayEventsTotal   *prometheus.CounterVec
	settlementsTotal   *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter
	dlqDepth           prometheus.Gauge
	relayBacklog       prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	txs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pledgerails_transactions_total",
		Help: "API operations by name and outcome or error code",
	}, []string{"op", "outcome"})

	relay := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pledgerails_relay_events_total",
		Help: "Events shipped by the outbox relay",
	}, []string{"result"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pledgerails_keeper_settlements_total",
		Help: "Expired pledges settled by the keeper",
	}, []string{"outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pledgerails_retry_attempts_total",
		Help: "Retry attempts for keeper settlements",
	}, []string{"result"})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pledgerails_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pledgerails_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	backlog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pledgerails_relay_backlog",
		Help: "Committed events not yet shipped, as seen by the last health check",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(txs, relay, settlements, retries, limited, dlq, backlog)

	return &metricsRegistry{
		registry:           r,
		transactionsTotal:  txs,
		relayEventsTotal:   relay,
		settlementsTotal:   settlements,
		retryAttemptsTotal: retries,
		rateLimitedTotal:   limited,
		dlqDepth:           dlq,
		relayBacklog:       backlog,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incTransaction(op, outcome string) {
	m.transactionsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *metricsRegistry) incRelay(result string) {
	m.relayEventsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incSettlement(outcome string) {
	m.settlementsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incRateLimited() {
	m.rateLimitedTotal.Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}

func (m *metricsRegistry) setRelayBacklog(n int) {
	m.relayBacklog.Set(float64(n))
}
