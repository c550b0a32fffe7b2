package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Chain RPC Metrics
	rpcCallsTotal   *prometheus.CounterVec
	rpcCallDuration *prometheus.HistogramVec

	// Connection Metrics
	endpointProbesTotal  *prometheus.CounterVec
	endpointProbeSeconds *prometheus.HistogramVec
	connectionSweeps     *prometheus.CounterVec
	connectionUp         prometheus.Gauge

	// Treasury Metrics
	withdrawalsTotal     *prometheus.CounterVec
	withdrawnETHTotal    prometheus.Counter
	confirmationDuration *prometheus.HistogramVec
	recycleOutcomesTotal *prometheus.CounterVec
	allocationsTotal     *prometheus.CounterVec
	treasuryBalanceETH   prometheus.Gauge
	ledgerTotalsUSD      *prometheus.GaugeVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Chain RPC Metrics
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),

		// Connection Metrics
		endpointProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_endpoint_probes_total",
				Help: "Total number of endpoint liveness probes by outcome",
			},
			[]string{"endpoint", "status"},
		),
		endpointProbeSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_endpoint_probe_duration_seconds",
				Help:    "Duration of endpoint liveness probes in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint"},
		),
		connectionSweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_connection_sweeps_total",
				Help: "Total number of endpoint pool sweeps by outcome",
			},
			[]string{"status"},
		),
		connectionUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chain_connection_up",
				Help: "1 when a live chain connection is cached, 0 otherwise",
			},
		),

		// Treasury Metrics
		withdrawalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treasury_withdrawals_total",
				Help: "Total number of withdrawal attempts by outcome",
			},
			[]string{"status"},
		),
		withdrawnETHTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "treasury_withdrawn_eth_total",
				Help: "Total ETH sent to the external destination",
			},
		),
		confirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "treasury_confirmation_duration_seconds",
				Help:    "Time from submission to receipt in seconds",
				Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		recycleOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treasury_recycle_outcomes_total",
				Help: "Total number of auto-recycle evaluations by reason",
			},
			[]string{"reason"},
		),
		allocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treasury_allocations_total",
				Help: "Total number of internal allocation attempts by outcome",
			},
			[]string{"status"},
		),
		treasuryBalanceETH: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "treasury_balance_eth",
				Help: "Last observed treasury balance in ETH",
			},
		),
		ledgerTotalsUSD: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_total_usd",
				Help: "Current ledger totals in USD",
			},
			[]string{"total"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(method, endpoint string, duration float64, err error) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(method, errorStatus(err), endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// Connection metric helpers

// RecordProbe records one endpoint liveness probe.
func (m *Metrics) RecordProbe(endpoint, status string, duration float64) {
	if m == nil {
		return
	}
	m.endpointProbesTotal.WithLabelValues(endpoint, status).Inc()
	m.endpointProbeSeconds.WithLabelValues(endpoint).Observe(duration)
}

// RecordSweep records the outcome of a full pool sweep.
func (m *Metrics) RecordSweep(err error) {
	if m == nil {
		return
	}
	m.connectionSweeps.WithLabelValues(errorStatus(err)).Inc()
}

// SetConnectionUp sets the connection gauge.
func (m *Metrics) SetConnectionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectionUp.Set(1)
	} else {
		m.connectionUp.Set(0)
	}
}

// Treasury metric helpers

// RecordWithdrawal records a withdrawal attempt. amountETH is only added on success.
func (m *Metrics) RecordWithdrawal(status string, amountETH float64) {
	if m == nil {
		return
	}
	m.withdrawalsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.withdrawnETHTotal.Add(amountETH)
	}
}

// RecordConfirmation records how long a submitted transfer took to resolve.
func (m *Metrics) RecordConfirmation(status string, duration float64) {
	if m == nil {
		return
	}
	m.confirmationDuration.WithLabelValues(status).Observe(duration)
}

// RecordRecycle records an auto-recycle evaluation.
func (m *Metrics) RecordRecycle(reason string) {
	if m == nil {
		return
	}
	m.recycleOutcomesTotal.WithLabelValues(reason).Inc()
}

// RecordAllocation records an internal allocation attempt.
func (m *Metrics) RecordAllocation(status string) {
	if m == nil {
		return
	}
	m.allocationsTotal.WithLabelValues(status).Inc()
}

// SetTreasuryBalance sets the last observed treasury balance.
func (m *Metrics) SetTreasuryBalance(eth float64) {
	if m == nil {
		return
	}
	m.treasuryBalanceETH.Set(eth)
}

// SetLedgerTotals publishes the current ledger totals.
func (m *Metrics) SetLedgerTotals(earnings, withdrawn, allocated, recycled float64) {
	if m == nil {
		return
	}
	m.ledgerTotalsUSD.WithLabelValues("earnings").Set(earnings)
	m.ledgerTotalsUSD.WithLabelValues("withdrawn_external").Set(withdrawn)
	m.ledgerTotalsUSD.WithLabelValues("allocated_internal").Set(allocated)
	m.ledgerTotalsUSD.WithLabelValues("recycled").Set(recycled)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, errorStatus(err)).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func errorStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
