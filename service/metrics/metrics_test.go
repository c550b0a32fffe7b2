package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordRPCCall("eth_blockNumber", "rpc.example", 0.1, nil)
		m.RecordProbe("rpc.example", "success", 0.1)
		m.RecordSweep(errors.New("no live endpoint"))
		m.SetConnectionUp(true)
		m.RecordWithdrawal("success", 0.1)
		m.RecordConfirmation("confirmed", 12)
		m.RecordRecycle("recycled")
		m.RecordAllocation("success")
		m.SetTreasuryBalance(1)
		m.SetLedgerTotals(1, 2, 3, 4)
		m.RecordDBQuery("insert", "transfers", 0.01, nil)
		m.RecordHTTPRequest("/status", "GET", 200, 0.01)
		m.RecordNATSPublish("treasury.credit", "success", 0.01)
	})
}

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRPCCall("eth_getBalance", "rpc.example", 0.2, nil)
	m.RecordRPCCall("eth_getBalance", "rpc.example", 0.2, errors.New("timeout"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcCallsTotal.WithLabelValues("eth_getBalance", "success", "rpc.example")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcCallsTotal.WithLabelValues("eth_getBalance", "error", "rpc.example")))

	m.SetConnectionUp(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionUp))
	m.SetConnectionUp(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionUp))

	m.RecordWithdrawal("success", 0.25)
	m.RecordWithdrawal("insufficient_reserve", 0)
	assert.Equal(t, 0.25, testutil.ToFloat64(m.withdrawnETHTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.withdrawalsTotal.WithLabelValues("insufficient_reserve")))

	m.SetLedgerTotals(100, 24.15, 34.5, 20.7)
	assert.Equal(t, 24.15, testutil.ToFloat64(m.ledgerTotalsUSD.WithLabelValues("withdrawn_external")))
	assert.Equal(t, 20.7, testutil.ToFloat64(m.ledgerTotalsUSD.WithLabelValues("recycled")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus string
	}{
		{
			name:       "implicit 200",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) },
			wantStatus: "2xx",
		},
		{
			name:       "explicit 400",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) },
			wantStatus: "4xx",
		},
		{
			name:       "no write at all",
			handler:    func(w http.ResponseWriter, r *http.Request) {},
			wantStatus: "2xx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := "/" + tt.name
			h := HTTPMetricsMiddleware(m, route)(tt.handler)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("POST", "/anything", nil))

			assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(route, "POST", tt.wantStatus)))
		})
	}
}

func TestHTTPMetricsMiddleware_NilMetricsPassesThrough(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	h := HTTPMetricsMiddleware(nil, "/status")(next)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/status", nil))

	assert.True(t, called)
}
