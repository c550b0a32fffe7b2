package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/status", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "online",
			"blockchain": "connected",
			"endpoint": "ethereum.publicnode.com",
			"treasuryBalance": "0.010000",
			"canWithdraw": true,
			"minGasRequired": 0.01,
			"totalEarnings": "79.30",
			"autoRecycleEnabled": true,
			"rpcEndpoints": 6,
			"recycle": {"recycled": true, "reason": "recycled", "recycledUSD": "20.70"}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	status, err := client.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "connected", status.Blockchain)
	assert.Equal(t, "0.010000", status.TreasuryBalance)
	assert.Equal(t, json.Number("0.01"), status.MinGasRequired)
	assert.Equal(t, 6, status.RPCEndpoints)
	require.NotNil(t, status.Recycle)
	assert.Equal(t, "20.70", status.Recycle.RecycledUSD)
}

func TestWithdraw_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/send-to-coinbase", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0.007", body["amountETH"])
		assert.Equal(t, "0xabc", body["to"])
		assert.NotContains(t, body, "amountUSD")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":      true,
			"txHash":       "0xfeed",
			"amount":       0.007,
			"amountETH":    "0.007",
			"amountUSD":    "24.15",
			"blockNumber":  19000000,
			"etherscanUrl": "https://etherscan.io/tx/0xfeed",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	transfer, err := client.Withdraw(context.Background(), WithdrawRequest{AmountETH: "0.007", To: "0xabc"})
	require.NoError(t, err)

	assert.True(t, transfer.Success)
	assert.Equal(t, "0xfeed", transfer.TxHash)
	assert.Equal(t, "24.15", transfer.AmountUSD)
	assert.Equal(t, uint64(19000000), transfer.BlockNumber)
}

func TestWithdraw_InsufficientReserve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":           "insufficient treasury balance (reserving gas fee)",
			"kind":            "insufficient_reserve",
			"treasuryBalance": "0.010000",
			"maxWithdrawable": "0.007000",
			"requested":       "0.020000",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Withdraw(context.Background(), WithdrawRequest{AmountETH: "0.02"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "0.007000", apiErr.MaxWithdrawable)
	assert.True(t, IsKind(err, "insufficient_reserve"))
	assert.Contains(t, err.Error(), "reserving gas fee")
}

func TestWithdraw_PendingTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "transaction failed: confirmation not observed: context deadline exceeded",
			"kind":    "transaction_failed",
			"txHash":  "0xbeef",
			"pending": true,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Withdraw(context.Background(), WithdrawRequest{AmountETH: "0.1"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Pending)
	assert.Equal(t, "0xbeef", apiErr.TxHash)
}

func TestSweepToCoinbase(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		wantBody map[string]interface{}
	}{
		{"max", "", map[string]interface{}{}},
		{"explicit", "0.5", map[string]interface{}{"amountETH": "0.5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/backend-to-coinbase", r.URL.Path)
				var body map[string]interface{}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, tt.wantBody, body)
				w.Write([]byte(`{"success": true, "txHash": "0x1"}`))
			}))
			defer server.Close()

			client := NewClient(server.URL, nil, nil)
			transfer, err := client.SweepToCoinbase(context.Background(), tt.amount)
			require.NoError(t, err)
			assert.Equal(t, "0x1", transfer.TxHash)
		})
	}
}

func TestCreditAndFundBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Path {
		case "/credit-earnings":
			assert.Equal(t, "100", body["amountUSD"])
			w.Write([]byte(`{"success": true, "credited": "100.00", "totalEarnings": "100.00"}`))
		case "/send-to-backend":
			assert.Equal(t, "0.01", body["amountETH"])
			w.Write([]byte(`{"success": true, "amountUSD": "34.50", "totalEarnings": "65.50", "totalSentToBackend": "34.50"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	credit, err := client.CreditEarnings(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "100.00", credit.TotalEarnings)

	alloc, err := client.FundBackend(context.Background(), AllocateRequest{AmountETH: "0.01"})
	require.NoError(t, err)
	assert.Equal(t, "65.50", alloc.TotalEarnings)
	assert.Equal(t, "34.50", alloc.TotalSentToBackend)
}

func TestFundBackend_InsufficientEarnings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "insufficient earnings", "kind": "insufficient_earnings", "requested": "70.00", "available": "65.50"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.FundBackend(context.Background(), AllocateRequest{AmountUSD: "70"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "65.50", apiErr.Available)
	assert.True(t, IsKind(err, "insufficient_earnings"))
}

func TestRecycleControls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		switch r.URL.Path {
		case "/toggle-auto-recycle":
			w.Write([]byte(`{"success": true, "autoRecycleEnabled": false}`))
		case "/recycle-now":
			w.Write([]byte(`{"recycled": false, "reason": "auto-recycle-disabled"}`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	enabled, err := client.ToggleAutoRecycle(context.Background())
	require.NoError(t, err)
	assert.False(t, enabled)

	out, err := client.RecycleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "auto-recycle-disabled", out.Reason)
}

func TestListTransfers_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers", r.URL.Path)
		assert.Equal(t, "confirmed", r.URL.Query().Get("status"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "", r.URL.Query().Get("offset"))

		w.Write([]byte(`{"transfers": [{"txHash": "0x1", "status": "confirmed", "blockNumber": 7}], "count": 1, "limit": 10, "offset": 0}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	list, err := client.ListTransfers(context.Background(), "confirmed", 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Transfers, 1)
	require.NotNil(t, list.Transfers[0].BlockNumber)
	assert.Equal(t, uint64(7), *list.Transfers[0].BlockNumber)
}

func TestGetTransfer_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers/0xabc", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "transaction not found", "kind": "not_found", "txHash": "0xabc"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.GetTransfer(context.Background(), "0xabc")
	assert.True(t, IsKind(err, "not_found"))
}

func TestNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Health(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
	assert.Equal(t, "request failed (502): upstream unavailable", err.Error())
}
