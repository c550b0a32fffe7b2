package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/treasurer/service/db"
	"github.com/brojonat/treasurer/service/ledger"
	"github.com/brojonat/treasurer/service/treasury"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 64 << 10
	defaultListLimit   = 50
	maxListLimit       = 500
)

var errBadAmount = errors.New("invalid amount")

// amountField accepts a JSON number, a numeric string, null or "". Values
// outside treasury.CheckAmount bounds are rejected.
type amountField struct {
	decimal.NullDecimal
}

func (a *amountField) UnmarshalJSON(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "null", `""`:
		a.Valid = false
		return nil
	}
	if err := a.NullDecimal.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %s", errBadAmount, b)
	}
	if err := treasury.CheckAmount(a.Decimal); err != nil {
		a.Valid = false
		return fmt.Errorf("%w: %v", errBadAmount, err)
	}
	return nil
}

func (a amountField) dec() decimal.Decimal {
	if !a.Valid {
		return decimal.Zero
	}
	return a.Decimal
}

// firstNonZero returns the first amount that was given and is not zero.
func firstNonZero(fields ...amountField) decimal.Decimal {
	for _, f := range fields {
		if d := f.dec(); !d.IsZero() {
			return d
		}
	}
	return decimal.Zero
}

// decodeBody decodes an optional JSON body. An empty body is not an error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	logger.Debug("failed to decode request", "error", err)

	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, "request body too large", http.StatusBadRequest)
	case errors.Is(err, errBadAmount):
		writeJSON(w, errorResponse{Error: "invalid amount", Kind: string(treasury.KindInvalidAmount)}, http.StatusBadRequest)
	default:
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
	}
}

// handleIndex describes the service.
// GET /
func handleIndex(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.DebugContext(r.Context(), "index requested")
		wallets := engine.Wallets()

		post := []string{"/credit-earnings"}
		post = append(post, withdrawRoutes...)
		post = append(post, allocateRoutes...)
		post = append(post, sweepRoutes...)
		post = append(post, "/toggle-auto-recycle", "/recycle-now", "/reconnect")

		writeJSON(w, map[string]any{
			"name":           "treasurer",
			"status":         "online",
			"coinbaseWallet": wallets.Destination.Hex(),
			"treasuryWallet": wallets.Treasury.Hex(),
			"endpoints": map[string][]string{
				"GET":  {"/", "/status", "/health", "/balance", "/earnings", "/transfers", "/transfers/{hash}", "/metrics"},
				"POST": post,
			},
		}, http.StatusOK)
	})
}

// handleStatus reports connection and ledger state. When the treasury is under
// the gas floor and earnings clear the threshold it runs one recycle first.
// GET /status
func handleStatus(engine *treasury.Engine, recycler *treasury.Recycler, endpoints int, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		policy := engine.Policy()

		view := engine.Balance(ctx)

		var recycled *recycleResponse
		if view.Connected && recycler.ShouldTrigger(view.BalanceETH, engine.Ledger().Snapshot()) {
			out := recycler.MaybeRecycle(ctx)
			logger.InfoContext(ctx, "status triggered recycle", "reason", out.Reason)
			resp := toRecycleResponse(out)
			recycled = &resp
			view = engine.Balance(ctx)
		}

		blockchain := "connected"
		if !view.Connected {
			blockchain = "disconnected (RPC failure)"
		}

		writeJSON(w, statusResponse{
			Status:             "online",
			Blockchain:         blockchain,
			Endpoint:           view.Endpoint,
			CoinbaseWallet:     engine.Wallets().Destination.Hex(),
			TreasuryWallet:     view.Address.Hex(),
			TreasuryBalance:    view.BalanceETH.StringFixed(6),
			TreasuryBalanceUSD: view.BalanceETH.Mul(policy.ETHPriceUSD).StringFixed(2),
			CanTrade:           view.BalanceETH.GreaterThanOrEqual(policy.MinGasETH),
			CanWithdraw:        view.MaxWithdrawable.IsPositive(),
			CanSign:            view.CanSign,
			MinGasRequired:     json.Number(policy.MinGasETH.String()),
			ledgerResponse:     toLedgerResponse(engine.Ledger().Snapshot(), policy.ETHPriceUSD),
			AutoRecycleEnabled: recycler.Enabled(),
			RPCEndpoints:       endpoints,
			Recycle:            recycled,
			Timestamp:          time.Now().UTC(),
		}, http.StatusOK)
	})
}

// handleHealth reports the treasury balance and whether a withdrawal is possible.
// GET /health
func handleHealth(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view := engine.Balance(r.Context())
		if !view.Connected {
			logger.WarnContext(r.Context(), "health check without chain connection")
		}
		writeJSON(w, map[string]any{
			"status":          "healthy",
			"connected":       view.Connected,
			"treasuryBalance": view.BalanceETH.StringFixed(6),
			"canWithdraw":     view.MaxWithdrawable.IsPositive(),
		}, http.StatusOK)
	})
}

// GET /balance
func handleBalance(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view := engine.Balance(r.Context())
		logger.DebugContext(r.Context(), "balance read", "connected", view.Connected, "balance_eth", view.BalanceETH.String())
		writeJSON(w, toBalanceResponse(view, engine.Policy()), http.StatusOK)
	})
}

// GET /earnings
func handleEarnings(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy := engine.Policy()
		snap := engine.Ledger().Snapshot()
		writeJSON(w, map[string]any{
			"totalEarnings":            snap.TotalEarnings.StringFixed(2),
			"totalWithdrawnToCoinbase": snap.TotalWithdrawnExternal.StringFixed(2),
			"totalSentToBackend":       snap.TotalAllocatedInternal.StringFixed(2),
			"totalRecycled":            snap.TotalRecycled.StringFixed(2),
			"availableETH":             availableETH(snap, policy.ETHPriceUSD),
			"ethPrice":                 json.Number(policy.ETHPriceUSD.String()),
			"updatedAt":                snap.UpdatedAt,
		}, http.StatusOK)
	})
}

// handleCreditEarnings adds USD earnings. Non-positive amounts are accepted
// and ignored.
// POST /credit-earnings {"amountUSD": 12.5} or {"amount": "12.5"}
func handleCreditEarnings(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amount    amountField `json:"amount"`
			AmountUSD amountField `json:"amountUSD"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeDecodeError(w, err, logger)
			return
		}

		usd := firstNonZero(req.AmountUSD, req.Amount)
		snap, credited := engine.CreditEarnings(r.Context(), usd)
		if !credited {
			usd = decimal.Zero
		}

		writeJSON(w, map[string]any{
			"success":       credited,
			"credited":      usd.StringFixed(2),
			"totalEarnings": snap.TotalEarnings.StringFixed(2),
		}, http.StatusOK)
	})
}

// handleWithdraw sends ETH to the default destination or to "to".
// POST /send-to-coinbase {"amountETH": 0.01} | {"amountUSD": 34.5} | {"amount": "0.01", "to": "0x..."}
func handleWithdraw(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AmountETH amountField `json:"amountETH"`
			AmountUSD amountField `json:"amountUSD"`
			Amount    amountField `json:"amount"`
			To        string      `json:"to"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeDecodeError(w, err, logger)
			return
		}

		treq := treasury.TransferRequest{
			AmountETH: firstNonZero(req.AmountETH, req.Amount),
			AmountUSD: req.AmountUSD.dec(),
		}
		if req.To != "" {
			to, err := parseDestination(req.To)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			treq.To = to
		}

		result, err := engine.Withdraw(r.Context(), treq)
		if err != nil {
			logger.WarnContext(r.Context(), "withdrawal failed", "kind", treasury.KindOf(err), "error", err)
			writeTreasuryError(w, err)
			return
		}
		writeJSON(w, toTransferResponse(result), http.StatusOK)
	})
}

// handleAllocate moves earnings to the backend allocation. Ledger only.
// POST /send-to-backend {"amountETH": 0.01} | {"amountUSD": 34.5}
func handleAllocate(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AmountETH amountField `json:"amountETH"`
			AmountUSD amountField `json:"amountUSD"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeDecodeError(w, err, logger)
			return
		}

		result, err := engine.Allocate(r.Context(), treasury.AllocationRequest{
			AmountETH: req.AmountETH.dec(),
			AmountUSD: req.AmountUSD.dec(),
		})
		if err != nil {
			logger.WarnContext(r.Context(), "allocation failed", "kind", treasury.KindOf(err), "error", err)
			writeTreasuryError(w, err)
			return
		}

		writeJSON(w, map[string]any{
			"success":            true,
			"amountETH":          result.AmountETH.StringFixed(6),
			"amountUSD":          result.AmountUSD.StringFixed(2),
			"totalEarnings":      result.Ledger.TotalEarnings.StringFixed(2),
			"totalSentToBackend": result.Ledger.TotalAllocatedInternal.StringFixed(2),
		}, http.StatusOK)
	})
}

// handleSweepToCoinbase sends treasury ETH to the default destination. With no
// positive amount it sends everything above the fee reserve.
// POST /backend-to-coinbase {"amountETH": 0.01} | {}
func handleSweepToCoinbase(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AmountETH amountField `json:"amountETH"`
			Amount    amountField `json:"amount"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeDecodeError(w, err, logger)
			return
		}

		treq := treasury.TransferRequest{AmountETH: firstNonZero(req.AmountETH, req.Amount)}
		if !treq.AmountETH.IsPositive() {
			treq = treasury.TransferRequest{SendMax: true}
		}

		result, err := engine.Withdraw(r.Context(), treq)
		if err != nil {
			logger.WarnContext(r.Context(), "sweep to coinbase failed", "kind", treasury.KindOf(err), "error", err)
			writeTreasuryError(w, err)
			return
		}
		writeJSON(w, toTransferResponse(result), http.StatusOK)
	})
}

// POST /toggle-auto-recycle
func handleToggleAutoRecycle(recycler *treasury.Recycler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enabled := recycler.Toggle()
		logger.InfoContext(r.Context(), "auto-recycle toggled via API", "enabled", enabled)
		writeJSON(w, map[string]any{
			"success":            true,
			"autoRecycleEnabled": enabled,
		}, http.StatusOK)
	})
}

// handleRecycleNow runs one recycle evaluation without the /status gate.
// POST /recycle-now
func handleRecycleNow(recycler *treasury.Recycler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := recycler.MaybeRecycle(r.Context())
		logger.InfoContext(r.Context(), "manual recycle evaluated", "reason", out.Reason, "recycled", out.Recycled)
		writeJSON(w, toRecycleResponse(out), http.StatusOK)
	})
}

// POST /reconnect
func handleReconnect(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view, err := engine.Reconnect(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "reconnect failed", "error", err)
			writeTreasuryError(w, err)
			return
		}
		logger.InfoContext(r.Context(), "reconnected", "endpoint", view.Endpoint)
		writeJSON(w, toBalanceResponse(view, engine.Policy()), http.StatusOK)
	})
}

// handleListTransfers lists journaled transfers.
// GET /transfers?status=confirmed&limit=N&offset=N
func handleListTransfers(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		status := query.Get("status")
		switch status {
		case "", db.StatusPending, db.StatusConfirmed, db.StatusFailed, db.StatusTimeout:
		default:
			writeError(w, "invalid status: must be pending, confirmed, failed or timeout", http.StatusBadRequest)
			return
		}

		limit := int32(defaultListLimit)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > maxListLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", maxListLimit), http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		transfers, err := engine.ListTransfers(r.Context(), db.ListTransfersParams{
			Status: status,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list transfers", "error", err)
			writeTreasuryError(w, err)
			return
		}

		resp := make([]transferRecordResponse, len(transfers))
		for i, t := range transfers {
			resp[i] = toTransferRecordResponse(t)
		}

		writeJSON(w, map[string]any{
			"transfers": resp,
			"count":     len(resp),
			"limit":     limit,
			"offset":    offset,
		}, http.StatusOK)
	})
}

// handleGetTransfer looks a transaction up on chain.
// GET /transfers/{hash}
func handleGetTransfer(engine *treasury.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")

		status, err := engine.LookupTransfer(r.Context(), hash)
		if err != nil {
			logger.DebugContext(r.Context(), "transfer lookup failed", "tx_hash", hash, "error", err)
			writeTreasuryError(w, err)
			return
		}

		resp := transferStatusResponse{
			TxHash:       status.TxHash,
			Status:       status.Status,
			BlockNumber:  status.BlockNumber,
			GasUsed:      status.GasUsed,
			EtherscanURL: engine.Policy().ExplorerTxURL + status.TxHash,
		}
		if status.Journal != nil {
			rec := toTransferRecordResponse(status.Journal)
			resp.Journal = &rec
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

func parseDestination(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid destination address: %q", raw)
	}
	to := common.HexToAddress(raw)
	if to == (common.Address{}) {
		return common.Address{}, errors.New("invalid destination address: zero address")
	}
	return to, nil
}

func availableETH(snap ledger.Snapshot, price decimal.Decimal) string {
	if !price.IsPositive() {
		return decimal.Zero.StringFixed(6)
	}
	return snap.TotalEarnings.Div(price).StringFixed(6)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(te *treasury.Error) int {
	switch te.Kind {
	case treasury.KindInvalidAmount, treasury.KindInvalidRequest, treasury.KindInsufficientReserve, treasury.KindInsufficientEarnings:
		return http.StatusBadRequest
	case treasury.KindServiceUnavailable, treasury.KindConnection:
		return http.StatusServiceUnavailable
	case treasury.KindNotFound:
		return http.StatusNotFound
	case treasury.KindTransactionFailed:
		if te.Pending {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeTreasuryError writes a typed treasury error with its state figures.
// Only transaction failures expose their cause.
func writeTreasuryError(w http.ResponseWriter, err error) {
	var te *treasury.Error
	if !errors.As(err, &te) {
		writeError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := errorResponse{
		Error:   te.Message,
		Kind:    string(te.Kind),
		TxHash:  te.TxHash,
		Pending: te.Pending,
	}
	if te.Kind == treasury.KindTransactionFailed {
		resp.Error = te.Error()
	}

	if te.Kind == treasury.KindInsufficientEarnings {
		if te.Requested != nil {
			resp.Requested = te.Requested.StringFixed(2)
		}
		if te.Available != nil {
			resp.Available = te.Available.StringFixed(2)
		}
	} else {
		if te.Balance != nil {
			resp.TreasuryBalance = te.Balance.StringFixed(6)
		}
		if te.MaxWithdrawable != nil {
			resp.MaxWithdrawable = te.MaxWithdrawable.StringFixed(6)
		}
		if te.Requested != nil {
			resp.Requested = te.Requested.StringFixed(6)
		}
	}

	writeJSON(w, resp, statusFor(te))
}

// handleNotFound answers unmatched routes with a JSON error.
func handleNotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}
