package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Amounts are decimal strings as rendered by the server: ETH with 6 places,
// USD with 2.

// Status is the service and ledger overview returned by GET /status.
type Status struct {
	Status                   string          `json:"status"`
	Blockchain               string          `json:"blockchain"`
	Endpoint                 string          `json:"endpoint,omitempty"`
	CoinbaseWallet           string          `json:"coinbaseWallet"`
	TreasuryWallet           string          `json:"treasuryWallet"`
	TreasuryBalance          string          `json:"treasuryBalance"`
	TreasuryBalanceUSD       string          `json:"treasuryBalanceUSD"`
	CanTrade                 bool            `json:"canTrade"`
	CanWithdraw              bool            `json:"canWithdraw"`
	CanSign                  bool            `json:"canSign"`
	MinGasRequired           json.Number     `json:"minGasRequired"`
	TotalEarnings            string          `json:"totalEarnings"`
	TotalWithdrawnToCoinbase string          `json:"totalWithdrawnToCoinbase"`
	TotalSentToBackend       string          `json:"totalSentToBackend"`
	TotalRecycled            string          `json:"totalRecycled"`
	AvailableETH             string          `json:"availableETH"`
	AutoRecycleEnabled       bool            `json:"autoRecycleEnabled"`
	RPCEndpoints             int             `json:"rpcEndpoints"`
	Recycle                  *RecycleOutcome `json:"recycle,omitempty"`
	Timestamp                time.Time       `json:"timestamp"`
}

// Health is returned by GET /health.
type Health struct {
	Status          string `json:"status"`
	Connected       bool   `json:"connected"`
	TreasuryBalance string `json:"treasuryBalance"`
	CanWithdraw     bool   `json:"canWithdraw"`
}

// Balance is returned by GET /balance and POST /reconnect.
type Balance struct {
	TreasuryWallet  string `json:"treasuryWallet"`
	Connected       bool   `json:"connected"`
	Endpoint        string `json:"endpoint,omitempty"`
	CanSign         bool   `json:"canSign"`
	BalanceETH      string `json:"balanceETH"`
	BalanceUSD      string `json:"balanceUSD"`
	MaxWithdrawable string `json:"maxWithdrawable"`
	FeeReserve      string `json:"feeReserve"`
}

// Earnings is the ledger snapshot returned by GET /earnings.
type Earnings struct {
	TotalEarnings            string      `json:"totalEarnings"`
	TotalWithdrawnToCoinbase string      `json:"totalWithdrawnToCoinbase"`
	TotalSentToBackend       string      `json:"totalSentToBackend"`
	TotalRecycled            string      `json:"totalRecycled"`
	AvailableETH             string      `json:"availableETH"`
	ETHPrice                 json.Number `json:"ethPrice"`
	UpdatedAt                time.Time   `json:"updatedAt"`
}

// CreditResult is returned by POST /credit-earnings.
type CreditResult struct {
	Success       bool   `json:"success"`
	Credited      string `json:"credited"`
	TotalEarnings string `json:"totalEarnings"`
}

// Transfer is a confirmed on-chain withdrawal.
type Transfer struct {
	Success      bool        `json:"success"`
	TxHash       string      `json:"txHash"`
	Amount       json.Number `json:"amount"`
	AmountETH    string      `json:"amountETH"`
	AmountUSD    string      `json:"amountUSD"`
	From         string      `json:"from"`
	To           string      `json:"to"`
	BlockNumber  uint64      `json:"blockNumber"`
	EtherscanURL string      `json:"etherscanUrl"`
}

// Allocation is a ledger-only move of earnings to the backend.
type Allocation struct {
	Success            bool   `json:"success"`
	AmountETH          string `json:"amountETH"`
	AmountUSD          string `json:"amountUSD"`
	TotalEarnings      string `json:"totalEarnings"`
	TotalSentToBackend string `json:"totalSentToBackend"`
}

// RecycleOutcome describes one auto-recycle evaluation.
type RecycleOutcome struct {
	Recycled          bool   `json:"recycled"`
	Reason            string `json:"reason"`
	Message           string `json:"message"`
	TreasuryBalance   string `json:"treasuryBalance"`
	RecycledETH       string `json:"recycledETH"`
	RecycledUSD       string `json:"recycledUSD"`
	RemainingEarnings string `json:"remainingEarnings"`
}

// TransferRecord is a journaled transfer.
type TransferRecord struct {
	TxHash      string    `json:"txHash"`
	Kind        string    `json:"kind"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	AmountWei   string    `json:"amountWei"`
	AmountETH   string    `json:"amountETH"`
	AmountUSD   string    `json:"amountUSD"`
	Status      string    `json:"status"`
	BlockNumber *uint64   `json:"blockNumber,omitempty"`
	Error       *string   `json:"error,omitempty"`
	Endpoint    string    `json:"endpoint"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TransferList is returned by GET /transfers.
type TransferList struct {
	Transfers []TransferRecord `json:"transfers"`
	Count     int              `json:"count"`
	Limit     int              `json:"limit"`
	Offset    int              `json:"offset"`
}

// TransferStatus is the chain view of a transaction hash.
type TransferStatus struct {
	TxHash       string          `json:"txHash"`
	Status       string          `json:"status"`
	BlockNumber  uint64          `json:"blockNumber,omitempty"`
	GasUsed      uint64          `json:"gasUsed,omitempty"`
	EtherscanURL string          `json:"etherscanUrl"`
	Journal      *TransferRecord `json:"journal,omitempty"`
}

// WithdrawRequest sends ETH out of the treasury. AmountETH wins over
// AmountUSD. An empty To means the server's default destination.
type WithdrawRequest struct {
	AmountETH string `json:"amountETH,omitempty"`
	AmountUSD string `json:"amountUSD,omitempty"`
	To        string `json:"to,omitempty"`
}

// AllocateRequest moves earnings to the backend allocation.
type AllocateRequest struct {
	AmountETH string `json:"amountETH,omitempty"`
	AmountUSD string `json:"amountUSD,omitempty"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode      int    `json:"-"`
	Message         string `json:"error"`
	Kind            string `json:"kind,omitempty"`
	TreasuryBalance string `json:"treasuryBalance,omitempty"`
	MaxWithdrawable string `json:"maxWithdrawable,omitempty"`
	Requested       string `json:"requested,omitempty"`
	Available       string `json:"available,omitempty"`
	TxHash          string `json:"txHash,omitempty"`
	Pending         bool   `json:"pending,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Client is the HTTP client for the treasurer service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new treasurer client. The default timeout leaves room
// for withdrawals, which block until the transaction is mined.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, "GET", "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, "GET", "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Balance(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, "GET", "/balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Earnings(ctx context.Context) (*Earnings, error) {
	var out Earnings
	if err := c.do(ctx, "GET", "/earnings", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreditEarnings adds amountUSD to the earnings total.
func (c *Client) CreditEarnings(ctx context.Context, amountUSD string) (*CreditResult, error) {
	var out CreditResult
	body := map[string]string{"amountUSD": amountUSD}
	if err := c.do(ctx, "POST", "/credit-earnings", body, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("earnings credited", "amount_usd", amountUSD, "total", out.TotalEarnings)
	return &out, nil
}

// Withdraw sends ETH to the default destination or req.To and waits for the
// server to observe the receipt.
func (c *Client) Withdraw(ctx context.Context, req WithdrawRequest) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, "POST", "/send-to-coinbase", req, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("withdrawal confirmed", "tx_hash", out.TxHash, "amount_eth", out.AmountETH)
	return &out, nil
}

// FundBackend moves earnings to the backend allocation. No transaction is sent.
func (c *Client) FundBackend(ctx context.Context, req AllocateRequest) (*Allocation, error) {
	var out Allocation
	if err := c.do(ctx, "POST", "/send-to-backend", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SweepToCoinbase sends amountETH to the default destination. An empty
// amount sends everything above the fee reserve.
func (c *Client) SweepToCoinbase(ctx context.Context, amountETH string) (*Transfer, error) {
	body := map[string]string{}
	if amountETH != "" {
		body["amountETH"] = amountETH
	}
	var out Transfer
	if err := c.do(ctx, "POST", "/backend-to-coinbase", body, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("sweep confirmed", "tx_hash", out.TxHash, "amount_eth", out.AmountETH)
	return &out, nil
}

// ToggleAutoRecycle flips auto-recycle and returns the new state.
func (c *Client) ToggleAutoRecycle(ctx context.Context) (bool, error) {
	var out struct {
		AutoRecycleEnabled bool `json:"autoRecycleEnabled"`
	}
	if err := c.do(ctx, "POST", "/toggle-auto-recycle", nil, &out); err != nil {
		return false, err
	}
	return out.AutoRecycleEnabled, nil
}

func (c *Client) RecycleNow(ctx context.Context) (*RecycleOutcome, error) {
	var out RecycleOutcome
	if err := c.do(ctx, "POST", "/recycle-now", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconnect makes the server drop its chain connection and sweep again.
func (c *Client) Reconnect(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, "POST", "/reconnect", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTransfers lists journaled transfers. Zero limit uses the server default.
func (c *Client) ListTransfers(ctx context.Context, status string, limit, offset int) (*TransferList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/transfers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out TransferList
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTransfer(ctx context.Context, txHash string) (*TransferStatus, error) {
	var out TransferStatus
	if err := c.do(ctx, "GET", "/transfers/"+url.PathEscape(txHash), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a JSON request and decodes a 200 response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse turns a non-200 response into an *APIError.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(body))
	}

	c.logger.Debug("request failed", "status", resp.StatusCode, "kind", apiErr.Kind, "error", apiErr.Message)
	return apiErr
}
