package server

import (
	"encoding/json"
	"time"

	"github.com/brojonat/treasurer/service/chain"
	"github.com/brojonat/treasurer/service/db"
	"github.com/brojonat/treasurer/service/ledger"
	"github.com/brojonat/treasurer/service/treasury"
	"github.com/shopspring/decimal"
)

// ETH figures are rendered with 6 decimals and USD figures with 2.

type errorResponse struct {
	Error           string `json:"error"`
	Kind            string `json:"kind,omitempty"`
	TreasuryBalance string `json:"treasuryBalance,omitempty"`
	MaxWithdrawable string `json:"maxWithdrawable,omitempty"`
	Requested       string `json:"requested,omitempty"`
	Available       string `json:"available,omitempty"`
	TxHash          string `json:"txHash,omitempty"`
	Pending         bool   `json:"pending,omitempty"`
}

type ledgerResponse struct {
	TotalEarnings            string `json:"totalEarnings"`
	TotalWithdrawnToCoinbase string `json:"totalWithdrawnToCoinbase"`
	TotalSentToBackend       string `json:"totalSentToBackend"`
	TotalRecycled            string `json:"totalRecycled"`
	AvailableETH             string `json:"availableETH"`
}

func toLedgerResponse(s ledger.Snapshot, price decimal.Decimal) ledgerResponse {
	return ledgerResponse{
		TotalEarnings:            s.TotalEarnings.StringFixed(2),
		TotalWithdrawnToCoinbase: s.TotalWithdrawnExternal.StringFixed(2),
		TotalSentToBackend:       s.TotalAllocatedInternal.StringFixed(2),
		TotalRecycled:            s.TotalRecycled.StringFixed(2),
		AvailableETH:             availableETH(s, price),
	}
}

type statusResponse struct {
	Status             string      `json:"status"`
	Blockchain         string      `json:"blockchain"`
	Endpoint           string      `json:"endpoint,omitempty"`
	CoinbaseWallet     string      `json:"coinbaseWallet"`
	TreasuryWallet     string      `json:"treasuryWallet"`
	TreasuryBalance    string      `json:"treasuryBalance"`
	TreasuryBalanceUSD string      `json:"treasuryBalanceUSD"`
	CanTrade           bool        `json:"canTrade"`
	CanWithdraw        bool        `json:"canWithdraw"`
	CanSign            bool        `json:"canSign"`
	MinGasRequired     json.Number `json:"minGasRequired"`
	ledgerResponse
	AutoRecycleEnabled bool             `json:"autoRecycleEnabled"`
	RPCEndpoints       int              `json:"rpcEndpoints"`
	Recycle            *recycleResponse `json:"recycle,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
}

type balanceResponse struct {
	TreasuryWallet  string `json:"treasuryWallet"`
	Connected       bool   `json:"connected"`
	Endpoint        string `json:"endpoint,omitempty"`
	CanSign         bool   `json:"canSign"`
	BalanceETH      string `json:"balanceETH"`
	BalanceUSD      string `json:"balanceUSD"`
	MaxWithdrawable string `json:"maxWithdrawable"`
	FeeReserve      string `json:"feeReserve"`
}

func toBalanceResponse(v treasury.BalanceView, p treasury.Policy) balanceResponse {
	return balanceResponse{
		TreasuryWallet:  v.Address.Hex(),
		Connected:       v.Connected,
		Endpoint:        v.Endpoint,
		CanSign:         v.CanSign,
		BalanceETH:      v.BalanceETH.StringFixed(6),
		BalanceUSD:      v.BalanceETH.Mul(p.ETHPriceUSD).StringFixed(2),
		MaxWithdrawable: v.MaxWithdrawable.StringFixed(6),
		FeeReserve:      p.FeeReserveETH.StringFixed(6),
	}
}

// transferResponse carries the ETH amount twice: Amount as a JSON number and
// AmountETH as an exact string.
type transferResponse struct {
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

func toTransferResponse(r *treasury.TransferResult) transferResponse {
	return transferResponse{
		Success:      r.Success,
		TxHash:       r.TxHash,
		Amount:       json.Number(r.AmountETH.String()),
		AmountETH:    r.AmountETH.String(),
		AmountUSD:    r.AmountUSD.StringFixed(2),
		From:         r.From.Hex(),
		To:           r.To.Hex(),
		BlockNumber:  r.BlockNumber,
		EtherscanURL: r.ExplorerURL,
	}
}

type recycleResponse struct {
	Recycled          bool   `json:"recycled"`
	Reason            string `json:"reason"`
	Message           string `json:"message"`
	TreasuryBalance   string `json:"treasuryBalance"`
	RecycledETH       string `json:"recycledETH"`
	RecycledUSD       string `json:"recycledUSD"`
	RemainingEarnings string `json:"remainingEarnings"`
}

func toRecycleResponse(o treasury.Outcome) recycleResponse {
	return recycleResponse{
		Recycled:          o.Recycled,
		Reason:            string(o.Reason),
		Message:           o.Message,
		TreasuryBalance:   o.BalanceETH.StringFixed(6),
		RecycledETH:       o.RecycledETH.StringFixed(6),
		RecycledUSD:       o.RecycledUSD.StringFixed(2),
		RemainingEarnings: o.RemainingEarnings.StringFixed(2),
	}
}

type transferRecordResponse struct {
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

func toTransferRecordResponse(t *db.Transfer) transferRecordResponse {
	resp := transferRecordResponse{
		TxHash:      t.TxHash,
		Kind:        t.Kind,
		From:        t.FromAddress,
		To:          t.ToAddress,
		AmountWei:   "0",
		AmountETH:   chain.WeiToETH(t.AmountWei).String(),
		AmountUSD:   t.AmountUSD.StringFixed(2),
		Status:      t.Status,
		BlockNumber: t.BlockNumber,
		Error:       t.Error,
		Endpoint:    t.Endpoint,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.AmountWei != nil {
		resp.AmountWei = t.AmountWei.String()
	}
	return resp
}

type transferStatusResponse struct {
	TxHash       string                  `json:"txHash"`
	Status       string                  `json:"status"`
	BlockNumber  uint64                  `json:"blockNumber,omitempty"`
	GasUsed      uint64                  `json:"gasUsed,omitempty"`
	EtherscanURL string                  `json:"etherscanUrl"`
	Journal      *transferRecordResponse `json:"journal,omitempty"`
}
