// Package treasury implements the gas-reserve-aware withdrawal pipeline, the
// ledger-only allocation path and the auto-recycle controller on top of the
// chain connection layer.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/treasurer/service/chain"
	"github.com/brojonat/treasurer/service/db"
	"github.com/brojonat/treasurer/service/ledger"
	"github.com/brojonat/treasurer/service/metrics"
	"github.com/brojonat/treasurer/service/nats"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// ConnectionProvider hands out the shared chain connection.
type ConnectionProvider interface {
	Acquire(ctx context.Context) (*chain.Connection, error)
	Current() *chain.Connection
	Invalidate()
	SignerAddress() (common.Address, bool)
}

// Journal records submitted transfers for audit. It never feeds the ledger.
type Journal interface {
	RecordTransfer(ctx context.Context, params db.RecordTransferParams) (*db.Transfer, error)
	UpdateTransferStatus(ctx context.Context, params db.UpdateTransferStatusParams) (*db.Transfer, error)
	GetTransfer(ctx context.Context, txHash string) (*db.Transfer, error)
	ListTransfers(ctx context.Context, params db.ListTransfersParams) ([]*db.Transfer, error)
}

// Policy holds pricing, reserve and timing parameters.
type Policy struct {
	ETHPriceUSD           decimal.Decimal
	FeeReserveETH         decimal.Decimal
	MinGasETH             decimal.Decimal
	RecycleMinEarningsUSD decimal.Decimal
	ConfirmTimeout        time.Duration
	ConfirmPollInterval   time.Duration
	ExplorerTxURL         string
}

// Wallets holds the fixed addresses the engine works with.
type Wallets struct {
	// Treasury is used for balance reads when no signing key is configured.
	Treasury common.Address
	// Destination is the default external withdrawal target.
	Destination common.Address
}

// TransferRequest asks for ETH to leave the treasury. AmountETH wins over
// AmountUSD; SendMax ignores both and sends everything above the reserve.
type TransferRequest struct {
	To        common.Address
	AmountETH decimal.Decimal
	AmountUSD decimal.Decimal
	SendMax   bool
}

// TransferResult describes a confirmed withdrawal.
type TransferResult struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
	AmountETH   decimal.Decimal
	AmountUSD   decimal.Decimal
	From        common.Address
	To          common.Address
	ExplorerURL string
	Ledger      ledger.Snapshot
}

// AllocationRequest moves earnings to the internal allocation total.
type AllocationRequest struct {
	AmountETH decimal.Decimal
	AmountUSD decimal.Decimal
}

// AllocationResult describes a completed ledger-only allocation.
type AllocationResult struct {
	AmountETH decimal.Decimal
	AmountUSD decimal.Decimal
	Ledger    ledger.Snapshot
}

// BalanceView is a point-in-time view of the treasury account.
type BalanceView struct {
	Connected       bool
	Endpoint        string
	CanSign         bool
	Address         common.Address
	BalanceETH      decimal.Decimal
	MaxWithdrawable decimal.Decimal
}

// Engine runs withdrawals and allocations. Ledger mutation is always the
// last step of a successful path.
type Engine struct {
	conns     ConnectionProvider
	accounts  *chain.AccountService
	ledger    *ledger.Ledger
	policy    Policy
	wallets   Wallets
	journal   Journal
	publisher nats.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithJournal enables the transfer journal.
func WithJournal(j Journal) EngineOption {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithPublisher enables ledger event publishing.
func WithPublisher(p nats.Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithMetrics enables treasury metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

func NewEngine(
	conns ConnectionProvider,
	accounts *chain.AccountService,
	l *ledger.Ledger,
	policy Policy,
	wallets Wallets,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		conns:    conns,
		accounts: accounts,
		ledger:   l,
		policy:   policy,
		wallets:  wallets,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) Wallets() Wallets {
	return e.wallets
}

func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// treasuryAddress prefers the signing address over the configured one.
func (e *Engine) treasuryAddress() common.Address {
	if addr, ok := e.conns.SignerAddress(); ok {
		return addr
	}
	return e.wallets.Treasury
}

// Balance reads the treasury balance, acquiring the connection if needed.
// A missing connection yields a zero balance with Connected=false.
func (e *Engine) Balance(ctx context.Context) BalanceView {
	view := BalanceView{Address: e.treasuryAddress()}

	conn, err := e.conns.Acquire(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "treasury balance unavailable", "error", err)
		view.MaxWithdrawable = decimal.Zero
		return view
	}

	view.Connected = true
	view.Endpoint = conn.Endpoint().Label()
	view.CanSign = conn.CanSign()
	view.BalanceETH = chain.WeiToETH(e.accounts.Balance(ctx, conn, view.Address))
	view.MaxWithdrawable = decimal.Max(decimal.Zero, view.BalanceETH.Sub(e.policy.FeeReserveETH))
	return view
}

// resolveAmount applies the ETH-over-USD precedence and converts USD at the
// configured price, truncating below one wei.
func (e *Engine) resolveAmount(amountETH, amountUSD decimal.Decimal) decimal.Decimal {
	if !amountETH.IsZero() {
		return amountETH
	}
	if !amountUSD.IsZero() {
		q, _ := amountUSD.QuoRem(e.policy.ETHPriceUSD, 18)
		return q
	}
	return decimal.Zero
}

func (e *Engine) toUSD(eth decimal.Decimal) decimal.Decimal {
	return eth.Mul(e.policy.ETHPriceUSD)
}

// Withdraw sends ETH from the treasury to req.To (or the default destination).
func (e *Engine) Withdraw(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	result, err := e.withdraw(ctx, req)
	if err != nil {
		e.metrics.RecordWithdrawal(string(KindOf(err)), 0)
		return nil, err
	}
	amount, _ := result.AmountETH.Float64()
	e.metrics.RecordWithdrawal("success", amount)
	return result, nil
}

func (e *Engine) withdraw(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	// Validation happens before any I/O.
	for _, d := range []decimal.Decimal{req.AmountETH, req.AmountUSD} {
		if err := CheckAmount(d); err != nil {
			return nil, err
		}
	}
	amountETH := e.resolveAmount(req.AmountETH, req.AmountUSD)
	if !req.SendMax {
		if !amountETH.IsPositive() {
			return nil, invalidAmount("invalid amount")
		}
		if chain.ETHToWei(amountETH).Sign() <= 0 {
			return nil, invalidAmount("amount is below one wei")
		}
	}

	to := req.To
	if to == (common.Address{}) {
		to = e.wallets.Destination
	}

	conn, err := e.conns.Acquire(ctx)
	if err != nil {
		return nil, serviceUnavailable("RPC or wallet not initialized", err)
	}
	from, ok := conn.Address()
	if !ok {
		return nil, serviceUnavailable("RPC or wallet not initialized", chain.ErrNoSigner)
	}

	balance := chain.WeiToETH(e.accounts.Balance(ctx, conn, from))
	maxSendable := balance.Sub(e.policy.FeeReserveETH)
	if req.SendMax {
		amountETH = maxSendable
	}

	if !maxSendable.IsPositive() || amountETH.GreaterThan(maxSendable) {
		e.logger.WarnContext(ctx, "withdrawal exceeds spendable balance",
			"balance_eth", balance.String(),
			"max_withdrawable_eth", maxSendable.String(),
			"requested_eth", amountETH.String(),
		)
		return nil, insufficientReserve(balance, maxSendable, amountETH)
	}

	wei := chain.ETHToWei(amountETH)
	if wei.Sign() <= 0 {
		return nil, invalidAmount("amount is below one wei")
	}
	// Book exactly what goes on chain.
	amountETH = chain.WeiToETH(wei)
	amountUSD := e.toUSD(amountETH)

	hash, err := conn.Transfer(ctx, to, wei)
	journalParams := db.RecordTransferParams{
		TxHash:      hash.Hex(),
		Kind:        "withdrawal",
		FromAddress: from.Hex(),
		ToAddress:   to.Hex(),
		AmountWei:   wei,
		AmountUSD:   amountUSD,
		Endpoint:    conn.Endpoint().Label(),
	}
	if err != nil {
		// A deadline or cancellation during submission leaves the signed
		// transaction possibly broadcast, so its outcome is unknown.
		if hash != (common.Hash{}) && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			e.journalRecord(ctx, journalParams)
			e.journalOutcome(ctx, journalParams.TxHash, db.StatusTimeout, 0, err)
			e.logger.ErrorContext(ctx, "transfer submission interrupted",
				"tx_hash", journalParams.TxHash,
				"to", to.Hex(),
				"amount_eth", amountETH.String(),
				"error", err,
			)
			return nil, transactionFailed(journalParams.TxHash, true, err)
		}
		e.logger.ErrorContext(ctx, "transfer submission failed",
			"to", to.Hex(),
			"amount_eth", amountETH.String(),
			"error", err,
		)
		return nil, transactionFailed("", false, err)
	}
	txHash := hash.Hex()

	e.journalRecord(ctx, journalParams)

	submitted := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, e.policy.ConfirmTimeout)
	defer cancel()

	receipt, err := conn.WaitForReceipt(waitCtx, hash, e.policy.ConfirmPollInterval)
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			e.metrics.RecordConfirmation("reverted", time.Since(submitted).Seconds())
			e.journalOutcome(ctx, txHash, db.StatusFailed, receipt.BlockNumber.Uint64(), err)
			e.logger.ErrorContext(ctx, "transfer reverted", "tx_hash", txHash)
			return nil, transactionFailed(txHash, false, err)
		}

		// Submitted but unconfirmed: the ledger is left untouched and the
		// hash is surfaced so the caller can look it up later.
		e.metrics.RecordConfirmation("timeout", time.Since(submitted).Seconds())
		e.journalOutcome(ctx, txHash, db.StatusTimeout, 0, err)
		e.logger.ErrorContext(ctx, "transfer confirmation not observed",
			"tx_hash", txHash,
			"timeout", e.policy.ConfirmTimeout,
			"error", err,
		)
		return nil, transactionFailed(txHash, true, fmt.Errorf("confirmation not observed: %w", err))
	}
	e.metrics.RecordConfirmation("confirmed", time.Since(submitted).Seconds())

	snap := e.ledger.RecordWithdrawal(amountUSD)
	block := receipt.BlockNumber.Uint64()
	e.journalOutcome(ctx, txHash, db.StatusConfirmed, block, nil)

	event := nats.NewLedgerEvent(nats.EventWithdrawal, amountETH, amountUSD, snap)
	event.TxHash = txHash
	event.BlockNumber = block
	event.Destination = to.Hex()
	e.publish(ctx, event)

	e.logger.InfoContext(ctx, "withdrawal confirmed",
		"tx_hash", txHash,
		"block", block,
		"amount_eth", amountETH.String(),
		"amount_usd", amountUSD.StringFixed(2),
		"to", to.Hex(),
	)

	return &TransferResult{
		TxHash:      txHash,
		BlockNumber: block,
		Success:     true,
		AmountETH:   amountETH,
		AmountUSD:   amountUSD,
		From:        from,
		To:          to,
		ExplorerURL: e.policy.ExplorerTxURL + txHash,
		Ledger:      snap,
	}, nil
}

// Allocate moves earnings to the internal allocation total. No chain I/O.
func (e *Engine) Allocate(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	for _, d := range []decimal.Decimal{req.AmountETH, req.AmountUSD} {
		if err := CheckAmount(d); err != nil {
			e.metrics.RecordAllocation(string(KindInvalidAmount))
			return nil, err
		}
	}

	var amountUSD, amountETH decimal.Decimal
	if !req.AmountETH.IsZero() {
		amountETH = req.AmountETH
		amountUSD = e.toUSD(amountETH)
	} else {
		amountUSD = req.AmountUSD
		amountETH = e.resolveAmount(decimal.Zero, amountUSD)
	}

	if !amountUSD.IsPositive() {
		e.metrics.RecordAllocation(string(KindInvalidAmount))
		return nil, invalidAmount("invalid amount")
	}

	snap, err := e.ledger.Allocate(amountUSD)
	if errors.Is(err, ledger.ErrInsufficientEarnings) {
		e.metrics.RecordAllocation(string(KindInsufficientEarnings))
		return nil, &Error{
			Kind:      KindInsufficientEarnings,
			Message:   "insufficient earnings",
			Requested: ptr(amountUSD),
			Available: ptr(snap.TotalEarnings),
			Err:       err,
		}
	}
	e.metrics.RecordAllocation("success")
	e.publish(ctx, nats.NewLedgerEvent(nats.EventAllocation, amountETH, amountUSD, snap))

	e.logger.InfoContext(ctx, "earnings allocated to backend",
		"amount_usd", amountUSD.StringFixed(2),
		"remaining_earnings_usd", snap.TotalEarnings.StringFixed(2),
	)

	return &AllocationResult{AmountETH: amountETH, AmountUSD: amountUSD, Ledger: snap}, nil
}

// CreditEarnings adds USD earnings rounded to the cent. Non-positive or
// out-of-range amounts are a no-op.
func (e *Engine) CreditEarnings(ctx context.Context, amountUSD decimal.Decimal) (ledger.Snapshot, bool) {
	if err := CheckAmount(amountUSD); err != nil {
		e.logger.WarnContext(ctx, "earnings credit rejected", "error", err)
		return e.ledger.Snapshot(), false
	}
	// Earnings are booked in whole cents.
	amountUSD = amountUSD.Round(2)

	snap, ok := e.ledger.CreditEarnings(amountUSD)
	if ok {
		e.publish(ctx, nats.NewLedgerEvent(nats.EventCredit, e.resolveAmount(decimal.Zero, amountUSD), amountUSD, snap))
		e.logger.InfoContext(ctx, "earnings credited",
			"amount_usd", amountUSD.String(),
			"total_earnings_usd", snap.TotalEarnings.StringFixed(2),
		)
	}
	return snap, ok
}

// TransferStatus is the looked-up state of a transaction hash.
type TransferStatus struct {
	TxHash      string
	Status      string
	BlockNumber uint64
	GasUsed     uint64
	Journal     *db.Transfer
}

// LookupTransfer resolves a hash against the chain, falling back to the
// journal for transactions that are not yet mined.
func (e *Engine) LookupTransfer(ctx context.Context, txHash string) (*TransferStatus, error) {
	if raw, err := hexutil.Decode(txHash); err != nil || len(raw) != common.HashLength {
		return nil, &Error{Kind: KindInvalidRequest, Message: "invalid transaction hash"}
	}

	conn, err := e.conns.Acquire(ctx)
	if err != nil {
		return nil, serviceUnavailable("RPC not initialized", err)
	}

	status := &TransferStatus{TxHash: txHash}
	if e.journal != nil {
		if row, err := e.journal.GetTransfer(ctx, txHash); err == nil {
			status.Journal = row
		} else if !errors.Is(err, db.ErrTransferNotFound) {
			e.logger.WarnContext(ctx, "journal lookup failed", "tx_hash", txHash, "error", err)
		}
	}

	receipt, err := conn.Receipt(ctx, common.HexToHash(txHash))
	switch {
	case err == nil:
		status.Status = db.StatusConfirmed
		if receipt.Status == 0 {
			status.Status = db.StatusFailed
		}
		status.BlockNumber = receipt.BlockNumber.Uint64()
		status.GasUsed = receipt.GasUsed
		return status, nil
	case errors.Is(err, chain.ErrTxNotFound):
		if status.Journal != nil {
			status.Status = db.StatusPending
			return status, nil
		}
		return nil, &Error{Kind: KindNotFound, Message: "transaction not found", TxHash: txHash}
	default:
		return nil, serviceUnavailable("receipt lookup failed", err)
	}
}

// ListTransfers returns journaled transfers, newest first.
func (e *Engine) ListTransfers(ctx context.Context, params db.ListTransfersParams) ([]*db.Transfer, error) {
	if e.journal == nil {
		return nil, serviceUnavailable("transfer journal is not configured", nil)
	}
	transfers, err := e.journal.ListTransfers(ctx, params)
	if err != nil {
		return nil, serviceUnavailable("failed to list transfers", err)
	}
	return transfers, nil
}

// Reconnect drops the cached connection and sweeps the pool again.
func (e *Engine) Reconnect(ctx context.Context) (BalanceView, error) {
	e.conns.Invalidate()
	if _, err := e.conns.Acquire(ctx); err != nil {
		return BalanceView{Address: e.treasuryAddress()}, &Error{Kind: KindConnection, Message: "no live endpoint", Err: err}
	}
	return e.Balance(ctx), nil
}

// journalTimeout bounds journal writes, which outlive a cancelled request.
const journalTimeout = 5 * time.Second

func (e *Engine) journalRecord(ctx context.Context, params db.RecordTransferParams) {
	if e.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if _, err := e.journal.RecordTransfer(jctx, params); err != nil {
		e.logger.ErrorContext(ctx, "failed to journal transfer", "tx_hash", params.TxHash, "error", err)
	}
}

func (e *Engine) journalOutcome(ctx context.Context, txHash, status string, block uint64, cause error) {
	if e.journal == nil {
		return
	}
	params := db.UpdateTransferStatusParams{TxHash: txHash, Status: status}
	if block > 0 {
		params.BlockNumber = &block
	}
	if cause != nil {
		msg := cause.Error()
		params.Error = &msg
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if _, err := e.journal.UpdateTransferStatus(jctx, params); err != nil {
		e.logger.ErrorContext(ctx, "failed to update journaled transfer", "tx_hash", txHash, "error", err)
	}
}

// publish is best effort; the ledger is already updated.
func (e *Engine) publish(ctx context.Context, event *nats.LedgerEvent) {
	e.observeLedger(event.Totals)
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishLedgerEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish ledger event",
			"type", event.Type,
			"error", err,
		)
	}
}

func (e *Engine) observeLedger(s ledger.Snapshot) {
	earnings, _ := s.TotalEarnings.Float64()
	withdrawn, _ := s.TotalWithdrawnExternal.Float64()
	allocated, _ := s.TotalAllocatedInternal.Float64()
	recycled, _ := s.TotalRecycled.Float64()
	e.metrics.SetLedgerTotals(earnings, withdrawn, allocated, recycled)
}
