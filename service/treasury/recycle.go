package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brojonat/treasurer/service/chain"
	"github.com/brojonat/treasurer/service/ledger"
	"github.com/brojonat/treasurer/service/nats"
	"github.com/shopspring/decimal"
)

// Reason explains a recycle outcome.
type Reason string

const (
	ReasonRecycled             Reason = "recycled"
	ReasonDisabled             Reason = "auto-recycle-disabled"
	ReasonChainUnavailable     Reason = "chain-unavailable"
	ReasonSufficientBalance    Reason = "sufficient-balance"
	ReasonInsufficientEarnings Reason = "insufficient-earnings"
)

// Outcome is the result of one recycle evaluation. A no-op is a normal
// outcome, not an error.
type Outcome struct {
	Recycled          bool
	Reason            Reason
	Message           string
	BalanceETH        decimal.Decimal
	RecycledETH       decimal.Decimal
	RecycledUSD       decimal.Decimal
	RemainingEarnings decimal.Decimal
}

// Recycler tops the treasury's gas allocation back up from earnings. The
// top-up is accounting only: no transaction is sent.
type Recycler struct {
	engine  *Engine
	enabled atomic.Bool
	// mu keeps evaluations from overlapping.
	mu sync.Mutex
}

func NewRecycler(engine *Engine, enabled bool) *Recycler {
	r := &Recycler{engine: engine}
	r.enabled.Store(enabled)
	return r
}

func (r *Recycler) Enabled() bool {
	return r.enabled.Load()
}

// Toggle flips the feature flag and returns the new value.
func (r *Recycler) Toggle() bool {
	for {
		old := r.enabled.Load()
		if r.enabled.CompareAndSwap(old, !old) {
			r.engine.logger.Info("auto-recycle toggled", "enabled", !old)
			return !old
		}
	}
}

// ShouldTrigger gates recycling on status reads: the flag is on,
// the balance is under the floor and earnings clear the threshold.
func (r *Recycler) ShouldTrigger(balanceETH decimal.Decimal, snap ledger.Snapshot) bool {
	p := r.engine.policy
	return r.Enabled() &&
		balanceETH.LessThan(p.MinGasETH) &&
		snap.TotalEarnings.GreaterThanOrEqual(p.RecycleMinEarningsUSD)
}

// MaybeRecycle evaluates the recycle policy once against a fresh balance.
func (r *Recycler) MaybeRecycle(ctx context.Context) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.evaluate(ctx)
	r.engine.metrics.RecordRecycle(string(out.Reason))
	return out
}

func (r *Recycler) evaluate(ctx context.Context) Outcome {
	e := r.engine
	p := e.policy

	if !r.Enabled() {
		return Outcome{Reason: ReasonDisabled, Message: "auto-recycle disabled", RemainingEarnings: e.ledger.Snapshot().TotalEarnings}
	}

	conn, err := e.conns.Acquire(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "recycle skipped, chain unavailable", "error", err)
		return Outcome{Reason: ReasonChainUnavailable, Message: "chain connection unavailable", RemainingEarnings: e.ledger.Snapshot().TotalEarnings}
	}

	// A failed read must not look like an empty treasury here.
	wei, err := e.accounts.TryBalance(ctx, conn, e.treasuryAddress())
	if err != nil {
		return Outcome{Reason: ReasonChainUnavailable, Message: "treasury balance unavailable", RemainingEarnings: e.ledger.Snapshot().TotalEarnings}
	}
	balance := chain.WeiToETH(wei)

	if balance.GreaterThanOrEqual(p.MinGasETH) {
		return Outcome{
			Reason:            ReasonSufficientBalance,
			Message:           "treasury has sufficient gas",
			BalanceETH:        balance,
			RemainingEarnings: e.ledger.Snapshot().TotalEarnings,
		}
	}

	shortfallETH := p.MinGasETH.Sub(balance)
	shortfallUSD := e.toUSD(shortfallETH)

	snap, err := e.ledger.Recycle(shortfallUSD, p.RecycleMinEarningsUSD)
	if errors.Is(err, ledger.ErrInsufficientEarnings) {
		need := decimal.Max(shortfallUSD, p.RecycleMinEarningsUSD)
		return Outcome{
			Reason:            ReasonInsufficientEarnings,
			Message:           fmt.Sprintf("insufficient earnings to recycle (need $%s+)", need.StringFixed(2)),
			BalanceETH:        balance,
			RemainingEarnings: snap.TotalEarnings,
		}
	}

	e.publish(ctx, nats.NewLedgerEvent(nats.EventRecycle, shortfallETH, shortfallUSD, snap))
	e.logger.InfoContext(ctx, "auto-recycled earnings to gas allocation",
		"recycled_usd", shortfallUSD.StringFixed(2),
		"recycled_eth", shortfallETH.StringFixed(6),
		"remaining_earnings_usd", snap.TotalEarnings.StringFixed(2),
	)

	return Outcome{
		Recycled:          true,
		Reason:            ReasonRecycled,
		Message:           "recycled earnings to cover gas floor",
		BalanceETH:        balance,
		RecycledETH:       shortfallETH,
		RecycledUSD:       shortfallUSD,
		RemainingEarnings: snap.TotalEarnings,
	}
}
