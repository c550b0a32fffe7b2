// Package ledger keeps the in-memory USD accounting of earnings and where they
// went. State lives for the process lifetime only and resets on restart.
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientEarnings is returned when a debit exceeds TotalEarnings.
var ErrInsufficientEarnings = errors.New("ledger: insufficient earnings")

// Snapshot is a consistent copy of the ledger totals, all in USD.
type Snapshot struct {
	TotalEarnings          decimal.Decimal `json:"totalEarnings"`
	TotalWithdrawnExternal decimal.Decimal `json:"totalWithdrawnExternal"`
	TotalAllocatedInternal decimal.Decimal `json:"totalAllocatedInternal"`
	TotalRecycled          decimal.Decimal `json:"totalRecycled"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// Observer is notified with the new totals after every mutation.
type Observer func(Snapshot)

// Ledger guards every read-modify-write of the totals with one mutex so that
// no caller can observe a half-applied debit and credit. All totals stay >= 0.
type Ledger struct {
	mu       sync.Mutex
	state    Snapshot
	now      func() time.Time
	observer Observer
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithObserver registers a callback run under the lock after each change.
func WithObserver(fn Observer) Option {
	return func(l *Ledger) {
		l.observer = fn
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.state.UpdatedAt = l.now()
	return l
}

// Snapshot returns a copy of the current totals.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CreditEarnings adds usd to TotalEarnings. Non-positive amounts are ignored
// and reported as false.
func (l *Ledger) CreditEarnings(usd decimal.Decimal) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !usd.IsPositive() {
		return l.state, false
	}
	l.state.TotalEarnings = l.state.TotalEarnings.Add(usd)
	l.touch()
	return l.state, true
}

// Allocate moves usd from earnings to the internal allocation total. It
// refuses to drive earnings negative.
func (l *Ledger) Allocate(usd decimal.Decimal) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if usd.GreaterThan(l.state.TotalEarnings) {
		return l.state, ErrInsufficientEarnings
	}
	l.state.TotalEarnings = l.state.TotalEarnings.Sub(usd)
	l.state.TotalAllocatedInternal = l.state.TotalAllocatedInternal.Add(usd)
	l.touch()
	return l.state, nil
}

// RecordWithdrawal books a confirmed external withdrawal. Earnings are
// debited but floored at zero; the full amount is credited as withdrawn.
func (l *Ledger) RecordWithdrawal(usd decimal.Decimal) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.TotalEarnings = decimal.Max(decimal.Zero, l.state.TotalEarnings.Sub(usd))
	l.state.TotalWithdrawnExternal = l.state.TotalWithdrawnExternal.Add(usd)
	l.touch()
	return l.state
}

// Recycle atomically checks that earnings cover both minEarnings and usd,
// then moves usd from earnings to the recycled total. Partial debits never
// happen: on refusal the ledger is unchanged.
func (l *Ledger) Recycle(usd, minEarnings decimal.Decimal) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.TotalEarnings.LessThan(decimal.Max(usd, minEarnings)) {
		return l.state, ErrInsufficientEarnings
	}
	l.state.TotalEarnings = l.state.TotalEarnings.Sub(usd)
	l.state.TotalRecycled = l.state.TotalRecycled.Add(usd)
	l.touch()
	return l.state, nil
}

func (l *Ledger) touch() {
	l.state.UpdatedAt = l.now()
	if l.observer != nil {
		l.observer(l.state)
	}
}
