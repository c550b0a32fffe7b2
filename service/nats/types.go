package nats

import (
	"time"

	"github.com/brojonat/treasurer/service/ledger"
	"github.com/shopspring/decimal"
)

// EventType names what happened to the ledger.
type EventType string

const (
	EventCredit     EventType = "credit"
	EventWithdrawal EventType = "withdrawal"
	EventAllocation EventType = "allocation"
	EventRecycle    EventType = "recycle"
)

// LedgerEvent is published to "treasury.{type}" after every ledger mutation.
type LedgerEvent struct {
	Type EventType `json:"type"`

	// Only set for on-chain withdrawals.
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Destination string `json:"destination,omitempty"`

	AmountETH decimal.Decimal `json:"amount_eth"`
	AmountUSD decimal.Decimal `json:"amount_usd"`

	// Totals after the mutation was applied.
	Totals ledger.Snapshot `json:"totals"`

	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject for the event.
func (e *LedgerEvent) Subject() string {
	return SubjectPrefix + string(e.Type)
}

// NewLedgerEvent stamps an event with the current time.
func NewLedgerEvent(typ EventType, amountETH, amountUSD decimal.Decimal, totals ledger.Snapshot) *LedgerEvent {
	return &LedgerEvent{
		Type:        typ,
		AmountETH:   amountETH,
		AmountUSD:   amountUSD,
		Totals:      totals,
		PublishedAt: time.Now().UTC(),
	}
}
