package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const TopicLedgerEvents = "ledger_events"

// Publisher is the outbound event port. Services treat it as optional: a nil
// publisher means events are dropped, never that a mutation fails.
type Publisher interface {
	Publish(topic string, event any) error
}

// LedgerEvent is emitted after every ledger mutation and summary
// recalculation. Consumers (exports, notifications) key on Kind.
type LedgerEvent struct {
	Kind       string          `json:"kind"` // entry_appended | entry_voided | entry_corrected | summary_recalculated
	OrderID    string          `json:"orderId"`
	EntryID    string          `json:"entryId,omitempty"`
	Amount     decimal.Decimal `json:"amount,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}
