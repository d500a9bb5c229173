package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBaseline is what the ledger needs to know about an order: the deposit
// the customer originally agreed to. Everything else about the order lives in
// the order-management side of the system.
type OrderBaseline struct {
	OrderID         string          `json:"orderId" db:"id"`
	OrderNumber     int64           `json:"orderNumber" db:"order_number"`
	Manufacturer    string          `json:"manufacturer" db:"manufacturer"`
	TotalPrice      decimal.Decimal `json:"totalPrice" db:"total_price"`
	OriginalDeposit decimal.Decimal `json:"originalDeposit" db:"original_deposit"`
}

type AdjustmentDirection string

const (
	DirectionIncrease AdjustmentDirection = "increase"
	DirectionDecrease AdjustmentDirection = "decrease"
)

// ChangeOrderDelta is a change order's effect on the required deposit. Only
// deltas whose change order has reached a terminal approved/signed state count
// toward the summary; drafts contribute zero even when an adjustment entry
// already exists for them.
type ChangeOrderDelta struct {
	ChangeOrderID     string              `json:"changeOrderId" db:"id"`
	ChangeOrderNumber int64               `json:"changeOrderNumber" db:"change_order_number"`
	Amount            decimal.Decimal     `json:"amount" db:"amount"`
	Direction         AdjustmentDirection `json:"direction" db:"direction"`
	Terminal          bool                `json:"terminalStatus" db:"terminal"`
}

type PrepaidStatus string

const (
	PrepaidAvailable PrepaidStatus = "available"
	PrepaidApplied   PrepaidStatus = "applied"
	PrepaidRefunded  PrepaidStatus = "refunded"
)

// PrepaidCredit is money received before any order exists. Applying it to an
// order creates an ordinary ledger entry referencing the credit.
type PrepaidCredit struct {
	ID                  string          `json:"id" db:"id"`
	CustomerRef         string          `json:"customerRef" db:"customer_ref"`
	Amount              decimal.Decimal `json:"amount" db:"amount"`
	Method              PaymentMethod   `json:"method" db:"method"`
	Status              PrepaidStatus   `json:"status" db:"status"`
	ExternalReferenceID *string         `json:"externalReferenceId,omitempty" db:"external_reference_id"`
	CreatedBy           string          `json:"createdBy" db:"created_by"`
	CreatedAt           time.Time       `json:"createdAt" db:"created_at"`
	AppliedOrderID      *string         `json:"appliedOrderId,omitempty" db:"applied_order_id"`
	AppliedBy           *string         `json:"appliedBy,omitempty" db:"applied_by"`
	AppliedAt           *time.Time      `json:"appliedAt,omitempty" db:"applied_at"`
	RefundedBy          *string         `json:"refundedBy,omitempty" db:"refunded_by"`
	RefundedAt          *time.Time      `json:"refundedAt,omitempty" db:"refunded_at"`
}
