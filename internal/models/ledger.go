package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType carries the direction of a ledger entry. Amounts are always
// stored positive; the sign lives here and nowhere else.
type TransactionType string

const (
	TxPayment         TransactionType = "payment"
	TxRefund          TransactionType = "refund"
	TxDepositIncrease TransactionType = "deposit_increase"
	TxDepositDecrease TransactionType = "deposit_decrease"
)

type PaymentMethod string

const (
	MethodCard      PaymentMethod = "card"
	MethodACH       PaymentMethod = "ach"
	MethodCheck     PaymentMethod = "check"
	MethodCash      PaymentMethod = "cash"
	MethodWire      PaymentMethod = "wire"
	MethodFinancing PaymentMethod = "financing"
	// MethodInternal marks entries that record an obligation change
	// (deposit adjustments) rather than money actually moving.
	MethodInternal PaymentMethod = "internal"
)

type EntryCategory string

const (
	CategoryDeposit     EntryCategory = "deposit"
	CategoryBalance     EntryCategory = "balance"
	CategoryChangeOrder EntryCategory = "change_order"
)

type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusVerified EntryStatus = "verified"
	StatusApproved EntryStatus = "approved"
	StatusVoided   EntryStatus = "voided"
)

// EntrySource distinguishes how an entry came to exist. Migration-sourced
// entries stay identifiable in audits forever.
type EntrySource string

const (
	SourceManual    EntrySource = "manual"
	SourceWebhook   EntrySource = "webhook"
	SourceMigration EntrySource = "migration"
	SourcePrepaid   EntrySource = "prepaid"
)

// LedgerEntry is one monetary transaction against an order. Entries are never
// deleted: the only mutations are status transitions, void and amount
// correction, all of which preserve the audit trail.
type LedgerEntry struct {
	ID                  string          `json:"id" db:"id"`
	OrderID             string          `json:"orderId" db:"order_id" validate:"required"`
	OrderNumber         int64           `json:"orderNumber" db:"order_number"`
	ChangeOrderID       *string         `json:"changeOrderId,omitempty" db:"change_order_id"`
	ChangeOrderNumber   *int64          `json:"changeOrderNumber,omitempty" db:"change_order_number"`
	TransactionType     TransactionType `json:"transactionType" db:"transaction_type" validate:"required"`
	Category            EntryCategory   `json:"category" db:"category" validate:"required"`
	Method              PaymentMethod   `json:"method" db:"method" validate:"required"`
	Status              EntryStatus     `json:"status" db:"status"`
	Amount              decimal.Decimal `json:"amount" db:"amount"`
	ExternalReferenceID *string         `json:"externalReferenceId,omitempty" db:"external_reference_id"`
	PrepaidCreditID     *string         `json:"prepaidCreditId,omitempty" db:"prepaid_credit_id"`
	Source              EntrySource     `json:"source" db:"source"`
	SequenceNumber      int64           `json:"sequenceNumber" db:"sequence_number"`

	CreatedBy        string           `json:"createdBy" db:"created_by"`
	CreatedAt        time.Time        `json:"createdAt" db:"created_at"`
	ApprovedBy       *string          `json:"approvedBy,omitempty" db:"approved_by"`
	ApprovedAt       *time.Time       `json:"approvedAt,omitempty" db:"approved_at"`
	VoidedBy         *string          `json:"voidedBy,omitempty" db:"voided_by"`
	VoidedAt         *time.Time       `json:"voidedAt,omitempty" db:"voided_at"`
	VoidReason       *string          `json:"voidReason,omitempty" db:"void_reason"`
	CorrectedBy      *string          `json:"correctedBy,omitempty" db:"corrected_by"`
	CorrectedAt      *time.Time       `json:"correctedAt,omitempty" db:"corrected_at"`
	CorrectionReason *string          `json:"correctionReason,omitempty" db:"correction_reason"`
	OriginalAmount   *decimal.Decimal `json:"originalAmount,omitempty" db:"original_amount"`
}

// validCombinations is the closed set of (transactionType, category) pairs.
var validCombinations = map[TransactionType][]EntryCategory{
	TxPayment:         {CategoryDeposit, CategoryBalance, CategoryChangeOrder},
	TxRefund:          {CategoryDeposit, CategoryBalance, CategoryChangeOrder},
	TxDepositIncrease: {CategoryChangeOrder},
	TxDepositDecrease: {CategoryChangeOrder},
}

var validMethods = map[PaymentMethod]bool{
	MethodCard:      true,
	MethodACH:       true,
	MethodCheck:     true,
	MethodCash:      true,
	MethodWire:      true,
	MethodFinancing: true,
	MethodInternal:  true,
}

// ValidateCombination enforces the recognized (transactionType, category, method)
// combinations. Entries are constructed only through NewLedgerEntry, so this is
// the single place the rules live.
func ValidateCombination(txType TransactionType, category EntryCategory, method PaymentMethod) error {
	categories, ok := validCombinations[txType]
	if !ok {
		return fmt.Errorf("unknown transaction type %q", txType)
	}
	found := false
	for _, c := range categories {
		if c == category {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("category %q not valid for transaction type %q", category, txType)
	}
	if !validMethods[method] {
		return fmt.Errorf("unknown payment method %q", method)
	}
	isAdjustment := txType == TxDepositIncrease || txType == TxDepositDecrease
	if isAdjustment && method != MethodInternal {
		return fmt.Errorf("deposit adjustments must use method %q, got %q", MethodInternal, method)
	}
	if !isAdjustment && method == MethodInternal {
		return fmt.Errorf("method %q is reserved for deposit adjustments", MethodInternal)
	}
	return nil
}

// NewLedgerEntry is the only way to construct a LedgerEntry. It enforces the
// positive-amount invariant and the combination rules; id, sequence number and
// timestamps are assigned by the store at append time.
func NewLedgerEntry(orderID string, orderNumber int64, txType TransactionType, category EntryCategory, method PaymentMethod, amount decimal.Decimal, source EntrySource) (*LedgerEntry, error) {
	if orderID == "" {
		return nil, fmt.Errorf("orderId is required")
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be strictly positive, got %s", amount)
	}
	if err := ValidateCombination(txType, category, method); err != nil {
		return nil, err
	}
	if source == "" {
		source = SourceManual
	}
	return &LedgerEntry{
		OrderID:         orderID,
		OrderNumber:     orderNumber,
		TransactionType: txType,
		Category:        category,
		Method:          method,
		Status:          StatusPending,
		Amount:          amount,
		Source:          source,
	}, nil
}

// CanVoid reports whether a void transition is allowed from the current status.
func (e *LedgerEntry) CanVoid() bool {
	switch e.Status {
	case StatusPending, StatusVerified, StatusApproved:
		return true
	}
	return false
}

// CanCorrect reports whether an amount correction is allowed. Pending entries
// are fixed by voiding and re-entering; only settled entries get corrections.
func (e *LedgerEntry) CanCorrect() bool {
	return e.Status == StatusVerified || e.Status == StatusApproved
}

type BalanceStatus string

const (
	BalancePaid      BalanceStatus = "paid"
	BalanceUnderpaid BalanceStatus = "underpaid"
	BalanceOverpaid  BalanceStatus = "overpaid"
)

// LedgerSummary is fully derived from an order's non-voided entries plus its
// change-order deltas. It carries no independent state: recomputing it over
// the same entry set always reproduces it exactly.
type LedgerSummary struct {
	OrderID            string          `json:"orderId" db:"order_id"`
	OriginalDeposit    decimal.Decimal `json:"originalDeposit" db:"original_deposit"`
	DepositAdjustments decimal.Decimal `json:"depositAdjustments" db:"deposit_adjustments"`
	DepositRequired    decimal.Decimal `json:"depositRequired" db:"deposit_required"`
	TotalReceived      decimal.Decimal `json:"totalReceived" db:"total_received"`
	TotalRefunded      decimal.Decimal `json:"totalRefunded" db:"total_refunded"`
	NetReceived        decimal.Decimal `json:"netReceived" db:"net_received"`
	Balance            decimal.Decimal `json:"balance" db:"balance"`
	BalanceStatus      BalanceStatus   `json:"balanceStatus" db:"balance_status"`
	PendingReceived    decimal.Decimal `json:"pendingReceived" db:"pending_received"`
	PendingRefunds     decimal.Decimal `json:"pendingRefunds" db:"pending_refunds"`
	EntryCount         int             `json:"entryCount" db:"entry_count"`
	CalculatedAt       time.Time       `json:"calculatedAt" db:"calculated_at"`
}
