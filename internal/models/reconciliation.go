package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconClassification is the outcome of comparing one ledger entry against the
// payment processor's record for the same reference.
type ReconClassification string

const (
	ReconMatched         ReconClassification = "matched"
	ReconMismatch        ReconClassification = "mismatch"
	ReconMissingExternal ReconClassification = "missing_external"
	ReconMissingLedger   ReconClassification = "missing_ledger"
	ReconLookupFailed    ReconClassification = "lookup_failed"
)

// ReconciliationRecord is one compared reference. Purely diagnostic; nothing
// reads it back to change ledger state.
type ReconciliationRecord struct {
	EntryID             string              `json:"entryId,omitempty"`
	OrderID             string              `json:"orderId,omitempty"`
	ExternalReferenceID string              `json:"externalReferenceId"`
	Classification      ReconClassification `json:"classification"`
	LedgerAmount        decimal.Decimal     `json:"ledgerAmount"`
	ExternalAmount      decimal.Decimal     `json:"externalAmount"`
	ExternalStatus      string              `json:"externalStatus,omitempty"`
	DiscrepancyAmount   decimal.Decimal     `json:"discrepancyAmount"`
	Detail              string              `json:"detail,omitempty"`
}

// HasIssue reports whether the record needs operator attention.
func (r ReconciliationRecord) HasIssue() bool {
	return r.Classification != ReconMatched
}

// ReconciliationScope narrows a run to one order, a created-at window, or a
// single external reference. Zero-value fields are ignored.
type ReconciliationScope struct {
	OrderID             string    `json:"orderId,omitempty"`
	From                time.Time `json:"from,omitempty"`
	To                  time.Time `json:"to,omitempty"`
	ExternalReferenceID string    `json:"externalReferenceId,omitempty"`
}

// Unscoped reports whether the run covers the whole ledger. Only unscoped
// runs can meaningfully flag processor transactions with no ledger entry; a
// narrowed run cannot tell missing from merely out of scope.
func (s ReconciliationScope) Unscoped() bool {
	return s.OrderID == "" && s.ExternalReferenceID == "" && s.From.IsZero() && s.To.IsZero()
}

// ReconciliationReport is the immutable artifact of one run: counts per
// classification, the aggregate discrepancy, and every record with issues
// sorted first.
type ReconciliationReport struct {
	RunID              string                 `json:"runId" db:"run_id"`
	RunAt              time.Time              `json:"runAt" db:"run_at"`
	Scope              ReconciliationScope    `json:"scope"`
	Matched            int                    `json:"matched"`
	Mismatched         int                    `json:"mismatched"`
	MissingExternal    int                    `json:"missingExternal"`
	MissingLedger      int                    `json:"missingLedger"`
	LookupFailures     int                    `json:"lookupFailures"`
	TotalDiscrepancy   decimal.Decimal        `json:"totalDiscrepancy"`
	Records            []ReconciliationRecord `json:"records"`
}
