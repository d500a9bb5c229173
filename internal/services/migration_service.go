package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/models"
)

// MigrationOutcome reports one order's backfill result.
type MigrationOutcome struct {
	OrderID        string   `json:"orderId"`
	Outcome        string   `json:"outcome"` // created | skipped | failed
	EntriesCreated int      `json:"entriesCreated"`
	Errors         []string `json:"errors,omitempty"`
}

// MigrationService converts legacy payment columns on the orders table into
// canonical ledger entries. Safe to re-run arbitrarily often: any existing
// ledger history for an order short-circuits to skipped with zero writes.
type MigrationService struct {
	db        *sql.DB
	ledger    *LedgerService
	summaries *SummaryService
}

func NewMigrationService(db *sql.DB, ledger *LedgerService, summaries *SummaryService) *MigrationService {
	return &MigrationService{
		db:        db,
		ledger:    ledger,
		summaries: summaries,
	}
}

// MigrateOrder backfills one order. The entry amount is chosen by explicit
// priority: the externally verified amount, else the currently recorded
// deposit, else the original baseline deposit. Created entries carry
// SourceMigration so audits can always tell them from organic entries.
func (s *MigrationService) MigrateOrder(ctx context.Context, orderID string) (*MigrationOutcome, error) {
	exists, err := s.ledger.HasEntries(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("checking ledger history for %s: %w", orderID, err)
	}
	if exists {
		// A normal outcome, not a failure.
		log.Printf("[MIGRATION] Order %s: %v", orderID, ErrMigrationSkipped)
		return &MigrationOutcome{OrderID: orderID, Outcome: "skipped"}, nil
	}

	legacy, err := s.loadLegacy(ctx, orderID)
	if err != nil {
		return nil, err
	}

	amount, status := legacy.chooseAmount()
	if !amount.IsPositive() {
		log.Printf("[MIGRATION] Order %s has no legacy payment to migrate", orderID)
		return &MigrationOutcome{OrderID: orderID, Outcome: "created"}, nil
	}

	entry, err := models.NewLedgerEntry(orderID, legacy.orderNumber,
		models.TxPayment, models.CategoryDeposit, legacy.method(), amount, models.SourceMigration)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	entry.Status = status
	if legacy.paymentRef != nil {
		entry.ExternalReferenceID = legacy.paymentRef
	}

	if _, err := s.ledger.Append(ctx, entry, "migration"); err != nil {
		return nil, fmt.Errorf("appending migrated entry for %s: %w", orderID, err)
	}
	if _, err := s.summaries.Recalc(ctx, orderID); err != nil {
		// The entry landed; a summary failure is recoverable by any later
		// recalculation.
		log.Printf("[MIGRATION] Summary recalc failed for %s: %v", orderID, err)
	}

	log.Printf("[MIGRATION] Migrated order %s: 1 entry, amount %s", orderID, amount)
	return &MigrationOutcome{OrderID: orderID, Outcome: "created", EntriesCreated: 1}, nil
}

// MigrateBatch runs orders independently: one failure is reported in that
// order's outcome and never aborts the rest.
func (s *MigrationService) MigrateBatch(ctx context.Context, orderIDs []string) []MigrationOutcome {
	outcomes := make([]MigrationOutcome, 0, len(orderIDs))
	for _, orderID := range orderIDs {
		outcome, err := s.MigrateOrder(ctx, orderID)
		if err != nil {
			log.Printf("[MIGRATION] Order %s failed: %v", orderID, err)
			outcomes = append(outcomes, MigrationOutcome{
				OrderID: orderID,
				Outcome: "failed",
				Errors:  []string{err.Error()},
			})
			continue
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes
}

type legacyPayment struct {
	orderNumber     int64
	baselineDeposit decimal.Decimal
	recordedDeposit *decimal.Decimal
	verifiedAmount  *decimal.Decimal
	paymentRef      *string
	paymentMethod   *string
}

// chooseAmount applies the migration priority. An externally verified amount
// lands as verified; anything else lands as approved.
func (l *legacyPayment) chooseAmount() (decimal.Decimal, models.EntryStatus) {
	if l.verifiedAmount != nil && l.verifiedAmount.IsPositive() {
		return *l.verifiedAmount, models.StatusVerified
	}
	if l.recordedDeposit != nil && l.recordedDeposit.IsPositive() {
		return *l.recordedDeposit, models.StatusApproved
	}
	return l.baselineDeposit, models.StatusApproved
}

func (l *legacyPayment) method() models.PaymentMethod {
	if l.paymentMethod == nil {
		return models.MethodCheck
	}
	method := models.PaymentMethod(*l.paymentMethod)
	if err := models.ValidateCombination(models.TxPayment, models.CategoryDeposit, method); err != nil {
		return models.MethodCheck
	}
	return method
}

func (s *MigrationService) loadLegacy(ctx context.Context, orderID string) (*legacyPayment, error) {
	var (
		legacy          legacyPayment
		baseline        string
		recordedDeposit sql.NullString
		verifiedAmount  sql.NullString
		paymentRef      sql.NullString
		paymentMethod   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT order_number, original_deposit, legacy_recorded_deposit,
			legacy_verified_amount, legacy_payment_ref, legacy_payment_method
		FROM orders WHERE id = $1`, orderID).
		Scan(&legacy.orderNumber, &baseline, &recordedDeposit, &verifiedAmount, &paymentRef, &paymentMethod)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "order", ID: orderID}
	}
	if err != nil {
		return nil, err
	}

	if legacy.baselineDeposit, err = decimal.NewFromString(baseline); err != nil {
		return nil, fmt.Errorf("parsing baseline deposit for %s: %w", orderID, err)
	}
	if recordedDeposit.Valid {
		value, err := decimal.NewFromString(recordedDeposit.String)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded deposit for %s: %w", orderID, err)
		}
		legacy.recordedDeposit = &value
	}
	if verifiedAmount.Valid {
		value, err := decimal.NewFromString(verifiedAmount.String)
		if err != nil {
			return nil, fmt.Errorf("parsing verified amount for %s: %w", orderID, err)
		}
		legacy.verifiedAmount = &value
	}
	legacy.paymentRef = nullString(paymentRef)
	legacy.paymentMethod = nullString(paymentMethod)
	return &legacy, nil
}
