package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/models"
	"github.com/spanbilt/backend/internal/processor"
)

// PrepaidService manages money received before any order exists. A credit is
// available until it is applied to an order (which books an ordinary ledger
// entry referencing it) or refunded through the processor.
type PrepaidService struct {
	db        *sql.DB
	ledger    *LedgerService
	summaries *SummaryService
	orders    OrderReader
	processor processor.Client
}

func NewPrepaidService(db *sql.DB, ledger *LedgerService, summaries *SummaryService, orders OrderReader, client processor.Client) *PrepaidService {
	return &PrepaidService{
		db:        db,
		ledger:    ledger,
		summaries: summaries,
		orders:    orders,
		processor: client,
	}
}

func (s *PrepaidService) Create(ctx context.Context, customerRef string, amount decimal.Decimal, method models.PaymentMethod, externalRef *string, actor string) (*models.PrepaidCredit, error) {
	if actor == "" {
		return nil, &ValidationError{Field: "actor", Message: "a non-anonymous actor is required"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be strictly positive"}
	}
	if err := models.ValidateCombination(models.TxPayment, models.CategoryDeposit, method); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	credit := &models.PrepaidCredit{
		ID:                  uuid.NewString(),
		CustomerRef:         customerRef,
		Amount:              amount,
		Method:              method,
		Status:              models.PrepaidAvailable,
		ExternalReferenceID: externalRef,
		CreatedBy:           actor,
		CreatedAt:           time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prepaid_credits (id, customer_ref, amount, method, status,
			external_reference_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		credit.ID, credit.CustomerRef, credit.Amount.String(), credit.Method,
		credit.Status, credit.ExternalReferenceID, credit.CreatedBy, credit.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating prepaid credit: %w", err)
	}
	log.Printf("[PREPAID] Created credit %s for %s (%s)", credit.ID, customerRef, amount)
	return credit, nil
}

// Apply attaches an available credit to an order: the credit flips to applied
// (optimistic status check, so two racers cannot both apply it) and an
// ordinary verified payment entry referencing the credit is appended.
func (s *PrepaidService) Apply(ctx context.Context, creditID, orderID, actor string) (*AppendResult, error) {
	if actor == "" {
		return nil, &ValidationError{Field: "actor", Message: "a non-anonymous actor is required"}
	}

	credit, err := s.Get(ctx, creditID)
	if err != nil {
		return nil, err
	}
	baseline, err := s.orders.GetOrderBaseline(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE prepaid_credits
		SET status = $1, applied_order_id = $2, applied_by = $3, applied_at = $4
		WHERE id = $5 AND status = $6`,
		models.PrepaidApplied, orderID, actor, now, creditID, models.PrepaidAvailable)
	if err != nil {
		return nil, fmt.Errorf("applying prepaid credit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &StateConflictError{EntryID: creditID, ObservedStatus: string(credit.Status), Action: "apply"}
	}

	entry, err := models.NewLedgerEntry(orderID, baseline.OrderNumber,
		models.TxPayment, models.CategoryDeposit, credit.Method, credit.Amount, models.SourcePrepaid)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	entry.Status = models.StatusVerified
	entry.ExternalReferenceID = credit.ExternalReferenceID
	entry.PrepaidCreditID = &credit.ID

	appendResult, err := s.ledger.Append(ctx, entry, actor)
	if err != nil {
		// Put the credit back so the money is not stranded mid-apply.
		if _, revertErr := s.db.ExecContext(ctx, `
			UPDATE prepaid_credits
			SET status = $1, applied_order_id = NULL, applied_by = NULL, applied_at = NULL
			WHERE id = $2 AND status = $3`,
			models.PrepaidAvailable, creditID, models.PrepaidApplied); revertErr != nil {
			log.Printf("[PREPAID] Failed to revert credit %s after append failure: %v", creditID, revertErr)
		}
		return nil, err
	}

	if _, err := s.summaries.Recalc(ctx, orderID); err != nil {
		log.Printf("[PREPAID] Summary recalc failed for %s: %v", orderID, err)
	}
	log.Printf("[PREPAID] Applied credit %s to order %s by %s", creditID, orderID, actor)
	return appendResult, nil
}

// Refund returns an available credit to the customer through the processor.
func (s *PrepaidService) Refund(ctx context.Context, creditID, actor string) error {
	if actor == "" {
		return &ValidationError{Field: "actor", Message: "a non-anonymous actor is required"}
	}

	credit, err := s.Get(ctx, creditID)
	if err != nil {
		return err
	}
	if credit.Status != models.PrepaidAvailable {
		return &StateConflictError{EntryID: creditID, ObservedStatus: string(credit.Status), Action: "refund"}
	}

	// Claim the credit before touching the processor. Of two racing refunds
	// exactly one wins this flip; the loser stops here with zero external
	// side effects.
	result, err := s.db.ExecContext(ctx, `
		UPDATE prepaid_credits
		SET status = $1, refunded_by = $2, refunded_at = $3
		WHERE id = $4 AND status = $5`,
		models.PrepaidRefunded, actor, time.Now().UTC(), creditID, models.PrepaidAvailable)
	if err != nil {
		return fmt.Errorf("refunding prepaid credit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &StateConflictError{EntryID: creditID, ObservedStatus: string(credit.Status), Action: "refund"}
	}

	if credit.ExternalReferenceID != nil {
		refundID, err := s.processor.CreateRefund(ctx, *credit.ExternalReferenceID, credit.Amount)
		if err != nil {
			// Release the claim so the refund can be retried once the
			// processor recovers.
			if _, revertErr := s.db.ExecContext(ctx, `
				UPDATE prepaid_credits
				SET status = $1, refunded_by = NULL, refunded_at = NULL
				WHERE id = $2 AND status = $3`,
				models.PrepaidAvailable, creditID, models.PrepaidRefunded); revertErr != nil {
				log.Printf("[PREPAID] Failed to revert credit %s after processor refund failure: %v", creditID, revertErr)
			}
			return &ExternalLookupError{ReferenceID: *credit.ExternalReferenceID, Err: err}
		}
		log.Printf("[PREPAID] Processor refund %s issued for credit %s", refundID, creditID)
	}
	return nil
}

func (s *PrepaidService) Get(ctx context.Context, creditID string) (*models.PrepaidCredit, error) {
	var (
		credit         models.PrepaidCredit
		amount         string
		externalRef    sql.NullString
		appliedOrderID sql.NullString
		appliedBy      sql.NullString
		appliedAt      sql.NullTime
		refundedBy     sql.NullString
		refundedAt     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_ref, amount, method, status, external_reference_id,
			created_by, created_at, applied_order_id, applied_by, applied_at,
			refunded_by, refunded_at
		FROM prepaid_credits WHERE id = $1`, creditID).
		Scan(&credit.ID, &credit.CustomerRef, &amount, &credit.Method, &credit.Status,
			&externalRef, &credit.CreatedBy, &credit.CreatedAt, &appliedOrderID,
			&appliedBy, &appliedAt, &refundedBy, &refundedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "prepaid credit", ID: creditID}
	}
	if err != nil {
		return nil, err
	}
	if credit.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing amount for credit %s: %w", creditID, err)
	}
	credit.ExternalReferenceID = nullString(externalRef)
	credit.AppliedOrderID = nullString(appliedOrderID)
	credit.AppliedBy = nullString(appliedBy)
	credit.AppliedAt = nullTime(appliedAt)
	credit.RefundedBy = nullString(refundedBy)
	credit.RefundedAt = nullTime(refundedAt)
	return &credit, nil
}
