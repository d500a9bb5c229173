package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/events"
	"github.com/spanbilt/backend/internal/models"
)

// LedgerService is the append-mostly store of monetary transactions per order.
// Entries are never hard-deleted; void and amount correction are the only
// mutations, both guarded by optimistic concurrency on the entry status.
type LedgerService struct {
	db        *sql.DB
	sequences *SequenceService
	publisher events.Publisher
	validator *ValidationHelper
}

func NewLedgerService(db *sql.DB, sequences *SequenceService, publisher events.Publisher) *LedgerService {
	return &LedgerService{
		db:        db,
		sequences: sequences,
		publisher: publisher,
		validator: NewValidationHelper(),
	}
}

// AppendResult is returned to callers of Append.
type AppendResult struct {
	EntryID        string `json:"entryId"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

const entryColumns = `id, order_id, order_number, change_order_id, change_order_number,
	transaction_type, category, method, status, amount, external_reference_id,
	prepaid_credit_id, source, sequence_number, created_by, created_at,
	approved_by, approved_at, voided_by, voided_at, void_reason,
	corrected_by, corrected_at, correction_reason, original_amount`

// Append validates and persists a new entry. The payment sequence number is
// allocated first; if allocation exhausts its retries the create aborts with
// no number issued. A duplicate non-voided external reference is rejected by
// the partial unique index, so exactly one of two concurrent racers fails.
func (s *LedgerService) Append(ctx context.Context, entry *models.LedgerEntry, actor string) (*AppendResult, error) {
	if actor == "" {
		return nil, &ValidationError{Field: "actor", Message: "a non-anonymous actor is required"}
	}
	if !entry.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be strictly positive"}
	}
	if err := models.ValidateCombination(entry.TransactionType, entry.Category, entry.Method); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	if err := s.validator.ValidateStruct(entry); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	seq, err := s.sequences.NextValue(ctx, SequencePaymentNumber)
	if err != nil {
		return nil, fmt.Errorf("allocating payment number: %w", err)
	}

	now := time.Now().UTC()
	entry.ID = uuid.NewString()
	entry.SequenceNumber = seq
	entry.CreatedBy = actor
	entry.CreatedAt = now
	if entry.Status == "" {
		entry.Status = models.StatusPending
	}
	// Webhook and migration entries can land already settled; record who
	// settled them and when.
	if entry.Status == models.StatusVerified || entry.Status == models.StatusApproved {
		entry.ApprovedBy = &actor
		entry.ApprovedAt = &now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, order_id, order_number, change_order_id, change_order_number,
			transaction_type, category, method, status, amount, external_reference_id,
			prepaid_credit_id, source, sequence_number, created_by, created_at, approved_by, approved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		entry.ID, entry.OrderID, entry.OrderNumber, entry.ChangeOrderID, entry.ChangeOrderNumber,
		entry.TransactionType, entry.Category, entry.Method, entry.Status, entry.Amount.String(),
		entry.ExternalReferenceID, entry.PrepaidCreditID, entry.Source, entry.SequenceNumber,
		entry.CreatedBy, entry.CreatedAt, entry.ApprovedBy, entry.ApprovedAt)
	if err != nil {
		if dup := asDuplicateReference(err, entry.ExternalReferenceID); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("inserting ledger entry: %w", err)
	}

	log.Printf("[LEDGER] Appended entry %s (order %s, %s %s, seq %d)",
		entry.ID, entry.OrderID, entry.TransactionType, entry.Amount, seq)
	s.publish("entry_appended", entry.OrderID, entry.ID, entry.Amount, actor)

	return &AppendResult{EntryID: entry.ID, SequenceNumber: seq}, nil
}

// Void soft-invalidates an entry. Allowed from pending, verified and approved;
// voiding a voided entry is a caller bug and surfaces as StateConflictError
// rather than a silent no-op.
func (s *LedgerService) Void(ctx context.Context, entryID, reason, actor string, observed models.EntryStatus) error {
	if actor == "" {
		return &ValidationError{Field: "actor", Message: "a non-anonymous actor is required"}
	}
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "void reason is required"}
	}

	observed, err := s.resolveObserved(ctx, entryID, observed)
	if err != nil {
		return err
	}
	if observed == models.StatusVoided {
		return &StateConflictError{EntryID: entryID, ObservedStatus: string(observed), Action: "void"}
	}

	var orderID string
	err = s.db.QueryRowContext(ctx, `
		UPDATE ledger_entries
		SET status = $1, voided_by = $2, voided_at = $3, void_reason = $4
		WHERE id = $5 AND status = $6
		RETURNING order_id`,
		models.StatusVoided, actor, time.Now().UTC(), reason, entryID, observed).Scan(&orderID)
	if err == sql.ErrNoRows {
		return s.classifyMissedWrite(ctx, entryID, observed, "void")
	}
	if err != nil {
		return fmt.Errorf("voiding entry: %w", err)
	}

	log.Printf("[LEDGER] Voided entry %s by %s: %s", entryID, actor, reason)
	s.publish("entry_voided", orderID, entryID, decimal.Zero, actor)
	return nil
}

// CorrectAmount amends the amount on a verified or approved entry, preserving
// the original value the first time a correction lands. Status is unchanged.
func (s *LedgerService) CorrectAmount(ctx context.Context, entryID string, newAmount decimal.Decimal, reason, actor string, observed models.EntryStatus) error {
	if actor == "" {
		return &ValidationError{Field: "actor", Message: "a non-anonymous actor is required"}
	}
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "correction reason is required"}
	}
	if !newAmount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be strictly positive"}
	}

	observed, err := s.resolveObserved(ctx, entryID, observed)
	if err != nil {
		return err
	}
	if observed != models.StatusVerified && observed != models.StatusApproved {
		return &StateConflictError{EntryID: entryID, ObservedStatus: string(observed), Action: "correct"}
	}

	// COALESCE keeps the first recorded original_amount; the amount on the
	// right-hand side is the pre-update value.
	var orderID string
	err = s.db.QueryRowContext(ctx, `
		UPDATE ledger_entries
		SET original_amount = COALESCE(original_amount, amount),
			amount = $1, corrected_by = $2, corrected_at = $3, correction_reason = $4
		WHERE id = $5 AND status = $6
		RETURNING order_id`,
		newAmount.String(), actor, time.Now().UTC(), reason, entryID, observed).Scan(&orderID)
	if err == sql.ErrNoRows {
		return s.classifyMissedWrite(ctx, entryID, observed, "correct")
	}
	if err != nil {
		return fmt.Errorf("correcting entry: %w", err)
	}

	log.Printf("[LEDGER] Corrected entry %s to %s by %s: %s", entryID, newAmount, actor, reason)
	s.publish("entry_corrected", orderID, entryID, newAmount, actor)
	return nil
}

// Settle moves a pending entry to verified or approved. Approval always
// requires a non-anonymous actor recorded with a timestamp.
func (s *LedgerService) Settle(ctx context.Context, entryID string, target models.EntryStatus, actor string) error {
	if actor == "" {
		return &ValidationError{Field: "actor", Message: "a non-anonymous actor is required"}
	}
	if target != models.StatusVerified && target != models.StatusApproved {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("cannot settle to %q", target)}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = $1, approved_by = $2, approved_at = $3
		WHERE id = $4 AND status = $5`,
		target, actor, time.Now().UTC(), entryID, models.StatusPending)
	if err != nil {
		return fmt.Errorf("settling entry: %w", err)
	}
	if err := s.requireOneRow(ctx, result, entryID, models.StatusPending, "settle"); err != nil {
		return err
	}

	log.Printf("[LEDGER] Settled entry %s to %s by %s", entryID, target, actor)
	return nil
}

// GetEntry returns one entry, voided or not. Voided entries stay retrievable
// forever.
func (s *LedgerService) GetEntry(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "ledger entry", ID: entryID}
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// EntriesForOrder returns the order's entries ordered by insertion sequence.
// includeVoided controls whether terminal entries appear; the summary
// calculator always excludes them.
func (s *LedgerService) EntriesForOrder(ctx context.Context, orderID string, includeVoided bool) ([]models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE order_id = $1`
	if !includeVoided {
		query += ` AND status <> 'voided'`
	}
	query += ` ORDER BY created_at, sequence_number`

	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// HasEntries reports whether any ledger history exists for the order. Used by
// migration to stay idempotent.
func (s *LedgerService) HasEntries(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE order_id = $1)`, orderID).Scan(&exists)
	return exists, err
}

// resolveObserved loads the current status when the caller did not supply the
// one they read. The optimistic WHERE clause still guards the write.
func (s *LedgerService) resolveObserved(ctx context.Context, entryID string, observed models.EntryStatus) (models.EntryStatus, error) {
	if observed != "" {
		return observed, nil
	}
	var status models.EntryStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM ledger_entries WHERE id = $1`, entryID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{Resource: "ledger entry", ID: entryID}
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// requireOneRow translates a zero-row optimistic update into NotFound or
// StateConflict depending on whether the entry still exists.
func (s *LedgerService) requireOneRow(ctx context.Context, result sql.Result, entryID string, observed models.EntryStatus, action string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	return s.classifyMissedWrite(ctx, entryID, observed, action)
}

// classifyMissedWrite distinguishes a vanished entry from one whose status
// moved underneath the caller.
func (s *LedgerService) classifyMissedWrite(ctx context.Context, entryID string, observed models.EntryStatus, action string) error {
	var current models.EntryStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM ledger_entries WHERE id = $1`, entryID).Scan(&current)
	if err == sql.ErrNoRows {
		return &NotFoundError{Resource: "ledger entry", ID: entryID}
	}
	if err != nil {
		return err
	}
	return &StateConflictError{EntryID: entryID, ObservedStatus: string(observed), Action: action}
}

func (s *LedgerService) publish(kind, orderID, entryID string, amount decimal.Decimal, actor string) {
	if s.publisher == nil {
		return
	}
	event := events.LedgerEvent{
		Kind:       kind,
		OrderID:    orderID,
		EntryID:    entryID,
		Amount:     amount,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.publisher.Publish(events.TopicLedgerEvents, event); err != nil {
		log.Printf("[LEDGER] Failed to publish %s event for entry %s: %v", kind, entryID, err)
	}
}

// asDuplicateReference maps the partial unique index violation on
// external_reference_id to the domain error.
func asDuplicateReference(err error, ref *string) *DuplicateExternalReferenceError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}
	if pqErr.Code != "23505" || !strings.Contains(pqErr.Constraint, "external_reference") {
		return nil
	}
	dup := &DuplicateExternalReferenceError{}
	if ref != nil {
		dup.ExternalReferenceID = *ref
	}
	return dup
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var (
		entry             models.LedgerEntry
		changeOrderID     sql.NullString
		changeOrderNumber sql.NullInt64
		externalRef       sql.NullString
		prepaidCreditID   sql.NullString
		amount            string
		approvedBy        sql.NullString
		approvedAt        sql.NullTime
		voidedBy          sql.NullString
		voidedAt          sql.NullTime
		voidReason        sql.NullString
		correctedBy       sql.NullString
		correctedAt       sql.NullTime
		correctionReason  sql.NullString
		originalAmount    sql.NullString
	)

	err := row.Scan(&entry.ID, &entry.OrderID, &entry.OrderNumber, &changeOrderID, &changeOrderNumber,
		&entry.TransactionType, &entry.Category, &entry.Method, &entry.Status, &amount, &externalRef,
		&prepaidCreditID, &entry.Source, &entry.SequenceNumber, &entry.CreatedBy, &entry.CreatedAt,
		&approvedBy, &approvedAt, &voidedBy, &voidedAt, &voidReason,
		&correctedBy, &correctedAt, &correctionReason, &originalAmount)
	if err != nil {
		return nil, err
	}

	entry.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parsing amount for entry %s: %w", entry.ID, err)
	}
	entry.ChangeOrderID = nullString(changeOrderID)
	if changeOrderNumber.Valid {
		entry.ChangeOrderNumber = &changeOrderNumber.Int64
	}
	entry.ExternalReferenceID = nullString(externalRef)
	entry.PrepaidCreditID = nullString(prepaidCreditID)
	entry.ApprovedBy = nullString(approvedBy)
	entry.ApprovedAt = nullTime(approvedAt)
	entry.VoidedBy = nullString(voidedBy)
	entry.VoidedAt = nullTime(voidedAt)
	entry.VoidReason = nullString(voidReason)
	entry.CorrectedBy = nullString(correctedBy)
	entry.CorrectedAt = nullTime(correctedAt)
	entry.CorrectionReason = nullString(correctionReason)
	if originalAmount.Valid {
		original, err := decimal.NewFromString(originalAmount.String)
		if err != nil {
			return nil, fmt.Errorf("parsing original amount for entry %s: %w", entry.ID, err)
		}
		entry.OriginalAmount = &original
	}
	return &entry, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}
