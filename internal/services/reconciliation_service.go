package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/models"
	"github.com/spanbilt/backend/internal/processor"
)

// amountTolerance is the smallest currency unit. This is rounding slack, not a
// business tolerance; any larger difference is a defect.
var amountTolerance = decimal.NewFromFloat(0.01)

// ReconciliationService cross-checks ledger entries against the payment
// processor's records. It only reads: fixing a discrepancy is an explicit,
// separately audited CorrectAmount or Append by an operator.
type ReconciliationService struct {
	db          *sql.DB
	client      processor.Client
	workerCount int
	lookback    time.Duration
}

func NewReconciliationService(db *sql.DB, client processor.Client) *ReconciliationService {
	return &ReconciliationService{
		db:          db,
		client:      client,
		workerCount: 5,
		lookback:    72 * time.Hour,
	}
}

// SetLookback overrides the missing-ledger scan window.
func (s *ReconciliationService) SetLookback(d time.Duration) {
	if d > 0 {
		s.lookback = d
	}
}

// Run compares every in-scope entry carrying an external reference against
// the processor. Unscoped runs additionally scan the processor's recent
// successes for transactions no non-voided entry references; a scoped run
// skips the scan, since it cannot tell a missing entry from one merely
// outside its scope. Lookups are independent: one failure is recorded inline
// and never aborts the rest.
func (s *ReconciliationService) Run(ctx context.Context, scope models.ReconciliationScope) (*models.ReconciliationReport, error) {
	entries, err := s.entriesInScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading entries for reconciliation: %w", err)
	}

	records := s.compareAll(ctx, entries)

	if scope.Unscoped() {
		missing, err := s.scanMissingLedger(ctx)
		if err != nil {
			log.Printf("[RECON] Missing-ledger scan failed: %v", err)
			records = append(records, models.ReconciliationRecord{
				Classification: models.ReconLookupFailed,
				Detail:         fmt.Sprintf("missing-ledger scan failed: %v", err),
			})
		} else {
			records = append(records, missing...)
		}
	}

	// Issues first, then matched; stable by reference within each group.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].HasIssue() != records[j].HasIssue() {
			return records[i].HasIssue()
		}
		return records[i].ExternalReferenceID < records[j].ExternalReferenceID
	})

	report := &models.ReconciliationReport{
		RunID:            uuid.NewString(),
		RunAt:            time.Now().UTC(),
		Scope:            scope,
		TotalDiscrepancy: decimal.Zero,
		Records:          records,
	}
	for _, r := range records {
		switch r.Classification {
		case models.ReconMatched:
			report.Matched++
		case models.ReconMismatch:
			report.Mismatched++
			report.TotalDiscrepancy = report.TotalDiscrepancy.Add(r.DiscrepancyAmount)
		case models.ReconMissingExternal:
			report.MissingExternal++
		case models.ReconMissingLedger:
			report.MissingLedger++
		case models.ReconLookupFailed:
			report.LookupFailures++
		}
	}

	if err := s.storeReport(ctx, report); err != nil {
		return nil, err
	}
	log.Printf("[RECON] Run %s: %d matched, %d mismatched, %d missing external, %d missing ledger, %d lookup failures",
		report.RunID, report.Matched, report.Mismatched, report.MissingExternal, report.MissingLedger, report.LookupFailures)
	return report, nil
}

// compareAll fans entries out over a small worker pool. Comparisons share no
// mutable state; processor latency dominates, so they run in parallel.
func (s *ReconciliationService) compareAll(ctx context.Context, entries []models.LedgerEntry) []models.ReconciliationRecord {
	jobs := make(chan models.LedgerEntry, len(entries))
	results := make(chan models.ReconciliationRecord, len(entries))

	var wg sync.WaitGroup
	for w := 0; w < s.workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				results <- s.compare(ctx, entry)
			}
		}()
	}
	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()
	close(results)

	records := make([]models.ReconciliationRecord, 0, len(entries))
	for record := range results {
		records = append(records, record)
	}
	return records
}

func (s *ReconciliationService) compare(ctx context.Context, entry models.LedgerEntry) models.ReconciliationRecord {
	record := models.ReconciliationRecord{
		EntryID:             entry.ID,
		OrderID:             entry.OrderID,
		ExternalReferenceID: *entry.ExternalReferenceID,
		LedgerAmount:        entry.Amount,
		DiscrepancyAmount:   decimal.Zero,
	}

	external, err := s.client.RetrieveTransaction(ctx, record.ExternalReferenceID)
	if errors.Is(err, processor.ErrReferenceNotFound) {
		record.Classification = models.ReconMissingExternal
		record.Detail = "processor has no record for this reference"
		return record
	}
	if err != nil {
		lookupErr := &ExternalLookupError{ReferenceID: record.ExternalReferenceID, Err: err}
		record.Classification = models.ReconLookupFailed
		record.Detail = lookupErr.Error()
		return record
	}

	record.ExternalAmount = external.Amount
	record.ExternalStatus = string(external.Status)

	if !external.Status.Final() {
		record.Classification = models.ReconMissingExternal
		record.Detail = fmt.Sprintf("processor status %q is not a final success", external.Status)
		return record
	}

	expected := processor.StatusSucceeded
	if entry.TransactionType == models.TxRefund {
		expected = processor.StatusRefunded
	}
	if external.Status != expected {
		record.Classification = models.ReconMismatch
		record.Detail = fmt.Sprintf("expected processor status %q, got %q", expected, external.Status)
		record.DiscrepancyAmount = entry.Amount.Sub(external.Amount).Abs()
		return record
	}

	diff := entry.Amount.Sub(external.Amount).Abs()
	if diff.GreaterThan(amountTolerance) {
		record.Classification = models.ReconMismatch
		record.DiscrepancyAmount = diff
		return record
	}

	record.Classification = models.ReconMatched
	return record
}

// scanMissingLedger lists the processor's recent succeeded transactions and
// flags any that no non-voided entry references.
func (s *ReconciliationService) scanMissingLedger(ctx context.Context) ([]models.ReconciliationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_reference_id FROM ledger_entries
		WHERE external_reference_id IS NOT NULL AND status <> 'voided'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		known[ref] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	transactions, err := s.client.ListTransactionsSince(ctx, time.Now().UTC().Add(-s.lookback))
	if err != nil {
		return nil, &ExternalLookupError{ReferenceID: "list", Err: err}
	}

	var records []models.ReconciliationRecord
	for _, tx := range transactions {
		if tx.Status != processor.StatusSucceeded || known[tx.ID] {
			continue
		}
		records = append(records, models.ReconciliationRecord{
			ExternalReferenceID: tx.ID,
			Classification:      models.ReconMissingLedger,
			ExternalAmount:      tx.Amount,
			ExternalStatus:      string(tx.Status),
			LedgerAmount:        decimal.Zero,
			DiscrepancyAmount:   decimal.Zero,
			Detail:              "processor success with no non-voided ledger entry",
		})
	}
	return records, nil
}

func (s *ReconciliationService) entriesInScope(ctx context.Context, scope models.ReconciliationScope) ([]models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE external_reference_id IS NOT NULL AND status <> 'voided'`
	args := []any{}

	if scope.OrderID != "" {
		args = append(args, scope.OrderID)
		query += fmt.Sprintf(` AND order_id = $%d`, len(args))
	}
	if scope.ExternalReferenceID != "" {
		args = append(args, scope.ExternalReferenceID)
		query += fmt.Sprintf(` AND external_reference_id = $%d`, len(args))
	}
	if !scope.From.IsZero() {
		args = append(args, scope.From)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !scope.To.IsZero() {
		args = append(args, scope.To)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	query += ` ORDER BY created_at, sequence_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *ReconciliationService) storeReport(ctx context.Context, report *models.ReconciliationReport) error {
	scopeJSON, err := json.Marshal(report.Scope)
	if err != nil {
		return err
	}
	recordsJSON, err := json.Marshal(report.Records)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (run_id, run_at, scope, matched, mismatched,
			missing_external, missing_ledger, lookup_failures, total_discrepancy, records)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		report.RunID, report.RunAt, scopeJSON, report.Matched, report.Mismatched,
		report.MissingExternal, report.MissingLedger, report.LookupFailures,
		report.TotalDiscrepancy.String(), recordsJSON)
	if err != nil {
		return fmt.Errorf("storing reconciliation report: %w", err)
	}
	return nil
}

// GetReport returns a stored run by id. Reports are immutable artifacts.
func (s *ReconciliationService) GetReport(ctx context.Context, runID string) (*models.ReconciliationReport, error) {
	var (
		report           models.ReconciliationReport
		scopeJSON        []byte
		recordsJSON      []byte
		totalDiscrepancy string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, run_at, scope, matched, mismatched, missing_external,
			missing_ledger, lookup_failures, total_discrepancy, records
		FROM reconciliation_reports WHERE run_id = $1`, runID).
		Scan(&report.RunID, &report.RunAt, &scopeJSON, &report.Matched, &report.Mismatched,
			&report.MissingExternal, &report.MissingLedger, &report.LookupFailures,
			&totalDiscrepancy, &recordsJSON)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "reconciliation report", ID: runID}
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopeJSON, &report.Scope); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recordsJSON, &report.Records); err != nil {
		return nil, err
	}
	if report.TotalDiscrepancy, err = decimal.NewFromString(totalDiscrepancy); err != nil {
		return nil, err
	}
	return &report, nil
}
