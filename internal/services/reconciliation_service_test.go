package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/spanbilt/backend/internal/models"
	"github.com/spanbilt/backend/internal/processor"
)

type mockProcessorClient struct {
	mock.Mock
}

func (m *mockProcessorClient) RetrieveTransaction(ctx context.Context, id string) (*processor.TransactionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.TransactionRecord), args.Error(1)
}

func (m *mockProcessorClient) CreateRefund(ctx context.Context, transactionID string, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, transactionID, amount)
	return args.String(0), args.Error(1)
}

func (m *mockProcessorClient) ListTransactionsSince(ctx context.Context, since time.Time) ([]processor.TransactionRecord, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]processor.TransactionRecord), args.Error(1)
}

var entryTestColumns = []string{
	"id", "order_id", "order_number", "change_order_id", "change_order_number",
	"transaction_type", "category", "method", "status", "amount", "external_reference_id",
	"prepaid_credit_id", "source", "sequence_number", "created_by", "created_at",
	"approved_by", "approved_at", "voided_by", "voided_at", "void_reason",
	"corrected_by", "corrected_at", "correction_reason", "original_amount",
}

func addEntryRow(rows *sqlmock.Rows, id, orderID string, txType models.TransactionType, amount, externalRef string, seq int64) *sqlmock.Rows {
	return rows.AddRow(id, orderID, 1001, nil, nil,
		txType, models.CategoryBalance, models.MethodCard, models.StatusVerified, amount, externalRef,
		nil, models.SourceWebhook, seq, "alice", time.Now().UTC(),
		nil, nil, nil, nil, nil,
		nil, nil, nil, nil)
}

func expectReportInsert(dbMock sqlmock.Sqlmock) {
	dbMock.ExpectExec("INSERT INTO reconciliation_reports").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestReconciliationService_Run(t *testing.T) {
	t.Run("matched within rounding tolerance", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		client := new(mockProcessorClient)
		service := NewReconciliationService(db, client)

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries").
			WithArgs("ch_1").
			WillReturnRows(addEntryRow(sqlmock.NewRows(entryTestColumns),
				"entry-1", "order-1", models.TxPayment, "1500.00", "ch_1", 1))

		client.On("RetrieveTransaction", mock.Anything, "ch_1").
			Return(&processor.TransactionRecord{
				ID: "ch_1", Amount: dec("1500.01"), Status: processor.StatusSucceeded,
			}, nil)

		expectReportInsert(dbMock)

		report, err := service.Run(context.Background(), models.ReconciliationScope{ExternalReferenceID: "ch_1"})
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Matched)
		assert.Equal(t, 0, report.Mismatched)
		assert.Equal(t, models.ReconMatched, report.Records[0].Classification)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("amount mismatch beyond tolerance", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		client := new(mockProcessorClient)
		service := NewReconciliationService(db, client)

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries").
			WithArgs("ch_2").
			WillReturnRows(addEntryRow(sqlmock.NewRows(entryTestColumns),
				"entry-2", "order-1", models.TxPayment, "1500.50", "ch_2", 2))

		client.On("RetrieveTransaction", mock.Anything, "ch_2").
			Return(&processor.TransactionRecord{
				ID: "ch_2", Amount: dec("1500.00"), Status: processor.StatusSucceeded,
			}, nil)

		expectReportInsert(dbMock)

		report, err := service.Run(context.Background(), models.ReconciliationScope{ExternalReferenceID: "ch_2"})
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Mismatched)
		assert.True(t, report.Records[0].DiscrepancyAmount.Equal(dec("0.50")))
		assert.True(t, report.TotalDiscrepancy.Equal(dec("0.50")))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("refund entries expect a refunded processor status", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		client := new(mockProcessorClient)
		service := NewReconciliationService(db, client)

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries").
			WithArgs("re_1").
			WillReturnRows(addEntryRow(sqlmock.NewRows(entryTestColumns),
				"entry-3", "order-1", models.TxRefund, "200.00", "re_1", 3))

		client.On("RetrieveTransaction", mock.Anything, "re_1").
			Return(&processor.TransactionRecord{
				ID: "re_1", Amount: dec("200.00"), Status: processor.StatusSucceeded,
			}, nil)

		expectReportInsert(dbMock)

		report, err := service.Run(context.Background(), models.ReconciliationScope{ExternalReferenceID: "re_1"})
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Mismatched)
		assert.Contains(t, report.Records[0].Detail, "refunded")
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("reference unknown to the processor", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		client := new(mockProcessorClient)
		service := NewReconciliationService(db, client)

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries").
			WithArgs("ch_gone").
			WillReturnRows(addEntryRow(sqlmock.NewRows(entryTestColumns),
				"entry-4", "order-1", models.TxPayment, "100.00", "ch_gone", 4))

		client.On("RetrieveTransaction", mock.Anything, "ch_gone").
			Return(nil, processor.ErrReferenceNotFound)

		expectReportInsert(dbMock)

		report, err := service.Run(context.Background(), models.ReconciliationScope{ExternalReferenceID: "ch_gone"})
		assert.NoError(t, err)
		assert.Equal(t, 1, report.MissingExternal)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("lookup failure is isolated, run still completes", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		client := new(mockProcessorClient)
		service := NewReconciliationService(db, client)

		rows := sqlmock.NewRows(entryTestColumns)
		addEntryRow(rows, "entry-5", "order-1", models.TxPayment, "100.00", "ch_ok", 5)
		addEntryRow(rows, "entry-6", "order-1", models.TxPayment, "250.00", "ch_down", 6)
		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries").
			WithArgs("order-1").
			WillReturnRows(rows)

		client.On("RetrieveTransaction", mock.Anything, "ch_ok").
			Return(&processor.TransactionRecord{
				ID: "ch_ok", Amount: dec("100.00"), Status: processor.StatusSucceeded,
			}, nil)
		client.On("RetrieveTransaction", mock.Anything, "ch_down").
			Return(nil, processor.ErrProviderDown)

		expectReportInsert(dbMock)

		report, err := service.Run(context.Background(), models.ReconciliationScope{OrderID: "order-1"})
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Matched)
		assert.Equal(t, 1, report.LookupFailures)
		// Issues sort before matches.
		assert.True(t, report.Records[0].HasIssue())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("scoped runs skip the missing-ledger scan", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		client := new(mockProcessorClient)
		service := NewReconciliationService(db, client)

		// An order-scoped report must not carry missing_ledger records for
		// unrelated orders, so the global scan stays off.
		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries").
			WithArgs("order-1").
			WillReturnRows(addEntryRow(sqlmock.NewRows(entryTestColumns),
				"entry-7", "order-1", models.TxPayment, "300.00", "ch_scoped", 7))

		client.On("RetrieveTransaction", mock.Anything, "ch_scoped").
			Return(&processor.TransactionRecord{
				ID: "ch_scoped", Amount: dec("300.00"), Status: processor.StatusSucceeded,
			}, nil)

		expectReportInsert(dbMock)

		report, err := service.Run(context.Background(), models.ReconciliationScope{OrderID: "order-1"})
		assert.NoError(t, err)
		assert.Equal(t, 0, report.MissingLedger)
		client.AssertNotCalled(t, "ListTransactionsSince", mock.Anything, mock.Anything)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("processor success missing from the ledger", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		client := new(mockProcessorClient)
		service := NewReconciliationService(db, client)

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries").
			WillReturnRows(sqlmock.NewRows(entryTestColumns))
		dbMock.ExpectQuery("SELECT external_reference_id FROM ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"external_reference_id"}).AddRow("ch_known"))

		client.On("ListTransactionsSince", mock.Anything, mock.Anything).
			Return([]processor.TransactionRecord{
				{ID: "ch_known", Amount: dec("100"), Status: processor.StatusSucceeded},
				{ID: "ch_orphan", Amount: dec("750"), Status: processor.StatusSucceeded},
				{ID: "ch_failed", Amount: dec("10"), Status: processor.StatusFailed},
			}, nil)

		expectReportInsert(dbMock)

		report, err := service.Run(context.Background(), models.ReconciliationScope{})
		assert.NoError(t, err)
		assert.Equal(t, 1, report.MissingLedger)
		assert.Equal(t, "ch_orphan", report.Records[0].ExternalReferenceID)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("missing-ledger scan failure recorded, not fatal", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		client := new(mockProcessorClient)
		service := NewReconciliationService(db, client)

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries").
			WillReturnRows(sqlmock.NewRows(entryTestColumns))
		dbMock.ExpectQuery("SELECT external_reference_id FROM ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"external_reference_id"}))

		client.On("ListTransactionsSince", mock.Anything, mock.Anything).
			Return(nil, errors.New("connection reset"))

		expectReportInsert(dbMock)

		report, err := service.Run(context.Background(), models.ReconciliationScope{})
		assert.NoError(t, err)
		assert.Equal(t, 1, report.LookupFailures)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
