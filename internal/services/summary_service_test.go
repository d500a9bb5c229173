package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/spanbilt/backend/internal/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func entry(txType models.TransactionType, status models.EntryStatus, amount string, seq int64) models.LedgerEntry {
	return models.LedgerEntry{
		ID:              "entry-" + amount,
		OrderID:         "order-1",
		TransactionType: txType,
		Category:        models.CategoryBalance,
		Method:          models.MethodCheck,
		Status:          status,
		Amount:          dec(amount),
		SequenceNumber:  seq,
		CreatedAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
	}
}

func adjustment(txType models.TransactionType, changeOrderID, amount string, seq int64) models.LedgerEntry {
	e := entry(txType, models.StatusApproved, amount, seq)
	e.Category = models.CategoryChangeOrder
	e.Method = models.MethodInternal
	e.ChangeOrderID = &changeOrderID
	return e
}

func TestCalculateSummary(t *testing.T) {
	t.Run("deposit fully paid", func(t *testing.T) {
		summary := CalculateSummary("order-1", dec("5000"),
			[]models.LedgerEntry{entry(models.TxPayment, models.StatusVerified, "5000", 1)}, nil)

		assert.True(t, summary.Balance.IsZero())
		assert.Equal(t, models.BalancePaid, summary.BalanceStatus)
		assert.True(t, summary.TotalReceived.Equal(dec("5000")))
		assert.Equal(t, 1, summary.EntryCount)
	})

	t.Run("overpaid order carries negative balance", func(t *testing.T) {
		summary := CalculateSummary("order-1", dec("4500"),
			[]models.LedgerEntry{entry(models.TxPayment, models.StatusApproved, "6000", 1)}, nil)

		assert.True(t, summary.Balance.Equal(dec("-1500")))
		assert.Equal(t, models.BalanceOverpaid, summary.BalanceStatus)
	})

	t.Run("terminal change order raises the required deposit", func(t *testing.T) {
		entries := []models.LedgerEntry{
			entry(models.TxPayment, models.StatusVerified, "4000", 1),
			adjustment(models.TxDepositIncrease, "co-1", "500", 2),
		}
		deltas := []models.ChangeOrderDelta{
			{ChangeOrderID: "co-1", Amount: dec("500"), Direction: models.DirectionIncrease, Terminal: true},
		}
		summary := CalculateSummary("order-1", dec("4000"), entries, deltas)

		assert.True(t, summary.DepositAdjustments.Equal(dec("500")))
		assert.True(t, summary.DepositRequired.Equal(dec("4500")))
		assert.True(t, summary.Balance.Equal(dec("500")))
		assert.Equal(t, models.BalanceUnderpaid, summary.BalanceStatus)
	})

	t.Run("draft change order adjustment contributes nothing", func(t *testing.T) {
		entries := []models.LedgerEntry{
			entry(models.TxPayment, models.StatusVerified, "4000", 1),
			adjustment(models.TxDepositIncrease, "co-draft", "750", 2),
		}
		deltas := []models.ChangeOrderDelta{
			{ChangeOrderID: "co-draft", Amount: dec("750"), Direction: models.DirectionIncrease, Terminal: false},
		}
		summary := CalculateSummary("order-1", dec("4000"), entries, deltas)

		assert.True(t, summary.DepositAdjustments.IsZero())
		assert.True(t, summary.DepositRequired.Equal(dec("4000")))
		assert.True(t, summary.Balance.IsZero())
		// The adjustment entry still counts as ledger history.
		assert.Equal(t, 2, summary.EntryCount)
	})

	t.Run("terminal decrease lowers the required deposit", func(t *testing.T) {
		entries := []models.LedgerEntry{
			adjustment(models.TxDepositDecrease, "co-2", "300", 1),
		}
		deltas := []models.ChangeOrderDelta{
			{ChangeOrderID: "co-2", Amount: dec("300"), Direction: models.DirectionDecrease, Terminal: true},
		}
		summary := CalculateSummary("order-1", dec("2000"), entries, deltas)

		assert.True(t, summary.DepositAdjustments.Equal(dec("-300")))
		assert.True(t, summary.DepositRequired.Equal(dec("1700")))
	})

	t.Run("pending money never moves the balance", func(t *testing.T) {
		entries := []models.LedgerEntry{
			entry(models.TxPayment, models.StatusPending, "1800", 1),
			entry(models.TxRefund, models.StatusPending, "200", 2),
		}
		summary := CalculateSummary("order-1", dec("1800"), entries, nil)

		assert.True(t, summary.TotalReceived.IsZero())
		assert.True(t, summary.PendingReceived.Equal(dec("1800")))
		assert.True(t, summary.PendingRefunds.Equal(dec("200")))
		assert.True(t, summary.Balance.Equal(dec("1800")))
		assert.Equal(t, models.BalanceUnderpaid, summary.BalanceStatus)
	})

	t.Run("voided entries are invisible", func(t *testing.T) {
		voided := entry(models.TxPayment, models.StatusVoided, "5000", 2)
		entries := []models.LedgerEntry{
			entry(models.TxPayment, models.StatusVerified, "3000", 1),
			voided,
		}
		summary := CalculateSummary("order-1", dec("3000"), entries, nil)

		assert.True(t, summary.TotalReceived.Equal(dec("3000")))
		assert.Equal(t, 1, summary.EntryCount)
	})

	t.Run("refunds reduce net received", func(t *testing.T) {
		entries := []models.LedgerEntry{
			entry(models.TxPayment, models.StatusApproved, "5000", 1),
			entry(models.TxRefund, models.StatusApproved, "1200", 2),
		}
		summary := CalculateSummary("order-1", dec("5000"), entries, nil)

		assert.True(t, summary.NetReceived.Equal(dec("3800")))
		assert.True(t, summary.Balance.Equal(dec("1200")))
	})

	t.Run("recalculation is deterministic", func(t *testing.T) {
		entries := []models.LedgerEntry{
			entry(models.TxPayment, models.StatusVerified, "4000", 2),
			entry(models.TxRefund, models.StatusApproved, "500", 1),
			adjustment(models.TxDepositIncrease, "co-1", "250", 3),
		}
		deltas := []models.ChangeOrderDelta{
			{ChangeOrderID: "co-1", Amount: dec("250"), Direction: models.DirectionIncrease, Terminal: true},
		}

		first := CalculateSummary("order-1", dec("4000"), entries, deltas)
		second := CalculateSummary("order-1", dec("4000"), entries, deltas)
		assert.Equal(t, first, second)
	})

	t.Run("input order does not change the result", func(t *testing.T) {
		a := entry(models.TxPayment, models.StatusVerified, "1000", 1)
		b := entry(models.TxPayment, models.StatusVerified, "2000", 2)
		c := entry(models.TxRefund, models.StatusApproved, "300", 3)

		forward := CalculateSummary("order-1", dec("3000"), []models.LedgerEntry{a, b, c}, nil)
		reversed := CalculateSummary("order-1", dec("3000"), []models.LedgerEntry{c, b, a}, nil)
		assert.Equal(t, forward, reversed)
	})

	t.Run("empty ledger leaves the full deposit owing", func(t *testing.T) {
		summary := CalculateSummary("order-1", dec("2500"), nil, nil)

		assert.True(t, summary.Balance.Equal(dec("2500")))
		assert.Equal(t, models.BalanceUnderpaid, summary.BalanceStatus)
		assert.Equal(t, 0, summary.EntryCount)
	})
}

func TestSummaryService_Get(t *testing.T) {
	t.Run("serves a cached summary without touching the database", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		ledger := NewLedgerService(db, NewSequenceService(db), nil)
		service := NewSummaryService(db, ledger, NewSQLOrderReader(db), redisClient, nil)

		cached := models.LedgerSummary{
			OrderID:       "order-1",
			Balance:       dec("1700"),
			BalanceStatus: models.BalanceUnderpaid,
		}
		data, err := json.Marshal(cached)
		assert.NoError(t, err)
		redisMock.ExpectGet("summary:order-1").SetVal(string(data))

		summary, err := service.Get(context.Background(), "order-1")
		assert.NoError(t, err)
		assert.True(t, summary.Balance.Equal(dec("1700")))
		assert.NoError(t, redisMock.ExpectationsWereMet())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("recomputes when no summary row exists", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		ledger := NewLedgerService(db, NewSequenceService(db), nil)
		service := NewSummaryService(db, ledger, NewSQLOrderReader(db), nil, nil)

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_summaries WHERE order_id = \\$1").
			WithArgs("order-1").
			WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

		// The recalc path: baseline, entries, change orders, then the upsert.
		dbMock.ExpectQuery("SELECT id, order_number, manufacturer, total_price, original_deposit").
			WithArgs("order-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "order_number", "manufacturer", "total_price", "original_deposit"}).
				AddRow("order-1", 1001, "NUCOR", "52000", "5200"))
		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_entries WHERE order_id = \\$1").
			WithArgs("order-1").
			WillReturnRows(sqlmock.NewRows(entryTestColumns))
		dbMock.ExpectQuery("SELECT id, change_order_number, deposit_delta, status").
			WithArgs("order-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "change_order_number", "deposit_delta", "status"}))
		dbMock.ExpectExec("INSERT INTO ledger_summaries").
			WillReturnResult(sqlmock.NewResult(1, 1))

		summary, err := service.Get(context.Background(), "order-1")
		assert.NoError(t, err)
		assert.True(t, summary.Balance.Equal(dec("5200")))
		assert.Equal(t, models.BalanceUnderpaid, summary.BalanceStatus)
		assert.False(t, summary.CalculatedAt.IsZero())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
