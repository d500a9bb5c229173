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

	"github.com/spanbilt/backend/internal/config"
)

func newPaymentLinkFixture(t *testing.T) (*PaymentLinkService, sqlmock.Sqlmock, redismock.ClientMock, func()) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	redisClient, redisMock := redismock.NewClientMock()

	rates := config.NewDepositRateCache(
		func(ctx context.Context) (map[string]decimal.Decimal, error) {
			return map[string]decimal.Decimal{"NUCOR": dec("0.10")}, nil
		},
		time.Minute, dec("0.10"), nil)

	ledger := NewLedgerService(db, NewSequenceService(db), nil)
	orders := NewSQLOrderReader(db)
	summaries := NewSummaryService(db, ledger, orders, nil, nil)
	service := NewPaymentLinkService(redisClient, summaries, orders, rates)
	return service, dbMock, redisMock, func() { db.Close() }
}

func TestPaymentLinkService_Resolve(t *testing.T) {
	service, _, redisMock, closeDB := newPaymentLinkFixture(t)
	defer closeDB()

	t.Run("resolving consumes the link", func(t *testing.T) {
		payload := map[string]any{
			"orderId":   "order-1",
			"amount":    "2500",
			"createdBy": "alice",
		}
		data, err := json.Marshal(payload)
		assert.NoError(t, err)

		redisMock.ExpectGet("paylink:CODE123").SetVal(string(data))
		redisMock.ExpectDel("paylink:CODE123").SetVal(1)

		resolved, err := service.Resolve(context.Background(), "CODE123")
		assert.NoError(t, err)
		assert.Equal(t, "order-1", resolved["orderId"])
		assert.Equal(t, "2500", resolved["amount"])
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unknown or already-used links are not found", func(t *testing.T) {
		redisMock.ExpectGet("paylink:GONE").RedisNil()

		_, err := service.Resolve(context.Background(), "GONE")
		var notFoundErr *NotFoundError
		assert.ErrorAs(t, err, &notFoundErr)
	})
}

func TestPaymentLinkService_ResolveAmount(t *testing.T) {
	t.Run("explicit amount passes through", func(t *testing.T) {
		service, _, _, closeDB := newPaymentLinkFixture(t)
		defer closeDB()

		explicit := dec("1234.56")
		amount, err := service.resolveAmount(context.Background(), "order-1", &explicit)
		assert.NoError(t, err)
		assert.True(t, amount.Equal(explicit))
	})

	t.Run("explicit non-positive amount rejected", func(t *testing.T) {
		service, _, _, closeDB := newPaymentLinkFixture(t)
		defer closeDB()

		zero := decimal.Zero
		_, err := service.resolveAmount(context.Background(), "order-1", &zero)
		var validationErr *ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("outstanding balance is the default charge", func(t *testing.T) {
		service, dbMock, _, closeDB := newPaymentLinkFixture(t)
		defer closeDB()

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_summaries WHERE order_id = \\$1").
			WithArgs("order-1").
			WillReturnRows(summaryRow("order-1", "5200", "1700", "underpaid"))

		amount, err := service.resolveAmount(context.Background(), "order-1", nil)
		assert.NoError(t, err)
		assert.True(t, amount.Equal(dec("1700")))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("no deposit agreed suggests one from the manufacturer rate", func(t *testing.T) {
		service, dbMock, _, closeDB := newPaymentLinkFixture(t)
		defer closeDB()

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_summaries WHERE order_id = \\$1").
			WithArgs("order-1").
			WillReturnRows(summaryRow("order-1", "0", "0", "paid"))
		dbMock.ExpectQuery("SELECT id, order_number, manufacturer, total_price, original_deposit").
			WithArgs("order-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "order_number", "manufacturer", "total_price", "original_deposit"}).
				AddRow("order-1", 1001, "NUCOR", "52000", "0"))

		amount, err := service.resolveAmount(context.Background(), "order-1", nil)
		assert.NoError(t, err)
		assert.True(t, amount.Equal(dec("5200")))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("settled order with a deposit has nothing to charge", func(t *testing.T) {
		service, dbMock, _, closeDB := newPaymentLinkFixture(t)
		defer closeDB()

		dbMock.ExpectQuery("(?s)SELECT (.+) FROM ledger_summaries WHERE order_id = \\$1").
			WithArgs("order-1").
			WillReturnRows(summaryRow("order-1", "5200", "0", "paid"))

		_, err := service.resolveAmount(context.Background(), "order-1", nil)
		var validationErr *ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})
}

func summaryRow(orderID, depositRequired, balance, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"order_id", "original_deposit", "deposit_adjustments", "deposit_required",
		"total_received", "total_refunded", "net_received", "balance", "balance_status",
		"pending_received", "pending_refunds", "entry_count", "calculated_at",
	}).AddRow(orderID, depositRequired, "0", depositRequired,
		"0", "0", "0", balance, status,
		"0", "0", 0, time.Now().UTC())
}
