package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestSequenceService_NextValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewSequenceService(db)

	t.Run("allocates strictly increasing values", func(t *testing.T) {
		expectSequenceAllocation(mock, SequenceOrderNumber, 100)
		expectSequenceAllocation(mock, SequenceOrderNumber, 101)

		first, err := service.NextValue(context.Background(), SequenceOrderNumber)
		assert.NoError(t, err)
		second, err := service.NextValue(context.Background(), SequenceOrderNumber)
		assert.NoError(t, err)

		assert.Equal(t, int64(101), first)
		assert.Equal(t, int64(102), second)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retries serialization failures and succeeds", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT current_value FROM sequences WHERE name = \\$1 FOR UPDATE").
			WithArgs(SequencePaymentNumber).
			WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()

		expectSequenceAllocation(mock, SequencePaymentNumber, 7)

		value, err := service.NextValue(context.Background(), SequencePaymentNumber)
		assert.NoError(t, err)
		assert.Equal(t, int64(8), value)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deadlocks also retry", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT current_value FROM sequences WHERE name = \\$1 FOR UPDATE").
			WithArgs(SequencePaymentNumber).
			WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()

		expectSequenceAllocation(mock, SequencePaymentNumber, 8)

		value, err := service.NextValue(context.Background(), SequencePaymentNumber)
		assert.NoError(t, err)
		assert.Equal(t, int64(9), value)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after bounded attempts", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT current_value FROM sequences WHERE name = \\$1 FOR UPDATE").
				WithArgs(SequenceChangeOrderNumber).
				WillReturnError(&pq.Error{Code: "40001"})
			mock.ExpectRollback()
		}

		_, err := service.NextValue(context.Background(), SequenceChangeOrderNumber)
		assert.ErrorIs(t, err, ErrSequenceExhausted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown sequence fails fast without retrying", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT current_value FROM sequences WHERE name = \\$1 FOR UPDATE").
			WithArgs("no_such_sequence").
			WillReturnRows(sqlmock.NewRows([]string{"current_value"}))
		mock.ExpectRollback()

		_, err := service.NextValue(context.Background(), "no_such_sequence")
		var notFoundErr *NotFoundError
		assert.ErrorAs(t, err, &notFoundErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
