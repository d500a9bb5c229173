package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	SequenceOrderNumber       = "order_number"
	SequencePaymentNumber     = "payment_number"
	SequenceChangeOrderNumber = "change_order_number"
)

// SequenceService hands out strictly increasing numbers, one counter row per
// sequence name. Gaps are allowed, duplicates never. This is the only
// operation in the system that needs strict linearizability, so it runs as a
// serializable read-increment-write transaction with bounded retries.
type SequenceService struct {
	db          *sql.DB
	maxAttempts int
	retryDelay  time.Duration
}

func NewSequenceService(db *sql.DB) *SequenceService {
	return &SequenceService{
		db:          db,
		maxAttempts: 5,
		retryDelay:  25 * time.Millisecond,
	}
}

// NextValue returns the next number for the named sequence. Exhausting retries
// returns ErrSequenceExhausted and the caller's create operation must abort:
// no number has been issued.
func (s *SequenceService) NextValue(ctx context.Context, name string) (int64, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		value, err := s.allocate(ctx, name)
		if err == nil {
			return value, nil
		}
		if !isSerializationFailure(err) {
			return 0, err
		}
		lastErr = err
		log.Printf("[SEQUENCE] Write conflict on %s (attempt %d/%d): %v", name, attempt, s.maxAttempts, err)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.retryDelay * time.Duration(attempt)):
		}
	}
	return 0, fmt.Errorf("%w for %s: %v", ErrSequenceExhausted, name, lastErr)
}

func (s *SequenceService) allocate(ctx context.Context, name string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT current_value FROM sequences WHERE name = $1 FOR UPDATE`, name).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, &NotFoundError{Resource: "sequence", ID: name}
	}
	if err != nil {
		return 0, err
	}

	next := current + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE sequences SET current_value = $1, updated_at = $2 WHERE name = $3`,
		next, time.Now(), name); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// isSerializationFailure matches Postgres serialization_failure (40001) and
// deadlock_detected (40P01); both are safe to retry from scratch.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
