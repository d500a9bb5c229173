package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/models"
)

// SQLOrderReader reads order baselines and change-order deposit deltas from
// the order-management tables. The ledger never writes these.
type SQLOrderReader struct {
	db *sql.DB
}

func NewSQLOrderReader(db *sql.DB) *SQLOrderReader {
	return &SQLOrderReader{db: db}
}

func (r *SQLOrderReader) GetOrderBaseline(ctx context.Context, orderID string) (*models.OrderBaseline, error) {
	var (
		baseline        models.OrderBaseline
		totalPrice      string
		originalDeposit string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_number, manufacturer, total_price, original_deposit
		FROM orders WHERE id = $1`, orderID).
		Scan(&baseline.OrderID, &baseline.OrderNumber, &baseline.Manufacturer, &totalPrice, &originalDeposit)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "order", ID: orderID}
	}
	if err != nil {
		return nil, err
	}
	if baseline.TotalPrice, err = decimal.NewFromString(totalPrice); err != nil {
		return nil, fmt.Errorf("parsing total price for %s: %w", orderID, err)
	}
	if baseline.OriginalDeposit, err = decimal.NewFromString(originalDeposit); err != nil {
		return nil, fmt.Errorf("parsing original deposit for %s: %w", orderID, err)
	}
	return &baseline, nil
}

// GetChangeOrderDeltas returns every change order's deposit delta along with
// whether it reached a terminal approved/signed state. Non-terminal deltas are
// returned so the calculator can exclude their audit entries explicitly.
func (r *SQLOrderReader) GetChangeOrderDeltas(ctx context.Context, orderID string) ([]models.ChangeOrderDelta, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, change_order_number, deposit_delta, status
		FROM change_orders WHERE order_id = $1
		ORDER BY change_order_number`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deltas []models.ChangeOrderDelta
	for rows.Next() {
		var (
			delta    models.ChangeOrderDelta
			rawDelta string
			status   string
		)
		if err := rows.Scan(&delta.ChangeOrderID, &delta.ChangeOrderNumber, &rawDelta, &status); err != nil {
			return nil, err
		}
		signed, err := decimal.NewFromString(rawDelta)
		if err != nil {
			return nil, fmt.Errorf("parsing deposit delta for change order %s: %w", delta.ChangeOrderID, err)
		}
		if signed.IsNegative() {
			delta.Direction = models.DirectionDecrease
			delta.Amount = signed.Neg()
		} else {
			delta.Direction = models.DirectionIncrease
			delta.Amount = signed
		}
		delta.Terminal = status == "approved" || status == "signed"
		deltas = append(deltas, delta)
	}
	return deltas, rows.Err()
}
