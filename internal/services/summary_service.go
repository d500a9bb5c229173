package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/events"
	"github.com/spanbilt/backend/internal/models"
)

// OrderReader is the order-management collaborator. Only terminal
// (approved/signed) change orders surface a deposit delta to the calculator.
type OrderReader interface {
	GetOrderBaseline(ctx context.Context, orderID string) (*models.OrderBaseline, error)
	GetChangeOrderDeltas(ctx context.Context, orderID string) ([]models.ChangeOrderDelta, error)
}

// CalculateSummary derives a LedgerSummary from an order's non-voided entries
// and change-order deltas. Pure and deterministic: same inputs, identical
// output, which is what makes recalculation safe to re-run after failures,
// corrections and migrations. CalculatedAt is stamped by the caller when the
// summary is persisted, never here.
func CalculateSummary(orderID string, originalDeposit decimal.Decimal, entries []models.LedgerEntry, deltas []models.ChangeOrderDelta) models.LedgerSummary {
	// Ties among same-timestamp entries break on insertion sequence, not
	// wall clock.
	sorted := make([]models.LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})

	terminal := make(map[string]bool, len(deltas))
	for _, d := range deltas {
		if d.Terminal {
			terminal[d.ChangeOrderID] = true
		}
	}

	summary := models.LedgerSummary{
		OrderID:            orderID,
		OriginalDeposit:    originalDeposit,
		DepositAdjustments: decimal.Zero,
		TotalReceived:      decimal.Zero,
		TotalRefunded:      decimal.Zero,
		PendingReceived:    decimal.Zero,
		PendingRefunds:     decimal.Zero,
	}

	for _, e := range sorted {
		if e.Status == models.StatusVoided {
			continue
		}
		summary.EntryCount++

		switch e.TransactionType {
		case models.TxDepositIncrease, models.TxDepositDecrease:
			// An adjustment entry for a draft change order exists for audit
			// visibility only; the change order's status excludes it here.
			if e.ChangeOrderID == nil || !terminal[*e.ChangeOrderID] {
				continue
			}
			if e.TransactionType == models.TxDepositIncrease {
				summary.DepositAdjustments = summary.DepositAdjustments.Add(e.Amount)
			} else {
				summary.DepositAdjustments = summary.DepositAdjustments.Sub(e.Amount)
			}
		case models.TxPayment:
			switch e.Status {
			case models.StatusVerified, models.StatusApproved:
				summary.TotalReceived = summary.TotalReceived.Add(e.Amount)
			case models.StatusPending:
				summary.PendingReceived = summary.PendingReceived.Add(e.Amount)
			}
		case models.TxRefund:
			switch e.Status {
			case models.StatusVerified, models.StatusApproved:
				summary.TotalRefunded = summary.TotalRefunded.Add(e.Amount)
			case models.StatusPending:
				summary.PendingRefunds = summary.PendingRefunds.Add(e.Amount)
			}
		}
	}

	summary.DepositRequired = summary.OriginalDeposit.Add(summary.DepositAdjustments)
	summary.NetReceived = summary.TotalReceived.Sub(summary.TotalRefunded)
	summary.Balance = summary.DepositRequired.Sub(summary.NetReceived)

	switch {
	case summary.Balance.IsZero():
		summary.BalanceStatus = models.BalancePaid
	case summary.Balance.IsPositive():
		summary.BalanceStatus = models.BalanceUnderpaid
	default:
		summary.BalanceStatus = models.BalanceOverpaid
	}
	return summary
}

// SummaryService re-derives and persists per-order summaries. Concurrent
// recalculations for the same order converge: any writer's result over the
// same entry set is identical, so last-writer-wins on the summary row is fine.
type SummaryService struct {
	db        *sql.DB
	ledger    *LedgerService
	orders    OrderReader
	redis     *redis.Client
	publisher events.Publisher
	cacheTTL  time.Duration
}

func NewSummaryService(db *sql.DB, ledger *LedgerService, orders OrderReader, redisClient *redis.Client, publisher events.Publisher) *SummaryService {
	return &SummaryService{
		db:        db,
		ledger:    ledger,
		orders:    orders,
		redis:     redisClient,
		publisher: publisher,
		cacheTTL:  2 * time.Minute,
	}
}

// Recalc reads a self-consistent snapshot of the order's entries, recomputes
// the summary and writes it. Side-effect-free apart from the summary row and
// cache, so overlapping calls are harmless.
func (s *SummaryService) Recalc(ctx context.Context, orderID string) (*models.LedgerSummary, error) {
	baseline, err := s.orders.GetOrderBaseline(ctx, orderID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.EntriesForOrder(ctx, orderID, false)
	if err != nil {
		return nil, fmt.Errorf("loading entries for %s: %w", orderID, err)
	}
	deltas, err := s.orders.GetChangeOrderDeltas(ctx, orderID)
	if err != nil {
		return nil, err
	}

	summary := CalculateSummary(orderID, baseline.OriginalDeposit, entries, deltas)
	summary.CalculatedAt = time.Now().UTC()

	if err := s.store(ctx, &summary); err != nil {
		return nil, err
	}
	s.cache(ctx, &summary)

	if s.publisher != nil {
		event := events.LedgerEvent{
			Kind:       "summary_recalculated",
			OrderID:    orderID,
			Amount:     summary.Balance,
			OccurredAt: summary.CalculatedAt,
		}
		if err := s.publisher.Publish(events.TopicLedgerEvents, event); err != nil {
			log.Printf("[SUMMARY] Failed to publish recalc event for %s: %v", orderID, err)
		}
	}
	return &summary, nil
}

// Get returns the stored summary, recomputing it when no row exists yet.
func (s *SummaryService) Get(ctx context.Context, orderID string) (*models.LedgerSummary, error) {
	if cached := s.fromCache(ctx, orderID); cached != nil {
		return cached, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, original_deposit, deposit_adjustments, deposit_required,
			total_received, total_refunded, net_received, balance, balance_status,
			pending_received, pending_refunds, entry_count, calculated_at
		FROM ledger_summaries WHERE order_id = $1`, orderID)

	var (
		summary                                models.LedgerSummary
		originalDeposit, adjustments, required string
		received, refunded, net, balance       string
		pendingReceived, pendingRefunds        string
	)
	err := row.Scan(&summary.OrderID, &originalDeposit, &adjustments, &required,
		&received, &refunded, &net, &balance, &summary.BalanceStatus,
		&pendingReceived, &pendingRefunds, &summary.EntryCount, &summary.CalculatedAt)
	if err == sql.ErrNoRows {
		return s.Recalc(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}

	for _, pair := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{originalDeposit, &summary.OriginalDeposit},
		{adjustments, &summary.DepositAdjustments},
		{required, &summary.DepositRequired},
		{received, &summary.TotalReceived},
		{refunded, &summary.TotalRefunded},
		{net, &summary.NetReceived},
		{balance, &summary.Balance},
		{pendingReceived, &summary.PendingReceived},
		{pendingRefunds, &summary.PendingRefunds},
	} {
		value, err := decimal.NewFromString(pair.raw)
		if err != nil {
			return nil, fmt.Errorf("parsing summary for %s: %w", orderID, err)
		}
		*pair.dst = value
	}
	return &summary, nil
}

func (s *SummaryService) store(ctx context.Context, summary *models.LedgerSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_summaries (order_id, original_deposit, deposit_adjustments, deposit_required,
			total_received, total_refunded, net_received, balance, balance_status,
			pending_received, pending_refunds, entry_count, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (order_id) DO UPDATE SET
			original_deposit = EXCLUDED.original_deposit,
			deposit_adjustments = EXCLUDED.deposit_adjustments,
			deposit_required = EXCLUDED.deposit_required,
			total_received = EXCLUDED.total_received,
			total_refunded = EXCLUDED.total_refunded,
			net_received = EXCLUDED.net_received,
			balance = EXCLUDED.balance,
			balance_status = EXCLUDED.balance_status,
			pending_received = EXCLUDED.pending_received,
			pending_refunds = EXCLUDED.pending_refunds,
			entry_count = EXCLUDED.entry_count,
			calculated_at = EXCLUDED.calculated_at`,
		summary.OrderID, summary.OriginalDeposit.String(), summary.DepositAdjustments.String(),
		summary.DepositRequired.String(), summary.TotalReceived.String(), summary.TotalRefunded.String(),
		summary.NetReceived.String(), summary.Balance.String(), summary.BalanceStatus,
		summary.PendingReceived.String(), summary.PendingRefunds.String(),
		summary.EntryCount, summary.CalculatedAt)
	if err != nil {
		return fmt.Errorf("storing summary for %s: %w", summary.OrderID, err)
	}
	return nil
}

func (s *SummaryService) cache(ctx context.Context, summary *models.LedgerSummary) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	key := fmt.Sprintf("summary:%s", summary.OrderID)
	if err := s.redis.Set(ctx, key, data, s.cacheTTL).Err(); err != nil {
		log.Printf("[SUMMARY] Cache write failed for %s: %v", summary.OrderID, err)
	}
}

func (s *SummaryService) fromCache(ctx context.Context, orderID string) *models.LedgerSummary {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, fmt.Sprintf("summary:%s", orderID)).Bytes()
	if err != nil {
		return nil
	}
	var summary models.LedgerSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil
	}
	return &summary
}
