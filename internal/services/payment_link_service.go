package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/spanbilt/backend/internal/config"
)

// PaymentLinkService issues single-use QR payment links for an order's
// outstanding balance. Links live in Redis with a TTL and are consumed on
// first resolve.
type PaymentLinkService struct {
	redis     *redis.Client
	summaries *SummaryService
	orders    OrderReader
	rates     *config.DepositRateCache
	linkTTL   time.Duration
}

func NewPaymentLinkService(redisClient *redis.Client, summaries *SummaryService, orders OrderReader, rates *config.DepositRateCache) *PaymentLinkService {
	return &PaymentLinkService{
		redis:     redisClient,
		summaries: summaries,
		orders:    orders,
		rates:     rates,
		linkTTL:   24 * time.Hour,
	}
}

// Generate builds a payment link for the order. With no explicit amount it
// charges the outstanding balance; for an order with no deposit agreed yet it
// suggests one from the manufacturer's deposit rate.
func (s *PaymentLinkService) Generate(ctx context.Context, orderID string, amount *decimal.Decimal, actor string) (string, string, error) {
	if s.redis == nil {
		return "", "", fmt.Errorf("payment links unavailable: no redis connection")
	}
	if actor == "" {
		return "", "", &ValidationError{Field: "actor", Message: "a non-anonymous actor is required"}
	}

	charge, err := s.resolveAmount(ctx, orderID, amount)
	if err != nil {
		return "", "", err
	}

	payload := map[string]any{
		"orderId":   orderID,
		"amount":    charge.String(),
		"createdBy": actor,
		"timestamp": time.Now().Unix(),
		"nonce":     s.generateNonce(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)
	key := fmt.Sprintf("paylink:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, s.linkTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}
	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Resolve consumes a link and returns its payload. Links are single-use.
func (s *PaymentLinkService) Resolve(ctx context.Context, code string) (map[string]any, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("payment links unavailable: no redis connection")
	}
	key := fmt.Sprintf("paylink:%s", code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, &NotFoundError{Resource: "payment link", ID: code}
	}
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)
	return payload, nil
}

func (s *PaymentLinkService) resolveAmount(ctx context.Context, orderID string, amount *decimal.Decimal) (decimal.Decimal, error) {
	if amount != nil {
		if !amount.IsPositive() {
			return decimal.Zero, &ValidationError{Field: "amount", Message: "must be strictly positive"}
		}
		return *amount, nil
	}

	summary, err := s.summaries.Get(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	if summary.Balance.IsPositive() {
		return summary.Balance, nil
	}

	// No outstanding balance and no deposit agreed: suggest one from the
	// manufacturer's rate.
	if summary.DepositRequired.IsZero() {
		baseline, err := s.orders.GetOrderBaseline(ctx, orderID)
		if err != nil {
			return decimal.Zero, err
		}
		rate, err := s.rates.Rate(ctx, baseline.Manufacturer)
		if err != nil {
			return decimal.Zero, err
		}
		suggested := baseline.TotalPrice.Mul(rate).Round(2)
		if suggested.IsPositive() {
			return suggested, nil
		}
	}
	return decimal.Zero, &ValidationError{Field: "amount", Message: "order has nothing outstanding"}
}

func (s *PaymentLinkService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
