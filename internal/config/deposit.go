package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerConfig holds ledger tunables sourced from the environment.
type LedgerConfig struct {
	DepositCacheTTL      time.Duration
	DefaultDepositRate   decimal.Decimal
	ReconciliationWindow time.Duration
	ProcessorRPS         float64
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		DepositCacheTTL:      getEnvAsDuration("DEPOSIT_CACHE_TTL", 10*time.Minute),
		DefaultDepositRate:   getEnvAsDecimal("DEFAULT_DEPOSIT_RATE", decimal.NewFromFloat(0.10)),
		ReconciliationWindow: getEnvAsDuration("RECONCILIATION_LOOKBACK", 72*time.Hour),
		ProcessorRPS:         getEnvAsFloat("PROCESSOR_RPS", 10),
	}
}

// RateLoader fetches the per-manufacturer deposit percentages.
type RateLoader func(ctx context.Context) (map[string]decimal.Decimal, error)

// NewSQLRateLoader reads rates from the manufacturers table.
func NewSQLRateLoader(db *sql.DB) RateLoader {
	return func(ctx context.Context) (map[string]decimal.Decimal, error) {
		rows, err := db.QueryContext(ctx, `SELECT code, deposit_rate FROM manufacturers`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		rates := make(map[string]decimal.Decimal)
		for rows.Next() {
			var code, raw string
			if err := rows.Scan(&code, &raw); err != nil {
				return nil, err
			}
			rate, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("parsing deposit rate for %s: %w", code, err)
			}
			rates[code] = rate
		}
		return rates, rows.Err()
	}
}

// DepositRateCache caches manufacturer deposit percentages with a TTL. The
// clock is injectable so tests can assert staleness and refresh behavior
// deterministically.
type DepositRateCache struct {
	loader      RateLoader
	ttl         time.Duration
	now         func() time.Time
	defaultRate decimal.Decimal

	mu        sync.Mutex
	rates     map[string]decimal.Decimal
	fetchedAt time.Time
}

func NewDepositRateCache(loader RateLoader, ttl time.Duration, defaultRate decimal.Decimal, now func() time.Time) *DepositRateCache {
	if now == nil {
		now = time.Now
	}
	return &DepositRateCache{
		loader:      loader,
		ttl:         ttl,
		now:         now,
		defaultRate: defaultRate,
	}
}

// Rate returns the manufacturer's deposit percentage, refreshing the cache
// when stale. Unknown manufacturers fall back to the default rate.
func (c *DepositRateCache) Rate(ctx context.Context, manufacturer string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rates == nil || c.now().Sub(c.fetchedAt) >= c.ttl {
		rates, err := c.loader(ctx)
		if err != nil {
			if c.rates == nil {
				return decimal.Zero, err
			}
			// Stale data beats no data; the next call retries the refresh.
			return c.lookup(manufacturer), nil
		}
		c.rates = rates
		c.fetchedAt = c.now()
	}
	return c.lookup(manufacturer), nil
}

func (c *DepositRateCache) lookup(manufacturer string) decimal.Decimal {
	if rate, ok := c.rates[manufacturer]; ok {
		return rate
	}
	return c.defaultRate
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if decVal, err := decimal.NewFromString(val); err == nil {
			return decVal
		}
	}
	return defaultVal
}
