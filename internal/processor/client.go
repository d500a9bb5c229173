package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// TransactionStatus is the processor's view of a transaction.
type TransactionStatus string

const (
	StatusSucceeded TransactionStatus = "succeeded"
	StatusPending   TransactionStatus = "pending"
	StatusFailed    TransactionStatus = "failed"
	StatusRefunded  TransactionStatus = "refunded"
	StatusUnknown   TransactionStatus = "unknown"
)

// Final reports whether the status is a final success from the processor's
// side. Reconciliation treats anything else as missing_external.
func (s TransactionStatus) Final() bool {
	return s == StatusSucceeded || s == StatusRefunded
}

// TransactionRecord is the processor's authoritative record for one
// transaction.
type TransactionRecord struct {
	ID        string            `json:"id"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency"`
	Status    TransactionStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Client is the payment-processor port consumed by reconciliation and
// refunds. Implementations translate transport failures into the package's
// typed errors so callers never see raw HTTP details.
type Client interface {
	RetrieveTransaction(ctx context.Context, id string) (*TransactionRecord, error)
	CreateRefund(ctx context.Context, transactionID string, amount decimal.Decimal) (string, error)
	ListTransactionsSince(ctx context.Context, since time.Time) ([]TransactionRecord, error)
}

var (
	// ErrReferenceNotFound means the processor has no record for the id.
	// Permanent; never retried.
	ErrReferenceNotFound = errors.New("processor has no record for reference")
	// ErrProviderDown covers 5xx responses and transport failures. Retried
	// with bounded backoff.
	ErrProviderDown = errors.New("payment processor unavailable")
)

// HTTPClient talks to the processor's REST API. Calls are rate-limited and
// retried per the policy; processor latency dominates reconciliation runs.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
}

func NewHTTPClient(baseURL, apiKey string, requestsPerSecond float64) *HTTPClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
		retry:   DefaultRetryPolicy(),
	}
}

func (c *HTTPClient) RetrieveTransaction(ctx context.Context, id string) (*TransactionRecord, error) {
	var record TransactionRecord
	err := c.retry.Do(ctx, func() error {
		return c.getJSON(ctx, "/v1/transactions/"+url.PathEscape(id), &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *HTTPClient) CreateRefund(ctx context.Context, transactionID string, amount decimal.Decimal) (string, error) {
	body := fmt.Sprintf(`{"transactionId":%q,"amount":%q}`, transactionID, amount.String())
	var resp struct {
		ID string `json:"id"`
	}
	err := c.retry.Do(ctx, func() error {
		return c.postJSON(ctx, "/v1/refunds", body, &resp)
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *HTTPClient) ListTransactionsSince(ctx context.Context, since time.Time) ([]TransactionRecord, error) {
	path := "/v1/transactions?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	var resp struct {
		Transactions []TransactionRecord `json:"transactions"`
	}
	err := c.retry.Do(ctx, func() error {
		return c.getJSON(ctx, path, &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	return c.roundTrip(ctx, http.MethodGet, path, "", out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path, body string, out any) error {
	return c.roundTrip(ctx, http.MethodPost, path, body, out)
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path, body string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrReferenceNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrProviderDown, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("processor rejected %s %s: status %d", method, path, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
