package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPConfig configures the HTTP gateway adapter
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Circuit breaker
	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerOpenTimeout  time.Duration
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
}

// HTTPGateway talks JSON to the payment processor and guards every call with a
// circuit breaker. Declines and unknown keys are answers, not failures, and do
// not trip the breaker.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ Gateway = (*HTTPGateway)(nil)

type createIntentRequest struct {
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"payment_method"`
	CaptureMethod string `json:"capture_method"`
}

type errorResponse struct {
	Error    string `json:"error"`
	IntentID string `json:"intent_id,omitempty"`
}

// NewHTTPGateway creates the adapter
func NewHTTPGateway(cfg HTTPConfig, logger *slog.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 1
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = 3
	}
	if cfg.BreakerFailureRatio <= 0 {
		cfg.BreakerFailureRatio = 0.6
	}

	gw := &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}

	gw.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.BreakerMinRequests && failureRatio >= cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsDeclined(err) || errors.Is(err, ErrIntentNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Payment gateway circuit breaker changed state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return gw
}

func (g *HTTPGateway) CreatePaymentIntent(ctx context.Context, amount int64, paymentMethodRef, key string) (*Intent, error) {
	body := createIntentRequest{
		Amount:        amount,
		PaymentMethod: paymentMethodRef,
		CaptureMethod: "manual",
	}
	return g.call(ctx, http.MethodPost, "/v1/payment_intents", key, body)
}

func (g *HTTPGateway) CaptureIntent(ctx context.Context, intentID, key string) (*Intent, error) {
	return g.call(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/capture", key, nil)
}

func (g *HTTPGateway) ReleaseIntent(ctx context.Context, intentID, key string) (*Intent, error) {
	return g.call(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/release", key, nil)
}

func (g *HTTPGateway) ReverseIntent(ctx context.Context, intentID, key string) (*Intent, error) {
	return g.call(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/reverse", key, nil)
}

func (g *HTTPGateway) LookupIntent(ctx context.Context, key string) (*Intent, error) {
	return g.call(ctx, http.MethodGet, "/v1/idempotency_keys/"+url.PathEscape(key), "", nil)
}

func (g *HTTPGateway) call(ctx context.Context, method, path, key string, body interface{}) (*Intent, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.do(ctx, method, path, key, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		return nil, err
	}
	return result.(*Intent), nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path, key string, body interface{}) (*Intent, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	g.logger.Debug("Payment gateway call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var intent Intent
		if err := json.Unmarshal(data, &intent); err != nil {
			return nil, fmt.Errorf("%s %s: failed to decode intent: %w", method, path, err)
		}
		if intent.Status == StatusDeclined {
			return &intent, &DeclinedError{IntentID: intent.ID, Reason: intent.DeclineReason}
		}
		return &intent, nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		return nil, &DeclinedError{IntentID: e.IntentID, Reason: e.Error}
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrIntentNotFound
	default:
		return nil, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
}
