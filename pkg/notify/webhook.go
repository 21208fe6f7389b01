package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// WebhookConfig configures WebhookNotifier.
type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	// BreakerThreshold consecutive failures open the circuit for
	// BreakerReset.
	BreakerThreshold int
	BreakerReset     time.Duration
	// BaseBackoff is doubled on every retry.
	BaseBackoff time.Duration
}

// WebhookNotifier POSTs each notification as JSON. 5xx responses and
// transport errors are retried with exponential backoff and jitter; a
// circuit breaker stops hammering a dead endpoint.
type WebhookNotifier struct {
	cfg     WebhookConfig
	client  *http.Client
	breaker *CircuitBreaker
	sleep   func(context.Context, time.Duration) error
}

// NewWebhookNotifier creates a webhook sink with defaults filled in.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	return &WebhookNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker(cfg.URL, cfg.BreakerThreshold, cfg.BreakerReset),
		sleep:   sleepCtx,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if !w.breaker.Allow() {
		return fmt.Errorf("notify: circuit breaker open for %s", w.cfg.URL)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
			if j, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
				backoff += time.Duration(j.Int64()) * time.Millisecond
			}
			if err := w.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}

		retry, err := w.post(ctx, payload)
		if err == nil {
			w.breaker.Success()
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	w.breaker.Failure()
	return lastErr
}

// post reports whether a failure is worth retrying.
func (w *WebhookNotifier) post(ctx context.Context, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("notify: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("notify: post %s: %w", w.cfg.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("notify: %s returned %d", w.cfg.URL, resp.StatusCode)
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("notify: %s returned %d", w.cfg.URL, resp.StatusCode)
	}
	return false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
