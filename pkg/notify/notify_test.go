package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func sample() Notification {
	return Notification{
		ID:        "patch-0123456789abcdef",
		Kind:      KindPatchGenerated,
		Subject:   "gdpr",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"urgency": "high"},
	}
}

func TestWebhook_Delivers(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	require.NoError(t, w.Notify(context.Background(), sample()))
	assert.Equal(t, "patch-0123456789abcdef", got.ID)
	assert.Equal(t, KindPatchGenerated, got.Kind)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(WebhookConfig{URL: srv.URL, MaxRetries: 3})
	w.sleep = noSleep
	require.NoError(t, w.Notify(context.Background(), sample()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(WebhookConfig{URL: srv.URL, MaxRetries: 3})
	w.sleep = noSleep
	err := w.Notify(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(WebhookConfig{URL: srv.URL, BreakerThreshold: 2, BreakerReset: time.Hour})
	w.sleep = noSleep
	ctx := context.Background()

	require.Error(t, w.Notify(ctx, sample()))
	require.Error(t, w.Notify(ctx, sample()))
	assert.True(t, w.breaker.Open())

	err := w.Notify(ctx, sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("x", 1, time.Minute)
	cb.now = func() time.Time { return now }

	cb.Failure()
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(), "trial call after reset timeout")
	cb.Failure()
	assert.False(t, cb.Allow(), "failed trial reopens")

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.False(t, cb.Open())
}

type failing struct{ err error }

func (f failing) Notify(context.Context, Notification) error { return f.err }

type counting struct{ n int }

func (c *counting) Notify(context.Context, Notification) error { c.n++; return nil }

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	c := &counting{}
	m := Multi{failing{boom}, c, NewLogNotifier(nil), Nop{}}

	err := m.Notify(context.Background(), sample())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.n, "later sinks still run")

	assert.NoError(t, Multi{c}.Notify(context.Background(), sample()))
}
