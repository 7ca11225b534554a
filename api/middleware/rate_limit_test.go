package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/greenbasket/greenbasket-backend/pkg/config"
)

type fakeLimiter struct {
	counts map[string]int64
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{counts: make(map[string]int64)}
}

func (f *fakeLimiter) FixedWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	f.counts[scope]++
	return f.counts[scope] <= limit, f.counts[scope], nil
}

func TestRateLimitBlocksAfterLimit(t *testing.T) {
	store := newFakeLimiter()
	cfg := config.RateLimitConfig{Window: time.Minute, RequestLimit: 2}
	handler := RateLimit(cfg, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 got %d", i+1, resp.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", resp.Code)
	}
}

func TestRateLimitScopesAuthenticatedUsersSeparately(t *testing.T) {
	store := newFakeLimiter()
	cfg := config.RateLimitConfig{Window: time.Minute, RequestLimit: 1}
	handler := RateLimit(cfg, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, user := range []string{"user-a", "user-b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		req = req.WithContext(WithUserID(req.Context(), user))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("user %s: expected 200 got %d", user, resp.Code)
		}
	}
}

func TestRateLimitDisabledWithoutStore(t *testing.T) {
	cfg := config.RateLimitConfig{Window: time.Minute, RequestLimit: 1}
	handler := RateLimit(cfg, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d", resp.Code)
		}
	}
}
