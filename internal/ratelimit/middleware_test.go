package ratelimit_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/ratelimit"
)

func TestMiddlewareEnforcesLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	rule := ratelimit.Rule{Prefix: "mw", Limit: 2, Window: time.Minute}
	handler := ratelimit.Middleware(limiter, rule, ratelimit.IPKeyFunc, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, http.StatusOK, do().Code)

	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.True(t, body.Error.Retryable)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	rule := ratelimit.Rule{Prefix: "mw-skip", Limit: 1, Window: time.Minute}
	handler := ratelimit.Middleware(limiter, rule, func(*http.Request) string { return "" }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	rule := ratelimit.Rule{Prefix: "mw-nil", Limit: 1, Window: time.Minute}
	handler := ratelimit.Middleware(nil, rule, ratelimit.IPKeyFunc, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:61234"
	assert.Equal(t, "192.0.2.7", ratelimit.IPKeyFunc(req))
}
