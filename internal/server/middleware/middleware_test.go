package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, Caller(r.Context()))
	})
}

func signed(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuth(t *testing.T) {
	h := Auth("k3y", "jwt-secret")(echoCaller())
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		header string
		value  string
		status int
		caller string
	}{
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"api key header", "X-API-Key", "k3y", http.StatusOK, APIKeyCaller},
		{"api key bearer", "Authorization", "Bearer k3y", http.StatusOK, APIKeyCaller},
		{"wrong key", "X-API-Key", "nope", http.StatusUnauthorized, ""},
		{"jwt", "Authorization", "Bearer " + signed(t, "jwt-secret", "ops@desk", future), http.StatusOK, "ops@desk"},
		{"jwt wrong secret", "Authorization", "Bearer " + signed(t, "other", "ops@desk", future), http.StatusUnauthorized, ""},
		{"jwt expired", "Authorization", "Bearer " + signed(t, "jwt-secret", "ops@desk", time.Now().Add(-time.Minute)), http.StatusUnauthorized, ""},
		{"jwt without subject", "Authorization", "Bearer " + signed(t, "jwt-secret", "", future), http.StatusUnauthorized, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.caller, rec.Body.String())
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("", "")(echoCaller()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}

type limiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *limiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	l := &limiter{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	RateLimit(l, 5, time.Second, logger)(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, []string{"ratelimit:api:203.0.113.9"}, l.keys)

	l = &limiter{err: errors.New("redis down")}
	rec = httptest.NewRecorder()
	RateLimit(l, 5, time.Second, logger)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code, "limiter errors fail open")
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://desk.example"})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/control/halt", nil)
	req.Header.Set("Origin", "https://desk.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://desk.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
