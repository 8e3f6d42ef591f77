package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var bearerSecret = []byte("settlement-ingress-secret")

func mintToken(t *testing.T, scopes []string, expiresAt time.Time) string {
	t.Helper()
	claims := IngressClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "chain-watcher",
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(bearerSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func protectedHandler(t *testing.T) http.Handler {
	t.Helper()
	b := NewBearerAuth(bearerSecret)
	return b.Require(ScopeSettlementWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Subject(r.Context()) != "chain-watcher" {
			t.Error("subject not propagated")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	handler := protectedHandler(t)

	req := httptest.NewRequest("POST", "/internal/settlements", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, []string{ScopeSettlementWrite}, time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestBearerAuthRejectsMissingOrMalformedHeader(t *testing.T) {
	handler := protectedHandler(t)

	for _, header := range []string{"", "Basic abc", "Bearer not.a.token"} {
		req := httptest.NewRequest("POST", "/internal/settlements", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestBearerAuthRejectsMissingScope(t *testing.T) {
	handler := protectedHandler(t)

	req := httptest.NewRequest("POST", "/internal/settlements", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, []string{"reports:read"}, time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestBearerAuthRejectsExpiredToken(t *testing.T) {
	handler := protectedHandler(t)

	req := httptest.NewRequest("POST", "/internal/settlements", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, []string{ScopeSettlementWrite}, time.Now().Add(-time.Hour)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuthRejectsWrongSigningKey(t *testing.T) {
	handler := protectedHandler(t)

	claims := IngressClaims{
		Scopes:           []string{ScopeSettlementWrite},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest("POST", "/internal/settlements", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRateLimiterMiddlewareThrottles(t *testing.T) {
	logger := discardLogger()
	limiter := NewRateLimiter(map[string]RateLimit{
		"intents": {RequestsPerMinute: 60, Burst: 2},
	}, logger)

	handler := limiter.Middleware("intents")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/intents", nil)
		req.RemoteAddr = "10.1.2.3:55555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("exhausted burst should throttle, got %v", codes)
	}

	// A different client keeps its own bucket.
	req := httptest.NewRequest("POST", "/v1/intents", nil)
	req.RemoteAddr = "10.9.9.9:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("independent client throttled: %d", rec.Code)
	}
}

func TestRateLimiterMiddlewareUnknownKeyPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, discardLogger())
	handler := limiter.Middleware("unconfigured")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/v1/events", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("unconfigured key must not throttle, got %d", rec.Code)
		}
	}
}
