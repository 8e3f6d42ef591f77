package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeSettlementWrite authorizes the settlement ingestion endpoint.
const ScopeSettlementWrite = "settlement:write"

type subjectContextKey struct{}

// IngressClaims carries the scopes granted to an internal caller.
type IngressClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *IngressClaims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// BearerAuth validates HS256 bearer tokens and requires the given scope.
type BearerAuth struct {
	secret []byte
	nowFn  func() time.Time
}

// NewBearerAuth constructs the validator. The secret must be non-empty.
func NewBearerAuth(secret []byte) *BearerAuth {
	if len(secret) == 0 {
		panic("middleware: bearer secret required")
	}
	return &BearerAuth{secret: secret, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for token validation.
func (b *BearerAuth) SetNowFunc(now func() time.Time) {
	if now != nil {
		b.nowFn = now
	}
}

// Require rejects requests lacking a valid token with the scope.
func (b *BearerAuth) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			claims, err := b.parse(req)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if !claims.hasScope(scope) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			ctx := context.WithValue(req.Context(), subjectContextKey{}, claims.Subject)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func (b *BearerAuth) parse(req *http.Request) (*IngressClaims, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		return nil, fmt.Errorf("missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("authorization header must use bearer scheme")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	claims := &IngressClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithTimeFunc(b.nowFn), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token invalid")
	}
	return claims, nil
}

// Subject reports the token subject stored during authentication.
func Subject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectContextKey{}).(string)
	return sub
}
