// Package middleware provides the HTTP middleware stack: authentication,
// per-client rate limiting and CORS.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// Claims are the token claims the engine reads. The subject is the user id;
// account_id names the wallet the user is billed against.
type Claims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

type ctxKey string

const (
	userIDKey    ctxKey = "user_id"
	accountIDKey ctxKey = "account_id"
)

// UserID returns the authenticated user id, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// AccountID returns the authenticated account id, or "".
func AccountID(ctx context.Context) string {
	v, _ := ctx.Value(accountIDKey).(string)
	return v
}

// WithIdentity injects an identity directly. Test helper.
func WithIdentity(ctx context.Context, userID, accountID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, accountIDKey, accountID)
}

// Auth validates bearer tokens and stores the caller identity on the
// request context.
type Auth struct {
	secret    []byte
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuth creates the auth middleware. skipPaths bypass authentication
// entirely (health and metrics endpoints).
func NewAuth(secret string, log *logger.Logger, skipPaths []string) *Auth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &Auth{secret: []byte(secret), log: log, skipPaths: skip}
}

// Handler returns the middleware handler.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			respondError(w, apperr.New(apperr.CodeUnauthenticated, "missing Authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondError(w, apperr.New(apperr.CodeUnauthenticated, "invalid Authorization header format"))
			return
		}

		claims, err := a.validate(parts[1])
		if err != nil {
			a.log.WithError(err).Warn("token validation failed")
			respondError(w, apperr.New(apperr.CodeUnauthenticated, "invalid token"))
			return
		}

		ctx := WithIdentity(r.Context(), claims.Subject, claims.AccountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Newf(apperr.CodeUnauthenticated, "unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "invalid claims")
	}
	return claims, nil
}

// SignToken mints a token for a user and account. Used by tests and the
// local development tooling.
func SignToken(secret, userID, accountID string, ttl time.Duration) (string, error) {
	claims := Claims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))

	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Wrap(apperr.CodeInternal, "internal error", err)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"error": e})
}
