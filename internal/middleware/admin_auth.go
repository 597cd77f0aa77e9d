package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ctxAdminKey contextKey = "admin"

type adminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AdminAuth guards administrative endpoints with an HS256 bearer token whose
// role claim is "admin". An empty secret disables the endpoints entirely
// rather than leaving them open.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"admin access is not configured"}`, http.StatusForbidden)
				return
			}

			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			subject, err := validateAdminToken(raw, []byte(secret))
			if err != nil {
				http.Error(w, `{"error":"invalid admin token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxAdminKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminFromCtx returns the authenticated admin subject, or "" when the
// request did not pass AdminAuth.
func AdminFromCtx(ctx context.Context) string {
	subject, _ := ctx.Value(ctxAdminKey).(string)
	return subject
}

func validateAdminToken(raw string, secret []byte) (string, error) {
	tok, err := jwt.ParseWithClaims(raw, &adminClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	c, ok := tok.Claims.(*adminClaims)
	if !ok || !tok.Valid {
		return "", errors.New("invalid token")
	}
	if c.Role != "admin" {
		return "", errors.New("not an admin token")
	}
	return c.Subject, nil
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
