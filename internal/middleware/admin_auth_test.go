package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-admin-secret"

func signToken(t *testing.T, secret, role string, expiresIn time.Duration) string {
	t.Helper()
	c := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func adminProbe(t *testing.T, secret string) (http.Handler, *string) {
	t.Helper()
	var subject string
	h := AdminAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = AdminFromCtx(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &subject
}

func TestAdminAuthAcceptsAdminToken(t *testing.T) {
	h, subject := adminProbe(t, testSecret)

	req := httptest.NewRequest(http.MethodPatch, "/v1/tasks/x/status", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "admin", time.Hour))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "ops", *subject)
}

func TestAdminAuthRejectsBadTokens(t *testing.T) {
	h, _ := adminProbe(t, testSecret)

	cases := map[string]string{
		"missing header": "",
		"wrong role":     "Bearer " + signToken(t, testSecret, "worker", time.Hour),
		"wrong secret":   "Bearer " + signToken(t, "other-secret", "admin", time.Hour),
		"expired":        "Bearer " + signToken(t, testSecret, "admin", -time.Hour),
		"garbage":        "Bearer not-a-jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPatch, "/v1/tasks/x/status", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			require.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestAdminAuthDisabledWithoutSecret(t *testing.T) {
	h, _ := adminProbe(t, "")

	req := httptest.NewRequest(http.MethodPatch, "/v1/tasks/x/status", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "admin", time.Hour))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}
