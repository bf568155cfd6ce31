// Package auth guards the control surface with a static bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	logger "github.com/sirupsen/logrus"
)

type contextKey string

const OperatorKey contextKey = "operator"

// OperatorHeader names who issued a request. It is only used for audit logs.
const OperatorHeader = "X-Operator"

func GetOperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(OperatorKey).(string)
	return op, ok && op != ""
}

// RequireToken rejects requests without "Authorization: Bearer <token>".
// An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					logger.WithFields(map[string]interface{}{
						"path":   r.URL.Path,
						"remote": r.RemoteAddr,
					}).Warn("rejected control request without valid token")
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			op := strings.TrimSpace(r.Header.Get(OperatorHeader))
			if op == "" {
				op = "anonymous"
			}
			ctx := context.WithValue(r.Context(), OperatorKey, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
