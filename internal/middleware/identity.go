package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/identity"
)

// IdentityMiddleware authenticates the bearer token and resolves the
// operator behind it. The token only proves who is calling; the
// operator's role comes from the provider on every request, so role
// changes apply immediately.
func IdentityMiddleware(secret string, provider identity.Provider, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			claims := &identity.Claims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !parsed.Valid {
				logger.Debug("rejected bearer token", zap.Error(err))
				writeUnauthorized(w, "invalid bearer token")
				return
			}
			if claims.Subject == "" {
				writeUnauthorized(w, "token has no subject")
				return
			}

			operator, err := provider.Lookup(r.Context(), claims.Subject)
			if err != nil {
				logger.Warn("failed to resolve operator",
					zap.String("uid", claims.Subject),
					zap.Error(err))
				writeUnauthorized(w, "unknown operator")
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.WithOperator(r.Context(), operator)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"status":"error","message":%q}`+"\n", msg)
}
