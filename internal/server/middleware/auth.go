package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/posync/internal/server/handlers"
)

// AuthMiddleware создает middleware для проверки JWT токена сессии.
// В контекст запроса кладется owner_id, которым ограничиваются все запросы к данным.
func AuthMiddleware(logger *slog.Logger, jwtConfig handlers.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("Missing Authorization header", "path", r.URL.Path)
				handlers.WriteProblem(w, r, http.StatusUnauthorized, "missing token")
				return
			}

			// Ожидаем формат: "Bearer <token>"
			scheme, tokenString, found := strings.Cut(authHeader, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tokenString) == "" {
				logger.Warn("Invalid Authorization header format")
				handlers.WriteProblem(w, r, http.StatusUnauthorized, "invalid token format")
				return
			}

			claims, err := handlers.ValidateAccessToken(jwtConfig, strings.TrimSpace(tokenString))
			if err != nil {
				logger.Warn("Invalid access token", "error", err)
				handlers.WriteProblem(w, r, http.StatusUnauthorized, "invalid token")
				return
			}

			logger.Debug("Session authenticated", "owner_id", claims.OwnerID, "subject", claims.Subject)

			ctx := handlers.WithOwner(r.Context(), claims.OwnerID, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
