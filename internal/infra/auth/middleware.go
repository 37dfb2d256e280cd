package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

type ctxKey struct{}

// NewMiddleware пропускает только запросы с валидным токеном, в котором есть scope.
// Нет или битый токен: 401, токен без нужного права: 403.
func NewMiddleware(v TokenValidator, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.HasScope(scope) {
				logger.Warn("auth failure", zap.String("user_id", claims.UserID), zap.Error(ErrMissingScope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}

// Operator достает claims оператора, прошедшего NewMiddleware
func Operator(ctx context.Context) (*OperatorClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*OperatorClaims)
	return c, ok
}
