package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"sovereign/pkg/requestcontext"
)

// OperatorValidator validates operator bearer tokens.
type OperatorValidator interface {
	ValidateOperator(tokenString string) (*OperatorClaims, error)
}

// OperatorClaims represents the claims we expect from the validator.
type OperatorClaims struct {
	OperatorID string
	Role       string
}

// GetOperatorID retrieves the authenticated operator from the context.
var GetOperatorID = requestcontext.OperatorID

// RequireOperator guards human-review endpoints with an operator JWT.
func RequireOperator(validator OperatorValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				writeUnauthorized(w, "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateOperator(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeUnauthorized(w, "Invalid or expired token")
				return
			}

			ctx = requestcontext.WithOperatorID(ctx, claims.OperatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + desc + `"}`))
}
