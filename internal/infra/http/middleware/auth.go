package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/openctemio/scanworker/pkg/apierror"
	"github.com/openctemio/scanworker/pkg/jwt"
	"github.com/openctemio/scanworker/pkg/logger"
)

// UserIDKey holds the authenticated user id.
const UserIDKey = logger.ContextKeyUserID

// ClaimsKey holds the verified token claims.
const ClaimsKey logger.ContextKey = "claims"

// WorkerTokenHeader carries the shared worker token on /process.
const WorkerTokenHeader = "X-Worker-Token"

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*jwt.Claims, error)
}

// GetUserID extracts the user ID from context.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

// GetClaims extracts the verified claims from context.
func GetClaims(ctx context.Context) *jwt.Claims {
	if claims, ok := ctx.Value(ClaimsKey).(*jwt.Claims); ok {
		return claims
	}
	return nil
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// Auth requires a valid bearer token and stores the user id in the context.
func Auth(validator TokenValidator, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				RecordAuthFailure("missing_token")
				apierror.Unauthorized("Missing authorization token").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}

			claims, err := validator.ValidateAccessToken(tokenString)
			if err != nil {
				handleAuthError(w, r, err, log)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserIdentifier())
			ctx = context.WithValue(ctx, ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error, log *logger.Logger) {
	switch {
	case errors.Is(err, jwt.ErrExpiredToken):
		RecordAuthFailure("expired")
		apierror.Unauthorized("Token has expired").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
	case errors.Is(err, jwt.ErrInvalidTokenType):
		RecordAuthFailure("token_type")
		apierror.Unauthorized("Invalid token type").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
	case errors.Is(err, jwt.ErrEmptyUserID):
		RecordAuthFailure("no_subject")
		apierror.Unauthorized("Token has no user").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
	default:
		RecordAuthFailure("invalid")
		log.Debug("token validation failed",
			"error", err,
			"request_id", GetRequestID(r.Context()),
		)
		apierror.Unauthorized("Invalid token").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
	}
}

// WorkerToken requires the shared worker token, sent either in
// X-Worker-Token or as a bearer token. An empty token rejects every request.
func WorkerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WorkerTokenHeader)
			if got == "" {
				got = bearerToken(r)
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				RecordAuthFailure("worker_token")
				apierror.Unauthorized("Invalid worker token").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
