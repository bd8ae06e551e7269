package core

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"eventbell/internal/types"
)

// OperatorKeyMiddleware requires "Authorization: Bearer <key>" where key
// matches the bcrypt hash configured for the operator. Keys that verified
// once are remembered by their SHA-256 digest so bcrypt runs once per key.
//
// An empty hash disables the check; every request is treated as the
// operator.
func OperatorKeyMiddleware(keyHash string) func(http.Handler) http.Handler {
	var verified sync.Map

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				next.ServeHTTP(w, r.WithContext(types.WithOperator(r.Context())))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
				return
			}
			token := extractBearerToken(authHeader)
			if token == "" {
				writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
				return
			}

			digest := sha256.Sum256([]byte(token))
			if _, ok := verified.Load(digest); !ok {
				if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(token)); err != nil {
					if logger := types.LoggerFromContext(r.Context()); logger != nil {
						logger.Warn("authentication failed: operator key mismatch", "path", r.URL.Path)
					}
					writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
					return
				}
				verified.Store(digest, struct{}{})
			}

			next.ServeHTTP(w, r.WithContext(types.WithOperator(r.Context())))
		})
	}
}

// extractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is case-insensitive (RFC 7235).
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="eventbell"`)
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
