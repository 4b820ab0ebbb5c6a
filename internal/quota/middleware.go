package quota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Kek20703/CloudStorage/internal/metrics"
)

// UserIDFromContext extracts the user ID from the request context.
// This function type allows decoupling from the auth package.
type UserIDFromContext func(ctx context.Context) (userID int64, ok bool)

type errorResponse struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Message: message})
}

// RateLimitMiddleware returns middleware that enforces per-user rate limits.
func RateLimitMiddleware(limiter *RateLimiter, getUserID UserIDFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := getUserID(r.Context())
			if !ok {
				// No user context (unauthenticated request) - let it pass
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(userID) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(userID)))
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UploadLimitMiddleware caps request bodies at maxBytes. Handlers see the
// cap as a *http.MaxBytesError while reading the body; see IsTooLarge.
func UploadLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				if r.ContentLength > maxBytes {
					metrics.RecordUploadTooLarge()
					writeError(w, http.StatusRequestEntityTooLarge, "Upload exceeds the maximum allowed size")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsTooLarge reports whether err was caused by the upload size cap.
func IsTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
