package httpapi

import (
	"net/http"

	"golang.org/x/time/rate"
)

// wrapWithRateLimit bounds the request rate across all SDK connections. A
// zero requestsPerSec disables limiting.
func wrapWithRateLimit(next http.Handler, requestsPerSec float64, burst int) http.Handler {
	if requestsPerSec <= 0 {
		return next
	}
	if burst <= 0 {
		burst = int(requestsPerSec * 2)
	}
	limiter := rate.NewLimiter(rate.Limit(requestsPerSec), burst)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
