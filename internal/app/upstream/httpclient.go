package upstream

import (
	"net/http"
	"time"
)

// copyHTTPClientWithTimeout returns a shallow copy of base with its Timeout
// set. It never mutates the caller-provided instance, so a shared client can
// be handed to multiple components safely.
//
// If base is nil, it returns a new http.Client.
// If base.Timeout is zero, the timeout is always set.
// If force is true, the timeout is set even when base.Timeout is non-zero.
func copyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: timeout}
	}

	copied := *base
	if copied.Timeout == 0 || force {
		copied.Timeout = timeout
	}
	return &copied
}
