// Package features defines the cached feature payload and refresh bookkeeping.
package features

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
)

// ClientFeatures is the opaque feature document served to SDKs, together
// with the upstream version tag it was fetched under. The edge never
// interprets the body beyond handing it to the evaluation engine.
type ClientFeatures struct {
	Body      json.RawMessage `json:"body"`
	Etag      string          `json:"etag"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Equal compares payloads by ETag and byte-equal body.
func (c *ClientFeatures) Equal(other *ClientFeatures) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Etag == other.Etag && bytes.Equal(c.Body, other.Body)
}

// EnvironmentPayload pairs an environment key with its cached payload for
// persistence.
type EnvironmentPayload struct {
	Environment string         `json:"environment"`
	Payload     ClientFeatures `json:"payload"`
}

// RefreshTarget drives the periodic upstream fetch for one validated token.
// LastRefreshed records the last 200 with a body; LastCheck records the last
// successful response of any kind, 304 included.
type RefreshTarget struct {
	Token         edgetoken.EdgeToken `json:"token"`
	Etag          string              `json:"etag,omitempty"`
	LastRefreshed *time.Time          `json:"last_refreshed,omitempty"`
	LastCheck     *time.Time          `json:"last_check,omitempty"`
}

// NewRefreshTarget wraps a freshly validated token with empty bookkeeping.
func NewRefreshTarget(token edgetoken.EdgeToken) *RefreshTarget {
	return &RefreshTarget{Token: token}
}

// MarkRefreshed records a successful fetch that replaced the payload.
func (r *RefreshTarget) MarkRefreshed(etag string, at time.Time) {
	r.Etag = etag
	r.LastRefreshed = &at
	r.LastCheck = &at
}

// MarkChecked records a successful conditional fetch that found no update.
func (r *RefreshTarget) MarkChecked(at time.Time) {
	r.LastCheck = &at
}

// Clone returns an independent copy, detaching the timestamp pointers.
func (r *RefreshTarget) Clone() *RefreshTarget {
	out := &RefreshTarget{Token: r.Token, Etag: r.Etag}
	if r.LastRefreshed != nil {
		t := *r.LastRefreshed
		out.LastRefreshed = &t
	}
	if r.LastCheck != nil {
		t := *r.LastCheck
		out.LastCheck = &t
	}
	return out
}
