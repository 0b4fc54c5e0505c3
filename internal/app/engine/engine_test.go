package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Defman/unleash-edge/internal/app/domain/features"
)

func payloadWith(body string, etag string) *features.ClientFeatures {
	return &features.ClientFeatures{
		Body:      json.RawMessage(body),
		Etag:      etag,
		FetchedAt: time.Now().UTC(),
	}
}

func TestBuildIndexesFeatures(t *testing.T) {
	payload := payloadWith(`{
		"version": 2,
		"features": [
			{"name": "checkout-flow", "enabled": true, "strategies": [{"name": "default"}]},
			{"name": "new-banner", "enabled": false}
		]
	}`, `"v1"`)

	eng, err := Build(payload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if eng.Len() != 2 {
		t.Fatalf("len = %d, want 2", eng.Len())
	}
	if eng.Etag() != `"v1"` {
		t.Fatalf("etag = %q", eng.Etag())
	}

	raw, ok := eng.Get("checkout-flow")
	if !ok {
		t.Fatalf("expected indexed feature")
	}
	var decoded struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || !decoded.Enabled {
		t.Fatalf("raw definition did not round-trip: %v", err)
	}

	names := eng.Names()
	if len(names) != 2 || names[0] != "checkout-flow" || names[1] != "new-banner" {
		t.Fatalf("names must preserve payload order, got %v", names)
	}
}

func TestBuildEmptyDocument(t *testing.T) {
	eng, err := Build(payloadWith(`{"version":2}`, `"v0"`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if eng.Len() != 0 {
		t.Fatalf("expected empty index")
	}
	if len(eng.Resolved()) != 0 {
		t.Fatalf("resolved view of empty payload must be empty")
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	if _, err := Build(nil); err == nil {
		t.Fatalf("nil payload must fail")
	}
	if _, err := Build(payloadWith(`{not json`, "")); err == nil {
		t.Fatalf("invalid JSON must fail")
	}
	if _, err := Build(payloadWith(`{"features": {"a": 1}}`, "")); err == nil {
		t.Fatalf("non-array features must fail")
	}
	if _, err := Build(payloadWith(`{"features": [{"enabled": true}]}`, "")); err == nil {
		t.Fatalf("unnamed feature must fail")
	}
}

func TestResolvedPreservesDefinitions(t *testing.T) {
	payload := payloadWith(`{"features":[{"name":"a","enabled":true},{"name":"b","enabled":false}]}`, `"v2"`)
	eng, err := Build(payload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	resolved := eng.Resolved()
	if len(resolved) != 2 {
		t.Fatalf("resolved len = %d", len(resolved))
	}
	encoded, err := json.Marshal(resolved)
	if err != nil {
		t.Fatalf("marshal resolved: %v", err)
	}
	var decoded []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if decoded[0].Name != "a" || decoded[1].Name != "b" {
		t.Fatalf("resolved order lost: %v", decoded)
	}
}
