// Package engine compiles feature payloads into the lookup structure the
// frontend surface reads. The engine never interprets activation rules; it
// indexes the opaque document so per-feature lookups do not rescan the body.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Defman/unleash-edge/internal/app/domain/features"
)

// Engine is an immutable compiled view of one feature payload. It is
// rebuilt, never mutated, when the payload is replaced.
type Engine struct {
	etag     string
	payload  *features.ClientFeatures
	index    map[string]json.RawMessage
	ordering []string
}

// Build compiles an engine from a payload. When the document has a
// `features` field it must be an array of objects with a `name` field; a
// document without one compiles to an empty engine. Anything else in the
// document is preserved untouched.
func Build(payload *features.ClientFeatures) (*Engine, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload must not be nil")
	}
	if !gjson.ValidBytes(payload.Body) {
		return nil, fmt.Errorf("feature payload is not valid JSON")
	}

	eng := &Engine{
		etag:    payload.Etag,
		payload: payload,
		index:   make(map[string]json.RawMessage),
	}

	list := gjson.GetBytes(payload.Body, "features")
	if !list.Exists() {
		return eng, nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("feature payload field %q is not an array", "features")
	}

	var badEntry error
	list.ForEach(func(_, feature gjson.Result) bool {
		name := feature.Get("name").String()
		if name == "" {
			badEntry = fmt.Errorf("feature entry without a name")
			return false
		}
		eng.index[name] = json.RawMessage(feature.Raw)
		eng.ordering = append(eng.ordering, name)
		return true
	})
	if badEntry != nil {
		return nil, badEntry
	}
	return eng, nil
}

// Etag returns the version tag of the payload this engine was built from.
func (e *Engine) Etag() string {
	return e.etag
}

// Payload returns the source payload. The engine and the payload it exposes
// always agree on ETag.
func (e *Engine) Payload() *features.ClientFeatures {
	return e.payload
}

// Get returns the raw definition of one feature.
func (e *Engine) Get(name string) (json.RawMessage, bool) {
	raw, ok := e.index[name]
	return raw, ok
}

// Names returns feature names in payload order.
func (e *Engine) Names() []string {
	out := make([]string, len(e.ordering))
	copy(out, e.ordering)
	return out
}

// Len returns the number of indexed features.
func (e *Engine) Len() int {
	return len(e.index)
}

// Resolved assembles the frontend view: the feature definitions the engine
// indexed, in payload order, ready for JSON encoding.
func (e *Engine) Resolved() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(e.ordering))
	for _, name := range e.ordering {
		out = append(out, e.index[name])
	}
	return out
}
