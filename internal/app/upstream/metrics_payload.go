package upstream

import (
	"sort"
	"time"

	"github.com/Defman/unleash-edge/internal/app/domain/clientmetrics"
)

// BulkMetrics is the wire form of one drained aggregation bucket.
type BulkMetrics struct {
	Applications []clientmetrics.ClientApplication `json:"applications"`
	Metrics      []EnvironmentMetrics              `json:"metrics"`
}

// EnvironmentMetrics groups impression counters per environment.
type EnvironmentMetrics struct {
	Environment string                  `json:"environment"`
	Start       time.Time               `json:"start"`
	Stop        time.Time               `json:"stop"`
	Toggles     map[string]ToggleCounts `json:"toggles"`
}

// ToggleCounts carries the counters for one feature.
type ToggleCounts struct {
	Yes      int64            `json:"yes"`
	No       int64            `json:"no"`
	Variants map[string]int64 `json:"variants,omitempty"`
}

// BuildBulkMetrics converts a drained bucket into the upstream wire form,
// folding per-variant counters back under their feature.
func BuildBulkMetrics(bucket *clientmetrics.Bucket, stop time.Time) BulkMetrics {
	perEnv := make(map[string]map[string]ToggleCounts)
	for key, count := range bucket.Toggles {
		toggles, ok := perEnv[key.Environment]
		if !ok {
			toggles = make(map[string]ToggleCounts)
			perEnv[key.Environment] = toggles
		}
		entry := toggles[key.FeatureName]
		if key.Variant == "" {
			entry.Yes += count.Yes
			entry.No += count.No
		} else {
			if entry.Variants == nil {
				entry.Variants = make(map[string]int64)
			}
			entry.Variants[key.Variant] += count.Yes
		}
		toggles[key.FeatureName] = entry
	}

	out := BulkMetrics{
		Applications: make([]clientmetrics.ClientApplication, 0, len(bucket.Applications)),
		Metrics:      make([]EnvironmentMetrics, 0, len(perEnv)),
	}
	for _, app := range bucket.Applications {
		out.Applications = append(out.Applications, app)
	}
	sort.Slice(out.Applications, func(i, j int) bool {
		if out.Applications[i].AppName == out.Applications[j].AppName {
			return out.Applications[i].InstanceID < out.Applications[j].InstanceID
		}
		return out.Applications[i].AppName < out.Applications[j].AppName
	})

	for env, toggles := range perEnv {
		out.Metrics = append(out.Metrics, EnvironmentMetrics{
			Environment: env,
			Start:       bucket.Start,
			Stop:        stop,
			Toggles:     toggles,
		})
	}
	sort.Slice(out.Metrics, func(i, j int) bool {
		return out.Metrics[i].Environment < out.Metrics[j].Environment
	})
	return out
}
