// Package clientmetrics models SDK usage metrics aggregated by the edge.
package clientmetrics

import "time"

// ToggleKey identifies one counter in a metrics bucket.
type ToggleKey struct {
	FeatureName string `json:"feature_name"`
	Variant     string `json:"variant"`
	Environment string `json:"environment"`
}

// ToggleCount carries impression counters for one toggle key.
type ToggleCount struct {
	Yes int64 `json:"yes"`
	No  int64 `json:"no"`
}

// ApplicationKey identifies a registered SDK application instance.
type ApplicationKey struct {
	AppName     string `json:"app_name"`
	InstanceID  string `json:"instance_id"`
	Environment string `json:"environment"`
}

// ClientApplication is the registration metadata an SDK submits on connect.
type ClientApplication struct {
	AppName     string    `json:"appName"`
	InstanceID  string    `json:"instanceId"`
	Environment string    `json:"environment,omitempty"`
	SDKVersion  string    `json:"sdkVersion,omitempty"`
	Strategies  []string  `json:"strategies,omitempty"`
	Started     time.Time `json:"started,omitempty"`
	Interval    int64     `json:"interval,omitempty"`
}

// Key returns the identity under which registrations are deduplicated.
func (a ClientApplication) Key() ApplicationKey {
	return ApplicationKey{AppName: a.AppName, InstanceID: a.InstanceID, Environment: a.Environment}
}

// MetricsBatch is one SDK submission: a window of impression counts for a
// single application in a single environment.
type MetricsBatch struct {
	AppName     string `json:"appName"`
	InstanceID  string `json:"instanceId"`
	Environment string `json:"environment"`
	Bucket      struct {
		Start   time.Time `json:"start"`
		Stop    time.Time `json:"stop"`
		Toggles map[string]struct {
			Yes      int64            `json:"yes"`
			No       int64            `json:"no"`
			Variants map[string]int64 `json:"variants,omitempty"`
		} `json:"toggles"`
	} `json:"bucket"`
}

// Bucket is the edge's aggregation window. All access goes through the
// metrics sink, which owns the locking.
type Bucket struct {
	Start        time.Time                            `json:"start"`
	Toggles      map[ToggleKey]ToggleCount            `json:"-"`
	Applications map[ApplicationKey]ClientApplication `json:"-"`
}

// NewBucket returns an empty aggregation window opened at start.
func NewBucket(start time.Time) *Bucket {
	return &Bucket{
		Start:        start,
		Toggles:      make(map[ToggleKey]ToggleCount),
		Applications: make(map[ApplicationKey]ClientApplication),
	}
}

// MergeBatch folds an SDK submission into the bucket. Counters sum; variant
// impressions count toward the variant's own key.
func (b *Bucket) MergeBatch(batch MetricsBatch) {
	for name, toggle := range batch.Bucket.Toggles {
		key := ToggleKey{FeatureName: name, Environment: batch.Environment}
		count := b.Toggles[key]
		count.Yes += toggle.Yes
		count.No += toggle.No
		b.Toggles[key] = count

		for variant, hits := range toggle.Variants {
			vKey := ToggleKey{FeatureName: name, Variant: variant, Environment: batch.Environment}
			vCount := b.Toggles[vKey]
			vCount.Yes += hits
			b.Toggles[vKey] = vCount
		}
	}
}

// MergeApplication records a registration; later metadata wins on conflict.
func (b *Bucket) MergeApplication(app ClientApplication) {
	b.Applications[app.Key()] = app
}

// Empty reports whether the bucket holds nothing worth flushing.
func (b *Bucket) Empty() bool {
	return len(b.Toggles) == 0 && len(b.Applications) == 0
}
