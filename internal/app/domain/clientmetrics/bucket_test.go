package clientmetrics

import (
	"testing"
	"time"
)

func sampleBatch(env string, yes, no int64) MetricsBatch {
	batch := MetricsBatch{AppName: "shop", InstanceID: "i-1", Environment: env}
	batch.Bucket.Start = time.Now().Add(-time.Minute)
	batch.Bucket.Stop = time.Now()
	batch.Bucket.Toggles = map[string]struct {
		Yes      int64            `json:"yes"`
		No       int64            `json:"no"`
		Variants map[string]int64 `json:"variants,omitempty"`
	}{
		"checkout-flow": {Yes: yes, No: no, Variants: map[string]int64{"blue": yes}},
	}
	return batch
}

func TestMergeBatchSumsCounters(t *testing.T) {
	bucket := NewBucket(time.Now())
	bucket.MergeBatch(sampleBatch("development", 3, 1))
	bucket.MergeBatch(sampleBatch("development", 2, 4))

	key := ToggleKey{FeatureName: "checkout-flow", Environment: "development"}
	count := bucket.Toggles[key]
	if count.Yes != 5 || count.No != 5 {
		t.Fatalf("counters = %+v, want yes=5 no=5", count)
	}

	variant := bucket.Toggles[ToggleKey{FeatureName: "checkout-flow", Variant: "blue", Environment: "development"}]
	if variant.Yes != 5 {
		t.Fatalf("variant counter = %d, want 5", variant.Yes)
	}
}

func TestMergeBatchKeepsEnvironmentsApart(t *testing.T) {
	bucket := NewBucket(time.Now())
	bucket.MergeBatch(sampleBatch("development", 1, 0))
	bucket.MergeBatch(sampleBatch("production", 1, 0))

	if len(bucket.Toggles) != 4 {
		t.Fatalf("expected separate keys per environment, got %d", len(bucket.Toggles))
	}
}

func TestMergeApplicationLastWriterWins(t *testing.T) {
	bucket := NewBucket(time.Now())
	bucket.MergeApplication(ClientApplication{AppName: "shop", InstanceID: "i-1", Environment: "development", SDKVersion: "1.0"})
	bucket.MergeApplication(ClientApplication{AppName: "shop", InstanceID: "i-1", Environment: "development", SDKVersion: "2.0"})

	if len(bucket.Applications) != 1 {
		t.Fatalf("registrations should dedupe by key, got %d", len(bucket.Applications))
	}
	app := bucket.Applications[ApplicationKey{AppName: "shop", InstanceID: "i-1", Environment: "development"}]
	if app.SDKVersion != "2.0" {
		t.Fatalf("later registration metadata must win, got %q", app.SDKVersion)
	}
}

func TestEmpty(t *testing.T) {
	bucket := NewBucket(time.Now())
	if !bucket.Empty() {
		t.Fatalf("fresh bucket should be empty")
	}
	bucket.MergeApplication(ClientApplication{AppName: "shop", InstanceID: "i-1"})
	if bucket.Empty() {
		t.Fatalf("bucket with a registration is not empty")
	}
}
