package upstream

import (
	"testing"
	"time"

	"github.com/Defman/unleash-edge/internal/app/domain/clientmetrics"
)

func TestBuildBulkMetricsFoldsVariants(t *testing.T) {
	bucket := clientmetrics.NewBucket(time.Now().Add(-time.Minute))
	bucket.Toggles[clientmetrics.ToggleKey{FeatureName: "a", Environment: "development"}] = clientmetrics.ToggleCount{Yes: 5, No: 2}
	bucket.Toggles[clientmetrics.ToggleKey{FeatureName: "a", Variant: "blue", Environment: "development"}] = clientmetrics.ToggleCount{Yes: 3}
	bucket.Toggles[clientmetrics.ToggleKey{FeatureName: "b", Environment: "production"}] = clientmetrics.ToggleCount{Yes: 1}
	bucket.Applications[clientmetrics.ApplicationKey{AppName: "shop", InstanceID: "i-1"}] = clientmetrics.ClientApplication{AppName: "shop", InstanceID: "i-1"}

	out := BuildBulkMetrics(bucket, time.Now())

	if len(out.Metrics) != 2 {
		t.Fatalf("environments = %d, want 2", len(out.Metrics))
	}
	// Environments sort lexically, development first.
	dev := out.Metrics[0]
	if dev.Environment != "development" {
		t.Fatalf("first environment = %q", dev.Environment)
	}
	entry := dev.Toggles["a"]
	if entry.Yes != 5 || entry.No != 2 {
		t.Fatalf("toggle counters = %+v", entry)
	}
	if entry.Variants["blue"] != 3 {
		t.Fatalf("variant counter = %d, want 3", entry.Variants["blue"])
	}
	if len(out.Applications) != 1 {
		t.Fatalf("applications = %d, want 1", len(out.Applications))
	}
}
