package metricsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Defman/unleash-edge/internal/app/domain/clientmetrics"
	apperrors "github.com/Defman/unleash-edge/internal/app/errors"
	"github.com/Defman/unleash-edge/internal/app/upstream"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []upstream.BulkMetrics
	apps    []clientmetrics.ClientApplication
	sendErr error
	regErr  error
}

func (f *fakeSender) SendMetrics(ctx context.Context, payload upstream.BulkMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSender) RegisterInstance(ctx context.Context, app clientmetrics.ClientApplication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.regErr != nil {
		return f.regErr
	}
	f.apps = append(f.apps, app)
	return nil
}

func sampleBatch(yes int64) clientmetrics.MetricsBatch {
	batch := clientmetrics.MetricsBatch{AppName: "shop", InstanceID: "i-1", Environment: "development"}
	batch.Bucket.Toggles = map[string]struct {
		Yes      int64            `json:"yes"`
		No       int64            `json:"no"`
		Variants map[string]int64 `json:"variants,omitempty"`
	}{
		"checkout-flow": {Yes: yes},
	}
	return batch
}

func TestFlushSendsAggregatedBucket(t *testing.T) {
	sender := &fakeSender{}
	sink := New(sender, Config{}, nil)

	sink.Record(sampleBatch(3))
	sink.Record(sampleBatch(2))
	sink.RecordApplication(clientmetrics.ClientApplication{AppName: "shop", InstanceID: "i-1", Environment: "development"})

	sink.Flush(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("flushes sent = %d, want 1", len(sender.sent))
	}
	payload := sender.sent[0]
	if len(payload.Metrics) != 1 {
		t.Fatalf("environments = %d, want 1", len(payload.Metrics))
	}
	if got := payload.Metrics[0].Toggles["checkout-flow"].Yes; got != 5 {
		t.Fatalf("aggregated yes = %d, want 5", got)
	}
	if len(sender.apps) != 1 {
		t.Fatalf("registrations forwarded = %d, want 1", len(sender.apps))
	}
}

func TestFlushSkipsEmptyBucket(t *testing.T) {
	sender := &fakeSender{}
	sink := New(sender, Config{}, nil)

	sink.Flush(context.Background())

	if len(sender.sent) != 0 {
		t.Fatalf("empty bucket must not be sent")
	}
}

// A failed flush drops the bucket: delivery is at most once, and the next
// window flushes normally.
func TestFlushFailureDropsBatch(t *testing.T) {
	sender := &fakeSender{sendErr: apperrors.UpstreamUnavailable(context.DeadlineExceeded)}
	sink := New(sender, Config{}, nil)

	sink.Record(sampleBatch(1000000))
	sink.Flush(context.Background())

	if len(sender.sent) != 0 {
		t.Fatalf("failed flush must not record a send")
	}

	// Connectivity returns; only the new window's counters go out.
	sender.mu.Lock()
	sender.sendErr = nil
	sender.mu.Unlock()

	sink.Record(sampleBatch(500000))
	sink.Flush(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("flushes sent = %d, want 1", len(sender.sent))
	}
	if got := sender.sent[0].Metrics[0].Toggles["checkout-flow"].Yes; got != 500000 {
		t.Fatalf("re-sent dropped counters: yes = %d, want 500000", got)
	}
}

func TestRecordAfterFlushLandsInNextWindow(t *testing.T) {
	sender := &fakeSender{}
	sink := New(sender, Config{}, nil)

	sink.Record(sampleBatch(1))
	sink.Flush(context.Background())
	sink.Record(sampleBatch(2))
	sink.Flush(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("flushes sent = %d, want 2", len(sender.sent))
	}
	if got := sender.sent[1].Metrics[0].Toggles["checkout-flow"].Yes; got != 2 {
		t.Fatalf("second window yes = %d, want 2", got)
	}
}

func TestStopFlushesFinalBucket(t *testing.T) {
	sender := &fakeSender{}
	sink := New(sender, Config{FlushInterval: time.Hour}, nil)

	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sink.Record(sampleBatch(7))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("final flush missing, sent = %d", len(sender.sent))
	}
}
