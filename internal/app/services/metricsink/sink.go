// Package metricsink accumulates SDK usage metrics and flushes them
// upstream in batched form. Delivery is at most once: a bucket that fails
// to send is dropped, bounding memory at one window.
package metricsink

import (
	"context"
	"sync"
	"time"

	"github.com/Defman/unleash-edge/internal/app/domain/clientmetrics"
	"github.com/Defman/unleash-edge/internal/app/metrics"
	"github.com/Defman/unleash-edge/internal/app/system"
	"github.com/Defman/unleash-edge/internal/app/upstream"
	"github.com/Defman/unleash-edge/pkg/logger"
)

var _ system.Service = (*Sink)(nil)

// MetricsSender is the slice of the upstream client the sink needs.
type MetricsSender interface {
	SendMetrics(ctx context.Context, payload upstream.BulkMetrics) error
	RegisterInstance(ctx context.Context, app clientmetrics.ClientApplication) error
}

// Config tunes the sink.
type Config struct {
	FlushInterval time.Duration
}

// Sink buffers SDK metrics in an aggregation window and flushes on a timer.
type Sink struct {
	sender   MetricsSender
	log      *logger.Logger
	interval time.Duration

	bucketMu sync.Mutex
	bucket   *clientmetrics.Bucket

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a metrics sink.
func New(sender MetricsSender, cfg Config, log *logger.Logger) *Sink {
	if log == nil {
		log = logger.NewDefault("metricsink")
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sink{
		sender:   sender,
		log:      log,
		interval: interval,
		bucket:   clientmetrics.NewBucket(time.Now().UTC()),
	}
}

func (s *Sink) Name() string { return "metrics-sink" }

// Record merges an SDK submission into the current window.
func (s *Sink) Record(batch clientmetrics.MetricsBatch) {
	s.bucketMu.Lock()
	s.bucket.MergeBatch(batch)
	s.bucketMu.Unlock()
}

// RecordApplication notes an SDK application registration for the next flush.
func (s *Sink) RecordApplication(app clientmetrics.ClientApplication) {
	s.bucketMu.Lock()
	s.bucket.MergeApplication(app)
	s.bucketMu.Unlock()
}

// Start launches the flush loop.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Flush(runCtx)
			}
		}
	}()

	s.log.WithField("interval", s.interval).Info("metrics sink started")
	return nil
}

// Stop cancels the loop, waits for it, and sends one final flush.
func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.Flush(ctx)
	s.log.Info("metrics sink stopped")
	return nil
}

// Flush swaps in a fresh window and posts the drained one upstream. The
// drained bucket is never re-buffered: a failed send drops it.
func (s *Sink) Flush(ctx context.Context) {
	now := time.Now().UTC()

	s.bucketMu.Lock()
	drained := s.bucket
	s.bucket = clientmetrics.NewBucket(now)
	s.bucketMu.Unlock()

	if drained.Empty() {
		metrics.ObserveMetricsFlush("empty")
		return
	}

	for _, app := range drained.Applications {
		if err := s.sender.RegisterInstance(ctx, app); err != nil {
			s.log.WithError(err).
				WithField("app", app.AppName).
				Warn("application registration failed upstream")
		}
	}

	payload := upstream.BuildBulkMetrics(drained, now)
	if err := s.sender.SendMetrics(ctx, payload); err != nil {
		metrics.ObserveMetricsFlush("dropped")
		s.log.WithError(err).Warn("metrics flush failed, dropping batch")
		return
	}
	metrics.ObserveMetricsFlush("sent")
}
