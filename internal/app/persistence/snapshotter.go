package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Defman/unleash-edge/internal/app/cache"
	"github.com/Defman/unleash-edge/internal/app/engine"
	"github.com/Defman/unleash-edge/internal/app/metrics"
	"github.com/Defman/unleash-edge/internal/app/system"
	"github.com/Defman/unleash-edge/pkg/logger"
)

var _ system.Service = (*Snapshotter)(nil)

// Snapshotter periodically persists the token, feature, and refresh-target
// caches, and restores them at startup. Partial save failures are logged per
// store and retried on the next snapshot.
type Snapshotter struct {
	store    EdgePersistence
	tokens   *cache.TokenCache
	features *cache.FeatureCache
	targets  *cache.RefreshTargetCache
	schedule cron.Schedule
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSnapshotter builds a snapshot service. The schedule accepts the cron
// forms robfig/cron understands, including "@every 30s".
func NewSnapshotter(store EdgePersistence, tokens *cache.TokenCache, featureCache *cache.FeatureCache, targets *cache.RefreshTargetCache, schedule string, log *logger.Logger) (*Snapshotter, error) {
	if log == nil {
		log = logger.NewDefault("snapshotter")
	}
	if schedule == "" {
		schedule = "@every 30s"
	}
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, err
	}
	return &Snapshotter{
		store:    store,
		tokens:   tokens,
		features: featureCache,
		targets:  targets,
		schedule: parsed,
		log:      log,
	}, nil
}

func (s *Snapshotter) Name() string { return "snapshotter" }

// Restore loads persisted state into the caches. Each failed load is logged
// and treated as empty; the caches repopulate on demand. Engines are rebuilt
// from each loaded payload so the feature cache comes back consistent.
func (s *Snapshotter) Restore(ctx context.Context) {
	if tokens, err := s.store.LoadTokens(ctx); err != nil {
		s.log.WithError(err).Warn("token restore failed, starting empty")
	} else {
		for _, token := range tokens {
			s.tokens.Set(token)
		}
		if len(tokens) > 0 {
			s.log.WithField("count", len(tokens)).Info("restored tokens")
		}
	}

	if payloads, err := s.store.LoadFeatures(ctx); err != nil {
		s.log.WithError(err).Warn("feature restore failed, starting empty")
	} else {
		restored := 0
		for _, entry := range payloads {
			payload := entry.Payload
			eng, buildErr := engine.Build(&payload)
			if buildErr != nil {
				s.log.WithError(buildErr).
					WithField("environment", entry.Environment).
					Warn("skipping persisted payload the engine could not compile")
				continue
			}
			s.features.SetRevision(entry.Environment, &payload, eng)
			restored++
		}
		if restored > 0 {
			s.log.WithField("count", restored).Info("restored feature payloads")
		}
	}

	if targets, err := s.store.LoadRefreshTargets(ctx); err != nil {
		s.log.WithError(err).Warn("refresh target restore failed, starting empty")
	} else {
		for i := range targets {
			target := targets[i]
			s.targets.Set(&target)
		}
		if len(targets) > 0 {
			s.log.WithField("count", len(targets)).Info("restored refresh targets")
		}
	}
}

// Start launches the snapshot loop.
func (s *Snapshotter) Start(ctx context.Context) error {
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
		for {
			next := s.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.Snapshot(runCtx)
			}
		}
	}()

	s.log.WithField("backend", s.store.Name()).Info("snapshotter started")
	return nil
}

// Stop cancels the loop and takes one final snapshot.
func (s *Snapshotter) Stop(ctx context.Context) error {
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

	s.Snapshot(ctx)
	s.log.Info("snapshotter stopped")
	return nil
}

// Snapshot persists the three collections in parallel. Success requires all
// three; each failed save is logged and the next snapshot retries.
func (s *Snapshotter) Snapshot(ctx context.Context) {
	tokens := s.tokens.Snapshot()
	payloads := s.features.Snapshot()
	targets := s.targets.Snapshot()

	var wg sync.WaitGroup
	saves := []struct {
		store string
		run   func() error
	}{
		{"tokens", func() error { return s.store.SaveTokens(ctx, tokens) }},
		{"features", func() error { return s.store.SaveFeatures(ctx, payloads) }},
		{"refresh_targets", func() error { return s.store.SaveRefreshTargets(ctx, targets) }},
	}

	for _, save := range saves {
		wg.Add(1)
		go func(store string, run func() error) {
			defer wg.Done()
			err := run()
			metrics.ObserveSnapshotSave(store, err)
			if err != nil {
				s.log.WithError(err).
					WithField("store", store).
					Error("snapshot save failed")
			}
		}(save.store, save.run)
	}
	wg.Wait()
}
