// Package refresher keeps cached feature payloads fresh. It owns the
// refresh target registry: the validator hands it freshly validated tokens,
// it applies the subsumption rule, and a background loop fetches every
// registered target on a fixed interval with bounded upstream concurrency.
package refresher

import (
	"context"
	"sync"
	"time"

	"github.com/Defman/unleash-edge/internal/app/cache"
	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	"github.com/Defman/unleash-edge/internal/app/domain/features"
	"github.com/Defman/unleash-edge/internal/app/engine"
	apperrors "github.com/Defman/unleash-edge/internal/app/errors"
	"github.com/Defman/unleash-edge/internal/app/metrics"
	"github.com/Defman/unleash-edge/internal/app/system"
	"github.com/Defman/unleash-edge/internal/app/upstream"
	"github.com/Defman/unleash-edge/pkg/logger"
)

var _ system.Service = (*Refresher)(nil)

// FeatureFetcher is the slice of the upstream client the refresher needs.
type FeatureFetcher interface {
	FetchFeatures(ctx context.Context, target features.RefreshTarget) (upstream.FeaturesResponse, error)
}

const hintBacklog = 32

// Config tunes the refresher.
type Config struct {
	Interval    time.Duration
	MaxInFlight int
}

// Refresher periodically fetches feature payloads for every refresh target
// and fans results out into the feature cache.
type Refresher struct {
	fetcher  FeatureFetcher
	tokens   *cache.TokenCache
	cache    *cache.FeatureCache
	targets  *cache.RefreshTargetCache
	log      *logger.Logger
	interval time.Duration
	slots    chan struct{}

	// hints carries eager-refresh requests from the validator. Sends are
	// non-blocking; a full channel drops the hint and the next tick covers
	// the target.
	hints chan edgetoken.EdgeToken

	// envLocks serializes publishes per environment key so observers see
	// totally ordered updates.
	envLocks sync.Map

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a lifecycle-managed feature refresher.
func New(fetcher FeatureFetcher, tokens *cache.TokenCache, featureCache *cache.FeatureCache, targets *cache.RefreshTargetCache, cfg Config, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.NewDefault("refresher")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 5
	}
	return &Refresher{
		fetcher:  fetcher,
		tokens:   tokens,
		cache:    featureCache,
		targets:  targets,
		log:      log,
		interval: interval,
		slots:    make(chan struct{}, maxInFlight),
		hints:    make(chan edgetoken.EdgeToken, hintBacklog),
	}
}

func (r *Refresher) Name() string { return "feature-refresher" }

// Start launches the refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.refreshAll(runCtx)
			case token := <-r.hints:
				r.refreshOne(runCtx, token.Token)
			}
		}
	}()

	r.log.WithField("interval", r.interval).Info("feature refresher started")
	return nil
}

// Stop cancels the loop and waits for in-flight fetches.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("feature refresher stopped")
	return nil
}

// RegisterTarget adds a validated token to the refresh registry, applying
// the subsumption rule: a target whose fetch key is already covered by an
// existing one is skipped, and a new target replaces every existing target
// it covers. A non-blocking hint asks the loop to refresh the new target
// ahead of the next tick.
func (r *Refresher) RegisterTarget(token edgetoken.EdgeToken) {
	candidate := token

	covered := false
	var replaced []string
	for _, existing := range r.targets.Snapshot() {
		if existing.Token.Token == candidate.Token {
			covered = true
			break
		}
		if existing.Token.Subsumes(candidate) {
			covered = true
			break
		}
		if candidate.Subsumes(existing.Token) {
			replaced = append(replaced, existing.Token.Token)
		}
	}
	if covered {
		return
	}

	for _, stale := range replaced {
		r.targets.Delete(stale)
	}
	r.targets.Set(features.NewRefreshTarget(candidate))
	metrics.SetRefreshTargets(r.targets.Len())

	select {
	case r.hints <- candidate:
	default:
		// Hint dropped under backpressure; the periodic tick covers it.
		r.log.WithField("environment", candidate.Environment).
			Debug("eager refresh hint dropped")
	}
}

// refreshAll fetches every registered target, bounded by the in-flight cap.
func (r *Refresher) refreshAll(ctx context.Context) {
	snapshot := r.targets.Snapshot()
	metrics.SetRefreshTargets(len(snapshot))

	var wg sync.WaitGroup
	for _, target := range snapshot {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(tokenKey string) {
			defer wg.Done()
			defer func() { <-r.slots }()
			r.refreshOne(ctx, tokenKey)
		}(target.Token.Token)
	}
	wg.Wait()
}

// refreshOne issues one conditional fetch for the target identified by its
// token string, reading the freshest bookkeeping just before the request.
func (r *Refresher) refreshOne(ctx context.Context, tokenKey string) {
	target, ok := r.targets.Get(tokenKey)
	if !ok {
		return
	}

	// A target can carry an ETag for an environment the cache does not
	// hold (a restored snapshot whose payload failed to load). A 304
	// against an empty cache would never fill it, so fetch unconditionally.
	if target.Etag != "" {
		if _, cached := r.cache.Features(target.Token.Environment); !cached {
			target.Etag = ""
		}
	}

	resp, err := r.fetcher.FetchFeatures(ctx, *target)
	if err != nil {
		if apperrors.IsAuthorization(err) {
			r.revoke(tokenKey, target.Token.Environment)
			return
		}
		metrics.ObserveRefresh("error")
		r.log.WithError(err).
			WithField("environment", target.Token.Environment).
			Warn("feature refresh failed")
		return
	}

	now := time.Now().UTC()
	switch resp.Status {
	case upstream.FeaturesUpdated:
		eng, buildErr := engine.Build(resp.Payload)
		if buildErr != nil {
			metrics.ObserveRefresh("error")
			r.log.WithError(buildErr).
				WithField("environment", target.Token.Environment).
				Warn("discarding payload the engine could not compile")
			return
		}
		r.publish(target.Token.Environment, resp.Payload, eng)
		r.targets.Update(tokenKey, func(current *features.RefreshTarget) *features.RefreshTarget {
			if current == nil {
				return nil
			}
			current.MarkRefreshed(resp.Payload.Etag, now)
			return current
		})
		metrics.ObserveRefresh("updated")
	case upstream.FeaturesNotModified:
		r.targets.Update(tokenKey, func(current *features.RefreshTarget) *features.RefreshTarget {
			if current == nil {
				return nil
			}
			current.MarkChecked(now)
			return current
		})
		metrics.ObserveRefresh("not_modified")
	}
}

// revoke handles a target-level 401/403: the token record flips to invalid
// and the target leaves the registry; no retry.
func (r *Refresher) revoke(tokenKey, environment string) {
	r.tokens.Invalidate(tokenKey)
	r.targets.Delete(tokenKey)
	metrics.SetRefreshTargets(r.targets.Len())
	metrics.ObserveRefresh("revoked")
	r.log.WithField("environment", environment).
		Warn("upstream revoked token, dropping refresh target")
}

// publish replaces the environment's payload and engine under the per-key
// lock so successive updates are totally ordered.
func (r *Refresher) publish(environment string, payload *features.ClientFeatures, eng *engine.Engine) {
	lock, _ := r.envLocks.LoadOrStore(environment, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	r.cache.SetRevision(environment, payload, eng)
}
