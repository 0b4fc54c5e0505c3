package validator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Defman/unleash-edge/internal/app/cache"
	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	apperrors "github.com/Defman/unleash-edge/internal/app/errors"
)

type fakeUpstream struct {
	mu    sync.Mutex
	calls int64
	known map[string]edgetoken.EdgeToken
	err   error
	block chan struct{}
}

func (f *fakeUpstream) Validate(ctx context.Context, tokens []string) ([]edgetoken.EdgeToken, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []edgetoken.EdgeToken
	for _, token := range tokens {
		if record, ok := f.known[token]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

type fakeRegistrar struct {
	mu      sync.Mutex
	targets []edgetoken.EdgeToken
}

func (f *fakeRegistrar) RegisterTarget(token edgetoken.EdgeToken) {
	f.mu.Lock()
	f.targets = append(f.targets, token)
	f.mu.Unlock()
}

type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) ReportFatal(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func knownClientToken(token string) map[string]edgetoken.EdgeToken {
	return map[string]edgetoken.EdgeToken{
		token: {
			Token:       token,
			Environment: "development",
			Projects:    []string{"*"},
			Type:        edgetoken.TypeClient,
			Status:      edgetoken.StatusValidated,
		},
	}
}

func TestRegisterValidatesAndRegistersTarget(t *testing.T) {
	up := &fakeUpstream{known: knownClientToken("*:development.abc")}
	registrar := &fakeRegistrar{}
	tokens := cache.NewTokenCache()
	v := New(up, tokens, registrar, nil, nil)

	record, err := v.Register(context.Background(), "*:development.abc")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if record.Status != edgetoken.StatusValidated {
		t.Fatalf("status = %q", record.Status)
	}
	if cached, ok := tokens.Get("*:development.abc"); !ok || cached.Status != edgetoken.StatusValidated {
		t.Fatalf("record missing from cache")
	}
	if len(registrar.targets) != 1 {
		t.Fatalf("refresh targets registered = %d, want 1", len(registrar.targets))
	}
}

func TestRegisterUnrecognizedTokenBecomesInvalid(t *testing.T) {
	up := &fakeUpstream{known: map[string]edgetoken.EdgeToken{}}
	registrar := &fakeRegistrar{}
	tokens := cache.NewTokenCache()
	v := New(up, tokens, registrar, nil, nil)

	record, err := v.Register(context.Background(), "*:development.unknown")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if record.Status != edgetoken.StatusInvalid {
		t.Fatalf("status = %q, want invalid", record.Status)
	}
	if len(registrar.targets) != 0 {
		t.Fatalf("invalid token must not register a refresh target")
	}

	// A second call is served from the cache without another upstream trip.
	if _, err := v.Register(context.Background(), "*:development.unknown"); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if got := atomic.LoadInt64(&up.calls); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
}

// Concurrent registrations of the same unseen token collapse into exactly
// one upstream validation.
func TestRegisterSingleFlight(t *testing.T) {
	up := &fakeUpstream{
		known: knownClientToken("*:development.abc"),
		block: make(chan struct{}),
	}
	tokens := cache.NewTokenCache()
	v := New(up, tokens, &fakeRegistrar{}, nil, nil)

	const callers = 50
	var wg sync.WaitGroup
	results := make([]edgetoken.EdgeToken, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = v.Register(context.Background(), "*:development.abc")
		}(i)
	}

	close(up.block)
	wg.Wait()

	if got := atomic.LoadInt64(&up.calls); got != 1 {
		t.Fatalf("upstream calls = %d, want exactly 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].Status != edgetoken.StatusValidated {
			t.Fatalf("caller %d saw status %q", i, results[i].Status)
		}
	}
}

func TestRegisterTransientErrorIsRetryable(t *testing.T) {
	up := &fakeUpstream{err: apperrors.UpstreamUnavailable(context.DeadlineExceeded)}
	tokens := cache.NewTokenCache()
	v := New(up, tokens, &fakeRegistrar{}, nil, nil)

	if _, err := v.Register(context.Background(), "*:development.abc"); !apperrors.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, ok := tokens.Get("*:development.abc"); ok {
		t.Fatalf("failed validation must not populate the cache")
	}

	// Recovery: the next call revalidates.
	up.err = nil
	up.known = knownClientToken("*:development.abc")
	if _, err := v.Register(context.Background(), "*:development.abc"); err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
}

func TestRegisterCredentialRejectionReportsFatal(t *testing.T) {
	up := &fakeUpstream{err: apperrors.Configuration("credential rejected")}
	fatal := &fatalRecorder{}
	v := New(up, cache.NewTokenCache(), &fakeRegistrar{}, fatal, nil)

	_, err := v.Register(context.Background(), "*:development.abc")
	if !apperrors.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(fatal.errs) != 1 {
		t.Fatalf("fatal reports = %d, want 1", len(fatal.errs))
	}
}

func TestRegisterRejectsEmptyToken(t *testing.T) {
	v := New(&fakeUpstream{}, cache.NewTokenCache(), nil, nil, nil)
	if _, err := v.Register(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
