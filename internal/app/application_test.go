package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	"github.com/Defman/unleash-edge/internal/app/persistence"
	"github.com/Defman/unleash-edge/internal/config"
)

const sdkToken = "*:development.abc"

func testConfig(upstreamURL string) *config.Config {
	cfg := config.New()
	cfg.Upstream.URL = upstreamURL
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Refresh.Interval = 50 * time.Millisecond
	cfg.Metrics.FlushInterval = time.Hour
	cfg.Persistence.Schedule = "@every 1h"
	cfg.Logging.Level = "error"
	return cfg
}

func fakeUpstream(t *testing.T, features string, etag string, fetches *int64, conditionalHits *int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/edge/validate":
			var req struct {
				Tokens []string `json:"tokens"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			var tokens []map[string]interface{}
			for _, token := range req.Tokens {
				tokens = append(tokens, map[string]interface{}{
					"token":       token,
					"environment": "development",
					"projects":    []string{"*"},
					"type":        "client",
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"tokens": tokens})
		case "/api/client/features":
			atomic.AddInt64(fetches, 1)
			if r.Header.Get("If-None-Match") == etag {
				if conditionalHits != nil {
					atomic.AddInt64(conditionalHits, 1)
				}
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
			_, _ = w.Write([]byte(features))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func eventually(t *testing.T, timeout time.Duration, check func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", message)
}

// Cold start: an unseen token triggers one validation, one fetch, and the
// payload lands in the cache within a refresh interval.
func TestApplicationColdStart(t *testing.T) {
	var fetches int64
	server := fakeUpstream(t, `{"version":2,"features":[{"name":"a","enabled":true}]}`, `"v1"`, &fetches, nil)

	dir := t.TempDir()
	store, err := persistence.NewFilePersistence(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	application, err := New(testConfig(server.URL), store, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = application.Stop(stopCtx)
	}()

	record, err := application.Validator.Register(context.Background(), sdkToken)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if record.Status != edgetoken.StatusValidated {
		t.Fatalf("status = %q", record.Status)
	}
	if application.Targets.Len() != 1 {
		t.Fatalf("refresh targets = %d, want 1", application.Targets.Len())
	}

	eventually(t, 2*time.Second, func() bool {
		_, ok := application.Features.Features("development")
		return ok
	}, "payload should arrive within a refresh interval")

	payload, _ := application.Features.Features("development")
	if payload.Etag != `"v1"` {
		t.Fatalf("etag = %q", payload.Etag)
	}
}

// Clean shutdown takes a final snapshot, and a warm restart serves
// immediately while the first upstream fetch is conditional on the restored
// ETag.
func TestApplicationWarmRestart(t *testing.T) {
	body := `{"version":2,"features":[{"name":"a","enabled":true}]}`
	var fetches, conditionalHits int64
	server := fakeUpstream(t, body, `"v7"`, &fetches, &conditionalHits)

	dir := t.TempDir()
	store, err := persistence.NewFilePersistence(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	first, err := New(testConfig(server.URL), store, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := first.Validator.Register(context.Background(), sdkToken); err != nil {
		t.Fatalf("register: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		_, ok := first.Features.Features("development")
		return ok
	}, "first instance should cache the payload")

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := first.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Restart against the same store.
	second, err := New(testConfig(server.URL), store, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = second.Stop(stopCtx)
	}()

	// Warm before any upstream traffic.
	payload, ok := second.Features.Features("development")
	if !ok || payload.Etag != `"v7"` {
		t.Fatalf("warm restart must serve restored payload immediately")
	}
	if second.Tokens.Len() != 1 || second.Targets.Len() != 1 {
		t.Fatalf("restored caches incomplete: tokens=%d targets=%d", second.Tokens.Len(), second.Targets.Len())
	}

	// The refresher's next pass must be conditional on the restored ETag.
	eventually(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&conditionalHits) > 0
	}, "first fetch after restart should carry If-None-Match")
}

// A reported configuration error brings Run down.
func TestApplicationFatalErrorStopsRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	application, err := New(testConfig(server.URL), persistence.NoPersistence{}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- application.Run(context.Background(), 2*time.Second)
	}()

	// Give Run a moment to start services, then report a fatal error.
	time.Sleep(50 * time.Millisecond)
	application.ReportFatal(context.DeadlineExceeded)

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Run should surface the fatal error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not shut down after a fatal error")
	}
}
