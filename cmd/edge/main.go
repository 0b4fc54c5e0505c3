// Package main is the entry point for the edge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	app "github.com/Defman/unleash-edge/internal/app"
	"github.com/Defman/unleash-edge/internal/app/persistence"
	"github.com/Defman/unleash-edge/internal/config"
	"github.com/Defman/unleash-edge/pkg/logger"
	"github.com/Defman/unleash-edge/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	upstreamURL := flag.String("upstream-url", "", "Upstream control plane URL (overrides config/env)")
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :3063)")
	backend := flag.String("persistence", "", "Snapshot backend: none, file, redis, or s3 (overrides config/env)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath, *upstreamURL, *addr, *backend)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	edgeLog := logger.New(cfg.Logging)

	if cfg.Server.WorkerThreads > 0 {
		runtime.GOMAXPROCS(cfg.Server.WorkerThreads)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildPersistence(rootCtx, cfg, edgeLog)
	if err != nil {
		log.Fatalf("build persistence: %v", err)
	}

	application, err := app.New(cfg, store, edgeLog)
	if err != nil {
		log.Fatalf("initialise edge: %v", err)
	}

	edgeLog.WithField("addr", cfg.Server.Addr()).
		WithField("version", version.Version).
		Info("edge starting")

	if err := application.Run(rootCtx, cfg.Server.ShutdownGrace); err != nil {
		log.Fatalf("edge exited: %v", err)
	}
}

func loadConfig(path, upstreamURL, addr, backend string) (*config.Config, error) {
	// Flag overrides land before validation so a bare `edge -upstream-url`
	// invocation works without a config file.
	if trimmed := strings.TrimSpace(upstreamURL); trimmed != "" {
		os.Setenv("UPSTREAM_URL", trimmed)
	}
	if trimmed := strings.TrimSpace(backend); trimmed != "" {
		os.Setenv("PERSISTENCE_BACKEND", trimmed)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(addr); trimmed != "" {
		host, port, splitErr := splitAddr(trimmed)
		if splitErr != nil {
			return nil, splitErr
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	return cfg, nil
}

func splitAddr(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("listen address %q must contain a port", addr)
	}
	host := addr[:idx]
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

func buildPersistence(ctx context.Context, cfg *config.Config, log *logger.Logger) (persistence.EdgePersistence, error) {
	switch cfg.Persistence.Backend {
	case "", "none":
		return persistence.NoPersistence{}, nil
	case "file":
		return persistence.NewFilePersistence(cfg.Persistence.Directory)
	case "redis":
		return persistence.NewRedisPersistence(ctx, persistence.RedisConfig{
			Addr:     cfg.Persistence.RedisAddr,
			Password: cfg.Persistence.RedisPassword,
			DB:       cfg.Persistence.RedisDB,
		})
	case "s3":
		return persistence.NewS3Persistence(ctx, persistence.S3Config{
			Bucket: cfg.Persistence.S3Bucket,
			Prefix: cfg.Persistence.S3Prefix,
			Region: cfg.Persistence.S3Region,
		})
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}
