package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	"github.com/Defman/unleash-edge/internal/app/domain/features"
)

const (
	tokensFile         = "tokens.json"
	featuresFile       = "features.json"
	refreshTargetsFile = "refresh_targets.json"
)

// FilePersistence stores each collection as a JSON file in a directory.
// Writes go through a temp file and rename so a crashed snapshot never
// leaves a torn file behind.
type FilePersistence struct {
	dir string
}

// NewFilePersistence creates the backing directory if needed.
func NewFilePersistence(dir string) (*FilePersistence, error) {
	if dir == "" {
		return nil, fmt.Errorf("persistence directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create persistence directory: %w", err)
	}
	return &FilePersistence{dir: dir}, nil
}

func (f *FilePersistence) Name() string { return "file" }

func (f *FilePersistence) SaveTokens(ctx context.Context, tokens []edgetoken.EdgeToken) error {
	return f.save(ctx, tokensFile, tokens)
}

func (f *FilePersistence) LoadTokens(ctx context.Context) ([]edgetoken.EdgeToken, error) {
	var out []edgetoken.EdgeToken
	if err := f.load(ctx, tokensFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FilePersistence) SaveFeatures(ctx context.Context, payloads []features.EnvironmentPayload) error {
	return f.save(ctx, featuresFile, payloads)
}

func (f *FilePersistence) LoadFeatures(ctx context.Context) ([]features.EnvironmentPayload, error) {
	var out []features.EnvironmentPayload
	if err := f.load(ctx, featuresFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FilePersistence) SaveRefreshTargets(ctx context.Context, targets []features.RefreshTarget) error {
	return f.save(ctx, refreshTargetsFile, targets)
}

func (f *FilePersistence) LoadRefreshTargets(ctx context.Context) ([]features.RefreshTarget, error) {
	var out []features.RefreshTarget
	if err := f.load(ctx, refreshTargetsFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FilePersistence) save(ctx context.Context, name string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	path := filepath.Join(f.dir, name)
	tmp, err := os.CreateTemp(f.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (f *FilePersistence) load(ctx context.Context, name string, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
