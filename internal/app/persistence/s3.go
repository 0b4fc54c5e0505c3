package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	"github.com/Defman/unleash-edge/internal/app/domain/features"
)

// S3Persistence stores each collection as one JSON object in a bucket.
type S3Persistence struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config wires the S3 backend. Region and credentials resolve through the
// default AWS configuration chain.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// NewS3Persistence builds an S3-backed store.
func NewS3Persistence(ctx context.Context, cfg S3Config) (*S3Persistence, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Persistence{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (p *S3Persistence) Name() string { return "s3" }

func (p *S3Persistence) SaveTokens(ctx context.Context, tokens []edgetoken.EdgeToken) error {
	return p.save(ctx, tokensFile, tokens)
}

func (p *S3Persistence) LoadTokens(ctx context.Context) ([]edgetoken.EdgeToken, error) {
	var out []edgetoken.EdgeToken
	if err := p.load(ctx, tokensFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *S3Persistence) SaveFeatures(ctx context.Context, payloads []features.EnvironmentPayload) error {
	return p.save(ctx, featuresFile, payloads)
}

func (p *S3Persistence) LoadFeatures(ctx context.Context) ([]features.EnvironmentPayload, error) {
	var out []features.EnvironmentPayload
	if err := p.load(ctx, featuresFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *S3Persistence) SaveRefreshTargets(ctx context.Context, targets []features.RefreshTarget) error {
	return p.save(ctx, refreshTargetsFile, targets)
}

func (p *S3Persistence) LoadRefreshTargets(ctx context.Context) ([]features.RefreshTarget, error) {
	var out []features.RefreshTarget
	if err := p.load(ctx, refreshTargetsFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *S3Persistence) key(name string) string {
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

func (p *S3Persistence) save(ctx context.Context, name string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.key(name)),
		Body:        bytes.NewReader(encoded),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

func (p *S3Persistence) load(ctx context.Context, name string, out interface{}) error {
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil
		}
		return fmt.Errorf("get %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
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
