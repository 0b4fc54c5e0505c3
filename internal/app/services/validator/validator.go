// Package validator gates cache population: a token is only admitted to the
// token cache after the upstream has vouched for it, and concurrent requests
// for the same unseen token collapse into one upstream call.
package validator

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/Defman/unleash-edge/internal/app/cache"
	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	apperrors "github.com/Defman/unleash-edge/internal/app/errors"
	"github.com/Defman/unleash-edge/pkg/logger"
)

// UpstreamValidator is the slice of the upstream client the validator needs.
type UpstreamValidator interface {
	Validate(ctx context.Context, tokens []string) ([]edgetoken.EdgeToken, error)
}

// TargetRegistrar receives validated tokens for refresh registration.
type TargetRegistrar interface {
	RegisterTarget(token edgetoken.EdgeToken)
}

// FatalReporter receives configuration errors that should stop the process.
type FatalReporter interface {
	ReportFatal(err error)
}

// Validator performs de-duplicated upstream validation of unseen tokens.
type Validator struct {
	upstream  UpstreamValidator
	tokens    *cache.TokenCache
	registrar TargetRegistrar
	fatal     FatalReporter
	group     singleflight.Group
	log       *logger.Logger
}

// New constructs a token validator.
func New(up UpstreamValidator, tokens *cache.TokenCache, registrar TargetRegistrar, fatal FatalReporter, log *logger.Logger) *Validator {
	if log == nil {
		log = logger.NewDefault("validator")
	}
	return &Validator{
		upstream:  up,
		tokens:    tokens,
		registrar: registrar,
		fatal:     fatal,
		log:       log,
	}
}

// Register resolves a token string to its validated record. Records that
// already reached a terminal status are served from the cache; everything
// else funnels through a per-token single-flight slot so the upstream sees
// exactly one validation attempt regardless of caller count.
func (v *Validator) Register(ctx context.Context, tokenString string) (edgetoken.EdgeToken, error) {
	parsed, err := edgetoken.Parse(tokenString)
	if err != nil {
		return edgetoken.EdgeToken{}, apperrors.Unauthorized("malformed token")
	}

	if cached, ok := v.tokens.Get(parsed.Token); ok && cached.Status != edgetoken.StatusUnknown {
		return cached, nil
	}

	result, err, _ := v.group.Do(parsed.Token, func() (interface{}, error) {
		// Re-check under the slot: a concurrent caller may have finished.
		if cached, ok := v.tokens.Get(parsed.Token); ok && cached.Status != edgetoken.StatusUnknown {
			return cached, nil
		}
		return v.validateUpstream(ctx, parsed)
	})
	if err != nil {
		return edgetoken.EdgeToken{}, err
	}
	return result.(edgetoken.EdgeToken), nil
}

// Lookup returns the cached record without triggering validation.
func (v *Validator) Lookup(tokenString string) (edgetoken.EdgeToken, bool) {
	return v.tokens.Get(tokenString)
}

func (v *Validator) validateUpstream(ctx context.Context, parsed edgetoken.EdgeToken) (interface{}, error) {
	validated, err := v.upstream.Validate(ctx, []string{parsed.Token})
	if err != nil {
		if apperrors.IsConfiguration(err) {
			v.log.WithError(err).Error("edge credential rejected by upstream")
			if v.fatal != nil {
				v.fatal.ReportFatal(err)
			}
			return nil, err
		}
		v.log.WithError(err).Warn("token validation failed upstream")
		return nil, err
	}

	for _, token := range validated {
		if token.Token != parsed.Token {
			continue
		}
		record := token
		record.Status = edgetoken.StatusValidated
		v.tokens.Set(record)
		if v.registrar != nil {
			v.registrar.RegisterTarget(record)
		}
		v.log.WithField("environment", record.Environment).
			Info("token validated")
		return record, nil
	}

	// Upstream did not recognize the token.
	record := parsed
	record.Status = edgetoken.StatusInvalid
	v.tokens.Set(record)
	return record, nil
}
