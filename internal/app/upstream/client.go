// Package upstream implements the edge's client for the feature-flag
// control plane. It exposes exactly the four operations the caching core
// needs: token validation, conditional feature fetches, metrics submission,
// and instance registration.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Defman/unleash-edge/internal/app/domain/clientmetrics"
	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	"github.com/Defman/unleash-edge/internal/app/domain/features"
	apperrors "github.com/Defman/unleash-edge/internal/app/errors"
	"github.com/Defman/unleash-edge/internal/app/metrics"
	"github.com/Defman/unleash-edge/pkg/logger"
	"github.com/Defman/unleash-edge/pkg/version"
)

const (
	validatePath = "/edge/validate"
	featuresPath = "/api/client/features"
	metricsPath  = "/api/client/metrics/bulk"
	registerPath = "/api/client/register"

	defaultTimeout = 5 * time.Second
)

// ConnectVia identifies this edge instance to the upstream.
type ConnectVia struct {
	AppName    string
	InstanceID string
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
	ConnectVia ConnectVia
}

// Client talks to the upstream control plane.
type Client struct {
	baseURL    *url.URL
	authToken  string
	httpClient *http.Client
	connectVia ConnectVia
	log        *logger.Logger
}

// FeaturesStatus classifies the outcome of a conditional feature fetch.
type FeaturesStatus int

const (
	// FeaturesUpdated means a fresh payload replaced the cached one.
	FeaturesUpdated FeaturesStatus = iota
	// FeaturesNotModified means the cached payload is still current.
	FeaturesNotModified
)

// FeaturesResponse is the result of FetchFeatures.
type FeaturesResponse struct {
	Status  FeaturesStatus
	Payload *features.ClientFeatures
}

// NewClient constructs an upstream client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewDefault("upstream")
	}
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    base,
		authToken:  cfg.AuthToken,
		httpClient: copyHTTPClientWithTimeout(cfg.HTTPClient, timeout, true),
		connectVia: cfg.ConnectVia,
		log:        log,
	}, nil
}

// Validate asks the upstream which of the given token strings it recognizes.
// The response carries scope and type for each recognized token. A 401/403
// here means the edge's own credential is rejected, which is fatal.
func (c *Client) Validate(ctx context.Context, tokens []string) ([]edgetoken.EdgeToken, error) {
	body := struct {
		Tokens []string `json:"tokens"`
	}{Tokens: tokens}

	resp, err := c.post(ctx, validatePath, c.authToken, body)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		metrics.ObserveUpstreamRequest("validate", resp.StatusCode)
		return nil, apperrors.Configuration(
			fmt.Sprintf("upstream rejected the edge credential with status %d", resp.StatusCode))
	default:
		metrics.ObserveUpstreamRequest("validate", resp.StatusCode)
		return nil, apperrors.UpstreamStatus(resp.StatusCode)
	}
	metrics.ObserveUpstreamRequest("validate", resp.StatusCode)

	var decoded struct {
		Tokens []edgetoken.EdgeToken `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperrors.UpstreamUnavailable(fmt.Errorf("decode validate response: %w", err))
	}
	for i := range decoded.Tokens {
		decoded.Tokens[i].Status = edgetoken.StatusValidated
	}
	return decoded.Tokens, nil
}

// FetchFeatures issues a conditional fetch for the target's environment. The
// request authenticates with the target's own token and carries the target's
// current ETag as If-None-Match.
func (c *Client) FetchFeatures(ctx context.Context, target features.RefreshTarget) (FeaturesResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, featuresPath, target.Token.Token, nil)
	if err != nil {
		return FeaturesResponse{}, err
	}
	if target.Etag != "" {
		req.Header.Set("If-None-Match", target.Etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FeaturesResponse{}, classifyTransportError(err)
	}
	defer drainAndClose(resp.Body)
	metrics.ObserveUpstreamRequest("fetch_features", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FeaturesResponse{}, apperrors.UpstreamUnavailable(fmt.Errorf("read features body: %w", err))
		}
		return FeaturesResponse{
			Status: FeaturesUpdated,
			Payload: &features.ClientFeatures{
				Body:      body,
				Etag:      resp.Header.Get("ETag"),
				FetchedAt: time.Now().UTC(),
			},
		}, nil
	case http.StatusNotModified:
		return FeaturesResponse{Status: FeaturesNotModified}, nil
	case http.StatusUnauthorized:
		return FeaturesResponse{}, apperrors.Unauthorized("upstream rejected the token")
	case http.StatusForbidden:
		return FeaturesResponse{}, apperrors.TokenRevoked()
	default:
		return FeaturesResponse{}, apperrors.UpstreamStatus(resp.StatusCode)
	}
}

// SendMetrics posts one drained aggregation bucket upstream.
func (c *Client) SendMetrics(ctx context.Context, payload BulkMetrics) error {
	resp, err := c.post(ctx, metricsPath, c.authToken, payload)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	metrics.ObserveUpstreamRequest("send_metrics", resp.StatusCode)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	return apperrors.UpstreamStatus(resp.StatusCode)
}

// RegisterInstance forwards an SDK application registration upstream.
func (c *Client) RegisterInstance(ctx context.Context, app clientmetrics.ClientApplication) error {
	resp, err := c.post(ctx, registerPath, c.authToken, app)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	metrics.ObserveUpstreamRequest("register", resp.StatusCode)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	return apperrors.UpstreamStatus(resp.StatusCode)
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if c.connectVia.AppName != "" {
		req.Header.Set("X-Edge-App-Name", c.connectVia.AppName)
		req.Header.Set("X-Edge-Instance-Id", c.connectVia.InstanceID)
	}
	return req, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload interface{}) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", path, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, token, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.UpstreamTimeout(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.UpstreamTimeout(err)
	}
	return apperrors.UpstreamUnavailable(err)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
