package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/Defman/unleash-edge/internal/app/cache"
	"github.com/Defman/unleash-edge/internal/app/domain/clientmetrics"
	apperrors "github.com/Defman/unleash-edge/internal/app/errors"
	"github.com/Defman/unleash-edge/internal/app/metrics"
	"github.com/Defman/unleash-edge/pkg/logger"
	"github.com/Defman/unleash-edge/pkg/version"
)

// MetricsRecorder is the slice of the metrics sink the handlers need.
type MetricsRecorder interface {
	Record(batch clientmetrics.MetricsBatch)
	RecordApplication(app clientmetrics.ClientApplication)
}

// HandlerDeps bundles the core surfaces the HTTP layer touches.
type HandlerDeps struct {
	Registrar TokenRegistrar
	Features  *cache.FeatureCache
	Metrics   MetricsRecorder
}

type handler struct {
	deps HandlerDeps
	log  *logger.Logger
}

// NewHandler returns a mux exposing the edge API.
func NewHandler(deps HandlerDeps, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("http")
	}
	h := &handler{deps: deps, log: log}

	api := http.NewServeMux()
	api.HandleFunc("/api/client/features", h.clientFeatures)
	api.HandleFunc("/api/client/metrics", h.clientMetrics)
	api.HandleFunc("/api/client/register", h.clientRegister)
	api.HandleFunc("/api/frontend", h.frontendFeatures)

	mux := http.NewServeMux()
	mux.Handle("/api/", wrapWithTokenValidation(api, deps.Registrar, log))
	mux.HandleFunc("/internal-backstage/health", h.health)
	mux.Handle("/internal-backstage/metrics", metrics.Handler())
	return mux
}

// clientFeatures serves the cached payload for the token's environment. The
// payload's upstream ETag is passed through so SDKs can poll conditionally.
func (h *handler) clientFeatures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, ok := tokenFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Unauthorized("no validated token on request"))
		return
	}

	payload, ok := h.deps.Features.Features(record.Environment)
	if !ok {
		// Validated but not yet fetched; the refresher fills the cache
		// within one interval.
		writeError(w, apperrors.New(apperrors.ErrCodeUpstreamUnavailable,
			"features not yet cached for this environment", http.StatusServiceUnavailable))
		return
	}

	if payload.Etag != "" {
		if match := r.Header.Get("If-None-Match"); match == payload.Etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", payload.Etag)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload.Body)
}

// frontendFeatures serves the engine's resolved view for frontend tokens.
func (h *handler) frontendFeatures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, ok := tokenFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Unauthorized("no validated token on request"))
		return
	}

	eng, ok := h.deps.Features.Engine(record.Environment)
	if !ok {
		writeError(w, apperrors.New(apperrors.ErrCodeUpstreamUnavailable,
			"features not yet cached for this environment", http.StatusServiceUnavailable))
		return
	}

	if etag := eng.Etag(); etag != "" {
		if match := r.Header.Get("If-None-Match"); match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"toggles": eng.Resolved(),
	})
}

// clientMetrics folds one SDK metrics submission into the aggregation
// window. The environment always comes from the validated token, never from
// the request body.
func (h *handler) clientMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, ok := tokenFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Unauthorized("no validated token on request"))
		return
	}

	var batch clientmetrics.MetricsBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid metrics payload", http.StatusBadRequest))
		return
	}
	batch.Environment = record.Environment
	h.deps.Metrics.Record(batch)
	w.WriteHeader(http.StatusAccepted)
}

// clientRegister records an SDK application registration for the next
// metrics flush.
func (h *handler) clientRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, ok := tokenFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Unauthorized("no validated token on request"))
		return
	}

	var app clientmetrics.ClientApplication
	if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
		writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid registration payload", http.StatusBadRequest))
		return
	}
	if app.AppName == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeMissingParameter, "appName is required", http.StatusBadRequest))
		return
	}
	app.Environment = record.Environment
	h.deps.Metrics.RecordApplication(app)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"build":  version.Get(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperrors.GetHTTPStatus(err)
	var body interface{}
	var edgeErr *apperrors.EdgeError
	if e, ok := err.(*apperrors.EdgeError); ok {
		edgeErr = e
	}
	if edgeErr != nil {
		body = edgeErr
	} else {
		body = map[string]string{"message": err.Error()}
	}
	writeJSON(w, status, body)
}
