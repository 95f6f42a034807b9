package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"diabetesai/features"
	"diabetesai/ml"
	"diabetesai/pipeline"
	"diabetesai/ratelimit"

	"go.uber.org/zap"
)

type errorBody struct {
	Error      string   `json:"error"`
	Details    []string `json:"details,omitempty"`
	RetryAfter int      `json:"retry_after,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
}

type batchBody struct {
	Data []features.Values `json:"data"`
}

func (s *Server) registerAPIHandlers(mux *http.ServeMux) {
	identified := IdentityMiddleware(s.deps.Resolver)

	mux.Handle("POST /api/predict", identified(http.HandlerFunc(s.handlePredict)))
	mux.Handle("POST /api/batch-predict", identified(http.HandlerFunc(s.handleBatchPredict)))
	mux.Handle("GET /api/stats", identified(http.HandlerFunc(s.handleStats)))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/model-info", s.handleModelInfo)
	mux.HandleFunc("GET /api/features", handleFeatures)
}

func (s *Server) registerMonitoringHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /metrics", s.handlePrometheus)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /api/ws/predictions", s.deps.Hub.HandleWebSocket)
	}
	if s.deps.Alerts != nil {
		mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	}
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var values features.Values
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	pred, err := s.deps.Pipeline.PredictOne(r.Context(), pipeline.Request{
		Identity: GetIdentity(r.Context()),
		Source:   pipeline.SourceAPI,
		Values:   values,
	})
	if err != nil {
		s.writePipelineError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) handleBatchPredict(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	result, err := s.deps.Pipeline.PredictBatch(r.Context(), pipeline.BatchRequest{
		Identity: GetIdentity(r.Context()),
		Source:   pipeline.SourceAPI,
		Rows:     body.Data,
	})
	if err != nil {
		s.writePipelineError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Pipeline.Stats(r.Context(), GetIdentity(r.Context()))
	if err != nil {
		s.writePipelineError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.deps.Pipeline.Health(r.Context())
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":             health.Status,
		"model_loaded":       health.ModelLoaded,
		"database_connected": health.DatabaseConnected,
		"audit_healthy":      health.AuditHealthy,
		"audit_failures":     health.AuditFailures,
		"last_audit_error":   health.LastAuditError,
		"uptime":             health.UptimeSeconds,
		"version":            Version,
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Model.Loaded() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: ml.ErrNoModel.Error()})
		return
	}
	info := s.deps.Model.Info()
	classes := make(map[string]string, len(info.Classes))
	for _, c := range info.Classes {
		classes[c] = pipeline.DisplayName(c)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_type":     info.Type,
		"features":       info.Features,
		"feature_ranges": features.Specs(),
		"classes":        classes,
		"loaded_at":      info.LoadedAt,
		"max_batch_size": s.deps.Pipeline.MaxBatch(),
		"version":        Version,
	})
}

func handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": features.Specs(),
		"count":    features.Count,
	})
}

func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, s.deps.Metrics.Collector().ExportPrometheus())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	summary := s.deps.Metrics.Summary()
	if s.deps.Hub != nil {
		summary["live_feed_clients"] = s.deps.Hub.ClientCount()
	}
	summary["rate_limited_identities"] = s.deps.Pipeline.Limiter().Identities()
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":   s.deps.Alerts.Active(),
		"resolved": s.deps.Alerts.Resolved(),
		"stats":    s.deps.Alerts.Stats(),
	})
}

func (s *Server) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
		return
	}
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:     "invalid JSON body: " + err.Error(),
		RequestID: GetRequestID(r.Context()),
	})
}

// writePipelineError maps pipeline errors onto HTTP statuses. detailLimit
// truncates validation details when positive.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error, detailLimit int) {
	var (
		validation *pipeline.ValidationError
		exceeded   *ratelimit.ExceededError
		tooLarge   *pipeline.BatchTooLargeError
	)
	requestID := GetRequestID(r.Context())
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:     "Validation failed",
			Details:   features.Messages(validation.Errors, detailLimit),
			RequestID: requestID,
		})
	case errors.As(err, &exceeded):
		secs := int(math.Ceil(exceeded.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:      fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %s.", exceeded.Limit, exceeded.Window),
			RetryAfter: secs,
			RequestID:  requestID,
		})
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error(), RequestID: requestID})
	case errors.Is(err, pipeline.ErrNoIdentity):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), RequestID: requestID})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "request timeout", RequestID: requestID})
	case errors.Is(err, ml.ErrNoModel):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), RequestID: requestID})
	default:
		s.logger.Error("request failed", zap.String("request_id", requestID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "prediction failed", RequestID: requestID})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// retryAfter is used by the web handlers to render the wait time.
func retryAfter(err error) (time.Duration, bool) {
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		return exceeded.RetryAfter, true
	}
	return 0, false
}
