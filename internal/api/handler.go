// Package api provides the HTTP/JSON REST transport for the Hounfour
// Router, plus health/readiness/metrics endpoints.
//
// Grounded on the root handler.go (REST wrapper shape: JSON
// encode/decode, contextWithAuth, handleGRPCError status mapping,
// LoggingMiddleware/CORS, responseWriter status-capturing wrapper). Its
// generated-protobuf request/response messages are replaced by plain
// JSON structs, keeping transport concerns out of the router's own API,
// and handleGRPCError's string-matching error classification is
// replaced by gatewayerr.HTTPStatus's exhaustive code table.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hounfour/gateway/internal/gatewayerr"
	"github.com/hounfour/gateway/internal/router"
)

// ReadinessChecker reports whether the gateway's dependencies are ready
// to serve traffic.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Handler serves the gateway's REST surface.
type Handler struct {
	router *router.Router
	ready  ReadinessChecker
	log    zerolog.Logger
}

// NewHandler constructs a Handler. ready may be nil, in which case /ready
// always reports healthy.
func NewHandler(r *router.Router, ready ReadinessChecker, logger zerolog.Logger) *Handler {
	return &Handler{router: r, ready: ready, log: logger.With().Str("component", "rest_handler").Logger()}
}

// RegisterRoutes registers every REST endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/invoke", h.handleInvoke)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// InvokeRequestBody is the JSON body of POST /v1/invoke.
type InvokeRequestBody struct {
	Alias     string `json:"alias"`
	Agent     string `json:"agent"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	PhaseID   string `json:"phase_id,omitempty"`
	SprintID  string `json:"sprint_id,omitempty"`
	Body      []byte `json:"body"`
}

// InvokeResponseBody is the JSON body of a successful POST /v1/invoke.
type InvokeResponseBody struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
	LatencyMs        int64 `json:"latency_ms"`
}

// handleInvoke handles POST /v1/invoke: a single non-tool-calling,
// non-ensemble model invocation through the router.
func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req InvokeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	result, err := h.router.Execute(router.Invocation{
		Alias: req.Alias, Agent: req.Agent, TenantID: req.TenantID,
		Scope: router.ScopeMeta{TenantID: req.TenantID, ProjectID: req.ProjectID, PhaseID: req.PhaseID, SprintID: req.SprintID},
		Body:  req.Body,
	})
	if err != nil {
		h.handleGatewayError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, InvokeResponseBody{
		PromptTokens: result.Usage.PromptTokens, CompletionTokens: result.Usage.CompletionTokens,
		ReasoningTokens: result.Usage.ReasoningTokens, LatencyMs: result.LatencyMs,
	})
}

// handleHealth handles GET /health — process liveness only.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready — dependency readiness.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ready.Ready(ctx); err != nil {
		h.log.Warn().Err(err).Msg("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleGatewayError translates a gatewayerr.Error into the matching HTTP
// status via the code table, unlike the string-matching
// handleGRPCError.
func (h *Handler) handleGatewayError(w http.ResponseWriter, err error) {
	code := gatewayerr.CodeOf(err)
	status := gatewayerr.HTTPStatus(code)

	h.log.Error().Err(err).Str("code", string(code)).Int("status", status).Msg("request failed")
	h.writeErrorCode(w, status, code, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeErrorCode(w, statusCode, "", message)
}

func (h *Handler) writeErrorCode(w http.ResponseWriter, statusCode int, code gatewayerr.Code, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// CORS is development-mode permissive CORS, kept from the prior service as-is.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs every HTTP request, kept from the prior service.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
