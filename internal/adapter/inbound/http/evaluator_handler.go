package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/mcpgateway/control-plane/internal/domain/governance"
	"github.com/mcpgateway/control-plane/internal/service"
)

// maxEvaluateBodySize bounds /evaluate request bodies.
const maxEvaluateBodySize = 1024 * 1024 // 1MB

// EvaluatorHandler serves the synchronous decision endpoint consumed by
// gateway enforcement hooks.
type EvaluatorHandler struct {
	evaluator *service.EvaluationService
	cache     *service.ConstraintCache
	logger    *slog.Logger
}

// NewEvaluatorHandler creates an EvaluatorHandler.
func NewEvaluatorHandler(evaluator *service.EvaluationService, cache *service.ConstraintCache, logger *slog.Logger) *EvaluatorHandler {
	return &EvaluatorHandler{evaluator: evaluator, cache: cache, logger: logger}
}

// Routes returns the evaluator's mux. Unknown paths get a JSON 404 so
// callers never have to parse a plain-text error.
func (h *EvaluatorHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /evaluate", h.handleEvaluate)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("/", h.handleNotFound)
	return mux
}

// handleEvaluate decodes the evaluation request and returns the decision.
// Malformed or empty bodies are a 400; the evaluator itself never errors,
// it denies.
func (h *EvaluatorHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEvaluateBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"}, h.logger)
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty request body"}, h.logger)
		return
	}

	var req governance.EvaluationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"}, h.logger)
		return
	}
	if req.ServiceName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "serviceName required"}, h.logger)
		return
	}

	decision := h.evaluator.Evaluate(r.Context(), req)
	writeJSON(w, http.StatusOK, decision, h.logger)
}

// handleHealth reports the evaluator's readiness and cache size.
func (h *EvaluatorHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"cached_services": h.cache.Size(),
	}, h.logger)
}

func (h *EvaluatorHandler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"}, h.logger)
}

func writeJSON(w http.ResponseWriter, code int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}
