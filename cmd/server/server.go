package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/tenantrules/internal/logger"
	"github.com/liamcoop/tenantrules/multitenantengine"
	"github.com/liamcoop/tenantrules/rules"
)

const maxBodyBytes = 1 << 20

type Server struct {
	manager *multitenantengine.Manager
	router  *chi.Mux
	logger  *slog.Logger
}

func NewServer(manager *multitenantengine.Manager) *Server {
	s := &Server{
		manager: manager,
		logger:  logger.Component("http"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/cache/stats", s.handleCacheStats)

		r.Route("/tenants/{tenantId}", func(r chi.Router) {
			r.Post("/evaluate", s.handleEvaluate)

			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Post("/rules/import", s.handleImportRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpsertRule)

			r.Delete("/cache", s.handleInvalidateCache)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.HTTPStatus(status)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.manager.HealthCheck(r.Context())
	status := http.StatusOK
	if health.Status != multitenantengine.StatusServing {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.CacheStats())
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.RuleType == "" {
		respondError(w, http.StatusBadRequest, "rule_type is required", nil)
		return
	}

	facts, err := rules.ValuesOf(req.Context)
	if err != nil {
		respondError(w, http.StatusBadRequest, "context values must be scalars", err)
		return
	}

	res, err := s.manager.EvaluateRule(r.Context(), multitenantengine.EvaluateRequest{
		TenantID: tenantID,
		RuleType: req.RuleType,
		Context:  facts,
	})
	if err != nil {
		s.respondServiceError(w, "evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, toEvaluateResponse(tenantID, req.RuleType, res))
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	list, err := s.manager.GetTenantRules(r.Context(), tenantID, r.URL.Query().Get("rule_type"))
	if err != nil {
		s.respondServiceError(w, "failed to list rules", err)
		return
	}

	respondJSON(w, http.StatusOK, RulesListResponse{
		TenantID: tenantID,
		Rules:    toRuleResponses(list),
		Count:    len(list),
	})
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	rule, found, err := s.manager.GetRule(r.Context(), tenantID, ruleID)
	if err != nil {
		s.respondServiceError(w, "failed to get rule", err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Definition == "" {
		respondError(w, http.StatusBadRequest, "definition is required", nil)
		return
	}

	rule, err := s.manager.CreateRule(r.Context(), multitenantengine.RuleRequest{
		TenantID:   tenantID,
		RuleID:     req.RuleID,
		Definition: req.Definition,
		Priority:   req.Priority,
		IsActive:   req.IsActive,
	})
	if err != nil {
		s.respondServiceError(w, "failed to create rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, toRuleResponse(rule))
}

// Upsert rule handler
func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Definition == "" {
		respondError(w, http.StatusBadRequest, "definition is required", nil)
		return
	}
	if req.RuleID != "" && req.RuleID != ruleID {
		respondError(w, http.StatusBadRequest, "rule_id in body does not match path", nil)
		return
	}

	rule, err := s.manager.UpdateTenantRules(r.Context(), multitenantengine.RuleRequest{
		TenantID:   tenantID,
		RuleID:     ruleID,
		Definition: req.Definition,
		Priority:   req.Priority,
		IsActive:   req.IsActive,
	})
	if err != nil {
		s.respondServiceError(w, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

// Import handler. Accepts either a raw YAML body or a JSON ImportRequest.
func (s *Server) handleImportRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	text, err := readDefinitions(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if text == "" {
		respondError(w, http.StatusBadRequest, "definitions are required", nil)
		return
	}

	res, err := s.manager.ImportRules(r.Context(), tenantID, text)
	if err != nil {
		s.respondServiceError(w, "failed to import rules", err)
		return
	}

	resp := ImportResponse{
		TenantID:      tenantID,
		ImportedCount: len(res.Imported),
		SkippedCount:  len(res.Skipped),
		Imported:      toRuleResponses(res.Imported),
	}
	for _, sk := range res.Skipped {
		resp.Skipped = append(resp.Skipped, SkippedRule{Index: sk.Index, Line: sk.Line, Error: sk.Err.Error()})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if err := s.manager.InvalidateTenant(tenantID); err != nil {
		s.respondServiceError(w, "failed to invalidate cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondServiceError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrInvalidRuleFormat), errors.Is(err, rules.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, rules.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func readDefinitions(w http.ResponseWriter, r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/plain":
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		return string(body), nil
	default:
		var req ImportRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return "", err
		}
		return req.Definitions, nil
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
