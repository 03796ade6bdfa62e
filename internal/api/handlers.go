package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bridge25/dt-rag-sub010/internal/casebank"
	"github.com/bridge25/dt-rag-sub010/internal/consolidation"
	"github.com/bridge25/dt-rag-sub010/internal/execlog"
	"github.com/bridge25/dt-rag-sub010/internal/reflection"
	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Embedder abstracts embedding generation for the API layer.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Maintainer runs a maintenance sweep serialized with scheduled runs.
type Maintainer interface {
	Maintain(ctx context.Context) (reflection.BatchSummary, consolidation.Summary, error)
}

type AppDeps struct {
	Bank       *casebank.Bank
	Logs       *execlog.Logger
	Store      *storage.Store
	Reflector  *reflection.Engine
	Maintainer Maintainer // optional; if nil, POST /v1/maintenance is unavailable
	Embedder   Embedder   // optional; if nil, cases must carry caller-supplied embeddings
	Token      string
}

// NewAppHandler returns the management API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/cases", handleCreateCase(deps))
		r.Post("/v1/cases/import", handleImportCases(deps))
		r.Get("/v1/cases", handleListCases(deps))
		r.Get("/v1/cases/{id}", handleGetCase(deps))
		r.Patch("/v1/cases/{id}", handleUpdateCase(deps))
		r.Delete("/v1/cases/{id}", handleArchiveCase(deps))
		r.Post("/v1/cases/{id}/usage", handleRecordUsage(deps))
		r.Post("/v1/cases/{id}/restore", handleRestoreCase(deps))
		r.Post("/v1/cases/{id}/analyze", handleAnalyzeCase(deps))
		r.Get("/v1/cases/{id}/executions", handleListExecutions(deps))
		r.Post("/v1/executions", handleRecordExecution(deps))
		r.Post("/v1/similar", handleFindSimilar(deps))
		r.Get("/v1/archive", handleListArchive(deps))
		r.Get("/v1/stats", handleStats(deps))
		r.Post("/v1/maintenance", handleMaintenance(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type CreateCaseRequest struct {
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	Embedding []float32 `json:"embedding,omitempty"`
}

func handleCreateCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateCaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Embedding == nil && deps.Embedder != nil && req.Query != "" {
			vec, err := deps.Embedder.Embed(r.Context(), req.Query)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to embed query: %v", err)
				return
			}
			req.Embedding = vec
		}

		c, err := deps.Bank.Create(req.Query, req.Answer, req.Embedding)
		if err != nil {
			domainError(w, err, "failed to create case")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(c)
	}
}

type ImportCasesRequest struct {
	Cases []CreateCaseRequest `json:"cases"`
}

// handleImportCases creates many cases in one call, embedding the queries in
// a single concurrent batch.
func handleImportCases(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ImportCasesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Cases) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cases is required and must not be empty")
			return
		}

		if deps.Embedder != nil {
			var missing []int
			var texts []string
			for i, c := range req.Cases {
				if c.Embedding == nil && c.Query != "" {
					missing = append(missing, i)
					texts = append(texts, c.Query)
				}
			}
			if len(texts) > 0 {
				vecs, err := deps.Embedder.EmbedBatch(r.Context(), texts)
				if err != nil {
					httpError(w, http.StatusBadGateway, "api_error", "failed to embed queries: %v", err)
					return
				}
				for i, idx := range missing {
					req.Cases[idx].Embedding = vecs[i]
				}
			}
		}

		type importResult struct {
			ID    string `json:"id,omitempty"`
			Error string `json:"error,omitempty"`
		}
		results := make([]importResult, len(req.Cases))
		created := 0
		for i, cr := range req.Cases {
			c, err := deps.Bank.Create(cr.Query, cr.Answer, cr.Embedding)
			if err != nil {
				results[i] = importResult{Error: err.Error()}
				continue
			}
			results[i] = importResult{ID: c.ID}
			created++
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"created": created,
			"results": results,
		})
	}
}

func handleListCases(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cases, err := deps.Bank.ListActive()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list cases: %v", err)
			return
		}
		if cases == nil {
			cases = []storage.CaseRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cases)
	}
}

func handleGetCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Bank.Get(chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err, "failed to get case")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c)
	}
}

type UpdateCaseRequest struct {
	Query        string   `json:"query,omitempty"`
	Answer       string   `json:"answer,omitempty"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

// handleUpdateCase updates a case's content (bumping its version) and/or
// records an external quality signal. Omitted content fields keep their
// stored value.
func handleUpdateCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req UpdateCaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" && req.Answer == "" && req.QualityScore == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "nothing to update")
			return
		}

		id := chi.URLParam(r, "id")

		if req.Query != "" || req.Answer != "" {
			stored, err := deps.Bank.Get(id)
			if err != nil {
				domainError(w, err, "failed to update case")
				return
			}
			query, answer, embedding := req.Query, req.Answer, stored.Embedding
			if query == "" {
				query = stored.Query
			}
			if answer == "" {
				answer = stored.Answer
			}
			if req.Query != "" && deps.Embedder != nil {
				vec, err := deps.Embedder.Embed(r.Context(), query)
				if err != nil {
					httpError(w, http.StatusBadGateway, "api_error", "failed to embed query: %v", err)
					return
				}
				embedding = vec
			}
			if err := deps.Bank.UpdateContent(id, query, answer, embedding); err != nil {
				domainError(w, err, "failed to update case")
				return
			}
		}

		if req.QualityScore != nil {
			if err := deps.Bank.SetQuality(id, *req.QualityScore); err != nil {
				domainError(w, err, "failed to set quality score")
				return
			}
		}

		c, err := deps.Bank.Get(id)
		if err != nil {
			domainError(w, err, "failed to get case")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c)
	}
}

func handleArchiveCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = storage.ReasonManual
		}

		if err := deps.Bank.Archive(chi.URLParam(r, "id"), reason); err != nil {
			domainError(w, err, "failed to archive case")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "archived"})
	}
}

func handleRecordUsage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Bank.RecordUsage(chi.URLParam(r, "id")); err != nil {
			domainError(w, err, "failed to record usage")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
	}
}

func handleRestoreCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Bank.Restore(chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err, "failed to restore case")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c)
	}
}

func handleAnalyzeCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Reflector.Analyze(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, reflection.ErrDeferred) {
			httpError(w, http.StatusTooManyRequests, "rate_limited", "suggestion budget exhausted; retry later")
			return
		}
		if err != nil {
			domainError(w, err, "analysis failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func handleListExecutions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		recs, err := deps.Logs.ListRecent(chi.URLParam(r, "id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list executions: %v", err)
			return
		}
		if recs == nil {
			recs = []storage.ExecutionRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recs)
	}
}

type RecordExecutionRequest struct {
	CaseID      string         `json:"case_id"`
	Success     bool           `json:"success"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

func handleRecordExecution(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RecordExecutionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec, err := deps.Logs.Record(execlog.Params{
			CaseID:      req.CaseID,
			Success:     req.Success,
			ErrorKind:   req.ErrorKind,
			ErrorDetail: req.ErrorDetail,
			DurationMs:  req.DurationMs,
			Context:     req.Context,
		})
		if err != nil {
			domainError(w, err, "failed to record execution")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(rec)
	}
}

type FindSimilarRequest struct {
	Query     string    `json:"query,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

func handleFindSimilar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FindSimilarRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Threshold <= 0 || req.Threshold > 1 {
			req.Threshold = 0.8
		}

		probe := req.Embedding
		if probe == nil {
			if req.Query == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "one of embedding or query is required")
				return
			}
			if deps.Embedder == nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "no embedder configured; supply an embedding")
				return
			}
			vec, err := deps.Embedder.Embed(r.Context(), req.Query)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to embed query: %v", err)
				return
			}
			probe = vec
		}

		matches, err := deps.Bank.FindSimilar(r.Context(), probe, req.Threshold)
		if err != nil {
			domainError(w, err, "similarity search failed")
			return
		}
		if matches == nil {
			matches = []casebank.Match{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(matches)
	}
}

func handleListArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		recs, err := deps.Bank.ListArchived(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list archive: %v", err)
			return
		}
		if recs == nil {
			recs = []storage.ArchiveRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recs)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func handleMaintenance(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Maintainer == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "maintenance is not available")
			return
		}

		rs, cs, err := deps.Maintainer.Maintain(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "maintenance failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"reflection":    rs,
			"consolidation": cs,
		})
	}
}

// domainError maps storage sentinels onto API error responses.
func domainError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", msg, err)
	case errors.Is(err, storage.ErrInvalidInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", msg, err)
	case errors.Is(err, storage.ErrInvalidReference):
		httpError(w, http.StatusUnprocessableEntity, "invalid_reference", "%s: %v", msg, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
