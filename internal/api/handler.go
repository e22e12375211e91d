// Package api exposes the rewriter over HTTP: query execution,
// standalone rewrites, and policy management.
package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"dfcgate/engine"
	"dfcgate/internal/store"
	"dfcgate/policy"
)

// Handler serves the HTTP API backed by an Engine and an optional
// policy store. When the store is nil, policies live only in memory.
type Handler struct {
	engine *engine.Engine
	store  *store.Store
	logger *slog.Logger
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds the chi router for the API.
func NewRouter(e *engine.Engine, s *store.Store, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: e, store: s, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         600,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", h.executeQuery)
		r.Post("/rewrite", h.rewriteQuery)
		r.Get("/policies", h.listPolicies)
		r.Post("/policies", h.createPolicy)
		r.Delete("/policies", h.deletePolicy)
	})
	return r
}

type queryRequest struct {
	SQL string `json:"sql"`
}

type queryResponse struct {
	QueryID  string   `json:"query_id"`
	SQL      string   `json:"sql"`
	Applied  bool     `json:"applied"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

type rewriteResponse struct {
	SQL     string `json:"sql"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// policyRequest carries either a single-line policy string or the
// structured fields, not both.
type policyRequest struct {
	Policy      string   `json:"policy,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	Sink        string   `json:"sink,omitempty"`
	SinkAlias   string   `json:"sink_alias,omitempty"`
	Constraint  string   `json:"constraint,omitempty"`
	OnFail      string   `json:"on_fail,omitempty"`
	Description string   `json:"description,omitempty"`
	Aggregate   bool     `json:"aggregate,omitempty"`
}

type policyResponse struct {
	Sources     []string `json:"sources"`
	Sink        string   `json:"sink,omitempty"`
	SinkAlias   string   `json:"sink_alias,omitempty"`
	Constraint  string   `json:"constraint"`
	OnFail      string   `json:"on_fail"`
	Description string   `json:"description,omitempty"`
	Aggregate   bool     `json:"aggregate,omitempty"`
}

func (h *Handler) executeQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SQL == "" {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a non-empty \"sql\" field")
		return
	}

	queryID := uuid.NewString()
	ctx := r.Context()
	res, err := h.engine.Transform(ctx, req.SQL)
	transformed := req.SQL
	applied := false
	if err != nil {
		h.logger.Warn("query rewrite failed, executing original",
			"query_id", queryID, "error", err)
	} else {
		transformed = res.SQL
		applied = res.Applied
	}
	h.logger.Info("executing query", "query_id", queryID, "applied", applied)

	rows, err := h.engine.Run(ctx, transformed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer rows.Close()

	columns, data, err := collectRows(rows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		QueryID:  queryID,
		SQL:      transformed,
		Applied:  applied,
		Columns:  columns,
		Rows:     data,
		RowCount: len(data),
	})
}

func (h *Handler) rewriteQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SQL == "" {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a non-empty \"sql\" field")
		return
	}

	res, err := h.engine.Transform(r.Context(), req.SQL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rewriteResponse{SQL: res.SQL, Applied: res.Applied, Reason: res.Reason})
}

func (h *Handler) listPolicies(w http.ResponseWriter, _ *http.Request) {
	policies := h.engine.Policies()
	out := make([]policyResponse, len(policies))
	for i, p := range policies {
		out[i] = policyToAPI(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decodePolicy(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := h.engine.RegisterPolicy(ctx, p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.store != nil {
		if _, err := h.store.Save(ctx, p); err != nil {
			h.logger.Error("policy registered but not persisted", "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, policyToAPI(p))
}

func (h *Handler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decodePolicy(w, r)
	if !ok {
		return
	}
	if !h.engine.DeletePolicy(p) {
		writeError(w, http.StatusNotFound, "no matching policy registered")
		return
	}
	if h.store != nil {
		if _, err := h.store.Delete(r.Context(), p); err != nil {
			h.logger.Error("policy removed but not deleted from store", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodePolicy(w http.ResponseWriter, r *http.Request) (*policy.DFCPolicy, bool) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON")
		return nil, false
	}

	if req.Policy != "" {
		p, err := policy.FromPolicyString(req.Policy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		return p, true
	}

	resolution, err := policy.ParseResolution(req.OnFail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	p, err := policy.New(policy.DFCPolicy{
		Sources:     req.Sources,
		Sink:        req.Sink,
		SinkAlias:   req.SinkAlias,
		Constraint:  req.Constraint,
		OnFail:      resolution,
		Description: req.Description,
		Aggregate:   req.Aggregate,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return p, true
}

func policyToAPI(p *policy.DFCPolicy) policyResponse {
	return policyResponse{
		Sources:     p.Sources,
		Sink:        p.Sink,
		SinkAlias:   p.SinkAlias,
		Constraint:  p.Constraint,
		OnFail:      string(p.OnFail),
		Description: p.Description,
		Aggregate:   p.Aggregate,
	}
}

func collectRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	data := [][]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		data = append(data, values)
	}
	return columns, data, rows.Err()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Code: status, Message: message})
}
