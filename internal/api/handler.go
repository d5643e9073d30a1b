package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/service"
)

// Deps are the collaborators the handlers need. Repository, Cache and Bus
// may be nil; the routes that need them answer 503.
type Deps struct {
	Service    *service.Service
	Rules      *rules.Engine
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *service.Service
	history domain.HistoryStore
	rules   *rules.Engine
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		svc:     deps.Service,
		history: deps.Service.Engine().History(),
		rules:   deps.Rules,
		repo:    deps.Repository,
		cache:   deps.Cache,
		bus:     deps.Bus,
		version: deps.Version,
	}
}

// ResponseMetadata accompanies every scoring response.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ScoreTransactionResponse is the response for POST /v1/score/transaction.
type ScoreTransactionResponse struct {
	*domain.DecisionResult
	Metadata ResponseMetadata `json:"metadata"`
}

// ScoreMessageResponse is the response for POST /v1/score/message.
type ScoreMessageResponse struct {
	*domain.MessageScoreResult
	Metadata ResponseMetadata `json:"metadata"`
}

func (h *Handler) metadata(r *http.Request, start time.Time) ResponseMetadata {
	return ResponseMetadata{
		TraceID: GetTraceID(r.Context()),
		TotalMs: time.Since(start).Milliseconds(),
		Version: h.version,
	}
}

// ScoreTransaction handles POST /v1/score/transaction.
func (h *Handler) ScoreTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req domain.TransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.svc.ScoreTransaction(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ScoreTransactionResponse{
		DecisionResult: result,
		Metadata:       h.metadata(r, start),
	})
}

// ScoreMessage handles POST /v1/score/message.
func (h *Handler) ScoreMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var msg domain.Message
	if !decodeJSON(w, r, &msg) {
		return
	}

	result, err := h.svc.ScoreMessage(r.Context(), &msg)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ScoreMessageResponse{
		MessageScoreResult: result,
		Metadata:           h.metadata(r, start),
	})
}

// SubmitTransaction handles POST /v1/transactions. The request is queued
// for the async worker and answered with 202.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var req domain.TransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": id,
		"status":        "queued",
	})
}

// GetHistory handles GET /v1/history/{identity}. With ?device= it returns
// the newest entry made from that device; otherwise the most recent
// entries, oldest first, bounded by ?limit=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")

	if device := r.URL.Query().Get("device"); device != "" {
		tx, ok, err := h.history.LastDeviceMatch(ctx, identity, device)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no transaction from device",
			})
			return
		}
		writeJSON(w, http.StatusOK, tx)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	txs, err := h.history.Recent(ctx, identity, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identityId":   identity,
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetDecision handles GET /v1/decisions/{id}. The id may be a decision id
// or a transaction id.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	result, err := h.repo.GetDecision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the history store and the optional backends answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}

	check("history", func() error { return h.history.Ping(ctx) })
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// ListRules returns the policy rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.rules.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule returns one loaded policy rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	for _, rule := range h.rules.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRule validates and stores a policy rule. With a repository the
// rule takes effect on the next POST /v1/rules/reload; without one it is
// loaded immediately.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.PolicyRule
	if !decodeJSON(w, r, &rule) {
		return
	}

	if err := h.rules.ValidateRule(&rule); err != nil {
		writeError(w, r, err)
		return
	}

	if h.repo == nil {
		if err := h.rules.LoadRule(&rule); err != nil {
			writeError(w, r, err)
			return
		}
		slog.Info("rule loaded", "rule_id", rule.ID, "name", rule.Name)
		writeJSON(w, http.StatusCreated, map[string]any{
			"rule":    &rule,
			"message": "Rule loaded.",
		})
		return
	}

	if err := h.repo.SavePolicyRule(r.Context(), &rule); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    &rule,
		"message": "Rule created. Call POST /v1/rules/reload to apply changes.",
	})
}

// ReloadRules replaces the engine's rules with the stored ones. A rule that
// fails to compile aborts the reload and the previous set stays active.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	stored, err := h.repo.ListPolicyRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.rules.ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "stored", len(stored), "loaded", h.rules.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.rules.RulesCount(),
	})
}

// writeError maps sentinel errors to status codes. Unexpected errors are
// logged and hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

// decodeJSON reads the body into v, answering 413 when the body limit was
// hit and 400 for anything else. It reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
		return false
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": "invalid JSON request body",
	})
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
