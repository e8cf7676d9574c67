package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/muleguard/internal/analysis"
	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/engine"
	"github.com/opensource-finance/muleguard/internal/ingest"
	"github.com/opensource-finance/muleguard/internal/quota"
	"github.com/opensource-finance/muleguard/internal/repository"
	"github.com/opensource-finance/muleguard/internal/rules"
)

// GlobalTenantID owns rules that apply to all tenants.
const GlobalTenantID = "*"

const maxMultipartMemory = 32 << 20

var errBadRequest = errors.New("bad request")

// Handler holds dependencies for API handlers.
type Handler struct {
	analyses *analysis.Service
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	rules    *rules.Engine
	validate *validator.Validate
	version  string
	maxBody  int64
}

// NewHandler creates a new API handler. repo, cache, bus and ruleEngine may be nil.
func NewHandler(svc *analysis.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, ruleEngine *rules.Engine, version string, maxBodyBytes int64) *Handler {
	return &Handler{
		analyses: svc,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		rules:    ruleEngine,
		validate: validator.New(),
		version:  version,
		maxBody:  maxBodyBytes,
	}
}

// AnalyzeRequest is the JSON body for POST /analyze.
type AnalyzeRequest struct {
	Source       string             `json:"source,omitempty" validate:"max=256"`
	Transactions []TransactionInput `json:"transactions" validate:"required"`
}

// TransactionInput is one JSON transaction. Amount and timestamp accept strings
// or numbers; each row is validated like a CSV row.
type TransactionInput struct {
	TransactionID flexString `json:"transaction_id"`
	SenderID      string     `json:"sender_id"`
	ReceiverID    string     `json:"receiver_id"`
	Amount        flexString `json:"amount"`
	Timestamp     flexString `json:"timestamp"`
}

// flexString decodes a JSON string or number into its text form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

func (req *AnalyzeRequest) batch() *domain.Batch {
	records := make([]domain.RawRecord, len(req.Transactions))
	for i, in := range req.Transactions {
		id := string(in.TransactionID)
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		records[i] = domain.RawRecord{
			Row:           i + 1,
			TransactionID: id,
			SenderID:      in.SenderID,
			ReceiverID:    in.ReceiverID,
			Amount:        string(in.Amount),
			Timestamp:     string(in.Timestamp),
		}
	}
	return ingest.Validate(records)
}

// AsyncResponse is returned by POST /analyze?async=true.
type AsyncResponse struct {
	AnalysisID string `json:"analysisId"`
	Status     string `json:"status"`
}

// Analyze handles POST /analyze. The body is a CSV file, a multipart form with
// a "file" part, or an AnalyzeRequest JSON document.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	batch, source, err := h.readBatch(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	req := analysis.Request{TenantID: tenantID, Source: source, Batch: batch}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		a, err := h.analyses.Submit(ctx, req)
		if err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set(AnalysisIDHeader, a.ID)
		writeJSON(w, http.StatusAccepted, AsyncResponse{AnalysisID: a.ID, Status: a.Status})
		return
	}

	a, err := h.analyses.Run(ctx, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set(AnalysisIDHeader, a.ID)
	writeJSON(w, http.StatusOK, a.Result)
}

func (h *Handler) readBatch(r *http.Request) (*domain.Batch, string, error) {
	source := r.URL.Query().Get("source")

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case "application/json":
		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, "", bodyError(err, "invalid JSON request body")
		}
		if err := h.validate.Struct(&req); err != nil {
			return nil, "", fmt.Errorf("%w: %s", errBadRequest, validationMessage(err))
		}
		if req.Source != "" {
			source = req.Source
		}
		return req.batch(), source, nil

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return nil, "", bodyError(err, "invalid multipart body")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("%w: multipart field \"file\" is required", errBadRequest)
		}
		defer file.Close()
		if source == "" {
			source = header.Filename
		}
		batch, err := ingest.ReadCSV(file)
		return batch, source, err

	default:
		batch, err := ingest.ReadCSV(r.Body)
		if err != nil {
			return nil, "", bodyError(err, "")
		}
		return batch, source, nil
	}
}

// bodyError keeps size-limit errors recognizable and wraps decode errors as bad requests.
func bodyError(err error, msg string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return maxErr
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", errBadRequest, msg)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag())
}

// ListAnalyses returns the tenant's most recent analyses without their full results.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	list, err := h.repo.ListAnalyses(r.Context(), GetTenantID(r.Context()), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Analysis{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": list,
		"count":    len(list),
	})
}

// GetAnalysis retrieves one analysis including its result.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	analysisID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	a, err := h.repo.GetAnalysis(ctx, GetTenantID(ctx), analysisID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// Health reports the status of every backing service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("eventBus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.analyses == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the custom rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	loaded := h.rules.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID, falling back to the database for
// rules that are stored but not yet reloaded.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if h.rules != nil {
		for _, rule := range h.rules.GetLoadedRules() {
			if rule.ID == ruleID {
				writeJSON(w, http.StatusOK, rule)
				return
			}
		}
	}

	if h.repo != nil {
		rule, err := h.repo.GetRuleConfig(r.Context(), GlobalTenantID, ruleID)
		if err == nil {
			writeJSON(w, http.StatusOK, rule)
			return
		}
		if !errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id" validate:"required,max=64"`
	Name        string            `json:"name" validate:"required,max=128"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression" validate:"required"`
	Bands       []domain.RuleBand `json:"bands,omitempty"`
	Tag         string            `json:"tag,omitempty" validate:"omitempty,max=64"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates the CEL expression and stores the rule globally.
// Call POST /rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.rules == nil || h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule management not available",
		})
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validationMessage(err),
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Tag:         req.Tag,
		Enabled:     req.Enabled,
	}

	if err := h.rules.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name, "tag", ruleConfig.PatternTag())
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all enabled rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil || h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule management not available",
		})
		return
	}

	count, err := h.rules.ReloadFrom(r.Context(), h.repo, GlobalTenantID)
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)
	case errors.Is(err, errBadRequest),
		errors.Is(err, ingest.ErrMissingColumns),
		errors.Is(err, ingest.ErrMalformedCSV),
		errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, analysis.ErrAsyncUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, engine.ErrInternal):
		return http.StatusInternalServerError, "internal engine error"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
