// Package analysis runs batches through the engine and handles everything
// around a run: quotas, result caching, persistence and event publication.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/muleguard/internal/cache"
	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/engine"
	"github.com/opensource-finance/muleguard/internal/metrics"
	"github.com/opensource-finance/muleguard/internal/quota"
)

// ErrAsyncUnavailable is returned by Submit when no event bus is configured.
var ErrAsyncUnavailable = errors.New("async analysis requires an event bus")

var tracer = otel.Tracer("muleguard/analysis")

// Request is one batch to analyze on behalf of a tenant.
type Request struct {
	TenantID string
	Source   string
	Batch    *domain.Batch
}

// RuleSet reports the version of the loaded custom rules. Cached results are
// keyed by it so a rule reload never serves stale tags.
type RuleSet interface {
	Generation() uint64
}

// Deps wires the service. Only Engine is required.
type Deps struct {
	Engine    *engine.Engine
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Limiter   *quota.Limiter
	Rules     RuleSet
	ResultTTL time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	engine    *engine.Engine
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	limiter   *quota.Limiter
	rules     RuleSet
	resultTTL time.Duration
	now       func() time.Time
}

// NewService creates an analysis service.
func NewService(d Deps) *Service {
	return &Service{
		engine:    d.Engine,
		repo:      d.Repo,
		cache:     d.Cache,
		bus:       d.Bus,
		limiter:   d.Limiter,
		rules:     d.Rules,
		resultTTL: d.ResultTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run analyzes a batch synchronously and returns the completed record.
// On engine failure the failed record is returned together with the error.
func (s *Service) Run(ctx context.Context, req Request) (*domain.Analysis, error) {
	if err := s.admit(ctx, req.TenantID); err != nil {
		return nil, err
	}
	return s.execute(ctx, s.newRecord(req), req.Batch)
}

// Submit stores a pending record and queues the batch on the event bus.
func (s *Service) Submit(ctx context.Context, req Request) (*domain.Analysis, error) {
	if s.bus == nil {
		return nil, ErrAsyncUnavailable
	}
	if err := s.admit(ctx, req.TenantID); err != nil {
		return nil, err
	}

	if req.Batch == nil {
		req.Batch = &domain.Batch{}
	}
	a := s.newRecord(req)
	s.save(ctx, a)

	payload, err := json.Marshal(newJob(a, req.Batch))
	if err != nil {
		s.fail(ctx, a, err)
		return nil, fmt.Errorf("encoding job: %w", err)
	}
	if err := s.bus.Publish(ctx, a.TenantID, domain.TopicBatchSubmitted, payload); err != nil {
		s.fail(ctx, a, err)
		return nil, fmt.Errorf("queueing analysis: %w", err)
	}

	slog.Info("analysis queued",
		"tenant_id", a.TenantID,
		"analysis_id", a.ID,
		"transactions", len(req.Batch.Transactions),
	)
	return a, nil
}

// HandleSubmitted processes one queued batch. It is the handler behind the
// async worker's subscription.
func (s *Service) HandleSubmitted(ctx context.Context, msg *domain.Message) error {
	var j job
	if err := json.Unmarshal(msg.Payload, &j); err != nil {
		return fmt.Errorf("decoding job: %w", err)
	}
	a := &domain.Analysis{
		ID:        j.AnalysisID,
		TenantID:  msg.TenantID,
		Status:    domain.AnalysisPending,
		Source:    j.Source,
		InputHash: j.InputHash,
		CreatedAt: j.CreatedAt,
	}
	_, err := s.execute(ctx, a, j.batch())
	return err
}

func (s *Service) admit(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if err := s.limiter.Allow(ctx, tenantID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			metrics.QuotaRejections.Inc()
		}
		return err
	}
	return nil
}

func (s *Service) newRecord(req Request) *domain.Analysis {
	if req.Batch == nil {
		req.Batch = &domain.Batch{}
	}
	return &domain.Analysis{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Status:    domain.AnalysisPending,
		Source:    req.Source,
		InputHash: HashBatch(req.Batch),
		CreatedAt: s.now(),
	}
}

func (s *Service) execute(ctx context.Context, a *domain.Analysis, batch *domain.Batch) (*domain.Analysis, error) {
	ctx, span := tracer.Start(ctx, "analysis.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", a.TenantID),
		attribute.String("analysis_id", a.ID),
	)

	res, cached := s.cached(ctx, a)
	if !cached {
		var err error
		res, err = s.engine.Analyze(ctx, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.fail(ctx, a, err)

			slog.Error("analysis failed", "tenant_id", a.TenantID, "analysis_id", a.ID, "error", err)
			return a, err
		}
		s.store(ctx, a, res)
	}
	span.SetAttributes(attribute.Bool("cached", cached))

	done := s.now()
	a.Status = domain.AnalysisCompleted
	a.Result = res
	a.Summary = &res.Summary
	a.CompletedAt = &done
	s.save(ctx, a)
	s.publish(ctx, a)

	slog.Info("analysis completed",
		"tenant_id", a.TenantID,
		"analysis_id", a.ID,
		"accounts", res.Summary.TotalAccountsAnalyzed,
		"flagged", res.Summary.SuspiciousAccountsFlagged,
		"rings", res.Summary.FraudRingsDetected,
		"partial", res.Summary.Partial,
		"cached", cached,
		"duration_ms", done.Sub(a.CreatedAt).Milliseconds(),
	)
	return a, nil
}

func (s *Service) resultKey(hash string) string {
	var gen uint64
	if s.rules != nil {
		gen = s.rules.Generation()
	}
	return "result:" + strconv.FormatUint(gen, 10) + ":" + hash
}

func (s *Service) cached(ctx context.Context, a *domain.Analysis) (*domain.AnalysisResult, bool) {
	if s.cache == nil || s.resultTTL <= 0 {
		return nil, false
	}
	var res domain.AnalysisResult
	hit, err := cache.GetJSON(ctx, s.cache, a.TenantID, s.resultKey(a.InputHash), &res)
	if err != nil {
		slog.Warn("result cache lookup failed", "tenant_id", a.TenantID, "error", err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, false
	}
	if !hit {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &res, true
}

func (s *Service) store(ctx context.Context, a *domain.Analysis, res *domain.AnalysisResult) {
	if s.cache == nil || s.resultTTL <= 0 || res.Summary.Partial {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, a.TenantID, s.resultKey(a.InputHash), res, s.resultTTL); err != nil {
		slog.Warn("failed to cache result", "tenant_id", a.TenantID, "analysis_id", a.ID, "error", err)
	}
}

// fail stores a as failed with err as its message.
func (s *Service) fail(ctx context.Context, a *domain.Analysis, err error) {
	done := s.now()
	a.Status = domain.AnalysisFailed
	a.Error = err.Error()
	a.CompletedAt = &done
	s.save(ctx, a)
}

func (s *Service) save(ctx context.Context, a *domain.Analysis) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveAnalysis(ctx, a.TenantID, a); err != nil {
		slog.Error("failed to save analysis", "tenant_id", a.TenantID, "analysis_id", a.ID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, a *domain.Analysis) {
	if s.bus == nil {
		return
	}

	event := domain.Analysis{
		ID:          a.ID,
		TenantID:    a.TenantID,
		Status:      a.Status,
		Source:      a.Source,
		InputHash:   a.InputHash,
		Summary:     a.Summary,
		CreatedAt:   a.CreatedAt,
		CompletedAt: a.CompletedAt,
	}
	if payload, err := json.Marshal(event); err == nil {
		if err := s.bus.Publish(ctx, a.TenantID, domain.TopicAnalysisCompleted, payload); err != nil {
			slog.Error("failed to publish analysis event", "analysis_id", a.ID, "error", err)
		}
	}

	for _, ring := range a.Result.FraudRings {
		alert := domain.RingAlert{
			AnalysisID: a.ID,
			TenantID:   a.TenantID,
			Ring:       ring,
			DetectedAt: *a.CompletedAt,
		}
		payload, err := json.Marshal(alert)
		if err != nil {
			continue
		}
		if err := s.bus.Publish(ctx, a.TenantID, domain.TopicRingDetected, payload); err != nil {
			slog.Error("failed to publish ring alert", "analysis_id", a.ID, "ring_id", ring.RingID, "error", err)
		}
	}
}

// HashBatch fingerprints a validated batch. Identical uploads hash equally, so
// their results can be served from cache.
func HashBatch(b *domain.Batch) string {
	h := sha256.New()
	buf := make([]byte, 0, 128)
	for _, tx := range b.Transactions {
		buf = buf[:0]
		buf = append(buf, tx.ID...)
		buf = append(buf, 0)
		buf = append(buf, tx.SenderID...)
		buf = append(buf, 0)
		buf = append(buf, tx.ReceiverID...)
		buf = append(buf, 0)
		buf = append(buf, tx.Amount.String()...)
		buf = append(buf, 0)
		buf = strconv.AppendInt(buf, tx.Timestamp.UnixNano(), 10)
		buf = append(buf, '\n')
		h.Write(buf)
	}
	for _, r := range b.Rejected {
		buf = buf[:0]
		buf = strconv.AppendInt(buf, int64(r.Row), 10)
		buf = append(buf, ':')
		buf = append(buf, string(r.Reason)...)
		buf = append(buf, '\n')
		h.Write(buf)
	}
	if b.SyntheticTime {
		h.Write([]byte("synthetic"))
	}
	return hex.EncodeToString(h.Sum(nil))
}
