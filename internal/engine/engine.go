// Package engine runs one transaction batch through graph construction,
// detection, scoring, ring assembly and serialization.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/muleguard/internal/detect"
	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
	"github.com/opensource-finance/muleguard/internal/metrics"
	"github.com/opensource-finance/muleguard/internal/report"
	"github.com/opensource-finance/muleguard/internal/scoring"
)

// ErrInternal marks a broken invariant inside the engine, never bad input.
var ErrInternal = errors.New("internal engine error")

var tracer = otel.Tracer("muleguard/engine")

// Engine is safe for concurrent use. Its configuration is fixed at construction.
type Engine struct {
	cfg        domain.DetectionConfig
	timeout    time.Duration
	runner     *detect.Runner
	processor  *scoring.Processor
	serializer *report.Serializer
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	timeout time.Duration
	rules   detect.AccountEvaluator
	extra   []detect.Detector
}

// WithTimeout bounds every Analyze call. Zero means no bound beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRules adds custom account rules as an extra detector.
func WithRules(eval detect.AccountEvaluator) Option {
	return func(o *options) { o.rules = eval }
}

// WithDetectors appends detectors after the built-in set.
func WithDetectors(ds ...detect.Detector) Option {
	return func(o *options) { o.extra = append(o.extra, ds...) }
}

// New creates an engine. cfg is copied and never modified.
func New(cfg domain.DetectionConfig, opts ...Option) *Engine {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	detectors := detect.Defaults(cfg)
	if o.rules != nil {
		detectors = append(detectors, detect.NewCustomRules(o.rules))
	}
	detectors = append(detectors, o.extra...)

	runner := detect.NewRunner(cfg.Workers, detectors...)
	runner.OnDone = func(name string, elapsed time.Duration, err error) {
		metrics.ObserveDetector(name, elapsed)
		if err != nil {
			slog.Error("detector failed", "detector", name, "error", err)
		}
	}

	return &Engine{
		cfg:        cfg,
		timeout:    o.timeout,
		runner:     runner,
		processor:  scoring.NewProcessor(cfg),
		serializer: report.NewSerializer(cfg),
	}
}

// Config returns the thresholds the engine was built with.
func (e *Engine) Config() domain.DetectionConfig {
	return e.cfg
}

// Analyze runs the full pipeline over a validated batch. Hitting the timeout or
// a detector budget yields a result with summary.partial set, not an error.
func (e *Engine) Analyze(ctx context.Context, batch *domain.Batch) (*domain.AnalysisResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "engine.analyze")
	defer span.End()

	res, err := e.analyze(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.AnalysesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	res.Summary.ProcessingTimeSeconds = time.Since(start).Seconds()

	span.SetAttributes(
		attribute.Int("transactions", res.Summary.TransactionsProcessed),
		attribute.Int("accounts", res.Summary.TotalAccountsAnalyzed),
		attribute.Int("rings", res.Summary.FraudRingsDetected),
		attribute.Bool("partial", res.Summary.Partial),
	)

	outcome := "complete"
	if res.Summary.Partial {
		outcome = "partial"
	}
	metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
	metrics.AnalysisDuration.Observe(res.Summary.ProcessingTimeSeconds)
	metrics.TransactionsProcessed.Add(float64(res.Summary.TransactionsProcessed))
	for _, ring := range res.FraudRings {
		metrics.RingsDetected.WithLabelValues(ring.PatternType).Inc()
	}

	return res, nil
}

func (e *Engine) analyze(ctx context.Context, batch *domain.Batch) (*domain.AnalysisResult, error) {
	if batch == nil {
		batch = &domain.Batch{}
	}
	for _, rej := range batch.Rejected {
		metrics.RowsDropped.WithLabelValues(string(rej.Reason)).Inc()
		slog.Debug("row dropped", "row", rej.Row, "reason", rej.Reason, "detail", rej.Detail)
	}

	g := graph.FromBatch(batch)
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	reports, err := e.runner.Run(runCtx, g)
	if err != nil {
		if errors.Is(err, detect.ErrDetectorPanic) {
			return nil, fmt.Errorf("%w: %w", ErrInternal, err)
		}
		return nil, fmt.Errorf("running detectors: %w", err)
	}

	merged := detect.Merge(g.Len(), reports)
	if runCtx.Err() != nil && !merged.Partial {
		merged.Partial = true
		merged.PartialReasons = append(merged.PartialReasons, detect.ReasonDeadline)
	}

	_, span := tracer.Start(ctx, "engine.score")
	outcome := e.processor.Process(g, merged)
	span.SetAttributes(attribute.Int("rings", len(outcome.Rings)))
	span.End()

	res := e.serializer.Build(g, outcome)
	res.Summary.TransactionsProcessed = g.EdgeCount()
	res.Summary.DroppedRows = batch.DroppedRows()
	if merged.Partial {
		res.Summary.Partial = true
		res.Summary.PartialReason = strings.Join(merged.PartialReasons, ",")
		for _, reason := range merged.PartialReasons {
			metrics.PartialResults.WithLabelValues(reason).Inc()
		}
		slog.Warn("analysis returned partial results", "reason", res.Summary.PartialReason)
	}
	return res, nil
}
