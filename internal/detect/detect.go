// Package detect holds the structural and behavioral pattern detectors.
//
// Every detector is an independent pass over the immutable transaction graph that
// returns its own Report. Reports are merged afterwards in a fixed detector order,
// so running detectors concurrently never changes the outcome.
package detect

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
)

// Partial result reasons.
const (
	ReasonCycleBudget = "cycle_budget_exhausted"
	ReasonChainBudget = "chain_budget_exhausted"
	ReasonDeadline    = "deadline_exceeded"
)

// ErrDetectorPanic is returned when a detector panics.
var ErrDetectorPanic = errors.New("detector panicked")

// Detector is one independent pass over the graph.
type Detector interface {
	Name() string
	Detect(ctx context.Context, g *graph.Graph) (*Report, error)
}

// Finding is what one detector concluded about one account.
type Finding struct {
	Tags    []string
	Signals domain.Signals
}

// Report is the output of one detector. Accounts are keyed by node index.
type Report struct {
	Detector string
	Findings map[int]*Finding

	// Cycles lists detected cycles as node indexes in traversal order.
	Cycles [][]int

	// FlaggedEdges lists edge indexes that took part in a scored pattern.
	FlaggedEdges []int

	Partial       bool
	PartialReason string
}

// NewReport creates an empty report for the named detector.
func NewReport(name string) *Report {
	return &Report{Detector: name, Findings: make(map[int]*Finding)}
}

// Flag records a tag and signals for an account. Repeated tags are ignored.
func (r *Report) Flag(node int, tag string, sig domain.Signals) {
	f, ok := r.Findings[node]
	if !ok {
		f = &Finding{}
		r.Findings[node] = f
	}
	if tag != "" && !slices.Contains(f.Tags, tag) {
		f.Tags = append(f.Tags, tag)
	}
	f.Signals = f.Signals.Or(sig)
}

func (r *Report) markPartial(reason string) {
	r.Partial = true
	if r.PartialReason == "" {
		r.PartialReason = reason
	}
}

// Runner executes detectors concurrently with a bounded worker pool.
type Runner struct {
	detectors  []Detector
	maxWorkers int

	// OnDone, if set, is called after every detector finishes.
	OnDone func(name string, elapsed time.Duration, err error)
}

// NewRunner creates a runner over the given detectors.
func NewRunner(maxWorkers int, detectors ...Detector) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = len(detectors)
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Runner{detectors: detectors, maxWorkers: maxWorkers}
}

// Detectors returns the detectors in merge order.
func (r *Runner) Detectors() []Detector {
	return r.detectors
}

// Run executes every detector and returns their reports in detector order.
func (r *Runner) Run(ctx context.Context, g *graph.Graph) ([]*Report, error) {
	reports := make([]*Report, len(r.detectors))
	errs := make([]error, len(r.detectors))

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.maxWorkers)

	for i, d := range r.detectors {
		wg.Add(1)
		go func(idx int, d Detector) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			reports[idx], errs[idx] = r.runOne(ctx, d, g)
		}(i, d)
	}

	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *Runner) runOne(ctx context.Context, d Detector, g *graph.Graph) (rep *Report, err error) {
	ctx, span := otel.Tracer("muleguard/detect").Start(ctx, "detect."+d.Name())
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			rep, err = nil, fmt.Errorf("%w: %s: %v", ErrDetectorPanic, d.Name(), p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("accounts_flagged", len(rep.Findings)),
				attribute.Bool("partial", rep.Partial),
			)
		}
		span.End()
		if r.OnDone != nil {
			r.OnDone(d.Name(), time.Since(start), err)
		}
	}()

	rep, err = d.Detect(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name(), err)
	}
	if rep == nil {
		rep = NewReport(d.Name())
	}
	return rep, nil
}

// Merged is the per-account combination of all detector reports.
type Merged struct {
	// Tags and Signals are indexed by node.
	Tags    [][]string
	Signals []domain.Signals

	Cycles       [][]int
	FlaggedEdges []int

	Partial        bool
	PartialReasons []string
}

// Merge combines reports in the order given. Tags are put in canonical order
// so the result does not depend on detector scheduling.
func Merge(nodes int, reports []*Report) *Merged {
	m := &Merged{
		Tags:    make([][]string, nodes),
		Signals: make([]domain.Signals, nodes),
	}
	edges := make(map[int]struct{})

	for _, rep := range reports {
		if rep == nil {
			continue
		}
		for node, f := range rep.Findings {
			for _, tag := range f.Tags {
				if !slices.Contains(m.Tags[node], tag) {
					m.Tags[node] = append(m.Tags[node], tag)
				}
			}
			m.Signals[node] = m.Signals[node].Or(f.Signals)
		}
		m.Cycles = append(m.Cycles, rep.Cycles...)
		for _, e := range rep.FlaggedEdges {
			edges[e] = struct{}{}
		}
		if rep.Partial {
			m.Partial = true
			if !slices.Contains(m.PartialReasons, rep.PartialReason) {
				m.PartialReasons = append(m.PartialReasons, rep.PartialReason)
			}
		}
	}

	for _, tags := range m.Tags {
		SortTags(tags)
	}

	m.FlaggedEdges = make([]int, 0, len(edges))
	for e := range edges {
		m.FlaggedEdges = append(m.FlaggedEdges, e)
	}
	slices.Sort(m.FlaggedEdges)

	return m
}

var tagOrder = []string{
	domain.PatternPassThrough,
	domain.PatternTemporalBurst,
	domain.PatternFanIn,
	domain.PatternFanOut,
	domain.PatternAmountAnomaly,
	domain.PatternRoundAmount,
	domain.PatternRapidDormancy,
	domain.PatternLayeredChain,
	domain.PatternSmurfHub,
	domain.PatternSmurfSource,
}

func tagRank(tag string) int {
	if strings.HasPrefix(tag, "cycle_length_") {
		return 0
	}
	if i := slices.Index(tagOrder, tag); i >= 0 {
		return i + 1
	}
	return len(tagOrder) + 1
}

// SortTags orders tags: cycle tags first, then built-in patterns, then custom tags alphabetically.
func SortTags(tags []string) {
	slices.SortFunc(tags, func(a, b string) int {
		if ra, rb := tagRank(a), tagRank(b); ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})
}

// Defaults returns the built-in detector set in merge order.
func Defaults(cfg domain.DetectionConfig) []Detector {
	return []Detector{
		NewCycles(cfg),
		NewFan(cfg),
		NewChains(cfg),
		NewPassThrough(cfg),
		NewBurst(cfg),
		NewAmountAnomaly(cfg),
		NewRoundAmounts(cfg),
		NewDormancy(cfg),
		NewSmurfing(cfg),
	}
}
