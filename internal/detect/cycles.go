package detect

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
)

// checkEvery is how many DFS steps pass between budget checks.
const checkEvery = 1024

// Cycles finds elementary circuits whose length lies in [MinLen, MaxLen].
//
// The search is a bounded depth-first walk from every start node that only
// visits nodes with a higher index than the start, so each circuit is found from
// its lowest member. Circuits over the same member set are reported once.
type Cycles struct {
	MinLen    int
	MaxLen    int
	MaxCycles int
	TimeLimit time.Duration
}

// NewCycles creates the cycle detector from config.
func NewCycles(cfg domain.DetectionConfig) *Cycles {
	return &Cycles{
		MinLen:    cfg.MinCycleLength,
		MaxLen:    cfg.MaxCycleLength,
		MaxCycles: cfg.MaxCycles,
		TimeLimit: cfg.CycleTimeLimit,
	}
}

func (c *Cycles) Name() string { return "cycles" }

type cycleSearch struct {
	ctx      context.Context
	g        *graph.Graph
	cfg      *Cycles
	deadline time.Time

	onPath []bool
	path   []int
	seen   map[string]struct{}
	cycles [][]int
	steps  int
	stop   string
}

func (c *Cycles) Detect(ctx context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(c.Name())
	if g.Len() == 0 || c.MaxLen < 2 {
		return rep, nil
	}

	s := &cycleSearch{
		ctx:    ctx,
		g:      g,
		cfg:    c,
		onPath: make([]bool, g.Len()),
		path:   make([]int, 0, c.MaxLen),
		seen:   make(map[string]struct{}),
	}
	if c.TimeLimit > 0 {
		s.deadline = time.Now().Add(c.TimeLimit)
	}

	for start := 0; start < g.Len() && s.stop == ""; start++ {
		if !s.checkBudget() {
			break
		}
		s.onPath[start] = true
		s.path = append(s.path[:0], start)
		s.walk(start, start)
		s.onPath[start] = false
	}

	if s.stop != "" {
		rep.markPartial(s.stop)
	}

	rep.Cycles = s.cycles
	for _, cyc := range s.cycles {
		tag := domain.CycleTag(len(cyc))
		for _, node := range cyc {
			rep.Flag(node, tag, domain.Signals{Cycle: true})
		}
	}
	rep.FlaggedEdges = cycleEdges(g, s.cycles)

	return rep, nil
}

func (s *cycleSearch) walk(start, v int) {
	s.steps++
	if s.steps%checkEvery == 0 && !s.checkBudget() {
		return
	}

	for _, w := range s.g.Successors(v) {
		if s.stop != "" {
			return
		}
		if w == start {
			if len(s.path) >= s.cfg.MinLen {
				s.record()
			}
			continue
		}
		if w < start || s.onPath[w] || len(s.path) >= s.cfg.MaxLen {
			continue
		}
		s.onPath[w] = true
		s.path = append(s.path, w)
		s.walk(start, w)
		s.path = s.path[:len(s.path)-1]
		s.onPath[w] = false
	}
}

func (s *cycleSearch) record() {
	members := slices.Clone(s.path)
	slices.Sort(members)

	var key strings.Builder
	for _, m := range members {
		key.WriteString(strconv.Itoa(m))
		key.WriteByte(',')
	}
	if _, dup := s.seen[key.String()]; dup {
		return
	}

	if s.cfg.MaxCycles > 0 && len(s.cycles) >= s.cfg.MaxCycles {
		s.stop = ReasonCycleBudget
		return
	}
	s.seen[key.String()] = struct{}{}
	s.cycles = append(s.cycles, slices.Clone(s.path))
}

func (s *cycleSearch) checkBudget() bool {
	if s.stop != "" {
		return false
	}
	if s.ctx.Err() != nil {
		s.stop = ReasonDeadline
		return false
	}
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		s.stop = ReasonCycleBudget
		return false
	}
	return true
}

// cycleEdges returns every edge that connects consecutive members of a cycle.
func cycleEdges(g *graph.Graph, cycles [][]int) []int {
	if len(cycles) == 0 {
		return nil
	}

	type hop struct{ from, to int }
	hops := make(map[hop]struct{})
	for _, cyc := range cycles {
		for i, from := range cyc {
			hops[hop{from, cyc[(i+1)%len(cyc)]}] = struct{}{}
		}
	}

	var edges []int
	for i, e := range g.Edges() {
		from, _ := g.Index(e.SenderID)
		to, _ := g.Index(e.ReceiverID)
		if _, ok := hops[hop{from, to}]; ok {
			edges = append(edges, i)
		}
	}
	return edges
}
