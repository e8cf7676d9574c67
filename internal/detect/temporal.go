package detect

import (
	"context"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
)

// Burst flags accounts with at least MinTx transactions inside any Window-long span.
// Skipped when batch timestamps are synthetic.
type Burst struct {
	Window time.Duration
	MinTx  int
}

// NewBurst creates the temporal clustering detector from config.
func NewBurst(cfg domain.DetectionConfig) *Burst {
	return &Burst{Window: cfg.BurstWindow, MinTx: cfg.BurstMinTx}
}

func (b *Burst) Name() string { return "temporal_burst" }

func (b *Burst) Detect(_ context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(b.Name())
	if g.SyntheticTime() || b.MinTx <= 0 {
		return rep, nil
	}

	for i, acct := range g.Accounts() {
		if hasBurst(acct.Timestamps, b.Window, b.MinTx) {
			rep.Flag(i, domain.PatternTemporalBurst, domain.Signals{Burst: true})
		}
	}
	return rep, nil
}

// hasBurst slides a window over sorted timestamps.
func hasBurst(ts []time.Time, window time.Duration, minTx int) bool {
	if len(ts) < minTx {
		return false
	}
	left := 0
	for right := range ts {
		for ts[right].Sub(ts[left]) > window {
			left++
		}
		if right-left+1 >= minTx {
			return true
		}
	}
	return false
}

// Dormancy flags accounts whose burst of activity is followed by a long silence.
// A burst is MinTx transactions within ActiveWindow; the silence runs to the next
// later transaction, or to the end of the batch when none follows.
type Dormancy struct {
	ActiveWindow time.Duration
	SilentWindow time.Duration
	MinTx        int
}

// NewDormancy creates the rapid dormancy detector from config.
func NewDormancy(cfg domain.DetectionConfig) *Dormancy {
	return &Dormancy{
		ActiveWindow: cfg.DormancyActiveWindow,
		SilentWindow: cfg.DormancySilentWindow,
		MinTx:        cfg.DormancyMinTx,
	}
}

func (d *Dormancy) Name() string { return "rapid_dormancy" }

func (d *Dormancy) Detect(_ context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(d.Name())
	if g.SyntheticTime() || d.MinTx <= 0 {
		return rep, nil
	}

	_, batchEnd := g.TimeRange()
	for i, acct := range g.Accounts() {
		if d.dormant(acct.Timestamps, batchEnd) {
			rep.Flag(i, domain.PatternRapidDormancy, domain.Signals{})
		}
	}
	return rep, nil
}

func (d *Dormancy) dormant(ts []time.Time, batchEnd time.Time) bool {
	for i := 0; i+d.MinTx <= len(ts); i++ {
		end := i + d.MinTx - 1
		if ts[end].Sub(ts[i]) > d.ActiveWindow {
			continue
		}

		next := end + 1
		for next < len(ts) && !ts[next].After(ts[end]) {
			next++
		}

		quietUntil := batchEnd
		if next < len(ts) {
			quietUntil = ts[next]
		}
		if quietUntil.Sub(ts[end]) >= d.SilentWindow {
			return true
		}
	}
	return false
}

// Smurfing flags collection hubs: accounts that forward to at most MaxOutDegree
// counterparties and receive from at least MinSources distinct senders inside
// Window. The hub's senders are tagged as sources. With synthetic timestamps
// the distinct sender count alone decides.
type Smurfing struct {
	MinSources   int
	Window       time.Duration
	MaxOutDegree int
}

// NewSmurfing creates the smurfing detector from config.
func NewSmurfing(cfg domain.DetectionConfig) *Smurfing {
	return &Smurfing{
		MinSources:   cfg.SmurfMinSources,
		Window:       cfg.SmurfWindow,
		MaxOutDegree: cfg.SmurfMaxOutDegree,
	}
}

func (s *Smurfing) Name() string { return "smurfing" }

func (s *Smurfing) Detect(_ context.Context, g *graph.Graph) (*Report, error) {
	rep := NewReport(s.Name())
	if s.MinSources <= 0 {
		return rep, nil
	}

	for i, acct := range g.Accounts() {
		if len(acct.Senders) < s.MinSources || len(acct.Receivers) > s.MaxOutDegree {
			continue
		}
		if !g.SyntheticTime() && !s.windowed(g, acct) {
			continue
		}

		rep.Flag(i, domain.PatternSmurfHub, domain.Signals{})
		for _, sender := range acct.Senders {
			if j, ok := g.Index(sender); ok {
				rep.Flag(j, domain.PatternSmurfSource, domain.Signals{})
			}
		}
	}
	return rep, nil
}

// windowed reports whether MinSources distinct senders fall inside one window.
func (s *Smurfing) windowed(g *graph.Graph, acct *graph.Account) bool {
	in := foreignTransfers(g, acct.In)
	counts := make(map[string]int)
	left := 0
	for _, t := range in {
		counts[g.Edge(t.edge).SenderID]++
		for t.at.Sub(in[left].at) > s.Window {
			sender := g.Edge(in[left].edge).SenderID
			if counts[sender]--; counts[sender] == 0 {
				delete(counts, sender)
			}
			left++
		}
		if len(counts) >= s.MinSources {
			return true
		}
	}
	return false
}
