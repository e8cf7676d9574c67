// Package graph builds the directed transaction multigraph for one analysis batch.
//
// Accounts are nodes and every transaction is a distinct directed edge. The graph
// is built once by a Builder and is read-only afterwards, so detectors may share
// it across goroutines without locking.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrDanglingEdge is returned when an edge references an account that was never registered.
var ErrDanglingEdge = errors.New("edge endpoint is not a registered account")

// Account is a node plus the aggregates computed once after all edges are inserted.
type Account struct {
	ID string

	TotalIn  decimal.Decimal
	TotalOut decimal.Decimal
	InCount  int
	OutCount int

	// Distinct counterparties other than the account itself, sorted
	Senders   []string
	Receivers []string

	// Timestamps of every transaction touching the account, sorted ascending.
	// A self-loop contributes once.
	Timestamps []time.Time
	FirstSeen  time.Time
	LastSeen   time.Time

	// Edge indexes in insertion order
	In  []int
	Out []int

	SelfLoops      int
	SelfLoopAmount decimal.Decimal
}

// TxCount returns the number of distinct transactions touching the account.
func (a *Account) TxCount() int {
	return len(a.Timestamps)
}

// ForeignIn returns the inbound total excluding self-loops.
func (a *Account) ForeignIn() decimal.Decimal {
	return a.TotalIn.Sub(a.SelfLoopAmount)
}

// PassThroughRatio returns out / in with self-loops excluded from both totals,
// and false when nothing came in from another account.
func (a *Account) PassThroughRatio() (decimal.Decimal, bool) {
	in := a.ForeignIn()
	if !in.IsPositive() {
		return decimal.Zero, false
	}
	return a.TotalOut.Sub(a.SelfLoopAmount).Div(in), true
}

// Graph is the immutable transaction multigraph of one batch.
type Graph struct {
	ids      []string
	index    map[string]int
	accounts []*Account
	edges    []*domain.Transaction

	// successors[i] holds the distinct, sorted node indexes reachable from node i in one hop
	successors [][]int

	minTime time.Time
	maxTime time.Time

	syntheticTime bool
}

// Len returns the number of accounts.
func (g *Graph) Len() int {
	return len(g.ids)
}

// EdgeCount returns the number of transactions.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// IDs returns account ids in sorted order. The slice must not be modified.
func (g *Graph) IDs() []string {
	return g.ids
}

// Index returns the node index for an account id.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// ID returns the account id at node index i.
func (g *Graph) ID(i int) string {
	return g.ids[i]
}

// Account returns the account at node index i.
func (g *Graph) Account(i int) *Account {
	return g.accounts[i]
}

// Lookup returns the account with the given id.
func (g *Graph) Lookup(id string) (*Account, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.accounts[i], true
}

// Accounts returns all accounts in id order.
func (g *Graph) Accounts() []*Account {
	return g.accounts
}

// Edge returns the transaction at edge index i.
func (g *Graph) Edge(i int) *domain.Transaction {
	return g.edges[i]
}

// Edges returns all transactions in insertion order.
func (g *Graph) Edges() []*domain.Transaction {
	return g.edges
}

// Successors returns the distinct successor node indexes of node i, sorted.
func (g *Graph) Successors(i int) []int {
	return g.successors[i]
}

// TimeRange returns the earliest and latest transaction timestamps in the batch.
func (g *Graph) TimeRange() (time.Time, time.Time) {
	return g.minTime, g.maxTime
}

// SyntheticTime reports whether timestamps were derived rather than observed.
func (g *Graph) SyntheticTime() bool {
	return g.syntheticTime
}

// Validate checks that every edge endpoint is a registered account.
func (g *Graph) Validate() error {
	for i, e := range g.edges {
		if _, ok := g.index[e.SenderID]; !ok {
			return fmt.Errorf("%w: edge %d (%s) sender %q", ErrDanglingEdge, i, e.ID, e.SenderID)
		}
		if _, ok := g.index[e.ReceiverID]; !ok {
			return fmt.Errorf("%w: edge %d (%s) receiver %q", ErrDanglingEdge, i, e.ID, e.ReceiverID)
		}
	}
	return nil
}

// Builder accumulates transactions and produces a Graph.
type Builder struct {
	edges     []*domain.Transaction
	seen      map[string]struct{}
	synthetic bool
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{seen: make(map[string]struct{})}
}

// FromBatch builds a graph directly from a validated batch.
func FromBatch(batch *domain.Batch) *Graph {
	b := NewBuilder()
	b.synthetic = batch.SyntheticTime
	for _, tx := range batch.Transactions {
		b.Add(tx)
	}
	return b.Build()
}

// Add inserts one transaction as a directed edge. Accounts are created on first reference.
func (b *Builder) Add(tx *domain.Transaction) {
	b.edges = append(b.edges, tx)
	b.seen[tx.SenderID] = struct{}{}
	b.seen[tx.ReceiverID] = struct{}{}
}

// SetSyntheticTime marks the batch timestamps as derived.
func (b *Builder) SetSyntheticTime(v bool) {
	b.synthetic = v
}

// Build registers accounts and computes per-account aggregates in a single pass.
func (b *Builder) Build() *Graph {
	ids := make([]string, 0, len(b.seen))
	for id := range b.seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	g := &Graph{
		ids:           ids,
		index:         make(map[string]int, len(ids)),
		accounts:      make([]*Account, len(ids)),
		edges:         b.edges,
		successors:    make([][]int, len(ids)),
		syntheticTime: b.synthetic,
	}
	for i, id := range ids {
		g.index[id] = i
		g.accounts[i] = &Account{ID: id}
	}

	senders := make([]map[string]struct{}, len(ids))
	receivers := make([]map[string]struct{}, len(ids))
	succ := make([]map[int]struct{}, len(ids))

	for ei, tx := range b.edges {
		s, r := g.index[tx.SenderID], g.index[tx.ReceiverID]
		src, dst := g.accounts[s], g.accounts[r]

		src.TotalOut = src.TotalOut.Add(tx.Amount)
		src.OutCount++
		src.Out = append(src.Out, ei)
		dst.TotalIn = dst.TotalIn.Add(tx.Amount)
		dst.InCount++
		dst.In = append(dst.In, ei)

		src.Timestamps = append(src.Timestamps, tx.Timestamp)
		if s == r {
			src.SelfLoops++
			src.SelfLoopAmount = src.SelfLoopAmount.Add(tx.Amount)
		} else {
			dst.Timestamps = append(dst.Timestamps, tx.Timestamp)
			addTo(&receivers[s], tx.ReceiverID)
			addTo(&senders[r], tx.SenderID)
		}
		if succ[s] == nil {
			succ[s] = make(map[int]struct{})
		}
		succ[s][r] = struct{}{}

		if g.minTime.IsZero() || tx.Timestamp.Before(g.minTime) {
			g.minTime = tx.Timestamp
		}
		if tx.Timestamp.After(g.maxTime) {
			g.maxTime = tx.Timestamp
		}
	}

	for i, acct := range g.accounts {
		acct.Senders = sortedKeys(senders[i])
		acct.Receivers = sortedKeys(receivers[i])
		slices.SortFunc(acct.Timestamps, func(a, b time.Time) int { return a.Compare(b) })
		if n := len(acct.Timestamps); n > 0 {
			acct.FirstSeen = acct.Timestamps[0]
			acct.LastSeen = acct.Timestamps[n-1]
		}

		next := make([]int, 0, len(succ[i]))
		for j := range succ[i] {
			next = append(next, j)
		}
		slices.Sort(next)
		g.successors[i] = next
	}

	return g
}

func addTo(set *map[string]struct{}, id string) {
	if *set == nil {
		*set = make(map[string]struct{})
	}
	(*set)[id] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
