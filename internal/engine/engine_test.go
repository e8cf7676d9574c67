package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/muleguard/internal/detect"
	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/graph"
	"github.com/opensource-finance/muleguard/internal/ingest"
	"github.com/opensource-finance/muleguard/internal/rules"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func tx(id, from, to, amount string, at time.Duration) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Amount:     decimal.RequireFromString(amount),
		Timestamp:  t0.Add(at),
	}
}

func account(t *testing.T, res *domain.AnalysisResult, id string) *domain.SuspiciousAccount {
	t.Helper()
	for i := range res.SuspiciousAccounts {
		if res.SuspiciousAccounts[i].AccountID == id {
			return &res.SuspiciousAccounts[i]
		}
	}
	return nil
}

func triangle() *domain.Batch {
	return &domain.Batch{Transactions: []*domain.Transaction{
		tx("T1", "A", "B", "100", 0),
		tx("T2", "B", "C", "95", time.Hour),
		tx("T3", "C", "A", "90", 2*time.Hour),
	}}
}

func TestAnalyzeTriangle(t *testing.T) {
	e := New(domain.DefaultDetectionConfig())
	res, err := e.Analyze(context.Background(), triangle())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	for _, id := range []string{"A", "B", "C"} {
		acct := account(t, res, id)
		if acct == nil {
			t.Fatalf("expected %s in suspicious accounts", id)
		}
		if acct.SuspicionScore != 50 {
			t.Errorf("%s: expected score 50, got %d", id, acct.SuspicionScore)
		}
		if !slices.Equal(acct.DetectedPatterns, []string{"cycle_length_3"}) {
			t.Errorf("%s: expected [cycle_length_3], got %v", id, acct.DetectedPatterns)
		}
	}

	if len(res.FraudRings) != 1 {
		t.Fatalf("expected 1 ring, got %d", len(res.FraudRings))
	}
	ring := res.FraudRings[0]
	if ring.PatternType != domain.RingPatternCycle || !slices.Equal(ring.MemberAccounts, []string{"A", "B", "C"}) {
		t.Errorf("unexpected ring %+v", ring)
	}
	if res.Summary.TransactionsProcessed != 3 || res.Summary.TotalAccountsAnalyzed != 3 {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
	if res.Summary.Partial {
		t.Error("expected complete result")
	}
}

func TestAnalyzeShell(t *testing.T) {
	batch := &domain.Batch{Transactions: []*domain.Transaction{
		tx("T1", "A", "S", "1000", 0),
		tx("T2", "S", "B", "990", time.Hour),
	}}

	res, err := New(domain.DefaultDetectionConfig()).Analyze(context.Background(), batch)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	s := account(t, res, "S")
	if s == nil {
		t.Fatal("expected S to be flagged")
	}
	if s.SuspicionScore != 30 || !slices.Equal(s.DetectedPatterns, []string{domain.PatternPassThrough}) {
		t.Errorf("expected shell score 30, got %d %v", s.SuspicionScore, s.DetectedPatterns)
	}
	if account(t, res, "A") != nil || account(t, res, "B") != nil {
		t.Error("endpoints must not be flagged")
	}
}

func TestAnalyzeMerchant(t *testing.T) {
	var txs []*domain.Transaction
	for i := 0; i < 50; i++ {
		at := time.Duration(i) * 25 * time.Hour
		txs = append(txs, tx(fmt.Sprintf("C%02d", i), fmt.Sprintf("CUST%02d", i), "M", "100", at))
	}
	txs = append(txs, tx("P1", "M", "SUPPLIER", "250", 50*25*time.Hour))

	res, err := New(domain.DefaultDetectionConfig()).Analyze(context.Background(), &domain.Batch{Transactions: txs})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	m := account(t, res, "M")
	if m == nil {
		t.Fatal("expected merchant in output")
	}
	if m.SuspicionScore != 0 {
		t.Errorf("expected score 0, got %d", m.SuspicionScore)
	}
	if !slices.Equal(m.DetectedPatterns, []string{domain.PatternLegitimateMerchant}) {
		t.Errorf("expected [legitimate_merchant], got %v", m.DetectedPatterns)
	}
	if len(res.FraudRings) != 0 {
		t.Errorf("expected no rings, got %d", len(res.FraudRings))
	}
	if res.Summary.SuspiciousAccountsFlagged != 0 {
		t.Errorf("expected nothing above threshold, got %d", res.Summary.SuspiciousAccountsFlagged)
	}
}

func TestAnalyzeMalformedRows(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("transaction_id,sender_id,receiver_id,amount,timestamp\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb, "T%03d,S%03d,R%03d,%d.50,2026-03-01 10:%02d:00\n", i, i, i, i+1, i%60)
	}
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&sb, "X%d,S,R,abc,2026-03-01 10:00:00\n", i)
	}

	batch, err := ingest.ReadCSV(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	res, err := New(domain.DefaultDetectionConfig()).Analyze(context.Background(), batch)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if res.Summary.TransactionsProcessed != 100 {
		t.Errorf("expected 100 transactions, got %d", res.Summary.TransactionsProcessed)
	}
	if res.Summary.DroppedRows != 5 {
		t.Errorf("expected 5 dropped rows, got %d", res.Summary.DroppedRows)
	}
	if len(res.GraphData.Edges) != 100 {
		t.Errorf("expected 100 edges, got %d", len(res.GraphData.Edges))
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	e := New(domain.DefaultDetectionConfig())
	for name, batch := range map[string]*domain.Batch{"Nil": nil, "Empty": {}} {
		t.Run(name, func(t *testing.T) {
			res, err := e.Analyze(context.Background(), batch)
			if err != nil {
				t.Fatalf("analyze: %v", err)
			}
			s := res.Summary
			if s.TotalAccountsAnalyzed != 0 || s.TransactionsProcessed != 0 || s.FraudRingsDetected != 0 {
				t.Errorf("expected zero counts, got %+v", s)
			}
			if res.SuspiciousAccounts == nil || res.FraudRings == nil {
				t.Error("expected empty, non-nil lists")
			}
		})
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	var txs []*domain.Transaction
	for _, r := range [][]string{{"A", "B", "C"}, {"C", "D", "E", "F"}, {"G", "H", "I"}} {
		for i, id := range r {
			txs = append(txs, tx(fmt.Sprintf("%s-%d", r[0], i), id, r[(i+1)%len(r)], "500", time.Duration(i)*time.Hour))
		}
	}
	for i := 0; i < 12; i++ {
		txs = append(txs, tx(fmt.Sprintf("F%02d", i), fmt.Sprintf("P%02d", i), "HUB", "9000", time.Duration(i)*time.Minute))
	}
	batch := &domain.Batch{Transactions: txs}

	e := New(domain.DefaultDetectionConfig())
	var first []byte
	for run := 0; run < 5; run++ {
		res, err := e.Analyze(context.Background(), batch)
		if err != nil {
			t.Fatalf("analyze: %v", err)
		}
		res.Summary.ProcessingTimeSeconds = 0
		raw, _ := json.Marshal(res)
		if first == nil {
			first = raw
			continue
		}
		if string(raw) != string(first) {
			t.Fatalf("run %d differs from first run", run)
		}
	}
}

func TestAnalyzePartial(t *testing.T) {
	var txs []*domain.Transaction
	for r := 0; r < 4; r++ {
		ids := []string{fmt.Sprintf("R%dA", r), fmt.Sprintf("R%dB", r), fmt.Sprintf("R%dC", r)}
		for i, id := range ids {
			txs = append(txs, tx(fmt.Sprintf("%s%d", ids[0], i), id, ids[(i+1)%3], "100", time.Duration(i)*time.Hour))
		}
	}

	cfg := domain.DefaultDetectionConfig()
	cfg.MaxCycles = 2

	res, err := New(cfg).Analyze(context.Background(), &domain.Batch{Transactions: txs})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !res.Summary.Partial {
		t.Fatal("expected partial result")
	}
	if !strings.Contains(res.Summary.PartialReason, detect.ReasonCycleBudget) {
		t.Errorf("expected %s, got %q", detect.ReasonCycleBudget, res.Summary.PartialReason)
	}
	if len(res.FraudRings) != 2 {
		t.Errorf("expected rings for the 2 cycles found, got %d", len(res.FraudRings))
	}
}

type stall struct{}

func (stall) Name() string { return "stall" }
func (stall) Detect(ctx context.Context, g *graph.Graph) (*detect.Report, error) {
	<-ctx.Done()
	return detect.NewReport("stall"), nil
}

func TestAnalyzeTimeout(t *testing.T) {
	e := New(domain.DefaultDetectionConfig(), WithTimeout(20*time.Millisecond), WithDetectors(stall{}))

	res, err := e.Analyze(context.Background(), triangle())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !res.Summary.Partial || res.Summary.PartialReason != detect.ReasonDeadline {
		t.Errorf("expected deadline partial, got %v %q", res.Summary.Partial, res.Summary.PartialReason)
	}
	if len(res.FraudRings) != 1 {
		t.Errorf("completed detectors must still contribute, got %d rings", len(res.FraudRings))
	}
}

type broken struct{}

func (broken) Name() string { return "broken" }
func (broken) Detect(context.Context, *graph.Graph) (*detect.Report, error) {
	panic("index out of range")
}

func TestAnalyzeDetectorPanic(t *testing.T) {
	e := New(domain.DefaultDetectionConfig(), WithDetectors(broken{}))
	_, err := e.Analyze(context.Background(), triangle())
	if !errors.Is(err, ErrInternal) {
		t.Errorf("expected ErrInternal, got %v", err)
	}
}

func TestAnalyzeCustomRules(t *testing.T) {
	re, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("rule engine: %v", err)
	}
	defer re.Close()
	if err := re.LoadRule(&domain.RuleConfig{
		ID:         "big",
		Expression: "max_amount >= 100.0",
		Tag:        "large_transfer",
		Enabled:    true,
	}); err != nil {
		t.Fatalf("load rule: %v", err)
	}

	res, err := New(domain.DefaultDetectionConfig(), WithRules(re)).Analyze(context.Background(), triangle())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	a := account(t, res, "A")
	if a == nil || !slices.Equal(a.DetectedPatterns, []string{"cycle_length_3", "large_transfer"}) {
		t.Errorf("expected cycle then custom tag on A, got %+v", a)
	}
	if a != nil && a.SuspicionScore != 50 {
		t.Errorf("custom tags must not change the score, got %d", a.SuspicionScore)
	}
}
