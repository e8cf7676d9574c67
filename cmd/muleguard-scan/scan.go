package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/engine"
	"github.com/opensource-finance/muleguard/internal/ingest"
)

// Analyzer turns one CSV stream into a result.
type Analyzer interface {
	Analyze(ctx context.Context, name string, r io.Reader) (*domain.AnalysisResult, error)
}

// LocalAnalyzer runs the engine in-process.
type LocalAnalyzer struct {
	Engine *engine.Engine
}

func (a *LocalAnalyzer) Analyze(ctx context.Context, _ string, r io.Reader) (*domain.AnalysisResult, error) {
	batch, err := ingest.ReadCSV(r)
	if err != nil {
		return nil, err
	}
	return a.Engine.Analyze(ctx, batch)
}

// RemoteAnalyzer posts the file to a muleguard server.
type RemoteAnalyzer struct {
	BaseURL  string
	TenantID string
	Client   *http.Client
}

func (a *RemoteAnalyzer) Analyze(ctx context.Context, name string, r io.Reader) (*domain.AnalysisResult, error) {
	endpoint := strings.TrimRight(a.BaseURL, "/") + "/analyze?source=" + url.QueryEscape(filepath.Base(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("X-Tenant-ID", a.TenantID)

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
	}

	var res domain.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &res, nil
}

// FileResult is the outcome for one input file.
type FileResult struct {
	Path     string
	Result   *domain.AnalysisResult
	Labels   *Confusion
	Err      error
	Duration time.Duration
}

// Scanner analyzes files with a bounded pool of workers.
type Scanner struct {
	Analyzer Analyzer
	Workers  int
	OutDir   string
	Labels   bool

	// Threshold is the suspicion score that counts as a prediction when
	// evaluating against labels.
	Threshold int
}

// Scan returns one result per path, in input order.
func (s *Scanner) Scan(ctx context.Context, paths []string) []FileResult {
	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}

	results := make([]FileResult, len(paths))
	work := make(chan int)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				results[idx] = s.scanFile(ctx, paths[idx])
			}
		}()
	}

	for i := range paths {
		work <- i
	}
	close(work)
	wg.Wait()

	return results
}

func (s *Scanner) scanFile(ctx context.Context, path string) FileResult {
	start := time.Now()
	fr := FileResult{Path: path}
	fr.Result, fr.Labels, fr.Err = s.analyzeFile(ctx, path)
	fr.Duration = time.Since(start)
	if fr.Err != nil {
		slog.Error("analysis failed", "path", path, "error", fr.Err)
	}
	return fr
}

func (s *Scanner) analyzeFile(ctx context.Context, path string) (*domain.AnalysisResult, *Confusion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	slog.Info("analyzing file", "path", path)
	res, err := s.Analyzer.Analyze(ctx, path, f)
	if err != nil {
		return nil, nil, err
	}

	var labels *Confusion
	if s.Labels {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, nil, err
		}
		fraud, err := ReadLabels(f)
		if err != nil {
			slog.Warn("labels unavailable", "path", path, "error", err)
		} else {
			c := Evaluate(res, fraud, s.Threshold)
			labels = &c
		}
	}

	if s.OutDir != "" {
		if err := writeResult(s.OutDir, path, res); err != nil {
			return nil, nil, fmt.Errorf("writing result: %w", err)
		}
	}
	return res, labels, nil
}

func writeResult(dir, path string, res *domain.AnalysisResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".json"
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}

// PrintSummary writes a table of results and returns the number of failed files.
func PrintSummary(w io.Writer, results []FileResult, elapsed time.Duration) int {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tTXNS\tDROPPED\tACCOUNTS\tFLAGGED\tRINGS\tPARTIAL\tTIME")

	failed := 0
	for _, r := range results {
		name := filepath.Base(r.Path)
		if r.Err != nil {
			failed++
			fmt.Fprintf(tw, "%s\terror: %v\t\t\t\t\t\t%s\n", name, r.Err, r.Duration.Round(time.Millisecond))
			continue
		}
		s := r.Result.Summary
		partial := "-"
		if s.Partial {
			partial = s.PartialReason
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			name, s.TransactionsProcessed, s.DroppedRows, s.TotalAccountsAnalyzed,
			s.SuspiciousAccountsFlagged, s.FraudRingsDetected, partial, r.Duration.Round(time.Millisecond))
	}
	tw.Flush()

	for _, r := range results {
		if r.Labels == nil {
			continue
		}
		c := r.Labels
		fmt.Fprintf(w, "\n%s against labels: TP=%d FP=%d FN=%d TN=%d precision=%.4f recall=%.4f f1=%.4f\n",
			filepath.Base(r.Path), c.TruePositives, c.FalsePositives, c.FalseNegatives, c.TrueNegatives,
			c.Precision(), c.Recall(), c.F1())
	}

	fmt.Fprintf(w, "\n%d file(s), %d failed, %s\n", len(results), failed, elapsed.Round(time.Millisecond))
	return failed
}
