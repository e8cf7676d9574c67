// Command muleguard-scan analyzes transaction CSV files for money muling
// patterns, either in-process or against a running muleguard server.
//
// Usage:
//
//	muleguard-scan [flags] file.csv [file.csv ...]
//	muleguard-scan -url http://localhost:8080 -out results/ transactions.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/muleguard/internal/config"
	"github.com/opensource-finance/muleguard/internal/engine"
)

func main() {
	baseURL := flag.String("url", "", "muleguard base URL; empty analyzes in-process")
	tenantID := flag.String("tenant", "scan", "Tenant ID for server requests")
	workers := flag.Int("workers", 4, "Number of files analyzed concurrently")
	outDir := flag.String("out", "", "Directory for per-file JSON results")
	configPath := flag.String("config", config.DefaultPath, "Config file with detection thresholds")
	timeout := flag.Duration("timeout", 2*time.Minute, "Timeout per file")
	labels := flag.Bool("labels", false, "Score flagged accounts against an is_fraud column")
	verbose := flag.Bool("verbose", false, "Log progress for each file")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: muleguard-scan [flags] file.csv [file.csv ...]")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "muleguard-scan: %v\n", err)
		os.Exit(1)
	}

	var analyzer Analyzer
	if *baseURL != "" {
		analyzer = &RemoteAnalyzer{
			BaseURL:  *baseURL,
			TenantID: *tenantID,
			Client:   &http.Client{Timeout: *timeout},
		}
	} else {
		analyzer = &LocalAnalyzer{Engine: engine.New(cfg.Detection, engine.WithTimeout(*timeout))}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner := &Scanner{
		Analyzer: analyzer,
		Workers:  *workers,
		OutDir:   *outDir,
		Labels:   *labels,

		Threshold: cfg.Detection.SuspiciousThreshold,
	}

	start := time.Now()
	results := scanner.Scan(ctx, flag.Args())

	failed := PrintSummary(os.Stdout, results, time.Since(start))
	if failed > 0 {
		os.Exit(1)
	}
}
