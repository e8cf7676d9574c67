package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "muleguard-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func ptr(f float64) *float64 { return &f }

func TestAnalyses(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("PendingThenCompleted", func(t *testing.T) {
		a := &domain.Analysis{
			ID:        "an-001",
			Status:    domain.AnalysisPending,
			Source:    "upload.csv",
			InputHash: "abc123",
			CreatedAt: created,
		}
		if err := repo.SaveAnalysis(ctx, tenantID, a); err != nil {
			t.Fatalf("SaveAnalysis failed: %v", err)
		}

		got, err := repo.GetAnalysis(ctx, tenantID, "an-001")
		if err != nil {
			t.Fatalf("GetAnalysis failed: %v", err)
		}
		if got.Status != domain.AnalysisPending || got.Result != nil || got.CompletedAt != nil {
			t.Errorf("unexpected pending record %+v", got)
		}

		ringID := "RING_001"
		done := created.Add(2 * time.Second)
		a.Status = domain.AnalysisCompleted
		a.CompletedAt = &done
		a.Summary = &domain.Summary{TotalAccountsAnalyzed: 3, FraudRingsDetected: 1}
		a.Result = &domain.AnalysisResult{
			SuspiciousAccounts: []domain.SuspiciousAccount{
				{AccountID: "A", SuspicionScore: 50, DetectedPatterns: []string{"cycle_length_3"}, RingID: &ringID},
			},
			FraudRings: []domain.FraudRing{
				{RingID: ringID, MemberAccounts: []string{"A", "B", "C"}, PatternType: "cycle", RiskScore: 50},
			},
			Summary: *a.Summary,
		}
		if err := repo.SaveAnalysis(ctx, tenantID, a); err != nil {
			t.Fatalf("SaveAnalysis update failed: %v", err)
		}

		got, err = repo.GetAnalysis(ctx, tenantID, "an-001")
		if err != nil {
			t.Fatalf("GetAnalysis failed: %v", err)
		}
		if got.Status != domain.AnalysisCompleted {
			t.Errorf("expected completed, got %s", got.Status)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("expected completedAt %v, got %v", done, got.CompletedAt)
		}
		if got.Result == nil || len(got.Result.FraudRings) != 1 || got.Result.FraudRings[0].RingID != ringID {
			t.Errorf("expected stored ring, got %+v", got.Result)
		}
		if got.Summary == nil || got.Summary.TotalAccountsAnalyzed != 3 {
			t.Errorf("expected stored summary, got %+v", got.Summary)
		}
		if got.Source != "upload.csv" || got.InputHash != "abc123" {
			t.Errorf("unexpected source/hash %q %q", got.Source, got.InputHash)
		}
	})

	t.Run("ListNewestFirstWithoutResult", func(t *testing.T) {
		for i, id := range []string{"an-002", "an-003"} {
			err := repo.SaveAnalysis(ctx, tenantID, &domain.Analysis{
				ID:        id,
				Status:    domain.AnalysisFailed,
				InputHash: id,
				Error:     "boom",
				CreatedAt: created.Add(time.Duration(i+1) * time.Hour),
			})
			if err != nil {
				t.Fatalf("SaveAnalysis failed: %v", err)
			}
		}

		list, err := repo.ListAnalyses(ctx, tenantID, 2)
		if err != nil {
			t.Fatalf("ListAnalyses failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != "an-003" || list[1].ID != "an-002" {
			t.Fatalf("expected [an-003 an-002], got %d records", len(list))
		}
		if list[0].Result != nil {
			t.Error("list must not load full results")
		}
		if list[0].Error != "boom" {
			t.Errorf("expected error text, got %q", list[0].Error)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if _, err := repo.GetAnalysis(ctx, "tenant-002", "an-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
		list, _ := repo.ListAnalyses(ctx, "tenant-002", 10)
		if len(list) != 0 {
			t.Errorf("expected no analyses for tenant-002, got %d", len(list))
		}

		// an id collision from another tenant must not overwrite the record
		_ = repo.SaveAnalysis(ctx, "tenant-002", &domain.Analysis{ID: "an-001", Status: domain.AnalysisFailed, InputHash: "x"})
		got, _ := repo.GetAnalysis(ctx, tenantID, "an-001")
		if got == nil || got.Status != domain.AnalysisCompleted {
			t.Error("record was overwritten across tenants")
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveAnalysis(ctx, "", &domain.Analysis{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetAnalysis(ctx, "", "x"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestRuleConfigs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	rule := &domain.RuleConfig{
		ID:         "high-velocity",
		Name:       "High velocity",
		Version:    "1.0.0",
		Expression: "tx_count * 1.0",
		Bands: []domain.RuleBand{
			{UpperLimit: ptr(50), SubRuleRef: domain.RuleOutcomePass},
			{LowerLimit: ptr(50), SubRuleRef: domain.RuleOutcomeFail, Reason: "too many transfers"},
		},
		Tag:     "high_velocity",
		Enabled: true,
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveRuleConfig(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}
		got, err := repo.GetRuleConfig(ctx, tenantID, rule.ID)
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Expression != rule.Expression || got.Tag != "high_velocity" || !got.Enabled {
			t.Errorf("unexpected rule %+v", got)
		}
		if len(got.Bands) != 2 || *got.Bands[1].LowerLimit != 50 {
			t.Errorf("bands not round-tripped: %+v", got.Bands)
		}
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		updated := *rule
		updated.Version = "1.1.0"
		updated.Expression = "tx_count * 2.0"
		if err := repo.SaveRuleConfig(ctx, tenantID, &updated); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}
		got, _ := repo.GetRuleConfig(ctx, tenantID, rule.ID)
		if got.Version != "1.1.0" || got.Expression != "tx_count * 2.0" {
			t.Errorf("expected updated rule, got %+v", got)
		}
	})

	t.Run("ListOnlyEnabled", func(t *testing.T) {
		_ = repo.SaveRuleConfig(ctx, tenantID, &domain.RuleConfig{ID: "off", Name: "off", Version: "1", Expression: "0", Enabled: false})
		_ = repo.SaveRuleConfig(ctx, tenantID, &domain.RuleConfig{ID: "a-first", Name: "a", Version: "1", Expression: "0", Enabled: true})

		list, err := repo.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != "a-first" || list[1].ID != "high-velocity" {
			t.Errorf("expected [a-first high-velocity], got %d rules", len(list))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetRuleConfig(ctx, tenantID, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetRuleConfig(ctx, "tenant-002", rule.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got: %v", err)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if err := repo.SaveRuleConfig(ctx, tenantID, &domain.RuleConfig{ID: "empty"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	defer repo.Close()

	if err := repo.SaveAnalysis(context.Background(), "t", &domain.Analysis{ID: "a", Status: domain.AnalysisPending, InputHash: "h"}); err != nil {
		t.Errorf("SaveAnalysis failed: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}
	for _, tt := range tests {
		if result := repo.rebind(tt.input); result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}

	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite queries must not be rebound, got %q", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "app", PostgresPassword: "it's secret"})
	for _, want := range []string{"host=localhost", "port=5432", "dbname=muleguard", "sslmode=disable", "user=app", `password='it\'s secret'`} {
		if !strings.Contains(dsn, want) {
			t.Errorf("expected %q in %q", want, dsn)
		}
	}
}
