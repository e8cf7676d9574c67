// Package repository persists analyses and custom rule configurations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

var _ domain.Repository = (*SQLRepository)(nil)

// DefaultListLimit applies when ListAnalyses is called without a positive limit.
const DefaultListLimit = 50

// SQLRepository implements domain.Repository on database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and runs migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnalysis inserts an analysis or updates its status, summary, result and error.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, a *domain.Analysis) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: analysis id is required", ErrInvalidInput)
	}

	summary, err := marshalNullable(a.Summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	result, err := marshalNullable(a.Result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var completedAt sql.NullTime
	if a.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *a.CompletedAt, Valid: true}
	}

	query := `
		INSERT INTO analyses (
			id, tenant_id, status, source, input_hash,
			summary, result, error, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			summary = excluded.summary,
			result = excluded.result,
			error = excluded.error,
			completed_at = excluded.completed_at
		WHERE analyses.tenant_id = excluded.tenant_id
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.Status, a.Source, a.InputHash,
		summary, result, a.Error, createdAt, completedAt,
	)
	return err
}

// GetAnalysis returns one analysis including its full result.
func (r *SQLRepository) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.Analysis, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, status, source, input_hash,
			   summary, result, error, created_at, completed_at
		FROM analyses
		WHERE tenant_id = ? AND id = ?
	`
	a, err := scanAnalysis(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, analysisID), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAnalyses returns the newest analyses first, without their full results.
func (r *SQLRepository) ListAnalyses(ctx context.Context, tenantID string, limit int) ([]*domain.Analysis, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, tenant_id, status, source, input_hash,
			   summary, NULL, error, created_at, completed_at
		FROM analyses
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner, withResult bool) (*domain.Analysis, error) {
	var (
		a               domain.Analysis
		source, errText sql.NullString
		summary, result sql.NullString
		completedAt     sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Status, &source, &a.InputHash,
		&summary, &result, &errText, &a.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Source = source.String
	a.Error = errText.String
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if summary.Valid && summary.String != "" {
		a.Summary = &domain.Summary{}
		if err := json.Unmarshal([]byte(summary.String), a.Summary); err != nil {
			return nil, fmt.Errorf("decoding summary of %s: %w", a.ID, err)
		}
	}
	if withResult && result.Valid && result.String != "" {
		a.Result = &domain.AnalysisResult{}
		if err := json.Unmarshal([]byte(result.String), a.Result); err != nil {
			return nil, fmt.Errorf("decoding result of %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// SaveRuleConfig stores a custom rule, replacing any earlier version with the same id.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id and expression are required", ErrInvalidInput)
	}

	bands, err := json.Marshal(rule.Bands)
	if err != nil {
		return fmt.Errorf("encoding bands: %w", err)
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression,
			bands, tag, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			bands = excluded.bands,
			tag = excluded.tag,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Version, rule.Expression,
		string(bands), rule.Tag, boolToInt(rule.Enabled), now, now,
	)
	return err
}

// GetRuleConfig returns one rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, tag, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ?
	`
	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRuleConfigs returns the tenant's enabled rules ordered by id.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, tag, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RuleConfig
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(row rowScanner) (*domain.RuleConfig, error) {
	var (
		rule             domain.RuleConfig
		description, tag sql.NullString
		bands            string
		enabled          int
	)
	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Version,
		&rule.Expression, &bands, &tag, &enabled,
	)
	if err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.Tag = tag.String
	rule.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(bands), &rule.Bands); err != nil {
		return nil, fmt.Errorf("decoding bands of %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *domain.Summary:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *domain.AnalysisResult:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
