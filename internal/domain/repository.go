// Package domain defines the core interfaces and types for muleguard.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Analysis records
	SaveAnalysis(ctx context.Context, tenantID string, analysis *Analysis) error
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*Analysis, error)
	ListAnalyses(ctx context.Context, tenantID string, limit int) ([]*Analysis, error)

	// Custom account rule configuration
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" koanf:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" koanf:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" koanf:"postgres_port"`
	PostgresUser     string `json:"postgresUser" koanf:"postgres_user"`
	PostgresPassword string `json:"-" koanf:"postgres_password"`
	PostgresDB       string `json:"postgresDb" koanf:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" koanf:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" koanf:"conn_max_lifetime"`
}
