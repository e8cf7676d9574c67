package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/muleguard/internal/domain"
)

// postgresDSN builds a lib/pq keyword/value connection string.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := orDefault(cfg.PostgresHost, "localhost")
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	parts := []string{
		"host=" + quoteDSN(host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + quoteDSN(orDefault(cfg.PostgresDB, "muleguard")),
		"sslmode=" + quoteDSN(orDefault(cfg.PostgresSSLMode, "disable")),
		"application_name=muleguard",
	}
	if cfg.PostgresUser != "" {
		parts = append(parts, "user="+quoteDSN(cfg.PostgresUser))
	}
	if cfg.PostgresPassword != "" {
		parts = append(parts, "password="+quoteDSN(cfg.PostgresPassword))
	}
	return strings.Join(parts, " ")
}

// openPostgres opens the pro-tier database.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

// orDefault returns v, or def when v is empty (equivalent of Go 1.22's cmp.Or
// for two strings; the build toolchain is Go 1.21).
func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
