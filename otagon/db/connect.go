// Package db opens the SQL database behind the response cache, the
// conversation store, the knowledge base and the proxy usage counters.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/ZanzyTHEbar/otagon/otagon/config"
)

// DB is a pool plus the dialect its queries must be written for.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects according to cfg, applies pool settings and, when
// cfg.AutoMigrate is set, runs the embedded migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dialect, err := ParseDialect(cfg.Type)
	if err != nil {
		return nil, err
	}

	var sqlDB *sql.DB
	switch dialect {
	case DialectPostgres:
		logger.Info().Str("type", cfg.Type).Msg("connecting to postgres")
		sqlDB, err = sql.Open("postgres", cfg.DSN)
	default:
		dsn, perr := prepareLibSQL(cfg.DSN, logger)
		if perr != nil {
			return nil, perr
		}
		logger.Info().Str("dsn", dsn).Msg("connecting to libsql")
		sqlDB, err = sql.Open("libsql", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect, err)
	}

	configurePool(sqlDB, cfg, dialect)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	db := &DB{DB: sqlDB, Dialect: dialect}
	if dialect == DialectLibSQL {
		applyPragmas(ctx, sqlDB, logger)
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db, logger); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

// prepareLibSQL makes sure the directory of a local database file exists.
// Remote (libsql://, https://) URLs are returned unchanged.
func prepareLibSQL(dsn string, logger zerolog.Logger) (string, error) {
	if !strings.HasPrefix(dsn, "file:") {
		if strings.Contains(dsn, "://") {
			return dsn, nil
		}
		dsn = "file:" + dsn
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return dsn, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create database directory %s: %w", dir, err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info().Str("path", path).Msg("database not found, creating a new one")
	}
	return dsn, nil
}

func configurePool(sqlDB *sql.DB, cfg config.DatabaseConfig, dialect Dialect) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	// a single writer avoids SQLITE_BUSY on embedded files
	if dialect == DialectLibSQL && maxOpen > 1 {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 || maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	sqlDB.SetMaxIdleConns(maxIdle)

	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetConnMaxLifetime(lifetime)
}

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

// applyPragmas runs each pragma as a query because some of them return a row.
// Failures are logged; remote libsql servers reject several of them.
func applyPragmas(ctx context.Context, sqlDB *sql.DB, logger zerolog.Logger) {
	for _, p := range pragmas {
		rows, err := sqlDB.QueryContext(ctx, p)
		if err != nil {
			logger.Warn().Err(err).Str("pragma", p).Msg("pragma not applied")
			continue
		}
		rows.Close()
	}
}
