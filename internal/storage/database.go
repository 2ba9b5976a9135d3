package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nodecollab/internal/config"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const pingAttempts = 5

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch Dialect(dbType) {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		if !strings.Contains(dbCfg.DSN, ":memory:") && !strings.HasPrefix(dbCfg.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(dbCfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if strings.Contains(dbCfg.DSN, ":memory:") {
			// every pooled connection would otherwise see its own empty database
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		params := dbCfg.Params
		if !strings.Contains(params, "parseTime") {
			if params != "" {
				params += "&"
			}
			params += "parseTime=true"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case "postgres":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
			)
			if dbCfg.Params != "" {
				dsn += "?" + dbCfg.Params
			}
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := ping(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// ping retries with exponential backoff so the relay can start alongside
// a database container that is still booting.
func ping(db *sql.DB) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := db.Ping()
		if err != nil && attempt < pingAttempts {
			log.Printf("database ping attempt %d failed: %v", attempt, err)
		}
		return err
	}, backoff.WithMaxRetries(policy, pingAttempts-1))
}

// Dialect normalises the configured driver name.
func Dialect(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return strings.ToLower(driver)
	}
}

// Rebind rewrites '?' placeholders to the positional form postgres expects.
// Queries for other dialects are returned untouched.
func Rebind(driver, query string) string {
	if Dialect(driver) != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch Dialect(driver) {
	case "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				host_id TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				closed_at DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS operations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				op_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS host_tokens (
				token TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_id, id)`,
			`CREATE INDEX IF NOT EXISTS idx_host_tokens_session ON host_tokens(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at DESC)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id VARCHAR(64) NOT NULL,
				name VARCHAR(255) NOT NULL,
				host_id VARCHAR(255) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				closed_at DATETIME(6) NULL,
				PRIMARY KEY (id),
				INDEX idx_sessions_created_at (created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS operations (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				session_id VARCHAR(64) NOT NULL,
				user_id VARCHAR(255) NOT NULL,
				op_type VARCHAR(64) NOT NULL,
				payload MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_operations_session (session_id, id),
				CONSTRAINT fk_operations_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS host_tokens (
				token VARCHAR(128) NOT NULL PRIMARY KEY,
				session_id VARCHAR(64) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				expires_at DATETIME(6) NOT NULL,
				INDEX idx_host_tokens_session (session_id),
				CONSTRAINT fk_host_tokens_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case "postgres":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				host_id TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				closed_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS operations (
				id BIGSERIAL PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				op_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS host_tokens (
				token TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				created_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_id, id)`,
			`CREATE INDEX IF NOT EXISTS idx_host_tokens_session ON host_tokens(session_id)`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
