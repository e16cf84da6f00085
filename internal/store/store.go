package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL record store: cookie blobs per domain, settings and
// the per-target attempt history.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

var _ schemas.RecordStore = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Connect opens a pgx pool from the database configuration.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	return pool, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cookies (
        domain TEXT PRIMARY KEY,
        cookie_data JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS settings (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS attempts (
        target_id TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        attempted_at TIMESTAMPTZ NOT NULL
    );`,
}

// Migrate creates the tables if they do not exist, in one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit returns ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// -- Cookies --

func (s *Store) GetCookies(ctx context.Context, domain string) ([]schemas.Cookie, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT cookie_data FROM cookies WHERE domain = $1;`, domain).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cookies for %s: %w", domain, err)
	}

	var cookies []schemas.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		// A corrupt blob is treated as absent so the caller falls back to a fresh login.
		s.log.Warn("Discarding unreadable cookie blob.", zap.String("domain", domain), zap.Error(err))
		return nil, nil
	}
	return cookies, nil
}

func (s *Store) SetCookies(ctx context.Context, domain string, cookies []schemas.Cookie) error {
	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	sql := `
        INSERT INTO cookies (domain, cookie_data, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (domain) DO UPDATE SET
            cookie_data = EXCLUDED.cookie_data,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, sql, domain, data, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to save cookies for %s: %w", domain, err)
	}
	return nil
}

func (s *Store) ClearCookies(ctx context.Context, domain string) error {
	var err error
	if domain == "" {
		_, err = s.pool.Exec(ctx, `DELETE FROM cookies;`)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM cookies WHERE domain = $1;`, domain)
	}
	if err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}

// -- Settings --

func (s *Store) GetSetting(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1;`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	sql := `
        INSERT INTO settings (key, value)
        VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value;
    `
	if _, err := s.pool.Exec(ctx, sql, key, value); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// -- Attempts --

func (s *Store) RecordAttempt(ctx context.Context, targetID string, status schemas.AttemptStatus) error {
	sql := `
        INSERT INTO attempts (target_id, status, attempted_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (target_id) DO UPDATE SET
            status = EXCLUDED.status,
            attempted_at = EXCLUDED.attempted_at;
    `
	if _, err := s.pool.Exec(ctx, sql, targetID, string(status), s.now().UTC()); err != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", targetID, err)
	}
	return nil
}

func (s *Store) HasSuccessfulAttempt(ctx context.Context, targetID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM attempts WHERE target_id = $1 AND status = $2);`,
		targetID, string(schemas.StatusSuccess),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check attempt history for %s: %w", targetID, err)
	}
	return exists, nil
}

func (s *Store) ListAttempts(ctx context.Context) ([]schemas.AttemptResult, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT target_id, status, attempted_at
        FROM attempts
        ORDER BY attempted_at ASC, target_id ASC;
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []schemas.AttemptResult
	for rows.Next() {
		var (
			a      schemas.AttemptResult
			status string
		)
		if err := rows.Scan(&a.TargetID, &status, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		a.Status = schemas.AttemptStatus(status)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return attempts, nil
}

func (s *Store) ClearAttempts(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM attempts;`); err != nil {
		return fmt.Errorf("failed to clear attempts: %w", err)
	}
	return nil
}
