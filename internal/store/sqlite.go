package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/flowgate/internal/domain"
	"github.com/ashureev/flowgate/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	configMu sync.Mutex // serializes read-modify-write of the captcha_config row
}

// NewSQLite creates a new SQLite-backed repository. seed is written as the
// initial challenge configuration when the database has none yet.
func NewSQLite(dbPath string, seed domain.ChallengeConfig) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(seed.Normalized()); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema(seed domain.ChallengeConfig) error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		credits INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		image_enabled INTEGER NOT NULL DEFAULT 1,
		video_enabled INTEGER NOT NULL DEFAULT 1,
		image_concurrency INTEGER NOT NULL DEFAULT -1,
		video_concurrency INTEGER NOT NULL DEFAULT -1,
		access_token TEXT,
		at_expires INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(is_active);

	CREATE TABLE IF NOT EXISTS captcha_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		browser_count INTEGER NOT NULL,
		website_key TEXT NOT NULL,
		page_action TEXT NOT NULL,
		proxy_enabled INTEGER NOT NULL DEFAULT 0,
		proxy_url TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO captcha_config (id, browser_count, website_key, page_action, proxy_enabled, proxy_url, version, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO NOTHING`,
		seed.WorkerCount, seed.SiteKey, seed.Action,
		seed.Proxy.Enabled, nullString(seed.Proxy.URL), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("seed captcha config: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const accountColumns = `id, email, credits, is_active, image_enabled, video_enabled,
	image_concurrency, video_concurrency, access_token, at_expires, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acct domain.Account
	var accessToken sql.NullString
	var atExpires sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&acct.ID, &acct.Email, &acct.Credits, &acct.Active,
		&acct.ImageEnabled, &acct.VideoEnabled,
		&acct.ImageConcurrency, &acct.VideoConcurrency,
		&accessToken, &atExpires, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	acct.AccessToken = accessToken.String
	if atExpires.Valid && atExpires.Int64 > 0 {
		acct.AccessTokenExpiresAt = time.Unix(atExpires.Int64, 0)
	}
	acct.CreatedAt = time.Unix(createdAt, 0)
	acct.UpdatedAt = time.Unix(updatedAt, 0)
	return &acct, nil
}

// ListActiveAccounts returns every account flagged active.
func (s *SQLiteStore) ListActiveAccounts(ctx context.Context) ([]*domain.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 ORDER BY id`)
}

// ListAccounts returns all accounts ordered by ID.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
}

func (s *SQLiteStore) queryAccounts(ctx context.Context, query string, args ...any) ([]*domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close account rows", "error", closeErr)
		}
	}()

	var accounts []*domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		accounts = append(accounts, acct)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	return accounts, nil
}

// GetAccount retrieves an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}
	return acct, nil
}

// UpsertAccount creates or updates an account keyed by email.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct *domain.Account) error {
	query := `
	INSERT INTO accounts (email, credits, is_active, image_enabled, video_enabled,
		image_concurrency, video_concurrency, access_token, at_expires, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(email) DO UPDATE SET
		credits = excluded.credits,
		is_active = excluded.is_active,
		image_enabled = excluded.image_enabled,
		video_enabled = excluded.video_enabled,
		image_concurrency = excluded.image_concurrency,
		video_concurrency = excluded.video_concurrency,
		access_token = COALESCE(excluded.access_token, accounts.access_token),
		at_expires = COALESCE(excluded.at_expires, accounts.at_expires),
		updated_at = excluded.updated_at
	RETURNING id`

	var atExpires any
	if !acct.AccessTokenExpiresAt.IsZero() {
		atExpires = acct.AccessTokenExpiresAt.Unix()
	}

	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	err := s.db.QueryRowContext(ctx, query,
		acct.Email, acct.Credits, acct.Active, acct.ImageEnabled, acct.VideoEnabled,
		acct.ImageConcurrency, acct.VideoConcurrency,
		nullString(acct.AccessToken), atExpires,
		acct.CreatedAt.Unix(), acct.UpdatedAt.Unix(),
	).Scan(&acct.ID)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetChallengeConfig returns the persisted challenge pool configuration.
func (s *SQLiteStore) GetChallengeConfig(ctx context.Context) (domain.ChallengeConfig, error) {
	query := `
		SELECT browser_count, website_key, page_action, proxy_enabled, proxy_url, version, updated_at
		FROM captcha_config WHERE id = 1`

	var cfg domain.ChallengeConfig
	var proxyURL sql.NullString
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, query).Scan(
		&cfg.WorkerCount, &cfg.SiteKey, &cfg.Action,
		&cfg.Proxy.Enabled, &proxyURL, &cfg.Version, &updatedAt,
	)
	if err != nil {
		return domain.ChallengeConfig{}, fmt.Errorf("scan captcha config: %w", err)
	}

	cfg.Proxy.URL = proxyURL.String
	cfg.UpdatedAt = time.Unix(updatedAt, 0)
	return cfg.Normalized(), nil
}

// UpdateChallengeConfig persists cfg and bumps its version.
// SQLITE_BUSY conflicts are retried with exponential backoff.
func (s *SQLiteStore) UpdateChallengeConfig(ctx context.Context, cfg domain.ChallengeConfig) (domain.ChallengeConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	cfg = cfg.Normalized()
	query := `
		UPDATE captcha_config SET
			browser_count = ?, website_key = ?, page_action = ?,
			proxy_enabled = ?, proxy_url = ?,
			version = version + 1, updated_at = ?
		WHERE id = 1`

	err := shared.RetryOnConflict(ctx, 3, 50*time.Millisecond, func() error {
		result, err := s.db.ExecContext(ctx, query,
			cfg.WorkerCount, cfg.SiteKey, cfg.Action,
			cfg.Proxy.Enabled, nullString(cfg.Proxy.URL), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("update captcha config: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return domain.ChallengeConfig{}, err
	}

	return s.GetChallengeConfig(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
