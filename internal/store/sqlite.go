package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/shared"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
	policy  domain.TransitionPolicy
	retry   shared.RetryPolicy
	now     func() time.Time
}

var _ Repository = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithTransitionPolicy sets the session status transition policy.
func WithTransitionPolicy(p domain.TransitionPolicy) Option {
	return func(s *SQLiteStore) { s.policy = p }
}

// WithRetryPolicy sets the SQLITE_BUSY retry policy for writes.
func WithRetryPolicy(p shared.RetryPolicy) Option {
	return func(s *SQLiteStore) { s.retry = p }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLite creates a new SQLite-backed repository and applies pending migrations.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency; busy_timeout applies to every pooled connection.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		retry: shared.DefaultRetryPolicy,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("Migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// write runs op under the writer mutex with busy retries.
func (s *SQLiteStore) write(ctx context.Context, name string, op func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.RetryOnConflict(ctx, s.retry, name, op)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, role, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var role string
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &role, &lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Role = domain.Role(role)
	user.LastSeenAt = time.UnixMilli(lastSeen)
	user.CreatedAt = time.UnixMilli(createdAt)
	user.UpdatedAt = time.UnixMilli(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, role, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		role = excluded.role,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	role := user.Role
	if !role.Valid() {
		role = domain.RoleCustomer
	}

	return s.write(ctx, "upsert_user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, string(role),
			user.LastSeenAt.UnixMilli(), user.CreatedAt.UnixMilli(), user.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	return s.write(ctx, "update_last_seen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.UnixMilli(), s.now().UnixMilli(), userID)
		if err != nil {
			return fmt.Errorf("update last_seen: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
		}
		return nil
	})
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
