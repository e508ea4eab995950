package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Cybrite/project-amobagan/internal/domain"
	"github.com/Cybrite/project-amobagan/internal/shared"
	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

const maxBusyRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	return newSQLite(dbPath)
}

func newSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
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
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		preferences_json TEXT NOT NULL DEFAULT '{}',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		user_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analyses (
		analysis_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		barcode TEXT NOT NULL,
		text TEXT NOT NULL,
		tags_json TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		consumed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_user ON analyses(user_id, created_at);

	CREATE TABLE IF NOT EXISTS nutritional_status (
		user_id TEXT NOT NULL,
		element TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, element)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying SQLite busy/locked errors with exponential backoff.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !shared.IsSQLiteConflictError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxBusyRetries), ctx), func(err error, delay time.Duration) {
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
	})
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, preferences_json,
		       last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var prefsJSON string
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &user.Username, &prefsJSON,
		&lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	if err := json.Unmarshal([]byte(prefsJSON), &user.Preferences); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record. Stored preferences are kept
// when the update carries none.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, preferences_json, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		preferences_json = CASE WHEN excluded.preferences_json = '{}' THEN users.preferences_json ELSE excluded.preferences_json END,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	prefsJSON := "{}"
	if !user.Preferences.IsEmpty() {
		data, err := json.Marshal(user.Preferences)
		if err != nil {
			return fmt.Errorf("encode preferences: %w", err)
		}
		prefsJSON = string(data)
	}

	return s.withRetry(ctx, "upsert_user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, prefsJSON,
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
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
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
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
}

// UpdatePreferences replaces the stored profile of a user.
func (s *SQLiteStore) UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	query := `UPDATE users SET preferences_json = ?, updated_at = ? WHERE user_id = ?`
	var rows int64
	err = s.withRetry(ctx, "update_preferences", func() error {
		result, err := s.db.ExecContext(ctx, query, string(data), time.Now().Unix(), userID)
		if err != nil {
			return fmt.Errorf("update preferences: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("user not found")
	}
	return nil
}

// GetCredential returns the durable credential of a user, or "" if none is stored.
func (s *SQLiteStore) GetCredential(ctx context.Context, userID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM credentials WHERE user_id = ?`, userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	return token, nil
}

// PutCredential stores the durable credential of a user.
func (s *SQLiteStore) PutCredential(ctx context.Context, userID, token string) error {
	query := `
	INSERT INTO credentials (user_id, token, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`

	return s.withRetry(ctx, "put_credential", func() error {
		if _, err := s.db.ExecContext(ctx, query, userID, token, time.Now().Unix()); err != nil {
			return fmt.Errorf("put credential: %w", err)
		}
		return nil
	})
}

// DeleteCredential removes the durable credential of a user.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, userID string) error {
	return s.withRetry(ctx, "delete_credential", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
		return nil
	})
}

// SaveAnalysis stores a completed analysis.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, a *domain.Analysis) error {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	query := `
	INSERT INTO analyses (analysis_id, user_id, barcode, text, tags_json, summary, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(analysis_id) DO UPDATE SET
		text = excluded.text,
		tags_json = excluded.tags_json,
		summary = excluded.summary`

	return s.withRetry(ctx, "save_analysis", func() error {
		_, err := s.db.ExecContext(ctx, query,
			a.ID, a.UserID, a.Barcode, a.Text, string(tagsJSON), a.Summary, a.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("save analysis: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*domain.Analysis, error) {
	var a domain.Analysis
	var tagsJSON string
	var consumedAt sql.NullInt64
	var createdAt int64

	if err := row.Scan(
		&a.ID, &a.UserID, &a.Barcode, &a.Text,
		&tagsJSON, &a.Summary, &consumedAt, &createdAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if consumedAt.Valid {
		ts := time.Unix(consumedAt.Int64, 0)
		a.ConsumedAt = &ts
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

const analysisColumns = `analysis_id, user_id, barcode, text, tags_json, summary, consumed_at, created_at`

// GetAnalysis retrieves an analysis owned by userID.
func (s *SQLiteStore) GetAnalysis(ctx context.Context, userID, analysisID string) (*domain.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE analysis_id = ? AND user_id = ?`
	a, err := scanAnalysis(s.db.QueryRowContext(ctx, query, analysisID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis row: %w", err)
	}
	return a, nil
}

// ListAnalyses returns the most recent analyses of a user, newest first.
func (s *SQLiteStore) ListAnalyses(ctx context.Context, userID string, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close analyses rows", "error", closeErr)
		}
	}()

	var analyses []*domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		analyses = append(analyses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return analyses, nil
}

// MarkConsumed flags an analysis as consumed and increments the element counters.
func (s *SQLiteStore) MarkConsumed(ctx context.Context, userID, analysisID string, elements []string, at time.Time) error {
	return s.withRetry(ctx, "mark_consumed", func() error {
		return s.markConsumedOnce(ctx, userID, analysisID, elements, at)
	})
}

func (s *SQLiteStore) markConsumedOnce(ctx context.Context, userID, analysisID string, elements []string, at time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back consumption", "analysis_id", analysisID, "error", rbErr)
			}
		}
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE analyses SET consumed_at = ? WHERE analysis_id = ? AND user_id = ? AND consumed_at IS NULL`,
		at.Unix(), analysisID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark analysis consumed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		var consumedAt sql.NullInt64
		scanErr := tx.QueryRowContext(ctx,
			`SELECT consumed_at FROM analyses WHERE analysis_id = ? AND user_id = ?`,
			analysisID, userID,
		).Scan(&consumedAt)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return ErrAnalysisNotFound
		}
		if scanErr != nil {
			return fmt.Errorf("check analysis: %w", scanErr)
		}
		return ErrAlreadyConsumed
	}

	increment := `
	INSERT INTO nutritional_status (user_id, element, count, updated_at) VALUES (?, ?, 1, ?)
	ON CONFLICT(user_id, element) DO UPDATE SET
		count = nutritional_status.count + 1,
		updated_at = excluded.updated_at`
	for _, element := range elements {
		element = strings.TrimSpace(element)
		if element == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, increment, userID, element, at.Unix()); err != nil {
			return fmt.Errorf("increment %s: %w", element, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit consumption: %w", err)
	}
	return nil
}

// GetNutritionalStatus returns the per-element counters of a user.
func (s *SQLiteStore) GetNutritionalStatus(ctx context.Context, userID string) ([]domain.NutritionalStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, element, count, updated_at FROM nutritional_status WHERE user_id = ? ORDER BY element`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query nutritional status: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close nutritional status rows", "error", closeErr)
		}
	}()

	var statuses []domain.NutritionalStatus
	for rows.Next() {
		var st domain.NutritionalStatus
		var updatedAt int64
		if err := rows.Scan(&st.UserID, &st.Element, &st.Count, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan nutritional status row: %w", err)
		}
		st.UpdatedAt = time.Unix(updatedAt, 0)
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nutritional status: %w", err)
	}
	return statuses, nil
}

// CleanupAnalyses removes unconsumed analyses older than ttl.
func (s *SQLiteStore) CleanupAnalyses(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var removed int64
	err := s.withRetry(ctx, "cleanup_analyses", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM analyses WHERE consumed_at IS NULL AND created_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup analyses: %w", err)
		}
		removed, err = result.RowsAffected()
		return err
	})
	return removed, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
