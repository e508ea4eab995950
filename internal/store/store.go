// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Cybrite/project-amobagan/internal/domain"
)

var (
	// ErrAnalysisNotFound is returned when an analysis does not exist for the user.
	ErrAnalysisNotFound = errors.New("analysis not found")
	// ErrAlreadyConsumed is returned when an analysis was already marked as consumed.
	ErrAlreadyConsumed = errors.New("analysis already consumed")
)

// Repository defines the interface for persisting users, credentials,
// analyses and consumption counters.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UpdatePreferences replaces the stored profile of a user.
	UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences) error

	// GetCredential returns the durable analysis credential of a user, or ""
	// if none is stored.
	GetCredential(ctx context.Context, userID string) (string, error)

	// PutCredential stores the durable analysis credential of a user.
	PutCredential(ctx context.Context, userID, token string) error

	// DeleteCredential removes the durable analysis credential of a user.
	DeleteCredential(ctx context.Context, userID string) error

	// SaveAnalysis stores a completed analysis.
	SaveAnalysis(ctx context.Context, analysis *domain.Analysis) error

	// GetAnalysis retrieves an analysis owned by userID.
	GetAnalysis(ctx context.Context, userID, analysisID string) (*domain.Analysis, error)

	// ListAnalyses returns the most recent analyses of a user, newest first.
	ListAnalyses(ctx context.Context, userID string, limit int) ([]*domain.Analysis, error)

	// MarkConsumed flags an analysis as consumed and increments the user's
	// counter for each element in one transaction. An analysis can only be
	// consumed once.
	MarkConsumed(ctx context.Context, userID, analysisID string, elements []string, at time.Time) error

	// GetNutritionalStatus returns the per-element counters of a user.
	GetNutritionalStatus(ctx context.Context, userID string) ([]domain.NutritionalStatus, error)

	// CleanupAnalyses removes unconsumed analyses older than ttl.
	CleanupAnalyses(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
