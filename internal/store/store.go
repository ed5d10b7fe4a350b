// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/perfumaria/internal/domain"
)

var (
	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrReviewNotFound is returned when one or more review ids do not exist.
	ErrReviewNotFound = errors.New("review not found")
)

// UserRepository persists authenticated users.
type UserRepository interface {
	// GetUser retrieves a user by ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// SessionRepository persists conversational recommendation sessions.
type SessionRepository interface {
	// CreateSession inserts an active session owned by ownerID (nil = anonymous).
	CreateSession(ctx context.Context, ownerID *string, initial []domain.ConversationMessage) (*domain.ConversationalSession, error)

	// UpdateSession merges patch into the session with the given id.
	UpdateSession(ctx context.Context, id string, patch domain.SessionPatch) (*domain.ConversationalSession, error)

	// GetSession looks a session up by id. Returns nil, nil if absent.
	GetSession(ctx context.Context, id string) (*domain.ConversationalSession, error)

	// GetRecentSession returns the most recently updated active session of ownerID,
	// or nil, nil if there is none.
	GetRecentSession(ctx context.Context, ownerID string) (*domain.ConversationalSession, error)

	// ListUserSessions returns all sessions of ownerID, newest first.
	ListUserSessions(ctx context.Context, ownerID string) ([]*domain.ConversationalSession, error)

	// MarkIdleSessionsAbandoned abandons active sessions not updated within idle.
	MarkIdleSessionsAbandoned(ctx context.Context, idle time.Duration) (int64, error)
}

// ReviewFilter narrows review listings.
type ReviewFilter struct {
	Status domain.ReviewStatus
	Limit  int
	Offset int
}

// ReviewRepository persists customer reviews and their moderation state.
type ReviewRepository interface {
	// CreateReview inserts a new review.
	CreateReview(ctx context.Context, review *domain.Review) error

	// GetReview looks a review up by id. Returns nil, nil if absent.
	GetReview(ctx context.Context, id string) (*domain.Review, error)

	// ListReviews returns reviews matching filter, oldest first.
	ListReviews(ctx context.Context, filter ReviewFilter) ([]*domain.Review, error)

	// SetReviewStatus moves every review in ids to status in a single transaction.
	// If any id does not exist nothing is changed and ErrReviewNotFound is returned.
	SetReviewStatus(ctx context.Context, ids []string, status domain.ReviewStatus, moderator string) error

	// SaveModerationResult stores a classifier result without touching the status.
	SaveModerationResult(ctx context.Context, id string, result *domain.ModerationResult) error

	// ReviewStats counts reviews per status.
	ReviewStats(ctx context.Context) (domain.ReviewStats, error)
}

// Repository aggregates every persistence concern of the service.
type Repository interface {
	UserRepository
	SessionRepository
	ReviewRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
