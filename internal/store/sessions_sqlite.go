package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/perfumaria/internal/domain"
)

const sessionColumns = `id, user_id, conversation_json, recommended_perfumes,
		session_status, user_profile_data, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.ConversationalSession, error) {
	var (
		sess                  domain.ConversationalSession
		userID, recommended   sql.NullString
		messagesJSON, profile string
		status                string
		createdAt, updatedAt  int64
	)
	if err := row.Scan(&sess.ID, &userID, &messagesJSON, &recommended,
		&status, &profile, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if userID.Valid {
		owner := userID.String
		sess.UserID = &owner
	}
	if err := json.Unmarshal([]byte(messagesJSON), &sess.Messages); err != nil {
		return nil, fmt.Errorf("decode conversation_json of %s: %w", sess.ID, err)
	}
	if recommended.Valid {
		if err := json.Unmarshal([]byte(recommended.String), &sess.RecommendedPerfumes); err != nil {
			return nil, fmt.Errorf("decode recommended_perfumes of %s: %w", sess.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(profile), &sess.UserProfile); err != nil {
		return nil, fmt.Errorf("decode user_profile_data of %s: %w", sess.ID, err)
	}
	if sess.UserProfile == nil {
		sess.UserProfile = map[string]any{}
	}
	if sess.Messages == nil {
		sess.Messages = []domain.ConversationMessage{}
	}

	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}

func encodeMessages(msgs []domain.ConversationMessage) (string, error) {
	if msgs == nil {
		msgs = []domain.ConversationMessage{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("encode conversation_json: %w", err)
	}
	return string(data), nil
}

func encodeRecommended(ids []string) (any, error) {
	if ids == nil {
		return nil, nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode recommended_perfumes: %w", err)
	}
	return string(data), nil
}

func encodeProfile(profile map[string]any) (string, error) {
	if profile == nil {
		return "{}", nil
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("encode user_profile_data: %w", err)
	}
	return string(data), nil
}

// CreateSession inserts a new active session.
func (s *SQLiteStore) CreateSession(ctx context.Context, ownerID *string, initial []domain.ConversationMessage) (*domain.ConversationalSession, error) {
	messagesJSON, err := encodeMessages(initial)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &domain.ConversationalSession{
		ID:          uuid.NewString(),
		Messages:    append([]domain.ConversationMessage{}, initial...),
		Status:      domain.SessionActive,
		UserProfile: map[string]any{},
		CreatedAt:   time.UnixMilli(now.UnixMilli()),
		UpdatedAt:   time.UnixMilli(now.UnixMilli()),
	}
	var owner any
	if ownerID != nil && *ownerID != "" {
		id := *ownerID
		sess.UserID = &id
		owner = id
	}

	query := `
		INSERT INTO conversational_sessions (
			id, user_id, conversation_json, recommended_perfumes,
			session_status, user_profile_data, created_at, updated_at
		) VALUES (?, ?, ?, NULL, ?, '{}', ?, ?)`

	err = s.write(ctx, "create_session", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			sess.ID, owner, messagesJSON, string(sess.Status),
			sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
		)
		if execErr != nil {
			return fmt.Errorf("insert session: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSession merges patch into an existing session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch) (*domain.ConversationalSession, error) {
	var updated *domain.ConversationalSession

	err := s.write(ctx, "update_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update session: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM conversational_sessions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		if patch.Messages != nil {
			current.Messages = append([]domain.ConversationMessage{}, (*patch.Messages)...)
		}
		if patch.RecommendedPerfumes != nil {
			current.RecommendedPerfumes = append([]string{}, (*patch.RecommendedPerfumes)...)
		}
		if patch.Status != nil {
			if err := s.policy.Check(current.Status, *patch.Status); err != nil {
				return err
			}
			current.Status = *patch.Status
		}
		if patch.UserProfile != nil {
			for k, v := range patch.UserProfile {
				current.UserProfile[k] = v
			}
		}
		current.UpdatedAt = time.UnixMilli(s.now().UnixMilli())

		messagesJSON, err := encodeMessages(current.Messages)
		if err != nil {
			return err
		}
		recommended, err := encodeRecommended(current.RecommendedPerfumes)
		if err != nil {
			return err
		}
		profile, err := encodeProfile(current.UserProfile)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE conversational_sessions SET
				conversation_json = ?,
				recommended_perfumes = ?,
				session_status = ?,
				user_profile_data = ?,
				updated_at = ?
			WHERE id = ?`,
			messagesJSON, recommended, string(current.Status), profile,
			current.UpdatedAt.UnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update session: %w", err)
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.ConversationalSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM conversational_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetRecentSession returns the latest active session of ownerID.
func (s *SQLiteStore) GetRecentSession(ctx context.Context, ownerID string) (*domain.ConversationalSession, error) {
	if ownerID == "" {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + `
		FROM conversational_sessions
		WHERE user_id = ? AND session_status = ?
		ORDER BY updated_at DESC, rowid DESC
		LIMIT 1`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, ownerID, string(domain.SessionActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recent session: %w", err)
	}
	return sess, nil
}

// ListUserSessions returns every session of ownerID, newest first.
func (s *SQLiteStore) ListUserSessions(ctx context.Context, ownerID string) ([]*domain.ConversationalSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM conversational_sessions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query user sessions: %w", err)
	}
	defer closeRows(rows, "list_user_sessions")

	sessions := []*domain.ConversationalSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user sessions: %w", err)
	}
	return sessions, nil
}

// MarkIdleSessionsAbandoned abandons active sessions idle for longer than idle.
func (s *SQLiteStore) MarkIdleSessionsAbandoned(ctx context.Context, idle time.Duration) (int64, error) {
	now := s.now()
	threshold := now.Add(-idle).UnixMilli()

	var affected int64
	err := s.write(ctx, "abandon_idle_sessions", func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE conversational_sessions
			SET session_status = ?, updated_at = ?
			WHERE session_status = ? AND updated_at < ?`,
			string(domain.SessionAbandoned), now.UnixMilli(), string(domain.SessionActive), threshold,
		)
		if err != nil {
			return fmt.Errorf("abandon idle sessions: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}
