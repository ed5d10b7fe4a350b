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

const reviewColumns = `id, perfume_id, user_id, rating, comment, photo_url, status,
		moderation_json, moderated_by, moderated_at, created_at, updated_at`

func scanReview(row rowScanner) (*domain.Review, error) {
	var (
		r                        domain.Review
		status                   string
		photoURL, moderationJSON sql.NullString
		moderatedBy              sql.NullString
		moderatedAt              sql.NullInt64
		createdAt, updatedAt     int64
	)
	if err := row.Scan(&r.ID, &r.PerfumeID, &r.UserID, &r.Rating, &r.Comment, &photoURL, &status,
		&moderationJSON, &moderatedBy, &moderatedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	r.Status = domain.ReviewStatus(status)
	r.PhotoURL = photoURL.String
	r.ModeratedBy = moderatedBy.String
	if moderatedAt.Valid {
		ts := time.UnixMilli(moderatedAt.Int64)
		r.ModeratedAt = &ts
	}
	if moderationJSON.Valid && moderationJSON.String != "" {
		var result domain.ModerationResult
		if err := json.Unmarshal([]byte(moderationJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode moderation_json of %s: %w", r.ID, err)
		}
		r.Moderation = &result
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}

// CreateReview inserts a review. ID, status and timestamps are filled when empty.
func (s *SQLiteStore) CreateReview(ctx context.Context, review *domain.Review) error {
	now := time.UnixMilli(s.now().UnixMilli())
	if review.ID == "" {
		review.ID = uuid.NewString()
	}
	if review.Status == "" {
		review.Status = domain.ReviewPending
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = now
	}
	review.UpdatedAt = now

	query := `
		INSERT INTO reviews (id, perfume_id, user_id, rating, comment, photo_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.write(ctx, "create_review", func() error {
		_, err := s.db.ExecContext(ctx, query,
			review.ID, review.PerfumeID, review.UserID, review.Rating, review.Comment,
			nullableString(review.PhotoURL), string(review.Status),
			review.CreatedAt.UnixMilli(), review.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		return nil
	})
}

// GetReview retrieves a review by id.
func (s *SQLiteStore) GetReview(ctx context.Context, id string) (*domain.Review, error) {
	r, err := scanReview(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return r, nil
}

// ListReviews returns reviews matching filter, oldest first so the queue is worked in arrival order.
func (s *SQLiteStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]*domain.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer closeRows(rows, "list_reviews")

	reviews := []*domain.Review{}
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

// SetReviewStatus applies status to every review in ids, all or nothing.
func (s *SQLiteStore) SetReviewStatus(ctx context.Context, ids []string, status domain.ReviewStatus, moderator string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid review status %q", status)
	}
	ids = domain.UniqueReviewIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	return s.write(ctx, "set_review_status", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin set review status: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now().UnixMilli()
		args := []any{string(status), nullableString(moderator), now, now}
		for _, id := range ids {
			args = append(args, id)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE reviews
			SET status = ?, moderated_by = ?, moderated_at = ?, updated_at = ?
			WHERE id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return fmt.Errorf("update review status: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if affected != int64(len(ids)) {
			return fmt.Errorf("%w: %d of %d reviews exist", ErrReviewNotFound, affected, len(ids))
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit review status: %w", err)
		}
		return nil
	})
}

// SaveModerationResult stores the classifier outcome for a review.
func (s *SQLiteStore) SaveModerationResult(ctx context.Context, id string, result *domain.ModerationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode moderation result: %w", err)
	}

	return s.write(ctx, "save_moderation_result", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE reviews SET moderation_json = ?, updated_at = ? WHERE id = ?`,
			string(data), s.now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("save moderation result: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrReviewNotFound, id)
		}
		return nil
	})
}

// ReviewStats counts reviews per status.
func (s *SQLiteStore) ReviewStats(ctx context.Context) (domain.ReviewStats, error) {
	var stats domain.ReviewStats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reviews GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query review stats: %w", err)
	}
	defer closeRows(rows, "review_stats")

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan review stats: %w", err)
		}
		switch domain.ReviewStatus(status) {
		case domain.ReviewPending:
			stats.Pending = count
		case domain.ReviewApproved:
			stats.Approved = count
		case domain.ReviewRejected:
			stats.Rejected = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate review stats: %w", err)
	}
	return stats, nil
}
