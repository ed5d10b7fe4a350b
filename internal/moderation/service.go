// Package moderation implements the review moderation queue.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sourcegraph/conc/pool"

	"github.com/ashureev/perfumaria/internal/cache"
	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/events"
	"github.com/ashureev/perfumaria/internal/recommend"
	"github.com/ashureev/perfumaria/internal/store"
)

// Errors returned by the service.
var (
	ErrNoReviews        = errors.New("no review ids given")
	ErrInvalidReview    = errors.New("invalid review")
	ErrClassifierFailed = errors.New("automatic classification failed")
)

const (
	maxCommentLength        = 2000
	defaultListLimit        = 50
	maxListLimit            = 200
	defaultBatchConcurrency = 4
)

// ReviewInput is a customer's review submission.
type ReviewInput struct {
	PerfumeID string `json:"perfume_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
	PhotoURL  string `json:"photo_url,omitempty"`
}

// BatchError describes one review that failed during a batch run.
type BatchError struct {
	ReviewID string `json:"review_id"`
	Error    string `json:"error"`
}

// BatchResult aggregates a batch auto-moderation run. Failures are reported,
// never rolled back.
type BatchResult struct {
	Processed int                                 `json:"processed"`
	Results   map[string]*domain.ModerationResult `json:"results"`
	Errors    []BatchError                        `json:"errors"`
}

// Options configures a Service.
type Options struct {
	Reviews          store.ReviewRepository
	Classifier       recommend.Classifier
	Cache            *cache.QueryCache
	Publisher        events.Publisher
	BatchConcurrency int
	Logger           *slog.Logger
}

// Service manages reviews and their moderation.
type Service struct {
	reviews     store.ReviewRepository
	classifier  recommend.Classifier
	cache       *cache.QueryCache
	publisher   events.Publisher
	concurrency int
	logger      *slog.Logger
}

// NewService creates a moderation service.
func NewService(opts Options) *Service {
	if opts.Classifier == nil {
		opts.Classifier = recommend.Disabled{}
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaultBatchConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		reviews:     opts.Reviews,
		classifier:  opts.Classifier,
		cache:       opts.Cache,
		publisher:   opts.Publisher,
		concurrency: opts.BatchConcurrency,
		logger:      opts.Logger,
	}
}

// Submit records a new pending review by userID.
func (s *Service) Submit(ctx context.Context, userID string, in ReviewInput) (*domain.Review, error) {
	in.Comment = strings.TrimSpace(in.Comment)
	switch {
	case userID == "":
		return nil, fmt.Errorf("%w: author is required", ErrInvalidReview)
	case in.PerfumeID == "":
		return nil, fmt.Errorf("%w: perfume_id is required", ErrInvalidReview)
	case in.Rating < 1 || in.Rating > 5:
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidReview)
	case in.Comment == "":
		return nil, fmt.Errorf("%w: comment is required", ErrInvalidReview)
	case utf8.RuneCountInString(in.Comment) > maxCommentLength:
		return nil, fmt.Errorf("%w: comment is longer than %d characters", ErrInvalidReview, maxCommentLength)
	}

	review := &domain.Review{
		PerfumeID: in.PerfumeID,
		UserID:    userID,
		Rating:    in.Rating,
		Comment:   in.Comment,
		PhotoURL:  in.PhotoURL,
		Status:    domain.ReviewPending,
	}
	if err := s.reviews.CreateReview(ctx, review); err != nil {
		return nil, fmt.Errorf("create review: %w", err)
	}

	s.logger.Info("Review submitted", "review_id", review.ID, "user_id", userID, "perfume_id", in.PerfumeID)
	s.changed(ctx, events.ReviewsChanged{Action: "submit", ReviewIDs: []string{review.ID}, Status: string(review.Status)})
	return review, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	return limit, max(offset, 0)
}

// List returns reviews with status (all when empty), oldest first.
func (s *Service) List(ctx context.Context, status domain.ReviewStatus, limit, offset int) ([]*domain.Review, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidReview, status)
	}
	limit, offset = clampPage(limit, offset)
	key := fmt.Sprintf("list:%s:%d:%d", status, limit, offset)
	return cache.GetOrLoad(ctx, s.cache, cache.CategoryReviews, key,
		func(ctx context.Context) ([]*domain.Review, error) {
			return s.reviews.ListReviews(ctx, store.ReviewFilter{Status: status, Limit: limit, Offset: offset})
		})
}

// ListPending returns the moderation queue.
func (s *Service) ListPending(ctx context.Context, limit, offset int) ([]*domain.Review, error) {
	return s.List(ctx, domain.ReviewPending, limit, offset)
}

// Stats returns review counts per status.
func (s *Service) Stats(ctx context.Context) (domain.ReviewStats, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.CategoryReviews, "stats", s.reviews.ReviewStats)
}

// Get returns one review or store.ErrReviewNotFound.
func (s *Service) Get(ctx context.Context, id string) (*domain.Review, error) {
	r, err := s.reviews.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrReviewNotFound, id)
	}
	return r, nil
}

// Approve approves one review.
func (s *Service) Approve(ctx context.Context, id, moderator string) error {
	_, err := s.Bulk(ctx, []string{id}, domain.ActionApprove, moderator)
	return err
}

// Reject rejects one review.
func (s *Service) Reject(ctx context.Context, id, moderator string) error {
	_, err := s.Bulk(ctx, []string{id}, domain.ActionReject, moderator)
	return err
}

// Bulk applies action to exactly the given reviews in one all-or-nothing write
// and returns the ids it covered.
func (s *Service) Bulk(ctx context.Context, ids []string, action domain.ModerationAction, moderator string) ([]string, error) {
	ids = domain.UniqueReviewIDs(ids)
	if len(ids) == 0 {
		return nil, ErrNoReviews
	}
	if _, err := domain.ParseModerationAction(string(action)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReview, err)
	}

	status := action.TargetStatus()
	if err := s.reviews.SetReviewStatus(ctx, ids, status, moderator); err != nil {
		return nil, fmt.Errorf("%s reviews: %w", action, err)
	}

	s.logger.Info("Reviews moderated", "action", action, "count", len(ids), "moderator", moderator)
	s.changed(ctx, events.ReviewsChanged{
		Action:    string(action),
		ReviewIDs: ids,
		Status:    string(status),
		Moderator: moderator,
	})
	return ids, nil
}

// AutoModerate classifies one review and stores the result. The review status
// is left for a human to decide.
func (s *Service) AutoModerate(ctx context.Context, id string) (*domain.ModerationResult, error) {
	result, err := s.classify(ctx, id)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, events.ReviewsChanged{Action: "auto_moderate", ReviewIDs: []string{id}})
	return result, nil
}

func (s *Service) classify(ctx context.Context, id string) (*domain.ModerationResult, error) {
	review, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := s.classifier.Classify(ctx, recommend.ModerationRequest{
		ReviewID: review.ID,
		Comment:  review.Comment,
		Rating:   review.Rating,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: review %s: %w", ErrClassifierFailed, id, recommend.Classify(err))
	}
	if err := s.reviews.SaveModerationResult(ctx, id, result); err != nil {
		return nil, fmt.Errorf("save moderation result: %w", err)
	}
	return result, nil
}

// UserMessage returns the message shown to a moderator when automatic
// classification fails.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, recommend.ErrRateLimited):
		return "O classificador automático recebeu muitas solicitações. Aguarde alguns instantes e tente novamente."
	case errors.Is(err, recommend.ErrMisconfigured):
		return "O classificador automático de avaliações não está configurado. Modere manualmente ou verifique a configuração."
	case errors.Is(err, recommend.ErrUnavailable), errors.Is(err, recommend.ErrNetwork):
		return "O classificador automático de avaliações está indisponível. Tente novamente em instantes."
	default:
		return "Não foi possível classificar a avaliação automaticamente."
	}
}

// AutoModerateBatch classifies the given reviews, or every pending review when
// ids is empty, with bounded concurrency.
func (s *Service) AutoModerateBatch(ctx context.Context, ids []string) (*BatchResult, error) {
	ids = domain.UniqueReviewIDs(ids)
	if len(ids) == 0 {
		pending, err := s.reviews.ListReviews(ctx, store.ReviewFilter{Status: domain.ReviewPending})
		if err != nil {
			return nil, fmt.Errorf("list pending reviews: %w", err)
		}
		for _, r := range pending {
			ids = append(ids, r.ID)
		}
	}

	result := &BatchResult{
		Results: make(map[string]*domain.ModerationResult, len(ids)),
		Errors:  []BatchError{},
	}
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(s.concurrency)
	for _, id := range ids {
		p.Go(func() {
			res, err := s.classify(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			if err != nil {
				s.logger.Warn("Auto-moderation failed", "review_id", id, "error", err)
				result.Errors = append(result.Errors, BatchError{ReviewID: id, Error: err.Error()})
				return
			}
			result.Results[id] = res
		})
	}
	p.Wait()

	if len(result.Results) > 0 {
		done := make([]string, 0, len(result.Results))
		for _, id := range ids {
			if _, ok := result.Results[id]; ok {
				done = append(done, id)
			}
		}
		s.changed(ctx, events.ReviewsChanged{Action: "auto_moderate", ReviewIDs: done})
	}

	s.logger.Info("Batch auto-moderation finished",
		"processed", result.Processed,
		"succeeded", len(result.Results),
		"failed", len(result.Errors),
	)
	return result, nil
}

// changed invalidates cached review queries and announces the mutation.
func (s *Service) changed(ctx context.Context, ev events.ReviewsChanged) {
	if err := s.cache.Invalidate(ctx, cache.CategoryReviews); err != nil {
		s.logger.Warn("Failed to invalidate reviews cache", "error", err)
	}
	events.PublishOrLog(ctx, s.publisher, events.TopicReviewsChanged, ev)
}
