package cache

import (
	"context"
	"fmt"

	"github.com/ashureev/perfumaria/internal/events"
)

// topicCategories maps event topics to the categories they make stale.
var topicCategories = map[string]Category{
	events.TopicReviewsChanged:  CategoryReviews,
	events.TopicSessionsChanged: CategorySessions,
}

// Subscriber is the part of the event bus the cache listens on.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler events.Handler) error
}

// InvalidateOnEvents drops the matching category whenever a change event is published.
func (q *QueryCache) InvalidateOnEvents(ctx context.Context, sub Subscriber) error {
	for topic, category := range topicCategories {
		if err := sub.Subscribe(ctx, topic, func(ctx context.Context, env events.Envelope) error {
			return q.Invalidate(ctx, category)
		}); err != nil {
			return fmt.Errorf("subscribe cache invalidation: %w", err)
		}
	}
	return nil
}
