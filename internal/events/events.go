// Package events carries domain change notifications between components.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Topics.
const (
	TopicReviewsChanged  = "reviews.changed"
	TopicSessionsChanged = "sessions.changed"
)

// ReviewsChanged is published after any review mutation.
type ReviewsChanged struct {
	Action    string   `json:"action"`
	ReviewIDs []string `json:"review_ids"`
	Status    string   `json:"status,omitempty"`
	Moderator string   `json:"moderator,omitempty"`
}

// SessionChanged is published after a conversational session is written.
type SessionChanged struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Status    string `json:"status"`
}

// Envelope is the decoded form of a bus message.
type Envelope struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Handler processes one envelope. Returned errors are logged; the message is acked regardless.
type Handler func(ctx context.Context, env Envelope) error

// Bus is an in-process event bus.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
	wg     sync.WaitGroup
	now    func() time.Time
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an in-process bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, watermill.NewSlogLogger(logger))

	return &Bus{
		pubsub: pubsub,
		logger: logger,
		now:    time.Now,
	}
}

// Publish encodes payload as JSON and publishes it on topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}

	msg := message.NewMessage(id, data)
	msg.Metadata.Set("occurred_at", b.now().UTC().Format(time.RFC3339Nano))
	msg.SetContext(context.WithoutCancel(ctx))

	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe runs handler for every message on topic until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ch {
			env := Envelope{
				ID:      msg.UUID,
				Topic:   topic,
				Payload: json.RawMessage(msg.Payload),
			}
			if ts, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get("occurred_at")); err == nil {
				env.OccurredAt = ts
			}
			if err := handler(msg.Context(), env); err != nil {
				b.logger.Warn("event handler failed", "topic", topic, "event_id", env.ID, "error", err)
			}
			msg.Ack()
		}
	}()
	return nil
}

// Close stops the bus and waits for subscribers to drain.
func (b *Bus) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	if err != nil {
		return fmt.Errorf("close event bus: %w", err)
	}
	return nil
}

// Decode unmarshals the payload of env into v.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Topic, err)
	}
	return v, nil
}

// PublishOrLog publishes and logs a failure instead of returning it.
// Event delivery never fails the mutation that produced it.
func PublishOrLog(ctx context.Context, p Publisher, topic string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
