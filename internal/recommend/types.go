// Package recommend talks to the remote recommendation and moderation functions.
package recommend

import (
	"context"

	"github.com/ashureev/perfumaria/internal/domain"
)

// HistoryEntry is one message of the conversation history sent with a turn.
type HistoryEntry struct {
	Role    domain.MessageRole `json:"role"`
	Content string             `json:"content"`
}

// Request is the input of one recommendation turn.
type Request struct {
	Message             string         `json:"message"`
	ConversationHistory []HistoryEntry `json:"conversationHistory"`
}

// Response is the reply of one recommendation turn.
type Response struct {
	Content         string   `json:"content"`
	IsComplete      bool     `json:"isComplete"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ModerationRequest is the input of the review classifier.
type ModerationRequest struct {
	ReviewID string `json:"reviewId"`
	Comment  string `json:"comment"`
	Rating   int    `json:"rating"`
}

// Recommender runs one conversation turn.
type Recommender interface {
	Recommend(ctx context.Context, req Request) (*Response, error)
}

// Classifier scores a review for moderation.
type Classifier interface {
	Classify(ctx context.Context, req ModerationRequest) (*domain.ModerationResult, error)
}

// HistoryFrom converts conversation messages into request history.
func HistoryFrom(msgs []domain.ConversationMessage) []HistoryEntry {
	history := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return history
}

// Disabled is used when no recommendation backend is configured.
type Disabled struct{}

var (
	_ Recommender = Disabled{}
	_ Classifier  = Disabled{}
)

// Recommend always fails with ErrMisconfigured.
func (Disabled) Recommend(context.Context, Request) (*Response, error) {
	return nil, ErrMisconfigured
}

// Classify always fails with ErrMisconfigured.
func (Disabled) Classify(context.Context, ModerationRequest) (*domain.ModerationResult, error) {
	return nil, ErrMisconfigured
}
