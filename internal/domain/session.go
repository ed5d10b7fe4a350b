package domain

import (
	"errors"
	"fmt"
	"time"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageStatus tracks whether a message was acknowledged by the recommendation function.
type MessageStatus string

const (
	// MessageStatusPending marks a user message whose turn is still in flight.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusConfirmed marks a message that is part of a completed exchange.
	MessageStatusConfirmed MessageStatus = "confirmed"
	// MessageStatusFailed marks a user message whose turn failed remotely.
	MessageStatusFailed MessageStatus = "failed"
)

// ContinueMarker asks the recommender to keep going without adding a user message.
const ContinueMarker = "__continue__"

// ConversationMessage is a single entry of a recommendation conversation.
// Transcripts written before per-message status existed decode with an empty
// Status, which is treated as confirmed.
type ConversationMessage struct {
	Role      MessageRole   `json:"role"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status,omitempty"`
}

// Confirmed reports whether the message belongs to a completed exchange.
func (m ConversationMessage) Confirmed() bool {
	return m.Status == "" || m.Status == MessageStatusConfirmed
}

// SessionStatus is the lifecycle state of a persisted conversational session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionAbandoned:
		return true
	}
	return false
}

// Terminal reports whether s ends the session lifecycle.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// ErrInvalidTransition is returned when a status change is not permitted by the policy.
var ErrInvalidTransition = errors.New("invalid session status transition")

// TransitionPolicy decides which session status changes are accepted.
// Sessions move forward from active to completed or abandoned, and a completed
// session may still be abandoned by an explicit reset. Moving a terminal session
// back to active is only accepted when AllowReactivation is set.
type TransitionPolicy struct {
	AllowReactivation bool
}

// Check returns nil if moving from -> to is allowed.
func (p TransitionPolicy) Check(from, to SessionStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == to {
		return nil
	}
	switch from {
	case SessionActive:
		return nil
	case SessionCompleted:
		if to == SessionAbandoned {
			return nil
		}
		if to == SessionActive && p.AllowReactivation {
			return nil
		}
	case SessionAbandoned:
		if to == SessionActive && p.AllowReactivation {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ConversationalSession is the persisted record of a recommendation exchange.
type ConversationalSession struct {
	ID                  string                `json:"id"`
	UserID              *string               `json:"user_id"`
	Messages            []ConversationMessage `json:"conversation_json"`
	RecommendedPerfumes []string              `json:"recommended_perfumes"`
	Status              SessionStatus         `json:"session_status"`
	UserProfile         map[string]any        `json:"user_profile_data"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// OwnedBy reports whether the session belongs to userID.
// Anonymous sessions are owned by nobody.
func (s *ConversationalSession) OwnedBy(userID string) bool {
	return s.UserID != nil && userID != "" && *s.UserID == userID
}

// SessionPatch carries the fields to merge into an existing session.
// Nil fields are left untouched.
type SessionPatch struct {
	Messages            *[]ConversationMessage
	RecommendedPerfumes *[]string
	Status              *SessionStatus
	UserProfile         map[string]any
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Messages == nil && p.RecommendedPerfumes == nil && p.Status == nil && p.UserProfile == nil
}

// StatusPtr returns a pointer to s, for building patches.
func StatusPtr(s SessionStatus) *SessionStatus {
	return &s
}
