package domain

import (
	"fmt"
	"strings"
	"time"
)

// ReviewStatus is the moderation state of a customer review.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	return s == ReviewPending || s == ReviewApproved || s == ReviewRejected
}

// ModerationAction is a human decision applied to one or more reviews.
type ModerationAction string

const (
	ActionApprove ModerationAction = "approve"
	ActionReject  ModerationAction = "reject"
)

// ParseModerationAction validates a raw action string.
func ParseModerationAction(raw string) (ModerationAction, error) {
	switch ModerationAction(raw) {
	case ActionApprove, ActionReject:
		return ModerationAction(raw), nil
	}
	return "", fmt.Errorf("unknown moderation action %q", raw)
}

// TargetStatus returns the review status an action moves reviews to.
func (a ModerationAction) TargetStatus() ReviewStatus {
	if a == ActionApprove {
		return ReviewApproved
	}
	return ReviewRejected
}

// Moderation tags produced by classifiers.
const (
	TagSpam      = "spam"
	TagOffensive = "offensive"
	TagPositive  = "positive"
	TagNegative  = "negative"
)

// ModerationResult is the outcome of an automatic classifier run.
// It is advisory: storing a result never changes the review status.
type ModerationResult struct {
	Confidence   float64   `json:"confidence"`
	Tags         []string  `json:"tags"`
	Reason       string    `json:"reason,omitempty"`
	Source       string    `json:"source"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// HasTag reports whether the result carries tag.
func (r *ModerationResult) HasTag(tag string) bool {
	if r == nil {
		return false
	}
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Review is a customer review of a perfume.
type Review struct {
	ID          string            `json:"id"`
	PerfumeID   string            `json:"perfume_id"`
	UserID      string            `json:"user_id"`
	Rating      int               `json:"rating"`
	Comment     string            `json:"comment"`
	PhotoURL    string            `json:"photo_url,omitempty"`
	Status      ReviewStatus      `json:"status"`
	Moderation  *ModerationResult `json:"moderation,omitempty"`
	ModeratedBy string            `json:"moderated_by,omitempty"`
	ModeratedAt *time.Time        `json:"moderated_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ReviewStats counts reviews per moderation status.
type ReviewStats struct {
	Pending  int64 `json:"pending"`
	Approved int64 `json:"approved"`
	Rejected int64 `json:"rejected"`
}

// Total returns the number of reviews across all statuses.
func (s ReviewStats) Total() int64 {
	return s.Pending + s.Approved + s.Rejected
}

// UniqueReviewIDs trims ids and drops blanks and repeats, keeping first-seen order.
func UniqueReviewIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
