// Package conversation drives recommendation conversations turn by turn.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/perfumaria/internal/cache"
	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/events"
	"github.com/ashureev/perfumaria/internal/recommend"
	"github.com/ashureev/perfumaria/internal/store"
)

// Errors returned by Send.
var (
	ErrEmptyMessage         = errors.New("message is required")
	ErrConversationComplete = errors.New("conversation already complete")
	ErrTurnInProgress       = errors.New("a turn is already in progress for this conversation")
)

const defaultTurnTimeout = 60 * time.Second

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	State State `json:"conversation"`
	// Persisted is false when the transcript could not be written.
	Persisted bool `json:"persisted"`
}

// Options configures an Orchestrator.
type Options struct {
	Sessions    store.SessionRepository
	Recommender recommend.Recommender
	Limiter     *RateLimiter
	Registry    *Registry
	Cache       *cache.QueryCache
	Publisher   events.Publisher
	TurnTimeout time.Duration
	Logger      *slog.Logger
}

// Orchestrator runs conversation turns and keeps the persisted session in sync.
type Orchestrator struct {
	sessions    store.SessionRepository
	recommender recommend.Recommender
	limiter     *RateLimiter
	registry    *Registry
	cache       *cache.QueryCache
	publisher   events.Publisher
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewOrchestrator creates an orchestrator. Registry defaults to a new one.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recommender == nil {
		opts.Recommender = recommend.Disabled{}
	}
	return &Orchestrator{
		sessions:    opts.Sessions,
		recommender: opts.Recommender,
		limiter:     opts.Limiter,
		registry:    opts.Registry,
		cache:       opts.Cache,
		publisher:   opts.Publisher,
		timeout:     opts.TurnTimeout,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Registry returns the in-memory conversation registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Close stops the rate limiter.
func (o *Orchestrator) Close() {
	o.limiter.Close()
}

func limiterKey(key Key, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "device:" + key.Device
}

// Send runs one turn: records the user message, calls the recommender with the
// history and records the reply. The user message stays in the conversation
// when the call fails and is marked failed.
func (o *Orchestrator) Send(ctx context.Context, key Key, userID, message string) (*TurnResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if !o.limiter.Allow(limiterKey(key, userID)) {
		return nil, recommend.ErrRateLimited
	}

	e := o.registry.get(key)
	if !e.turn.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer e.turn.Unlock()

	o.hydrate(ctx, e, userID)

	e.mu.Lock()
	if e.state.IsComplete {
		e.mu.Unlock()
		return nil, ErrConversationComplete
	}
	generation := e.generation
	userIdx := -1
	if message != domain.ContinueMarker {
		e.state.Messages = append(e.state.Messages, domain.ConversationMessage{
			Role:      domain.RoleUser,
			Content:   message,
			Timestamp: o.now(),
			Status:    domain.MessageStatusPending,
		})
		userIdx = len(e.state.Messages) - 1
	}
	req := recommend.Request{
		Message:             message,
		ConversationHistory: recommend.HistoryFrom(historyFor(e.state.Messages, userIdx)),
	}
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	resp, err := o.recommender.Recommend(callCtx, req)
	cancel()

	e.mu.Lock()
	if e.generation != generation {
		// Reset while the call was in flight; the reply belongs to a discarded conversation.
		e.mu.Unlock()
		if err != nil {
			return nil, recommend.Classify(err)
		}
		return &TurnResult{State: o.snapshot(e)}, nil
	}
	if err != nil {
		if userIdx >= 0 {
			e.state.Messages[userIdx].Status = domain.MessageStatusFailed
		}
		e.mu.Unlock()
		err = recommend.Classify(err)
		o.logger.Warn("Recommendation turn failed",
			"conversation", key.String(),
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}

	if userIdx >= 0 {
		e.state.Messages[userIdx].Status = domain.MessageStatusConfirmed
	}
	e.state.Messages = append(e.state.Messages, domain.ConversationMessage{
		Role:      domain.RoleAssistant,
		Content:   resp.Content,
		Timestamp: o.now(),
		Status:    domain.MessageStatusConfirmed,
	})
	e.state.IsComplete = resp.IsComplete
	if len(resp.Recommendations) > 0 {
		e.state.Recommendations = append([]string{}, resp.Recommendations...)
	}
	snapshot := e.state.clone()
	e.mu.Unlock()

	sessionID, persisted := o.persist(context.WithoutCancel(ctx), userID, snapshot)
	if sessionID != "" && sessionID != snapshot.SessionID {
		e.mu.Lock()
		if e.generation == generation {
			e.state.SessionID = sessionID
		}
		e.mu.Unlock()
		snapshot.SessionID = sessionID
	}

	return &TurnResult{State: snapshot, Persisted: persisted}, nil
}

// historyFor returns the messages sent as conversation history: confirmed
// messages plus the message of the current turn.
func historyFor(msgs []domain.ConversationMessage, current int) []domain.ConversationMessage {
	out := make([]domain.ConversationMessage, 0, len(msgs))
	for i, m := range msgs {
		if i == current || m.Confirmed() {
			out = append(out, m)
		}
	}
	return out
}

// persist writes the transcript, creating the session on the first exchange.
// A session closed behind the conversation (idle sweep, reset from another
// tab) is replaced by a new one holding the whole transcript.
// Failures are logged and reported through the boolean only.
func (o *Orchestrator) persist(ctx context.Context, userID string, s State) (string, bool) {
	if o.sessions == nil {
		return "", false
	}

	status := domain.SessionActive
	if s.IsComplete {
		status = domain.SessionCompleted
	}

	sessionID := s.SessionID
	if sessionID == "" {
		var owner *string
		if userID != "" {
			owner = &userID
		}
		created, err := o.sessions.CreateSession(ctx, owner, s.Messages)
		if err != nil {
			o.logger.Error("Failed to create conversational session", "user_id", userID, "error", err)
			return "", false
		}
		sessionID = created.ID
	}
	reused := s.SessionID != ""

	patch := domain.SessionPatch{
		Messages: &s.Messages,
		Status:   &status,
	}
	if s.Recommendations != nil {
		patch.RecommendedPerfumes = &s.Recommendations
	}
	if len(s.UserProfile) > 0 {
		patch.UserProfile = s.UserProfile
	}
	if _, err := o.sessions.UpdateSession(ctx, sessionID, patch); err != nil {
		if reused && (errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, store.ErrSessionNotFound)) {
			o.logger.Info("Conversational session closed elsewhere, continuing in a new one",
				"session_id", sessionID,
				"user_id", userID,
				"error", err,
			)
			s.SessionID = ""
			return o.persist(ctx, userID, s)
		}
		o.logger.Error("Failed to update conversational session",
			"session_id", sessionID,
			"user_id", userID,
			"error", err,
		)
		return sessionID, false
	}

	o.sessionChanged(ctx, sessionID, userID, status)
	return sessionID, true
}

func (o *Orchestrator) sessionChanged(ctx context.Context, sessionID, userID string, status domain.SessionStatus) {
	if err := o.cache.Invalidate(ctx, cache.CategorySessions); err != nil {
		o.logger.Warn("Failed to invalidate sessions cache", "error", err)
	}
	events.PublishOrLog(ctx, o.publisher, events.TopicSessionsChanged, events.SessionChanged{
		SessionID: sessionID,
		UserID:    userID,
		Status:    string(status),
	})
}

// hydrate loads the most recent active session of an authenticated user into
// an untouched conversation. Read failures leave the conversation empty.
func (o *Orchestrator) hydrate(ctx context.Context, e *entry, userID string) {
	e.mu.Lock()
	if e.hydrated || userID == "" || len(e.state.Messages) > 0 || o.sessions == nil {
		e.hydrated = true
		e.mu.Unlock()
		return
	}
	generation := e.generation
	e.mu.Unlock()

	sess, err := o.sessions.GetRecentSession(ctx, userID)
	if err != nil {
		o.logger.Warn("Failed to load recent session, starting fresh", "user_id", userID, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != generation || len(e.state.Messages) > 0 {
		return
	}
	e.hydrated = true
	if sess == nil {
		return
	}
	e.state = stateFromSession(sess)
}

func stateFromSession(sess *domain.ConversationalSession) State {
	s := emptyState()
	s.SessionID = sess.ID
	s.Messages = append(s.Messages, sess.Messages...)
	s.IsComplete = sess.Status == domain.SessionCompleted
	if sess.RecommendedPerfumes != nil {
		s.Recommendations = append([]string{}, sess.RecommendedPerfumes...)
	}
	for k, v := range sess.UserProfile {
		s.UserProfile[k] = v
	}
	return s
}

func (o *Orchestrator) snapshot(e *entry) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Resume returns the current conversation of key, restoring the user's most
// recent active session when the tab has none yet.
func (o *Orchestrator) Resume(ctx context.Context, key Key, userID string) State {
	e := o.registry.get(key)
	o.hydrate(ctx, e, userID)
	return o.snapshot(e)
}

// Reset abandons the persisted session, if any, and clears the conversation.
// A tab that never loaded a session abandons the user's most recent active one.
func (o *Orchestrator) Reset(ctx context.Context, key Key, userID string) State {
	e := o.registry.get(key)

	e.mu.Lock()
	sessionID := e.state.SessionID
	e.state = emptyState()
	e.hydrated = true
	e.generation++
	fresh := e.state.clone()
	e.mu.Unlock()

	if o.sessions == nil {
		return fresh
	}
	ctx = context.WithoutCancel(ctx)
	if sessionID == "" && userID != "" {
		sess, err := o.sessions.GetRecentSession(ctx, userID)
		if err != nil {
			o.logger.Warn("Failed to load recent session for reset", "user_id", userID, "error", err)
		} else if sess != nil {
			sessionID = sess.ID
		}
	}

	if sessionID != "" {
		if _, err := o.sessions.UpdateSession(ctx, sessionID, domain.SessionPatch{
			Status: domain.StatusPtr(domain.SessionAbandoned),
		}); err != nil {
			o.logger.Warn("Failed to abandon conversational session",
				"session_id", sessionID,
				"user_id", userID,
				"error", err,
			)
		} else {
			o.sessionChanged(ctx, sessionID, userID, domain.SessionAbandoned)
		}
	}
	return fresh
}

// UpdateProfile merges profile answers into the conversation and its session.
func (o *Orchestrator) UpdateProfile(ctx context.Context, key Key, userID string, profile map[string]any) State {
	e := o.registry.get(key)

	e.mu.Lock()
	for k, v := range profile {
		e.state.UserProfile[k] = v
	}
	sessionID := e.state.SessionID
	out := e.state.clone()
	e.mu.Unlock()

	if sessionID != "" && o.sessions != nil && len(profile) > 0 {
		if _, err := o.sessions.UpdateSession(context.WithoutCancel(ctx), sessionID, domain.SessionPatch{
			UserProfile: profile,
		}); err != nil {
			o.logger.Warn("Failed to persist user profile", "session_id", sessionID, "error", err)
		}
	}
	return out
}

// ListSessions returns the sessions of userID, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context, userID string) ([]*domain.ConversationalSession, error) {
	return cache.GetOrLoad(ctx, o.cache, cache.CategorySessions, "user:"+userID,
		func(ctx context.Context) ([]*domain.ConversationalSession, error) {
			return o.sessions.ListUserSessions(ctx, userID)
		})
}

// GetSession returns one session or nil.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*domain.ConversationalSession, error) {
	return cache.GetOrLoad(ctx, o.cache, cache.CategorySessions, "id:"+id,
		func(ctx context.Context) (*domain.ConversationalSession, error) {
			return o.sessions.GetSession(ctx, id)
		})
}
