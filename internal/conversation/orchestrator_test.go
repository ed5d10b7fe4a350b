package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/recommend"
	"github.com/ashureev/perfumaria/internal/store"
)

// fakeSessions is an in-memory SessionRepository.
type fakeSessions struct {
	mu        sync.Mutex
	sessions  map[string]*domain.ConversationalSession
	seq       int
	creates   int
	updates   []domain.SessionPatch
	recentErr error
	updateErr error
	createErr error
}

var _ store.SessionRepository = (*fakeSessions)(nil)

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]*domain.ConversationalSession{}}
}

func cloneSession(s *domain.ConversationalSession) *domain.ConversationalSession {
	c := *s
	c.Messages = append([]domain.ConversationMessage{}, s.Messages...)
	if s.RecommendedPerfumes != nil {
		c.RecommendedPerfumes = append([]string{}, s.RecommendedPerfumes...)
	}
	c.UserProfile = map[string]any{}
	for k, v := range s.UserProfile {
		c.UserProfile[k] = v
	}
	return &c
}

func (f *fakeSessions) CreateSession(_ context.Context, ownerID *string, initial []domain.ConversationMessage) (*domain.ConversationalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	f.creates++
	s := &domain.ConversationalSession{
		ID:          "s-" + string(rune('0'+f.seq)),
		UserID:      ownerID,
		Messages:    append([]domain.ConversationMessage{}, initial...),
		Status:      domain.SessionActive,
		UserProfile: map[string]any{},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	f.sessions[s.ID] = s
	return cloneSession(s), nil
}

func (f *fakeSessions) UpdateSession(_ context.Context, id string, patch domain.SessionPatch) (*domain.ConversationalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	f.updates = append(f.updates, patch)
	if patch.Messages != nil {
		s.Messages = append([]domain.ConversationMessage{}, (*patch.Messages)...)
	}
	if patch.RecommendedPerfumes != nil {
		s.RecommendedPerfumes = append([]string{}, (*patch.RecommendedPerfumes)...)
	}
	if patch.Status != nil {
		if err := (domain.TransitionPolicy{}).Check(s.Status, *patch.Status); err != nil {
			return nil, err
		}
		s.Status = *patch.Status
	}
	for k, v := range patch.UserProfile {
		s.UserProfile[k] = v
	}
	s.UpdatedAt = time.Now()
	return cloneSession(s), nil
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*domain.ConversationalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return cloneSession(s), nil
	}
	return nil, nil
}

func (f *fakeSessions) GetRecentSession(_ context.Context, ownerID string) (*domain.ConversationalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	var best *domain.ConversationalSession
	for _, s := range f.sessions {
		if s.UserID == nil || *s.UserID != ownerID || s.Status != domain.SessionActive {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneSession(best), nil
}

func (f *fakeSessions) ListUserSessions(_ context.Context, ownerID string) ([]*domain.ConversationalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ConversationalSession
	for _, s := range f.sessions {
		if s.UserID != nil && *s.UserID == ownerID {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (f *fakeSessions) MarkIdleSessionsAbandoned(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeSessions) session(id string) *domain.ConversationalSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneSession(f.sessions[id])
}

// fakeRecommender replies with queued responses and records requests.
type fakeRecommender struct {
	mu       sync.Mutex
	replies  []*recommend.Response
	err      error
	requests []recommend.Request
	block    chan struct{}
}

func (f *fakeRecommender) Recommend(ctx context.Context, req recommend.Request) (*recommend.Response, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return &recommend.Response{Content: "Pode me contar mais?"}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func newTestOrchestrator(sessions *fakeSessions, rec recommend.Recommender) *Orchestrator {
	return NewOrchestrator(Options{
		Sessions:    sessions,
		Recommender: rec,
		TurnTimeout: time.Second,
	})
}

var tab = Key{Device: "dev-1", Tab: "tab-1"}

func TestSendFirstTurnCreatesAndPersists(t *testing.T) {
	sessions := newFakeSessions()
	rec := &fakeRecommender{replies: []*recommend.Response{{Content: "Que tal notas de sândalo?", IsComplete: false}}}
	o := newTestOrchestrator(sessions, rec)
	ctx := context.Background()

	res, err := o.Send(ctx, tab, "u1", "Quero um perfume amadeirado")
	require.NoError(t, err)
	require.True(t, res.Persisted)

	require.Len(t, rec.requests, 1)
	require.Equal(t, "Quero um perfume amadeirado", rec.requests[0].Message)
	require.Len(t, rec.requests[0].ConversationHistory, 1)

	msgs := res.State.Messages
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, domain.MessageStatusConfirmed, msgs[0].Status)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
	require.False(t, res.State.IsComplete)
	require.NotEmpty(t, res.State.SessionID)

	require.Equal(t, 1, sessions.creates)
	require.Len(t, sessions.updates, 1)
	last := sessions.updates[0]
	require.Len(t, *last.Messages, 2)
	require.Equal(t, domain.SessionActive, *last.Status)

	persisted := sessions.session(res.State.SessionID)
	require.Equal(t, res.State.Messages, persisted.Messages)
	require.Equal(t, "u1", *persisted.UserID)
}

func TestSendLaterTurnUpdatesSameSession(t *testing.T) {
	sessions := newFakeSessions()
	rec := &fakeRecommender{replies: []*recommend.Response{
		{Content: "Para qual ocasião?"},
		{Content: "Recomendo estes.", IsComplete: true, Recommendations: []string{"p-1", "p-2"}},
	}}
	o := newTestOrchestrator(sessions, rec)
	ctx := context.Background()

	first, err := o.Send(ctx, tab, "u1", "Quero um perfume amadeirado")
	require.NoError(t, err)
	second, err := o.Send(ctx, tab, "u1", "Para o trabalho")
	require.NoError(t, err)

	require.Equal(t, first.State.SessionID, second.State.SessionID)
	require.Equal(t, 1, sessions.creates)
	require.Len(t, rec.requests[1].ConversationHistory, 3)

	persisted := sessions.session(second.State.SessionID)
	require.Len(t, persisted.Messages, 4)
	require.Equal(t, domain.SessionCompleted, persisted.Status)
	require.Equal(t, []string{"p-1", "p-2"}, persisted.RecommendedPerfumes)
	require.True(t, second.State.IsComplete)

	_, err = o.Send(ctx, tab, "u1", "Mais uma coisa")
	require.ErrorIs(t, err, ErrConversationComplete)
}

func TestSendFailureKeepsMessageAsFailed(t *testing.T) {
	sessions := newFakeSessions()
	rec := &fakeRecommender{err: errors.New("status code: 503")}
	o := newTestOrchestrator(sessions, rec)
	ctx := context.Background()

	_, err := o.Send(ctx, tab, "u1", "Oi")
	require.ErrorIs(t, err, recommend.ErrUnavailable)

	state := o.Resume(ctx, tab, "u1")
	require.Len(t, state.Messages, 1)
	require.Equal(t, domain.MessageStatusFailed, state.Messages[0].Status)
	require.Equal(t, 0, sessions.creates, "nothing is persisted before a successful exchange")

	// The failed message is not sent as history on the next turn.
	rec.err = nil
	_, err = o.Send(ctx, tab, "u1", "Oi de novo")
	require.NoError(t, err)
	require.Len(t, rec.requests[len(rec.requests)-1].ConversationHistory, 1)
}

func TestSendContinueMarkerAddsNoUserMessage(t *testing.T) {
	sessions := newFakeSessions()
	rec := &fakeRecommender{}
	o := newTestOrchestrator(sessions, rec)
	ctx := context.Background()

	_, err := o.Send(ctx, tab, "", "Oi")
	require.NoError(t, err)
	res, err := o.Send(ctx, tab, "", domain.ContinueMarker)
	require.NoError(t, err)

	require.Len(t, res.State.Messages, 3)
	require.Equal(t, domain.RoleAssistant, res.State.Messages[2].Role)
	require.Equal(t, domain.ContinueMarker, rec.requests[1].Message)
	require.Len(t, rec.requests[1].ConversationHistory, 2)
}

func TestSendAnonymousSessionHasNoOwner(t *testing.T) {
	sessions := newFakeSessions()
	o := newTestOrchestrator(sessions, &fakeRecommender{})

	res, err := o.Send(context.Background(), tab, "", "Oi")
	require.NoError(t, err)
	require.Nil(t, sessions.session(res.State.SessionID).UserID)
}

func TestSendPersistenceFailureIsNotATurnError(t *testing.T) {
	sessions := newFakeSessions()
	sessions.createErr = errors.New("disk full")
	o := newTestOrchestrator(sessions, &fakeRecommender{})

	res, err := o.Send(context.Background(), tab, "u1", "Oi")
	require.NoError(t, err)
	require.False(t, res.Persisted)
	require.Len(t, res.State.Messages, 2)
	require.Empty(t, res.State.SessionID)
}

func TestSendValidatesAndRateLimits(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	t.Cleanup(limiter.Close)
	o := NewOrchestrator(Options{Sessions: newFakeSessions(), Recommender: &fakeRecommender{}, Limiter: limiter})
	ctx := context.Background()

	_, err := o.Send(ctx, tab, "u1", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = o.Send(ctx, tab, "u1", "Oi")
	require.NoError(t, err)

	// Another tab of the same user shares the limit.
	_, err = o.Send(ctx, Key{Device: "dev-1", Tab: "tab-2"}, "u1", "Oi")
	require.ErrorIs(t, err, recommend.ErrRateLimited)
}

func TestSendRejectsConcurrentTurn(t *testing.T) {
	rec := &fakeRecommender{block: make(chan struct{})}
	o := newTestOrchestrator(newFakeSessions(), rec)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := o.Send(ctx, tab, "u1", "primeira")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(o.Resume(ctx, tab, "u1").Messages) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := o.Send(ctx, tab, "u1", "segunda")
	require.ErrorIs(t, err, ErrTurnInProgress)

	close(rec.block)
	require.NoError(t, <-done)
}

func TestResumeRestoresRecentSession(t *testing.T) {
	sessions := newFakeSessions()
	o := newTestOrchestrator(sessions, &fakeRecommender{})
	ctx := context.Background()

	res, err := o.Send(ctx, tab, "u1", "Oi")
	require.NoError(t, err)

	// A reload creates a new tab key but the same user.
	reloaded := Key{Device: "dev-1", Tab: "tab-after-reload"}
	state := o.Resume(ctx, reloaded, "u1")
	require.Equal(t, res.State.SessionID, state.SessionID)
	require.Equal(t, res.State.Messages, state.Messages)
	require.False(t, state.IsComplete)

	// Anonymous visitors are not restored.
	anon := o.Resume(ctx, Key{Device: "dev-2", Tab: "t"}, "")
	require.Empty(t, anon.Messages)
}

func TestResumeSwallowsReadFailure(t *testing.T) {
	sessions := newFakeSessions()
	sessions.recentErr = errors.New("connection reset")
	o := newTestOrchestrator(sessions, &fakeRecommender{})

	state := o.Resume(context.Background(), tab, "u1")
	require.Empty(t, state.Messages)
	require.False(t, state.IsComplete)
}

func TestResetAbandonsSessionAndClearsState(t *testing.T) {
	sessions := newFakeSessions()
	o := newTestOrchestrator(sessions, &fakeRecommender{})
	ctx := context.Background()

	res, err := o.Send(ctx, tab, "u1", "Oi")
	require.NoError(t, err)

	state := o.Reset(ctx, tab, "u1")
	require.Empty(t, state.Messages)
	require.False(t, state.IsComplete)
	require.Empty(t, state.SessionID)
	require.Equal(t, domain.SessionAbandoned, sessions.session(res.State.SessionID).Status)

	// The next turn starts a new session.
	next, err := o.Send(ctx, tab, "u1", "Recomeçando")
	require.NoError(t, err)
	require.NotEqual(t, res.State.SessionID, next.State.SessionID)
	require.Len(t, next.State.Messages, 2)
}

func TestResetWithoutSession(t *testing.T) {
	sessions := newFakeSessions()
	o := newTestOrchestrator(sessions, &fakeRecommender{})

	state := o.Reset(context.Background(), tab, "")
	require.Empty(t, state.Messages)
	require.Empty(t, sessions.updates)
}

func TestResetFromFreshTabAbandonsRecentSession(t *testing.T) {
	sessions := newFakeSessions()
	o := newTestOrchestrator(sessions, &fakeRecommender{})
	ctx := context.Background()

	res, err := o.Send(ctx, tab, "u1", "Oi")
	require.NoError(t, err)

	other := Key{Device: "dev-1", Tab: "tab-2"}
	state := o.Reset(ctx, other, "u1")
	require.Empty(t, state.Messages)
	require.Equal(t, domain.SessionAbandoned, sessions.session(res.State.SessionID).Status)

	reloaded := o.Resume(ctx, Key{Device: "dev-1", Tab: "tab-3"}, "u1")
	require.Empty(t, reloaded.Messages)
	require.Empty(t, reloaded.SessionID)
}

func TestResetSwallowsRecentSessionFailure(t *testing.T) {
	sessions := newFakeSessions()
	sessions.recentErr = errors.New("database is locked")
	o := newTestOrchestrator(sessions, &fakeRecommender{})

	state := o.Reset(context.Background(), tab, "u1")
	require.Empty(t, state.Messages)
	require.Empty(t, sessions.updates)
}

func TestResetDuringTurnDiscardsReply(t *testing.T) {
	sessions := newFakeSessions()
	rec := &fakeRecommender{block: make(chan struct{})}
	o := newTestOrchestrator(sessions, rec)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Send(ctx, tab, "u1", "Oi")
	}()

	require.Eventually(t, func() bool {
		return len(o.Resume(ctx, tab, "u1").Messages) == 1
	}, time.Second, 5*time.Millisecond)

	o.Reset(ctx, tab, "u1")
	close(rec.block)
	<-done

	require.Empty(t, o.Resume(ctx, tab, "u1").Messages)
	require.Equal(t, 0, sessions.creates)
}

func TestUpdateProfilePersistsToSession(t *testing.T) {
	sessions := newFakeSessions()
	o := newTestOrchestrator(sessions, &fakeRecommender{})
	ctx := context.Background()

	res, err := o.Send(ctx, tab, "u1", "Oi")
	require.NoError(t, err)

	state := o.UpdateProfile(ctx, tab, "u1", map[string]any{"intensity": "moderate"})
	require.Equal(t, "moderate", state.UserProfile["intensity"])
	require.Equal(t, "moderate", sessions.session(res.State.SessionID).UserProfile["intensity"])
}

func TestRegistryEvictIdle(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.get(Key{Device: "a", Tab: "1"})
	now = now.Add(time.Hour)
	r.get(Key{Device: "b", Tab: "1"})

	require.Equal(t, 1, r.EvictIdle(30*time.Minute))
	require.Equal(t, 1, r.Len())
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	t.Cleanup(rl.Close)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.mu.Lock()
	rl.now = func() time.Time { return now }
	rl.mu.Unlock()

	require.True(t, rl.Allow("u1"))
	require.True(t, rl.Allow("u1"))
	require.False(t, rl.Allow("u1"))
	require.True(t, rl.Allow("u2"))

	rl.mu.Lock()
	now = now.Add(61 * time.Second)
	rl.mu.Unlock()
	require.True(t, rl.Allow("u1"))

	rl.evict()
	rl.Close()
	rl.Close()
}

func TestSendAfterIdleSweepContinuesInNewSession(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "perfumaria.db"),
		store.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	o := NewOrchestrator(Options{Sessions: repo, Recommender: &fakeRecommender{}, TurnTimeout: time.Second})
	ctx := context.Background()

	first, err := o.Send(ctx, tab, "u1", "Quero um perfume amadeirado")
	require.NoError(t, err)
	require.True(t, first.Persisted)

	clock = clock.Add(25 * time.Hour)
	o.Resume(ctx, tab, "u1")
	n, err := repo.MarkIdleSessionsAbandoned(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	second, err := o.Send(ctx, tab, "u1", "Algo mais fresco")
	require.NoError(t, err)
	require.True(t, second.Persisted)
	require.NotEqual(t, first.State.SessionID, second.State.SessionID)

	third, err := o.Send(ctx, tab, "u1", "Para o verão")
	require.NoError(t, err)
	require.True(t, third.Persisted)
	require.Equal(t, second.State.SessionID, third.State.SessionID)

	saved, err := repo.GetSession(ctx, third.State.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionActive, saved.Status)
	require.Len(t, saved.Messages, 6)
	inMemory := o.Resume(ctx, tab, "u1").Messages
	require.Len(t, inMemory, len(saved.Messages))
	for i, m := range inMemory {
		require.Equal(t, m.Role, saved.Messages[i].Role)
		require.Equal(t, m.Content, saved.Messages[i].Content)
		require.Equal(t, m.Status, saved.Messages[i].Status)
	}

	old, err := repo.GetSession(ctx, first.State.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionAbandoned, old.Status)
	require.Len(t, old.Messages, 2)
}
