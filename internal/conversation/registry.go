package conversation

import (
	"sync"
	"time"

	"github.com/ashureev/perfumaria/internal/domain"
)

// Key identifies one browser tab of one device.
type Key struct {
	Device string
	Tab    string
}

func (k Key) String() string {
	return k.Device + ":" + k.Tab
}

// State is the conversation as seen by one tab.
type State struct {
	SessionID       string                       `json:"sessionId,omitempty"`
	Messages        []domain.ConversationMessage `json:"messages"`
	IsComplete      bool                         `json:"isComplete"`
	Recommendations []string                     `json:"recommendations,omitempty"`
	UserProfile     map[string]any               `json:"userProfile"`
}

func emptyState() State {
	return State{
		Messages:    []domain.ConversationMessage{},
		UserProfile: map[string]any{},
	}
}

func (s State) clone() State {
	out := State{
		SessionID:  s.SessionID,
		Messages:   append([]domain.ConversationMessage{}, s.Messages...),
		IsComplete: s.IsComplete,
	}
	if s.Recommendations != nil {
		out.Recommendations = append([]string{}, s.Recommendations...)
	}
	out.UserProfile = make(map[string]any, len(s.UserProfile))
	for k, v := range s.UserProfile {
		out.UserProfile[k] = v
	}
	return out
}

// entry holds the state of one tab.
type entry struct {
	turn sync.Mutex // held for the duration of a turn

	mu         sync.Mutex
	state      State
	hydrated   bool
	generation uint64 // bumped on reset so in-flight turns drop their result
	lastSeen   time.Time
}

// Registry keeps conversation states in memory.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (r *Registry) get(key Key) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key.String()]
	if !ok {
		e = &entry{state: emptyState()}
		r.entries[key.String()] = e
	}
	e.mu.Lock()
	e.lastSeen = r.now()
	e.mu.Unlock()
	return e
}

// Len returns the number of tracked conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle drops conversations untouched for longer than idle and not in a turn.
func (r *Registry) EvictIdle(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	evicted := 0
	for k, e := range r.entries {
		if !e.turn.TryLock() {
			continue
		}
		e.mu.Lock()
		stale := e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		e.turn.Unlock()
		if stale {
			delete(r.entries, k)
			evicted++
		}
	}
	return evicted
}
