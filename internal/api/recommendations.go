package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/perfumaria/internal/conversation"
	"github.com/ashureev/perfumaria/internal/identity"
	"github.com/ashureev/perfumaria/internal/middleware"
	"github.com/ashureev/perfumaria/internal/validation"
)

// RecommendationHandler serves the conversational recommendation flow.
type RecommendationHandler struct {
	*Handler
	orch *conversation.Orchestrator
}

// NewRecommendationHandler creates a new recommendation handler.
func NewRecommendationHandler(base *Handler, orch *conversation.Orchestrator) *RecommendationHandler {
	return &RecommendationHandler{Handler: base, orch: orch}
}

// RegisterRoutes registers recommendation routes.
func (h *RecommendationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/recommendations", func(r chi.Router) {
		r.Post("/messages", h.SendMessage)
		r.Get("/conversation", h.GetConversation)
		r.Post("/reset", h.Reset)
		r.Put("/profile", h.UpdateProfile)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/{id}", h.GetSession)
		})
	})
}

type conversationResponse struct {
	Conversation conversation.State `json:"conversation"`
}

// SendMessage runs one conversation turn.
func (h *RecommendationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !h.decode(w, r, validation.ChatMessage, &req) {
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	result, err := h.orch.Send(r.Context(), conversationKey(r), userID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	if !result.Persisted {
		slog.Warn("Conversation turn not persisted", "user_id", userID, "session_id", result.State.SessionID)
	}
	JSON(w, http.StatusOK, result)
}

// GetConversation returns the current conversation of the tab.
func (h *RecommendationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	state := h.orch.Resume(r.Context(), conversationKey(r), identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, conversationResponse{Conversation: state})
}

// Reset abandons the current conversation and starts an empty one.
func (h *RecommendationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	state := h.orch.Reset(r.Context(), conversationKey(r), identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, conversationResponse{Conversation: state})
}

// UpdateProfile merges answers about the customer's preferences into the conversation.
func (h *RecommendationHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile map[string]any `json:"profile"`
	}
	if !h.decode(w, r, validation.UserProfile, &req) {
		return
	}
	state := h.orch.UpdateProfile(r.Context(), conversationKey(r), identity.UserIDFromContext(r.Context()), req.Profile)
	JSON(w, http.StatusOK, conversationResponse{Conversation: state})
}

// ListSessions returns the caller's persisted sessions, newest first.
func (h *RecommendationHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.orch.ListSessions(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one persisted session to its owner or an admin.
func (h *RecommendationHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.orch.GetSession(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "not_found")
		return
	}
	if !identity.IsAdmin(ctx) && !sess.OwnedBy(identity.UserIDFromContext(ctx)) {
		// Foreign sessions are reported as missing.
		Error(w, http.StatusNotFound, "not_found")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}
