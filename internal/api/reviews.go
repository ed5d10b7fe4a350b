package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/identity"
	"github.com/ashureev/perfumaria/internal/middleware"
	"github.com/ashureev/perfumaria/internal/moderation"
	"github.com/ashureev/perfumaria/internal/validation"
)

// ReviewHandler serves review submission and the admin moderation queue.
type ReviewHandler struct {
	*Handler
	svc *moderation.Service
}

// NewReviewHandler creates a new review handler.
func NewReviewHandler(base *Handler, svc *moderation.Service) *ReviewHandler {
	return &ReviewHandler{Handler: base, svc: svc}
}

// RegisterRoutes registers customer and admin review routes.
func (h *ReviewHandler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequireUser).Post("/api/reviews", h.Submit)

	r.Route("/api/admin/reviews", func(r chi.Router) {
		r.Use(middleware.RequireAdmin)
		r.Get("/", h.List)
		r.Get("/stats", h.Stats)
		r.Post("/bulk", h.Bulk)
		r.Post("/auto-moderate", h.AutoModerateBatch)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/approve", h.Approve)
		r.Post("/{id}/reject", h.Reject)
		r.Post("/{id}/auto-moderate", h.AutoModerate)
	})
}

// Submit creates a pending review authored by the caller.
func (h *ReviewHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var in moderation.ReviewInput
	if !h.decode(w, r, validation.Review, &in) {
		return
	}
	review, err := h.svc.Submit(r.Context(), identity.UserIDFromContext(r.Context()), in)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{"review": review})
}

// List returns reviews filtered by ?status with ?limit and ?offset paging.
func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.ReviewStatus(r.URL.Query().Get("status"))
	reviews, err := h.svc.List(r.Context(), status, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"reviews": reviews})
}

// Stats returns review counts per status.
func (h *ReviewHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"pending":  stats.Pending,
		"approved": stats.Approved,
		"rejected": stats.Rejected,
		"total":    stats.Total(),
	})
}

// Get returns one review.
func (h *ReviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	review, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"review": review})
}

// Approve approves one review.
func (h *ReviewHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.moderateOne(w, r, domain.ActionApprove)
}

// Reject rejects one review.
func (h *ReviewHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.moderateOne(w, r, domain.ActionReject)
}

func (h *ReviewHandler) moderateOne(w http.ResponseWriter, r *http.Request, action domain.ModerationAction) {
	ids, err := h.svc.Bulk(r.Context(), []string{chi.URLParam(r, "id")}, action, identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"action":     action,
		"review_ids": ids,
		"status":     action.TargetStatus(),
	})
}

// Bulk applies one action to a set of reviews, all or nothing.
func (h *ReviewHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewIDs []string `json:"review_ids"`
		Action    string   `json:"action"`
	}
	if !h.decode(w, r, validation.BulkModeration, &req) {
		return
	}
	action, err := domain.ParseModerationAction(req.Action)
	if err != nil {
		writeError(w, &validation.Error{
			Schema: validation.BulkModeration,
			Fields: []validation.FieldError{{Field: "action", Message: err.Error()}},
		})
		return
	}

	ids, err := h.svc.Bulk(r.Context(), req.ReviewIDs, action, identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"action":     action,
		"review_ids": ids,
		"status":     action.TargetStatus(),
		"count":      len(ids),
	})
}

// AutoModerate classifies one review and stores the result.
func (h *ReviewHandler) AutoModerate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.svc.AutoModerate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"review_id": id, "moderation": result})
}

// AutoModerateBatch classifies the given reviews, or the whole pending queue.
func (h *ReviewHandler) AutoModerateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewIDs []string `json:"review_ids"`
	}
	if r.ContentLength != 0 {
		if !h.decode(w, r, validation.AutoModeration, &req) {
			return
		}
	}
	result, err := h.svc.AutoModerateBatch(r.Context(), req.ReviewIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}
