package api

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/identity"
	"github.com/ashureev/perfumaria/internal/moderation"
	"github.com/ashureev/perfumaria/internal/recommend"
	"github.com/ashureev/perfumaria/internal/validation"
)

type reviewBody struct {
	Review domain.Review `json:"review"`
}

func submitReviews(t *testing.T, c *client, comments ...string) []string {
	t.Helper()
	var ids []string
	for _, comment := range comments {
		rec := c.do(t, http.MethodPost, "/api/reviews", map[string]any{
			"perfume_id": "p-1",
			"rating":     5,
			"comment":    comment,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, decodeBody[reviewBody](t, rec).Review.ID)
	}
	return ids
}

func TestSubmitReview(t *testing.T) {
	a := newTestAPI(t)

	rec := a.anonymous("t").do(t, http.MethodPost, "/api/reviews", map[string]any{"perfume_id": "p-1", "rating": 5, "comment": "ok"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	customer := a.as(t, "u-1", domain.RoleCustomer)
	rec = customer.do(t, http.MethodPost, "/api/reviews", map[string]any{"perfume_id": "p-1", "rating": 9, "comment": "ok"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorBody](t, rec)
	require.Equal(t, "rating", body.Fields[0].Field)

	ids := submitReviews(t, customer, "Amei")
	require.Len(t, ids, 1)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	a := newTestAPI(t)
	customer := a.as(t, "u-1", domain.RoleCustomer)

	for _, path := range []string{"/api/admin/reviews", "/api/admin/reviews/stats"} {
		rec := customer.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusForbidden, rec.Code, path)
		require.Equal(t, "forbidden", decodeBody[errorBody](t, rec).Error)
	}
	rec := a.anonymous("t").do(t, http.MethodPost, "/api/admin/reviews/bulk", map[string]any{"review_ids": []string{"x"}, "action": "approve"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestModerationQueue(t *testing.T) {
	a := newTestAPI(t)
	customer := a.as(t, "u-1", domain.RoleCustomer)
	admin := a.as(t, "admin-1", domain.RoleAdmin)
	ids := submitReviews(t, customer, "Amei", "Fixação boa", "Chegou rápido", "Cheiro ótimo")

	rec := admin.do(t, http.MethodGet, "/api/admin/reviews?status=pending&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[struct {
		Reviews []domain.Review `json:"reviews"`
	}](t, rec)
	require.Len(t, page.Reviews, 2)

	rec = admin.do(t, http.MethodPost, "/api/admin/reviews/bulk", map[string]any{
		"review_ids": []string{ids[0], ids[1], ids[0]},
		"action":     "approve",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bulk := decodeBody[struct {
		ReviewIDs []string `json:"review_ids"`
		Count     int      `json:"count"`
	}](t, rec)
	require.Equal(t, []string{ids[0], ids[1]}, bulk.ReviewIDs)
	require.Equal(t, 2, bulk.Count)

	require.Equal(t, http.StatusOK, admin.do(t, http.MethodPost, "/api/admin/reviews/"+ids[2]+"/reject", nil).Code)

	rec = admin.do(t, http.MethodGet, "/api/admin/reviews/stats", nil)
	stats := decodeBody[map[string]int64](t, rec)
	require.Equal(t, int64(1), stats["pending"])
	require.Equal(t, int64(2), stats["approved"])
	require.Equal(t, int64(1), stats["rejected"])
	require.Equal(t, int64(4), stats["total"])

	rec = admin.do(t, http.MethodGet, "/api/admin/reviews/"+ids[0], nil)
	review := decodeBody[reviewBody](t, rec).Review
	require.Equal(t, domain.ReviewApproved, review.Status)
	require.Equal(t, "admin-1", review.ModeratedBy)
}

func TestBulkValidationAndAtomicity(t *testing.T) {
	a := newTestAPI(t)
	admin := a.as(t, "admin-1", domain.RoleAdmin)
	ids := submitReviews(t, a.as(t, "u-1", domain.RoleCustomer), "Amei")

	rec := admin.do(t, http.MethodPost, "/api/admin/reviews/bulk", map[string]any{"review_ids": []string{}, "action": "archive"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, decodeBody[errorBody](t, rec).Fields, 2)

	rec = admin.do(t, http.MethodPost, "/api/admin/reviews/bulk", map[string]any{"review_ids": []string{ids[0], "missing"}, "action": "reject"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = admin.do(t, http.MethodGet, "/api/admin/reviews/"+ids[0], nil)
	require.Equal(t, domain.ReviewPending, decodeBody[reviewBody](t, rec).Review.Status)

	require.Equal(t, http.StatusNotFound, admin.do(t, http.MethodPost, "/api/admin/reviews/missing/approve", nil).Code)
}

func TestAutoModeration(t *testing.T) {
	a := newTestAPI(t)
	admin := a.as(t, "admin-1", domain.RoleAdmin)
	ids := submitReviews(t, a.as(t, "u-1", domain.RoleCustomer), "Promoção! Clique aqui: https://spam.example", "Amei, fixação ótima")

	rec := admin.do(t, http.MethodPost, "/api/admin/reviews/"+ids[0]+"/auto-moderate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	single := decodeBody[struct {
		Moderation domain.ModerationResult `json:"moderation"`
	}](t, rec)
	require.True(t, single.Moderation.HasTag(domain.TagSpam))

	rec = admin.do(t, http.MethodPost, "/api/admin/reviews/auto-moderate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decodeBody[moderation.BatchResult](t, rec)
	require.Equal(t, 2, batch.Processed)
	require.Len(t, batch.Results, 2)
	require.Empty(t, batch.Errors)

	rec = admin.do(t, http.MethodPost, "/api/admin/reviews/auto-moderate", map[string]any{"review_ids": []string{ids[1], "ghost"}})
	require.Equal(t, http.StatusOK, rec.Code)
	batch = decodeBody[moderation.BatchResult](t, rec)
	require.Equal(t, 2, batch.Processed)
	require.Len(t, batch.Errors, 1)

	// Classification never changes the status.
	rec = admin.do(t, http.MethodGet, "/api/admin/reviews/"+ids[0], nil)
	require.Equal(t, domain.ReviewPending, decodeBody[reviewBody](t, rec).Review.Status)
}

func TestAutoModerationFailureUsesModerationMessage(t *testing.T) {
	a := newTestAPI(t)
	ids := submitReviews(t, a.as(t, "u-1", domain.RoleCustomer), "Amei")

	svc := moderation.NewService(moderation.Options{Reviews: a.repo, Classifier: recommend.Disabled{}})
	r := chi.NewRouter()
	r.Use(identity.Middleware(a.repo, a.signer, true))
	NewReviewHandler(NewHandler(validation.MustNew(), 1<<16), svc).RegisterRoutes(r)

	admin := a.as(t, "admin-1", domain.RoleAdmin)
	admin.api = &testAPI{router: r}

	rec := admin.do(t, http.MethodPost, "/api/admin/reviews/"+ids[0]+"/auto-moderate", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	body := decodeBody[errorBody](t, rec)
	require.Equal(t, "auto_moderation_failed", body.Error)
	require.Contains(t, body.Message, "classificador automático")
	require.NotContains(t, body.Message, "consultor")
}
