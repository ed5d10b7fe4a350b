// Package api provides HTTP handlers for the perfumaria API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/perfumaria/internal/conversation"
	"github.com/ashureev/perfumaria/internal/identity"
	"github.com/ashureev/perfumaria/internal/moderation"
	"github.com/ashureev/perfumaria/internal/postal"
	"github.com/ashureev/perfumaria/internal/recommend"
	"github.com/ashureev/perfumaria/internal/store"
	"github.com/ashureev/perfumaria/internal/validation"
)

// Handler provides common handler utilities.
type Handler struct {
	validator   *validation.Validator
	maxBodySize int64
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(validator *validation.Validator, maxBodySize int64) *Handler {
	if validator == nil {
		validator = validation.MustNew()
	}
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &Handler{validator: validator, maxBodySize: maxBodySize}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string                  `json:"error"`
	Message string                  `json:"message,omitempty"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

// decode reads the request body, validates it against schema and unmarshals it into dst.
// It writes the error response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request_too_large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid_body")
		return false
	}
	if err := h.validator.Decode(schema, body, dst); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

// writeError maps service errors onto HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusBadRequest, ErrorBody{Error: "validation_failed", Fields: verr.Fields})
	case errors.Is(err, conversation.ErrEmptyMessage):
		JSON(w, http.StatusBadRequest, ErrorBody{Error: "empty_message", Message: "Digite uma mensagem."})
	case errors.Is(err, conversation.ErrTurnInProgress):
		JSON(w, http.StatusConflict, ErrorBody{Error: "turn_in_progress", Message: "Aguarde a resposta anterior."})
	case errors.Is(err, conversation.ErrConversationComplete):
		JSON(w, http.StatusConflict, ErrorBody{Error: "conversation_complete", Message: "A conversa foi concluída. Reinicie para começar outra."})
	case errors.Is(err, moderation.ErrNoReviews), errors.Is(err, moderation.ErrInvalidReview):
		JSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, store.ErrReviewNotFound), errors.Is(err, store.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "not_found")
	case errors.Is(err, postal.ErrInvalidCEP):
		JSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid_cep", Message: "CEP inválido."})
	case errors.Is(err, postal.ErrNotFound):
		JSON(w, http.StatusNotFound, ErrorBody{Error: "cep_not_found", Message: "CEP não encontrado."})
	case errors.Is(err, postal.ErrUpstream):
		JSON(w, http.StatusBadGateway, ErrorBody{Error: "postal_unavailable", Message: "Consulta de CEP indisponível."})
	case errors.Is(err, moderation.ErrClassifierFailed):
		JSON(w, recommendStatus(err), ErrorBody{Error: "auto_moderation_failed", Message: moderation.UserMessage(err)})
	case isRecommendError(err):
		JSON(w, recommendStatus(err), ErrorBody{Error: recommend.Code(err), Message: recommend.UserMessage(err)})
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal_error")
	}
}

func isRecommendError(err error) bool {
	for _, target := range []error{
		recommend.ErrRateLimited, recommend.ErrMisconfigured, recommend.ErrUnavailable,
		recommend.ErrNetwork, recommend.ErrFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func recommendStatus(err error) int {
	switch {
	case errors.Is(err, recommend.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, recommend.ErrMisconfigured):
		return http.StatusInternalServerError
	case errors.Is(err, recommend.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, recommend.ErrNetwork):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func conversationKey(r *http.Request) conversation.Key {
	ctx := r.Context()
	return conversation.Key{
		Device: identity.DeviceIDFromContext(ctx),
		Tab:    identity.TabFromContext(ctx),
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
