package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/perfumaria/internal/postal"
)

// AddressLookup resolves postal codes.
type AddressLookup interface {
	Lookup(ctx context.Context, cep string) (*postal.Address, error)
}

// PostalHandler serves postal-code lookups for the checkout form.
type PostalHandler struct {
	lookup AddressLookup
}

// NewPostalHandler creates a new postal handler.
func NewPostalHandler(lookup AddressLookup) *PostalHandler {
	return &PostalHandler{lookup: lookup}
}

// RegisterRoutes registers postal routes.
func (h *PostalHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/postal/{cep}", h.Lookup)
}

// Lookup resolves the CEP in the path.
func (h *PostalHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	addr, err := h.lookup.Lookup(r.Context(), chi.URLParam(r, "cep"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, addr)
}
