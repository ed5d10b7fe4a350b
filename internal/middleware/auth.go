package middleware

import (
	"net/http"

	"github.com/ashureev/perfumaria/internal/identity"
)

func deny(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity.UserIDFromContext(r.Context()) == "" {
			deny(w, http.StatusUnauthorized, `{"error":"unauthorized"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests without the admin role with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identity.IsAdmin(r.Context()) {
			deny(w, http.StatusForbidden, `{"error":"forbidden"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}
