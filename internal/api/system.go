package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/perfumaria/internal/config"
	"github.com/ashureev/perfumaria/internal/identity"
	"github.com/ashureev/perfumaria/internal/store"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FunctionsHealth probes the remote functions gateway.
type FunctionsHealth interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db        Pinger
	functions FunctionsHealth
	timeout   time.Duration
}

// NewHealthHandler creates a new health handler. functions may be nil.
func NewHealthHandler(db Pinger, functions FunctionsHealth, cfg *config.Config) *HealthHandler {
	h := &HealthHandler{db: db, functions: functions, timeout: 5 * time.Second}
	if cfg != nil && cfg.Timeout.HealthCheck > 0 {
		h.timeout = cfg.Timeout.HealthCheck
	}
	return h
}

// Health returns the health status of the API and its dependencies.
// The service is degraded only when the database is unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.functions != nil {
		if err := h.functions.Health(ctx); err != nil {
			slog.Warn("Functions gateway health check failed", "error", err)
			checks["functions"] = "unreachable"
		} else {
			checks["functions"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// AccountHandler serves the caller's identity and the public client configuration.
type AccountHandler struct {
	users store.UserRepository
	cfg   *config.Config
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(users store.UserRepository, cfg *config.Config) *AccountHandler {
	return &AccountHandler{users: users, cfg: cfg}
}

// RegisterRoutes registers account routes.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
}

// GetMe returns the caller's device and, when authenticated, the user record.
func (h *AccountHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := map[string]interface{}{
		"device_id":     identity.DeviceIDFromContext(ctx),
		"tab":           identity.TabFromContext(ctx),
		"authenticated": false,
	}

	userID := identity.UserIDFromContext(ctx)
	if userID == "" {
		JSON(w, http.StatusOK, resp)
		return
	}

	user, err := h.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		slog.Error("Failed to load user", "error", err, "user_id", userID)
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	resp["authenticated"] = true
	resp["user_id"] = user.UserID
	resp["username"] = user.Username
	resp["role"] = user.Role
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns the server configuration for the frontend.
func (h *AccountHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"recommendations_enabled": true,
	}
	if h.cfg != nil {
		resp["recommendations_enabled"] = h.cfg.Recommender.Backend != config.BackendNone
		resp["rate_limit"] = map[string]interface{}{
			"requests":       h.cfg.RateLimit.RequestsPerWindow,
			"window_seconds": int64(h.cfg.RateLimit.WindowDuration.Seconds()),
		}
	}
	JSON(w, http.StatusOK, resp)
}
