// Package identity provides per-device identity and signed user tokens.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/store"
)

const (
	DeviceCookieName = "perfumaria_device"
	TabHeaderName    = "X-Perfumaria-Tab"
	DefaultTabValue  = "default"
	deviceCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	tabKey
	userIDKey
	roleKey
)

var (
	deviceIDPattern = regexp.MustCompile(`^dev_[a-f0-9]{32}$`)
	tabPattern      = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// DeviceIDFromContext extracts the device ID from the request context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// TabFromContext extracts the browser tab ID from the request context.
func TabFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabKey).(string); ok {
		return v
	}
	return DefaultTabValue
}

// UserIDFromContext returns the authenticated user ID, or "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// RoleFromContext returns the role of the authenticated user, or "" for anonymous requests.
func RoleFromContext(ctx context.Context) domain.Role {
	if v, ok := ctx.Value(roleKey).(domain.Role); ok {
		return v
	}
	return ""
}

// IsAdmin reports whether the request was made by an admin.
func IsAdmin(ctx context.Context) bool {
	return RoleFromContext(ctx) == domain.RoleAdmin
}

// WithDevice returns ctx carrying a device and tab.
func WithDevice(ctx context.Context, deviceID, tab string) context.Context {
	ctx = context.WithValue(ctx, deviceIDKey, deviceID)
	return context.WithValue(ctx, tabKey, sanitizeTab(tab))
}

// WithUser returns ctx carrying an authenticated user.
func WithUser(ctx context.Context, userID string, role domain.Role) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, roleKey, role)
}

func generateDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return "dev_" + hex.EncodeToString(buf), nil
}

func isValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func sanitizeTab(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabPattern.MatchString(id) {
		return DefaultTabValue
	}
	return id
}

func deriveUsername(userID string) string {
	if len(userID) > 8 {
		return "user-" + userID[len(userID)-8:]
	}
	return "user-" + userID
}

func ensureUser(ctx context.Context, repo store.UserRepository, claims *Claims) error {
	user, err := repo.GetUser(ctx, claims.UserID)
	if err != nil {
		return err
	}
	now := time.Now()
	if user != nil {
		if user.Role == claims.Role && now.Sub(user.LastSeenAt) < time.Minute {
			return nil
		}
		user.Role = claims.Role
		user.LastSeenAt = now
		user.UpdatedAt = now
		return repo.UpsertUser(ctx, user)
	}

	return repo.UpsertUser(ctx, &domain.User{
		UserID:     claims.UserID,
		Username:   deriveUsername(claims.UserID),
		Role:       claims.Role,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func getOrCreateDeviceID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	id := ""
	if c, err := r.Cookie(DeviceCookieName); err == nil && isValidDeviceID(c.Value) {
		id = c.Value
	} else {
		var genErr error
		if id, genErr = generateDeviceID(); genErr != nil {
			return "", genErr
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieAge.Seconds()),
		Expires:  time.Now().Add(deviceCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

func tabFromRequest(r *http.Request) string {
	tab := r.Header.Get(TabHeaderName)
	if tab == "" {
		tab = r.URL.Query().Get("tab")
	}
	return sanitizeTab(tab)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// Browsers cannot set headers on WebSocket upgrades.
	return r.URL.Query().Get("access_token")
}

// Middleware injects the device identity, the tab ID and, when a valid bearer
// token is presented, the authenticated user.
func Middleware(repo store.UserRepository, signer *Signer, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, err := getOrCreateDeviceID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish device identity"}`, http.StatusInternalServerError)
				return
			}
			ctx := WithDevice(r.Context(), deviceID, tabFromRequest(r))

			if token := bearerToken(r); token != "" {
				claims, err := signer.Verify(token)
				if err != nil {
					slog.Debug("Rejected bearer token", "error", err, "device_id", deviceID)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnauthorized)
					_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
					return
				}
				if err := ensureUser(ctx, repo, claims); err != nil {
					slog.Error("Failed to record user", "error", err, "user_id", claims.UserID)
					http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
					return
				}
				ctx = WithUser(ctx, claims.UserID, claims.Role)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
