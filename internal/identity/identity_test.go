package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/perfumaria/internal/domain"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
	err   error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*domain.User{}}
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *user
	f.users[user.UserID] = &cp
	return nil
}

func (f *fakeUsers) UpdateLastSeen(context.Context, string, time.Time) error { return nil }

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner([]byte("secret"))
	token, err := s.Issue("u-1", domain.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "u-1" || claims.Role != domain.RoleAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSignerRejects(t *testing.T) {
	s := NewSigner([]byte("secret"))
	token, err := s.Issue("u-1", domain.RoleCustomer, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewSigner([]byte("other"))
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret: got %v", err)
	}

	body, sig, _ := strings.Cut(token, ".")
	tampered := enc.EncodeToString([]byte(`{"sub":"u-1","role":"admin","exp":9999999999}`)) + "." + sig
	if _, err := s.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered payload: got %v", err)
	}
	if _, err := s.Verify(body); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("missing signature: got %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expired: got %v", err)
	}

	if _, err := s.Issue("u-1", domain.Role("root"), time.Hour); err == nil {
		t.Error("expected unknown role to be rejected")
	}
}

func TestMiddlewareAnonymousDevice(t *testing.T) {
	users := newFakeUsers()
	var gotDevice, gotTab, gotUser string
	h := Middleware(users, NewSigner([]byte("s")), true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice = DeviceIDFromContext(r.Context())
		gotTab = TabFromContext(r.Context())
		gotUser = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TabHeaderName, "tab-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !isValidDeviceID(gotDevice) {
		t.Fatalf("device id = %q", gotDevice)
	}
	if gotTab != "tab-1" || gotUser != "" {
		t.Fatalf("tab=%q user=%q", gotTab, gotUser)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DeviceCookieName || cookies[0].Value != gotDevice {
		t.Fatalf("unexpected cookies: %v", cookies)
	}

	// The cookie is reused on the next request.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	req.Header.Set(TabHeaderName, "bad tab!")
	first := gotDevice
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotDevice != first {
		t.Fatalf("device changed: %q != %q", gotDevice, first)
	}
	if gotTab != DefaultTabValue {
		t.Fatalf("invalid tab not sanitized: %q", gotTab)
	}
}

func TestMiddlewareBearerToken(t *testing.T) {
	users := newFakeUsers()
	signer := NewSigner([]byte("s"))
	token, err := signer.Issue("u-42", domain.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var gotUser string
	var admin bool
	h := Middleware(users, signer, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		admin = IsAdmin(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotUser != "u-42" || !admin {
		t.Fatalf("user=%q admin=%v", gotUser, admin)
	}
	if u := users.users["u-42"]; u == nil || u.Role != domain.RoleAdmin {
		t.Fatalf("user not recorded: %+v", u)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token+"x")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered token status = %d", rec.Code)
	}
}

func TestMiddlewareUserStoreFailure(t *testing.T) {
	users := newFakeUsers()
	users.err = errors.New("db down")
	signer := NewSigner([]byte("s"))
	token, _ := signer.Issue("u-1", domain.RoleCustomer, time.Hour)

	h := Middleware(users, signer, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}
