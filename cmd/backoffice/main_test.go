package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/identity"
	"github.com/ashureev/perfumaria/internal/moderation"
	"github.com/ashureev/perfumaria/internal/store"
)

func run(t *testing.T, dbPath string, args ...string) string {
	t.Helper()
	a := &app{}
	defer a.close()
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--db", dbPath}, args...))
	require.NoError(t, root.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func setupEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTH_SECRET", "cli-secret")
	t.Setenv("MODERATION_CLASSIFIER", "rules")
	return filepath.Join(t.TempDir(), "cli.db")
}

func TestUsersToken(t *testing.T) {
	dbPath := setupEnv(t)
	out := run(t, dbPath, "users", "token", "admin-1", "--role", "admin", "--ttl", "1h")

	claims, err := identity.NewSigner([]byte("cli-secret")).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "admin-1", claims.UserID)
	require.Equal(t, domain.RoleAdmin, claims.Role)

	repo, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	user, err := repo.GetUser(context.Background(), "admin-1")
	require.NoError(t, err)
	require.True(t, user.IsAdmin())
}

func TestReviewsCommands(t *testing.T) {
	dbPath := setupEnv(t)
	run(t, dbPath, "migrate")

	repo, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	svc := moderation.NewService(moderation.Options{Reviews: repo, Classifier: moderation.NewRulesClassifier(mustRules(t))})
	var ids []string
	for _, c := range []string{"Amei", "Clique aqui: https://spam.example"} {
		r, err := svc.Submit(context.Background(), "u-1", moderation.ReviewInput{PerfumeID: "p-1", Rating: 5, Comment: c})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	require.NoError(t, repo.Close())

	out := run(t, dbPath, "reviews", "pending")
	require.Contains(t, out, ids[0])
	require.Contains(t, out, ids[1])

	out = run(t, dbPath, "reviews", "automoderate")
	require.Contains(t, out, `"processed": 2`)

	out = run(t, dbPath, "reviews", "approve", ids[0], "--moderator", "ana")
	require.Contains(t, out, "1 review(s) now approved")

	out = run(t, dbPath, "reviews", "stats")
	require.Equal(t, "pending=1 approved=1 rejected=0 total=2\n", out)
}

func TestSessionsCommands(t *testing.T) {
	dbPath := setupEnv(t)
	repo, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	owner := "u-1"
	sess, err := repo.CreateSession(context.Background(), &owner, []domain.ConversationMessage{
		{Role: domain.RoleUser, Content: "Oi", Timestamp: time.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	out := run(t, dbPath, "sessions", "list", owner)
	require.Contains(t, out, sess.ID)
	require.Contains(t, out, "active")

	out = run(t, dbPath, "sessions", "show", sess.ID)
	require.Contains(t, out, `"session_status": "active"`)

	time.Sleep(5 * time.Millisecond)
	out = run(t, dbPath, "sessions", "sweep", "--idle", "1ms")
	require.Equal(t, "abandoned 1 session(s)\n", out)
}

func mustRules(t *testing.T) *moderation.RuleSet {
	t.Helper()
	rs, err := moderation.LoadRules("")
	require.NoError(t, err)
	return rs
}
