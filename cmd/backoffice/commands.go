package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/identity"
)

func newUsersCmd(a *app) *cobra.Command {
	users := &cobra.Command{Use: "users", Short: "Manage back-office users"}

	token := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roleName, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			role := domain.Role(roleName)
			if !role.Valid() {
				return fmt.Errorf("unknown role %q (want customer or admin)", roleName)
			}

			repo, err := a.store()
			if err != nil {
				return err
			}
			now := time.Now()
			user, err := repo.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if user == nil {
				user = &domain.User{UserID: args[0], Username: args[0], CreatedAt: now}
			}
			user.Role = role
			user.LastSeenAt = now
			user.UpdatedAt = now
			if err := repo.UpsertUser(cmd.Context(), user); err != nil {
				return fmt.Errorf("record user: %w", err)
			}

			signed, err := identity.NewSigner(a.cfg.SigningSecret()).Issue(args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	token.Flags().String("role", string(domain.RoleAdmin), "role carried by the token (customer|admin)")
	token.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")

	users.AddCommand(token)
	return users
}

func newSessionsCmd(a *app) *cobra.Command {
	sessions := &cobra.Command{Use: "sessions", Short: "Inspect conversational sessions"}

	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's sessions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.store()
			if err != nil {
				return err
			}
			items, err := repo.ListUserSessions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tMESSAGES\tRECOMMENDED\tUPDATED")
			for _, s := range items {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					s.ID, s.Status, len(s.Messages), strings.Join(s.RecommendedPerfumes, ","),
					s.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.store()
			if err != nil {
				return err
			}
			sess, err := repo.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), sess)
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Abandon active sessions idle for longer than --idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			idle, _ := cmd.Flags().GetDuration("idle")
			if idle <= 0 {
				idle = a.cfg.Session.IdleTTL
			}
			repo, err := a.store()
			if err != nil {
				return err
			}
			n, err := repo.MarkIdleSessionsAbandoned(cmd.Context(), idle)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned %d session(s)\n", n)
			return nil
		},
	}
	sweep.Flags().Duration("idle", 0, "idle threshold (defaults to SESSION_IDLE_TTL)")

	sessions.AddCommand(list, show, sweep)
	return sessions
}

func newReviewsCmd(a *app) *cobra.Command {
	reviews := &cobra.Command{Use: "reviews", Short: "Work the review moderation queue"}

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List pending reviews, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			svc, err := a.moderation()
			if err != nil {
				return err
			}
			items, err := svc.ListPending(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPERFUME\tRATING\tTAGS\tCOMMENT")
			for _, r := range items {
				tags := ""
				if r.Moderation != nil {
					tags = strings.Join(r.Moderation.Tags, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.PerfumeID, r.Rating, tags, truncate(r.Comment, 60))
			}
			return tw.Flush()
		},
	}
	pending.Flags().Int("limit", 50, "page size")
	pending.Flags().Int("offset", 0, "page offset")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count reviews per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.moderation()
			if err != nil {
				return err
			}
			s, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d approved=%d rejected=%d total=%d\n",
				s.Pending, s.Approved, s.Rejected, s.Total())
			return nil
		},
	}

	reviews.AddCommand(
		pending,
		stats,
		newModerateCmd(a, domain.ActionApprove),
		newModerateCmd(a, domain.ActionReject),
		newAutoModerateCmd(a),
	)
	return reviews
}

func newModerateCmd(a *app, action domain.ModerationAction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action) + " <review-id>...",
		Short: "Apply " + string(action) + " to the given reviews in one transaction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moderator, _ := cmd.Flags().GetString("moderator")
			svc, err := a.moderation()
			if err != nil {
				return err
			}
			ids, err := svc.Bulk(cmd.Context(), args, action, moderator)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d review(s) now %s\n", action, len(ids), action.TargetStatus())
			return nil
		},
	}
	cmd.Flags().String("moderator", "backoffice", "moderator recorded on the reviews")
	return cmd
}

func newAutoModerateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "automoderate [review-id]...",
		Short: "Classify the given reviews, or every pending review",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.moderation()
			if err != nil {
				return err
			}
			res, err := svc.AutoModerateBatch(cmd.Context(), args)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
