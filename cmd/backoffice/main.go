// Perfumaria back-office administration CLI
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/perfumaria/internal/config"
	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/moderation"
	"github.com/ashureev/perfumaria/internal/recommend"
	"github.com/ashureev/perfumaria/internal/shared"
	"github.com/ashureev/perfumaria/internal/store"
)

// app holds what every subcommand needs. The store is opened lazily.
type app struct {
	cfg       *config.Config
	repo      *store.SQLiteStore
	functions *recommend.GrpcClient
}

func (a *app) store() (*store.SQLiteStore, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	repo, err := store.NewSQLite(a.cfg.DBPath,
		store.WithTransitionPolicy(domain.TransitionPolicy{AllowReactivation: a.cfg.Session.AllowReactivation}),
		store.WithRetryPolicy(shared.RetryPolicy{
			MaxRetries: a.cfg.Retry.DatabaseMaxRetries,
			BaseDelay:  a.cfg.Retry.DatabaseRetryBaseDelay,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.repo = repo
	return repo, nil
}

func (a *app) moderation() (*moderation.Service, error) {
	repo, err := a.store()
	if err != nil {
		return nil, err
	}
	classifier, err := a.classifier()
	if err != nil {
		return nil, err
	}
	return moderation.NewService(moderation.Options{
		Reviews:          repo,
		Classifier:       classifier,
		BatchConcurrency: a.cfg.Moderation.BatchConcurrency,
	}), nil
}

func (a *app) classifier() (recommend.Classifier, error) {
	if a.cfg.Moderation.Classifier == config.ClassifierRemote {
		client, err := recommend.NewGrpcClient(recommend.DefaultGrpcClientConfig(a.cfg.Recommender.FunctionsAddr), slog.Default())
		if err != nil {
			return nil, err
		}
		a.functions = client
		return client, nil
	}
	rules, err := moderation.LoadRules(a.cfg.Moderation.RulesPath)
	if err != nil {
		return nil, err
	}
	return moderation.NewRulesClassifier(rules), nil
}

func (a *app) close() {
	if a.functions != nil {
		a.functions.Close()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			slog.Warn("Failed to close repository", "error", err)
		}
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "backoffice",
		Short:         "Administer the perfumaria back office",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
				cfg.DBPath = dbPath
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().String("db", "", "SQLite database path (overrides DB_PATH)")

	root.AddCommand(
		newMigrateCmd(a),
		newUsersCmd(a),
		newSessionsCmd(a),
		newReviewsCmd(a),
	)
	return root
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.store(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database at %s is up to date\n", a.cfg.DBPath)
			return nil
		},
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	a := &app{}
	err := newRootCmd(a).Execute()
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
