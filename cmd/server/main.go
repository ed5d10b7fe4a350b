// Perfumaria back-office API server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/perfumaria/internal/api"
	"github.com/ashureev/perfumaria/internal/cache"
	"github.com/ashureev/perfumaria/internal/config"
	"github.com/ashureev/perfumaria/internal/conversation"
	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/events"
	"github.com/ashureev/perfumaria/internal/feed"
	"github.com/ashureev/perfumaria/internal/identity"
	"github.com/ashureev/perfumaria/internal/middleware"
	"github.com/ashureev/perfumaria/internal/moderation"
	"github.com/ashureev/perfumaria/internal/postal"
	"github.com/ashureev/perfumaria/internal/recommend"
	"github.com/ashureev/perfumaria/internal/shared"
	"github.com/ashureev/perfumaria/internal/store"
	"github.com/ashureev/perfumaria/internal/sweeper"
	"github.com/ashureev/perfumaria/internal/validation"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath,
		store.WithTransitionPolicy(domain.TransitionPolicy{AllowReactivation: cfg.Session.AllowReactivation}),
		store.WithRetryPolicy(shared.RetryPolicy{
			MaxRetries: cfg.Retry.DatabaseMaxRetries,
			BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
		}),
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	bus := events.NewBus(logger)
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			slog.Warn("Failed to close event bus", "error", closeErr)
		}
	}()

	queryCache, memBackend := newQueryCache(ctx, cfg, logger)
	defer func() {
		if closeErr := queryCache.Close(); closeErr != nil {
			slog.Warn("Failed to close query cache", "error", closeErr)
		}
	}()
	if err := queryCache.InvalidateOnEvents(ctx, bus); err != nil {
		slog.Error("Failed to subscribe cache invalidation", "error", err)
		os.Exit(1)
	}

	// Remote functions are optional; the service runs degraded without them.
	var functions *recommend.GrpcClient
	needsGateway := cfg.Recommender.Backend == config.BackendGRPC || cfg.Moderation.Classifier == config.ClassifierRemote
	if needsGateway && cfg.Recommender.FunctionsAddr != "" {
		slog.Info("Connecting to functions gateway", "address", cfg.Recommender.FunctionsAddr)
		functions, err = recommend.NewGrpcClient(recommend.DefaultGrpcClientConfig(cfg.Recommender.FunctionsAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to functions gateway, remote functions disabled", "error", err)
			functions = nil
		} else {
			defer functions.Close()
		}
	}

	recommender := newRecommender(ctx, cfg, functions, logger)
	classifier := newClassifier(cfg, functions)

	limiter := conversation.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	orch := conversation.NewOrchestrator(conversation.Options{
		Sessions:    repo,
		Recommender: recommender,
		Limiter:     limiter,
		Cache:       queryCache,
		Publisher:   bus,
		TurnTimeout: cfg.Recommender.Timeout,
		Logger:      logger,
	})
	defer orch.Close()

	reviews := moderation.NewService(moderation.Options{
		Reviews:          repo,
		Classifier:       classifier,
		Cache:            queryCache,
		Publisher:        bus,
		BatchConcurrency: cfg.Moderation.BatchConcurrency,
		Logger:           logger,
	})

	hub := feed.NewHub(cfg.FrontendURL, cfg.IsDevelopment(), logger)
	if err := hub.Attach(ctx, bus); err != nil {
		slog.Error("Failed to attach moderation feed", "error", err)
		os.Exit(1)
	}
	defer hub.CloseAll()

	postalClient := postal.NewClient(cfg.Postal.BaseURL, cfg.Postal.Timeout, queryCache, logger)
	signer := identity.NewSigner(cfg.SigningSecret())

	// Initialize handlers.
	baseHandler := api.NewHandler(validation.MustNew(), cfg.MaxRequestBodySize)
	var functionsHealth api.FunctionsHealth
	if functions != nil {
		functionsHealth = functions
	}
	healthHandler := api.NewHealthHandler(repo, functionsHealth, cfg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.CORSOptions{
		AllowedOrigins: cfg.AllowedOrigins(),
		AllowedHeaders: []string{"Content-Type", "Authorization", identity.TabHeaderName},
		ExposedHeaders: []string{chiMiddleware.RequestIDHeader},
		MaxAge:         cfg.CORS.MaxAge,
	}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, signer, cfg.IsDevelopment()))

		api.NewAccountHandler(repo, cfg).RegisterRoutes(r)
		api.NewRecommendationHandler(baseHandler, orch).RegisterRoutes(r)
		api.NewReviewHandler(baseHandler, reviews).RegisterRoutes(r)
		api.NewPostalHandler(postalClient).RegisterRoutes(r)

		// WebSocket endpoint.
		r.With(middleware.RequireAdmin).Get("/ws/admin/moderation", hub.ServeHTTP)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket feed connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}

	// Start session sweeper.
	sweepOpts := sweeper.Options{
		Sessions: repo,
		Registry: orch.Registry(),
		Cache:    queryCache,
		IdleTTL:  cfg.Session.IdleTTL,
		Interval: cfg.Session.SweepInterval,
		Logger:   logger,
	}
	if memBackend != nil {
		sweepOpts.Expired = memBackend
	}
	sweeper.New(sweepOpts).Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newQueryCache returns the Redis-backed cache when REDIS_ADDR is set and
// reachable, else an in-process one. The memory backend is returned so the
// sweeper can drop its expired entries.
func newQueryCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cache.QueryCache, *cache.MemoryBackend) {
	windows := map[cache.Category]time.Duration{
		cache.CategoryReviews:  cfg.Cache.ReviewsWindow,
		cache.CategorySessions: cfg.Cache.SessionsWindow,
		cache.CategoryPostal:   cfg.Cache.PostalWindow,
	}

	if cfg.Cache.RedisAddr != "" {
		backend, err := cache.NewRedisBackend(ctx, cfg.Cache.RedisAddr)
		if err == nil {
			slog.Info("Query cache using Redis", "addr", cfg.Cache.RedisAddr)
			return cache.New(backend, windows, logger), nil
		}
		slog.Warn("Redis unavailable, falling back to in-process cache", "error", err)
	}

	mem := cache.NewMemoryBackend()
	return cache.New(mem, windows, logger), mem
}

func newRecommender(ctx context.Context, cfg *config.Config, functions *recommend.GrpcClient, logger *slog.Logger) recommend.Recommender {
	switch cfg.Recommender.Backend {
	case config.BackendGRPC:
		if functions != nil {
			return functions
		}
		slog.Warn("Recommendations disabled: functions gateway not connected")
	case config.BackendLLM:
		chatModel, err := recommend.NewOpenAIModel(ctx, recommend.LLMConfig{
			APIKey:  cfg.Recommender.OpenAIAPIKey,
			Model:   cfg.Recommender.OpenAIModel,
			BaseURL: cfg.Recommender.OpenAIBaseURL,
			Timeout: cfg.Recommender.Timeout,
		})
		if err == nil {
			slog.Info("Recommendations served by chat model", "model", cfg.Recommender.OpenAIModel)
			return recommend.NewLLMRecommender(chatModel, logger)
		}
		slog.Warn("Recommendations disabled: chat model unavailable", "error", err)
	default:
		slog.Info("Recommendations disabled by configuration")
	}
	return recommend.Disabled{}
}

func newClassifier(cfg *config.Config, functions *recommend.GrpcClient) recommend.Classifier {
	if cfg.Moderation.Classifier == config.ClassifierRemote {
		if functions != nil {
			return functions
		}
		slog.Warn("Remote moderation classifier unavailable, falling back to rules")
	}
	rules, err := moderation.LoadRules(cfg.Moderation.RulesPath)
	if err != nil {
		slog.Error("Failed to load moderation rules", "error", err, "path", cfg.Moderation.RulesPath)
		os.Exit(1)
	}
	return moderation.NewRulesClassifier(rules)
}
