package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/perfumaria/internal/domain"
)

// Full method names served by the functions gateway.
const (
	RecommendMethod = "/perfumaria.functions.v1.Functions/Recommend"
	ModerateMethod  = "/perfumaria.functions.v1.Functions/Moderate"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClient calls the recommendation and moderation functions over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ Recommender = (*GrpcClient)(nil)
	_ Classifier  = (*GrpcClient)(nil)
)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults, e.g. a custom dialer.
	DialOptions []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the functions gateway and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: functions address is empty", ErrMisconfigured)
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	}
	opts = append(opts, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create functions client for %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("functions gateway at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to functions gateway", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
		now:    time.Now,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the gateway through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{},
		grpc.CallContentSubtype("proto"))
	if err != nil {
		return fmt.Errorf("health check failed: %w", Classify(err))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: gateway reports %s", ErrUnavailable, resp.GetStatus())
	}
	return nil
}

// Recommend runs one conversation turn on the gateway.
func (c *GrpcClient) Recommend(ctx context.Context, req Request) (*Response, error) {
	if req.ConversationHistory == nil {
		req.ConversationHistory = []HistoryEntry{}
	}
	var resp Response
	if err := c.conn.Invoke(ctx, RecommendMethod, &req, &resp); err != nil {
		c.logger.Warn("Recommend call failed", "error", err, "history_len", len(req.ConversationHistory))
		return nil, Classify(err)
	}
	return &resp, nil
}

type moderateResponse struct {
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
	Reason     string   `json:"reason,omitempty"`
}

// Classify runs the remote review classifier.
func (c *GrpcClient) Classify(ctx context.Context, req ModerationRequest) (*domain.ModerationResult, error) {
	var resp moderateResponse
	if err := c.conn.Invoke(ctx, ModerateMethod, &req, &resp); err != nil {
		c.logger.Warn("Moderate call failed", "error", err, "review_id", req.ReviewID)
		return nil, Classify(err)
	}
	tags := resp.Tags
	if tags == nil {
		tags = []string{}
	}
	return &domain.ModerationResult{
		Confidence:   clamp01(resp.Confidence),
		Tags:         tags,
		Reason:       resp.Reason,
		Source:       "remote",
		ClassifiedAt: c.now(),
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
