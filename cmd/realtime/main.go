package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sudooom.civic.realtime/internal/chat"
	"sudooom.civic.realtime/internal/config"
	"sudooom.civic.realtime/internal/connection"
	"sudooom.civic.realtime/internal/handler"
	"sudooom.civic.realtime/internal/health"
	"sudooom.civic.realtime/internal/identity"
	imNats "sudooom.civic.realtime/internal/nats"
	"sudooom.civic.realtime/internal/notify"
	"sudooom.civic.realtime/internal/presence"
	"sudooom.civic.realtime/internal/ratelimit"
	imRedis "sudooom.civic.realtime/internal/redis"
	"sudooom.civic.realtime/internal/server"
	"sudooom.civic.realtime/internal/store"
	"sudooom.civic.realtime/internal/timewheel"
	"sudooom.civic.realtime/internal/workerpool"
)

func main() {
	configPath := flag.String("config", envOr("REALTIME_CONFIG", "configs/config.yaml"), "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With("node_id", nodeID)

	if err := run(cfg, nodeID, logger); err != nil {
		logger.Error("Realtime service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, nodeID string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backing services
	db, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

	redisClient := imRedis.NewClient(cfg.Redis, nodeID, logger)
	defer redisClient.Close()
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	natsClient, err := imNats.NewClient(cfg.NATS, "realtime-"+nodeID, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	pg := store.New(db)
	pool := workerpool.New(cfg.Workers.Size, cfg.Workers.QueueSize, logger)
	exec := func(fn func()) {
		if !pool.TrySubmit(fn) {
			go fn()
		}
	}

	// Realtime components
	limiter := newLimiter(cfg.RateLimit, redisClient, logger)
	manager := connection.NewManager(logger)
	bridge := imNats.NewBridge(nodeID, manager, natsClient, imNats.NewSubjects(cfg.NATS.SubjectPrefix), imNats.BridgeConfig{}, logger)
	wheel := timewheel.New(cfg.Typing.Tick, cfg.Typing.Slots, logger)
	tracker := presence.NewTracker(wheel, bridge, cfg.Typing.TTL, logger)

	engine := chat.NewEngine(pg, bridge, pool, chat.Config{
		FlushDelay:       cfg.Chat.FlushDelay,
		MaxQueue:         cfg.Chat.MaxQueue,
		Shards:           cfg.Chat.Shards,
		StoreTimeout:     cfg.Chat.StoreTimeout,
		MaxContentLength: cfg.Chat.MaxContentLength,
	}, logger)

	var verifier *identity.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = identity.NewTokenVerifier(cfg.Auth.JWTSecret)
	}
	resolver := identity.NewResolver(pg, redisClient, verifier, identity.ResolverConfig{
		RequireToken: cfg.Auth.RequireToken,
		CacheTTL:     cfg.Auth.ProfileCacheTTL,
	}, logger)

	h := handler.NewHandler(handler.Deps{
		Manager:    manager,
		Resolver:   resolver,
		Chat:       engine,
		Presence:   tracker,
		Limiter:    limiter,
		Membership: pg,
		Locations:  redisClient,
		Announcer:  bridge,
	}, handler.Config{
		AuthTimeout:  cfg.Auth.ResolveTimeout,
		StoreTimeout: cfg.Chat.StoreTimeout,
	}, logger)

	heartbeat := connection.NewHeartbeatChecker(manager, cfg.Heartbeat.Interval, logger, h.Disconnect)
	heartbeat.OnAlive(h.Refresh)

	var pipeline *notify.Pipeline
	if cfg.Notify.Enabled {
		pipeline = newPipeline(cfg.Notify, pg, redisClient, bridge, logger)
	}

	checker := health.NewChecker(nodeID, health.Deps{
		DB:          pg,
		Redis:       redisClient,
		Bus:         natsClient,
		Connections: manager,
		Pending:     engine,
	})
	srv := server.New(cfg, manager, h, limiter, checker, logger)

	// Background loops
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	go heartbeat.Start(ctx)
	go limiter.Run(ctx, cfg.RateLimit.SweepInterval)
	go wheel.Run(ctx, exec)
	if pipeline != nil {
		pipeline.Start(ctx)
		go store.NewFeed(db, cfg.Notify.Channel, logger).Run(ctx, pipeline.Handle)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(ctx)
	}()

	logger.Info("Realtime service started",
		"addr", cfg.Server.Addr,
		"webtransport", cfg.Server.WebTransport.Enabled,
		"notify", cfg.Notify.Enabled)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Shutting down...", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		logger.Error("HTTP server exited, shutting down", "error", err)
	}

	shutdown(cfg.Server.ShutdownTimeout, logger, engine, srv, manager)

	if pipeline != nil {
		pipeline.Stop()
	}
	cancel()
	bridge.Stop()
	pool.Shutdown()

	logger.Info("Realtime service stopped")
	return runErr
}

// shutdown flushes pending chat batches, stops accepting sessions and then
// closes the open ones.
func shutdown(timeout time.Duration, logger *slog.Logger, engine *chat.Engine, srv *server.Server, manager *connection.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := engine.Drain(ctx); err != nil {
		logger.Warn("Chat drain incomplete", "pending", engine.Pending(), "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown error", "error", err)
	}

	manager.CloseAll(connection.CloseGoingAway, "server shutting down")
	srv.Wait()
}

func newLimiter(cfg config.RateLimitConfig, redisClient *imRedis.Client, logger *slog.Logger) *ratelimit.Limiter {
	rules := map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassConnection: {Window: cfg.Connection.Window, Ceiling: cfg.Connection.Ceiling},
		ratelimit.ClassMessage:    {Window: cfg.Message.Window, Ceiling: cfg.Message.Ceiling},
	}

	var opts []ratelimit.Option
	if cfg.Backend == "redis" {
		opts = append(opts, ratelimit.WithStore(ratelimit.NewRedisStore(redisClient.Raw(), imRedis.RateLimitPrefix)))
	}
	return ratelimit.New(rules, logger, opts...)
}

func newPipeline(cfg config.NotifyConfig, pg *store.Postgres, redisClient *imRedis.Client, bridge *imNats.Bridge, logger *slog.Logger) *notify.Pipeline {
	deps := notify.Deps{
		Store:       pg,
		Claims:      redisClient,
		DeadLetters: redisClient,
		Sender:      bridge,
	}
	if cfg.Push.URL != "" {
		deps.Push = notify.NewPushGateway(cfg.Push, &http.Client{Timeout: cfg.Push.Timeout})
	}
	if cfg.Email.URL != "" {
		deps.Email = notify.NewEmailGateway(cfg.Email, &http.Client{Timeout: cfg.Email.Timeout})
	}

	return notify.NewPipeline(deps, notify.Config{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		DedupTTL:      cfg.DedupTTL,
		DeadLetterMax: cfg.DeadLetterMax,
		PublicBaseURL: cfg.PublicBaseURL,
		Retry: notify.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
	}, logger)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
