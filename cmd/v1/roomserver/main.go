package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/partyhall/roomengine/internal/v1/auth"
	"github.com/partyhall/roomengine/internal/v1/bus"
	"github.com/partyhall/roomengine/internal/v1/config"
	"github.com/partyhall/roomengine/internal/v1/health"
	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/middleware"
	"github.com/partyhall/roomengine/internal/v1/plugin"
	"github.com/partyhall/roomengine/internal/v1/plugin/pingpong"
	"github.com/partyhall/roomengine/internal/v1/ratelimit"
	"github.com/partyhall/roomengine/internal/v1/registry"
	"github.com/partyhall/roomengine/internal/v1/room"
	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/security"
	"github.com/partyhall/roomengine/internal/v1/tracing"
	"github.com/partyhall/roomengine/internal/v1/transport"
	"github.com/partyhall/roomengine/internal/v1/types"
)

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment file", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	developmentMode := cfg.GoEnv != "production"
	if err := logging.Initialize(developmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "roomengine", collectorAddr)
		if err != nil {
			logger.Warn("failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	validator := buildValidator(ctx, logger)

	var busService *bus.Service
	if cfg.RedisURL != "" {
		busService, err = bus.NewService(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis bus", zap.Error(err))
			os.Exit(1)
		}
		defer busService.Close()
	} else {
		logger.Warn("REDIS_URL not set, running single-instance with no cross-instance bus")
	}

	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	limiter, err := ratelimit.New(cfg.RateLimits, redisClient)
	if err != nil {
		logger.Error("failed to build rate limiter", zap.Error(err))
		os.Exit(1)
	}

	securitySink := security.NewZapSink()

	plugins := plugin.NewRegistry()
	plugins.Register(types.GameType("pingpong"), pingpong.New)

	skipAuth := os.Getenv("SKIP_AUTH") == "true"
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := transport.NewHub(validator, limiter, securitySink, allowedOrigins, developmentMode || skipAuth)

	roomDeps := func(code types.RoomCode) room.Deps {
		return room.Deps{
			Plugins:                  plugins,
			Sender:                   hub.SenderFor(code),
			Store:                    nil,
			Security:                 securitySink,
			SnapshotIntervalVersions: cfg.SnapshotIntervalVersion,
			SnapshotMaxPerRoom:       cfg.SnapshotMaxPerRoom,
			ReplayCapacity:           cfg.ReplayBufferCapacity,
			ReplayEventTTL:           time.Duration(cfg.ReplayEventTTLMs) * time.Millisecond,
			DedupTTL:                 time.Duration(cfg.DedupTTLMs) * time.Millisecond,
			AckTimeout:               time.Duration(cfg.AckTimeoutMs) * time.Millisecond,
			SyncHz:                   float64(cfg.SyncScanHz),
			MinFullBroadcastGap:      time.Duration(cfg.MinFullBroadcastGapMs) * time.Millisecond,
		}
	}

	regCfg := registry.Config{
		CodeLength:         cfg.RoomCodeLength,
		RoomTTL:            time.Duration(cfg.RoomExpirationHours) * time.Hour,
		CleanupGracePeriod: 5 * time.Second,
	}
	reg := registry.New(regCfg, roomDeps, nil)
	if err := reg.Restore(ctx); err != nil {
		logger.Warn("failed to restore rooms from store", zap.Error(err))
	}
	hub.SetRegistry(reg)

	go sweepLoop(ctx, reg)

	healthHandler := health.NewHandler(busService, reg)

	router := gin.Default()
	router.Use(middleware.CorrelationID())
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/ws/:roomCode", hub.ServeWs)

	router.POST("/rooms", func(c *gin.Context) {
		createRoom(c, reg)
	})

	router.GET("/schema", func(c *gin.Context) {
		c.JSON(http.StatusOK, schema.AllGrammars())
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("room engine starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Warn("registry shutdown did not complete cleanly", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exiting")
}

// buildValidator selects a real JWKS-backed validator, falling back to
// MockValidator only when SKIP_AUTH=true (development only).
func buildValidator(ctx context.Context, logger *zap.Logger) types.TokenValidator {
	if os.Getenv("SKIP_AUTH") == "true" {
		logger.Warn("authentication disabled via SKIP_AUTH, do not use in production")
		return &auth.MockValidator{}
	}

	domain := os.Getenv("AUTH0_DOMAIN")
	audience := os.Getenv("AUTH0_AUDIENCE")
	if domain == "" || audience == "" {
		logger.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set unless SKIP_AUTH=true")
		os.Exit(1)
	}

	v, err := auth.NewValidator(ctx, domain, audience)
	if err != nil {
		logger.Error("failed to initialize auth validator", zap.Error(err))
		os.Exit(1)
	}
	return v
}

func createRoom(c *gin.Context, reg *registry.Registry) {
	var req struct {
		HostID     string         `json:"hostId" binding:"required"`
		MaxPlayers int            `json:"maxPlayers"`
		Settings   map[string]any `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings := types.Settings{
		MaxPlayers: req.MaxPlayers,
		Extra:      req.Settings,
	}

	code, err := reg.Create(types.PlayerID(req.HostID), settings)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"roomCode": string(code)})
}

func sweepLoop(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.SweepExpired(time.Now())
		case <-ctx.Done():
			return
		}
	}
}
