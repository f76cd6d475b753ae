package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/cache"
	"chat-realtime/internal/cleanup"
	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	grpchealth "chat-realtime/internal/grpc"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/messages"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/pubsub"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/redisconn"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/ws"
)

const auditRoutingKey = "audit.chat"

func serve(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.Environment, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	amqpPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	observability.SetPublisher(amqpPublisher)
	auditor := telemetry.NewAuditEmitter(amqpPublisher, auditRoutingKey, observability.ServiceName, cfg.Environment, logger)

	database, err := db.Connect(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx, database, logger); err != nil {
		return err
	}

	validator, err := tokenValidator(cfg)
	if err != nil {
		return err
	}

	// Publishing, subscribing and key commands each use their own client.
	busPub, err := redisconn.New(cfg.RedisURL, logger.With("redis", "publisher"))
	if err != nil {
		return err
	}
	busSub, err := redisconn.New(cfg.RedisURL, logger.With("redis", "subscriber"))
	if err != nil {
		return err
	}
	store, err := redisconn.New(cfg.RedisURL, logger.With("redis", "store"))
	if err != nil {
		return err
	}

	bus := pubsub.New(busPub, busSub, logger)
	history := cache.New(store, cache.Settings{
		MaxHistory: cfg.Cache.MaxHistory,
		TTL:        cfg.Cache.HistoryTTL,
		DeletedTTL: cfg.Cache.TombstoneTTL,
	}, logger)
	tracker := presence.New(store, bus, cfg.PresenceTTL, logger)

	registry := ws.NewRegistry(tracker, bus, ws.RegistryConfig{
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		DisconnectGrace:   cfg.WebSocket.DisconnectGrace,
	}, logger)
	fanout := ws.NewFanout(registry, bus, logger)
	if err := fanout.Start(ctx); err != nil {
		return fmt.Errorf("start fanout: %w", err)
	}

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)

	service := messages.NewService(chatRepo, messageRepo, history, fanout, logger, messages.WithAuditor(auditor))

	wsCfg := ws.HandlerConfig{
		InactivityTimeout: cfg.WebSocket.InactivityTimeout,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		RateLimit:         rate.Limit(cfg.WebSocket.RateLimitPerSec),
		RateBurst:         cfg.WebSocket.RateLimitBurst,
	}
	chatWS := ws.NewChatWebSocketHandler(registry, chatRepo, service, validator, wsCfg, logger)
	statusWS := ws.NewStatusWebSocketHandler(registry, tracker, validator, wsCfg, logger)
	searchWS := ws.NewSearchWebSocketHandler(registry, userRepo, tracker, validator, wsCfg, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(observability.ServiceName))
	router.Use(observability.RequestIDMiddleware())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": registry.ConnectionCount()})
	})

	api := router.Group("/", middleware.AuthMiddleware(validator))
	handlers.NewChatHandler(service, tracker, logger).Register(api)
	handlers.RegisterDebugRoutes(api, auditor, cfg.DebugRoutes)

	router.GET("/ws/chat/:chat_id/:user_id", chatWS.Handle)
	router.GET("/ws/status/:user_id", statusWS.Handle)
	router.GET("/ws/search", searchWS.Handle)

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	health := grpchealth.NewHealth(logger, 0,
		grpchealth.Probe{Name: "redis", Check: store.Ping},
		grpchealth.Probe{Name: "postgres", Check: database.PingContext},
	)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return health.Serve(gctx, grpcListener)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		sctx, cancel := shutdownContext(cfg.ShutdownTimeout)
		defer cancel()
		return shutdown(sctx, logger, httpServer, health, fanout, registry, store, database, amqpPublisher, shutdownTracing)
	})
	return g.Wait()
}

func shutdown(
	ctx context.Context,
	logger *slog.Logger,
	httpServer *http.Server,
	health *grpchealth.Health,
	fanout *ws.Fanout,
	registry *ws.Registry,
	store *redisconn.Manager,
	database *sqlx.DB,
	publisher rabbitmq.Publisher,
	shutdownTracing observability.Shutdown,
) error {
	return cleanup.Run(logger,
		cleanup.Func("grpc health", func() error { health.Stop(); return nil }),
		cleanup.Func("http server", func() error { return httpServer.Shutdown(ctx) }),
		cleanup.Func("fanout", func() error { fanout.Stop(ctx); return nil }),
		cleanup.Func("registry", func() error { return registry.Close(ctx) }),
		cleanup.Func("redis store", store.Close),
		cleanup.Func("database", database.Close),
		cleanup.Func("amqp publisher", publisher.Close),
		cleanup.Func("tracing", func() error { return shutdownTracing(ctx) }),
	)
}

func tokenValidator(cfg config.Config) (*auth.Validator, error) {
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		return auth.NewRSAValidator(pem)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("either JWT_SECRET or JWT_PUBLIC_KEY_PATH must be set")
	}
	return auth.NewHMACValidator(cfg.JWTSecret), nil
}
