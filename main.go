package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"realtime-service/internal/auth"
	"realtime-service/internal/broadcaster"
	"realtime-service/internal/config"
	"realtime-service/internal/db"
	grpcserver "realtime-service/internal/grpc"
	"realtime-service/internal/handlers"
	"realtime-service/internal/log"
	"realtime-service/internal/middleware"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/push"
	"realtime-service/internal/rabbitmq"
	"realtime-service/internal/relay"
	"realtime-service/internal/repositories"
	"realtime-service/internal/supervisor"
	"realtime-service/internal/telemetry"
	"realtime-service/internal/ws"
)

const serviceName = "realtime-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.L().Fatal().Err(err).Msg("failed to load config")
	}

	log.Init(log.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: serviceName})
	logger := *log.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
		if err != nil {
			logger.Warn().Err(err).Msg("tracing disabled")
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(flushCtx)
			}()
		}
	}

	database, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	chatRepo := repositories.NewChatRepo(database)
	userRepo := repositories.NewUserRepo(database)
	subscriptionRepo := repositories.NewPushSubscriptionRepo(database)

	hub := ws.NewHub()

	senders := map[models.PushKind]push.Sender{
		models.PushKindExpo: push.NewExpoSender(cfg.Push.ExpoURL, cfg.Push.Timeout),
	}
	if cfg.Push.VAPIDPrivateKey != "" {
		senders[models.PushKindWebPush] = push.NewWebPushSender(push.WebPushConfig{
			PublicKey:  cfg.Push.VAPIDPublicKey,
			PrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber: cfg.Push.Subscriber,
			TTL:        cfg.Push.TTL,
			Timeout:    cfg.Push.Timeout,
		})
	} else {
		logger.Warn().Msg("vapid keys not configured, web push disabled")
	}
	pushRouter := push.NewRouter(push.BreakerConfig{
		FailureThreshold: cfg.Push.FailureThreshold,
		OpenTimeout:      cfg.Push.OpenTimeout,
	}, senders)

	opts := []broadcaster.Option{broadcaster.WithConcurrency(cfg.Push.Concurrency)}
	var presence *relay.RedisPresence
	var redisRelay *relay.RedisRelay
	redisClient, err := maybeRedis(cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
		presence = relay.NewRedisPresence(redisClient, cfg.Redis.PresencePrefix, cfg.Redis.PresenceTTL)
		hub.SetTracker(presence)
		opts = append(opts, broadcaster.WithPresence(presence))
	}
	events := broadcaster.New(hub, subscriptionRepo, pushRouter, opts...)
	if redisClient != nil {
		redisRelay = relay.NewRedisRelay(redisClient, cfg.Redis.Channel, events)
		events.SetRelay(redisRelay)
		logger.Info().Str("channel", cfg.Redis.Channel).Msg("cluster mode enabled")
	}

	if cfg.AMQP.URL != "" {
		lifecycle, err := observability.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.WSExchange)
		if err != nil {
			logger.Warn().Err(err).Msg("ws lifecycle events disabled")
		} else {
			observability.SetPublisher(lifecycle)
			defer lifecycle.Close()
		}
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.AuditExchange)
	defer auditPublisher.Close()
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(auditPublisher)).
		Str("reason", rabbitmq.PublisherNoopReason(auditPublisher)).
		Msg("audit publisher ready")
	audit := telemetry.NewAuditEmitter(auditPublisher, cfg.AMQP.AuditRouting, serviceName, cfg.Server.Mode)

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinMiddleware(logger))
	router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Count()})
	})

	ws.NewHandler(hub, verifier, userRepo, chatRepo, cfg.WebSocket).Register(router)
	handlers.NewPushSubscriptionHandler(subscriptionRepo, audit, cfg.Push.VAPIDPublicKey).
		Register(router.Group("", middleware.AuthMiddleware(verifier)))
	handlers.NewInternalHandler(events).
		Register(router.Group("", middleware.InternalToken(cfg.Auth.InternalToken)))
	handlers.RegisterDebugRoutes(router, audit, hub, cfg.Debug.Routes)

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, 10*time.Second))

	health := grpcserver.NewHealthServer(cfg.GRPC.Port)
	tree.AddAPIService(supervisor.NewFuncService("grpc-health", health.Serve))

	if cfg.AMQP.URL != "" {
		consumer := rabbitmq.NewConsumer(cfg.AMQP, events)
		tree.AddIngestService(supervisor.NewFuncService("amqp-consumer", consumer.Run))
	} else {
		logger.Info().Msg("amqp url empty, only POST /internal/events feeds the broadcaster")
	}

	if redisRelay != nil {
		tree.AddIngestService(supervisor.NewFuncService("redis-relay", redisRelay.Run))
		tree.AddIngestService(supervisor.NewFuncService("presence-heartbeat", func(ctx context.Context) error {
			return presence.RunHeartbeat(ctx, cfg.Redis.HeartbeatInterval)
		}))
	}

	logger.Info().Int("port", cfg.Server.Port).Int("grpc_port", cfg.GRPC.Port).Msg("realtime service starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}

	hub.Shutdown()
	logger.Info().Msg("realtime service stopped")
}

// maybeRedis returns nil when cluster mode is off.
func maybeRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return relay.NewRedisClient(cfg)
}
