package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"inbox-service/internal/config"
	"inbox-service/internal/db"
	"inbox-service/internal/handlers"
	"inbox-service/internal/logger"
	"inbox-service/internal/middleware"
	"inbox-service/internal/observability"
	"inbox-service/internal/rabbitmq"
	"inbox-service/internal/repositories"
	"inbox-service/internal/telemetry"
	"inbox-service/internal/ws"
)

const serviceName = "inbox-service"

type stores struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	notifications repositories.NotificationRepository
	participants  ws.ParticipantChecker
	close         func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.OTLPEndpoint, cfg.TracingEnabled)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer publisher.Close()
	audit := telemetry.NewAuditEmitter(publisher, telemetry.DefaultRoutingKey, serviceName, cfg.Environment, log)

	hub := ws.NewHub(log, publisher)
	var events handlers.EventPublisher = hub
	if rabbitmq.PublisherMode(publisher) == "amqp" {
		// Every instance consumes the bus into its own hub, so sockets on any instance see every write.
		events = rabbitmq.NewChangePublisher(publisher)
		go func() {
			if err := rabbitmq.ConsumeFeed(ctx, publisher, hub, log); err != nil {
				log.Error("feed consumer stopped", zap.Error(err))
			}
		}()
	} else {
		log.Info("change events delivered in process", zap.String("reason", rabbitmq.PublisherNoopReason(publisher)))
	}

	auth := middleware.NewAuthenticator(cfg.JWTSecret)
	conversations := handlers.NewConversationHandler(st.conversations, st.messages, st.notifications, events, audit, log)
	notifications := handlers.NewNotificationHandler(st.notifications, events, audit, log)
	feedWS := ws.NewFeedWebSocketHandler(hub, st.participants, auth, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		handlers.RequestIDMiddleware(),
		otelgin.Middleware(serviceName),
		observability.HTTPMetricsMiddleware(),
		middleware.RequestLogger(log),
	)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/ws", feedWS.Handle)

	api := router.Group("/", middleware.AuthMiddleware(auth))
	conversations.Register(api)
	notifications.Register(api)
	notifications.RegisterInternal(api)
	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutes)

	health := observability.NewHealthServer()
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		if err := health.Serve(grpcLis); err != nil {
			log.Error("grpc health server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening",
			zap.String("port", cfg.Port),
			zap.String("grpc_port", cfg.GRPCPort),
			zap.String("store", cfg.StoreDriver),
			zap.String("publisher", rabbitmq.PublisherMode(publisher)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	health.SetServing(true)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		health.Shutdown()
		return fmt.Errorf("http server: %w", err)
	}

	log.Info("shutting down")
	health.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	hub.CloseAll("server shutdown")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	health.Shutdown()
	return nil
}

func openStores(cfg *config.Config, log *zap.Logger) (stores, error) {
	if cfg.StoreDriver == "memory" {
		repo := repositories.NewMemoryRepo()
		log.Warn("using in-memory store; data is lost on restart")
		return stores{
			conversations: repo,
			messages:      repo,
			notifications: repo.Notifications(),
			participants:  repo,
			close:         func() error { return nil },
		}, nil
	}

	database, err := db.Connect(cfg.DBDSN, log)
	if err != nil {
		return stores{}, err
	}
	conversations := repositories.NewConversationRepo(database)
	return stores{
		conversations: conversations,
		messages:      repositories.NewMessageRepo(database),
		notifications: repositories.NewNotificationRepo(database),
		participants:  conversations,
		close:         database.Close,
	}, nil
}
