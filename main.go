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
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"studybuddy-chat/internal/auth"
	"studybuddy-chat/internal/config"
	"studybuddy-chat/internal/db"
	grpcserver "studybuddy-chat/internal/grpc"
	"studybuddy-chat/internal/handlers"
	"studybuddy-chat/internal/logging"
	"studybuddy-chat/internal/messaging"
	"studybuddy-chat/internal/middleware"
	"studybuddy-chat/internal/notifications"
	"studybuddy-chat/internal/observability"
	"studybuddy-chat/internal/rabbitmq"
	"studybuddy-chat/internal/repositories"
	"studybuddy-chat/internal/telemetry"
	"studybuddy-chat/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.ServiceName, cfg.Environment)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	database, err := db.Connect(ctx, cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))

	auditEmitter := telemetry.NewAuditEmitter(publisher, "audit."+cfg.ServiceName, cfg.ServiceName, cfg.Environment, logger)
	notifier := notifications.NewBrokerNotifier(publisher, logger)
	verifier := auth.NewJWTVerifier(cfg.JWTSecretKey)

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	receiptRepo := repositories.NewReceiptRepo(database)

	registry := ws.NewRegistry()
	typing := messaging.NewTypingCoordinator(registry, cfg.TypingWindow)
	dispatcher := messaging.NewDispatcher(messageRepo, receiptRepo, chatRepo, registry, typing, notifier, logger)

	chatHandler := handlers.NewChatHandler(chatRepo, messageRepo, receiptRepo, auditEmitter, cfg.MessagePageLimit, logger)
	chatWS := ws.NewChatWebSocketHandler(registry, chatRepo, verifier, dispatcher, ws.Options{
		AllowedOrigins: cfg.CORSOrigins,
		PingInterval:   cfg.WSPingInterval,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		SendQueueSize:  cfg.WSSendQueueSize,
		SendTimeout:    cfg.WSSendTimeout,
		MaxBodyLength:  cfg.MessageMaxLength,
	}, logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestIDMiddleware())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, auditEmitter, cfg.DebugRoutes)

	authMiddleware := middleware.AuthMiddleware(verifier)
	router.POST("/chats/direct", authMiddleware, chatHandler.StartDirectChat)
	router.POST("/chats", authMiddleware, chatHandler.CreateChat)
	router.GET("/chats/:chat_id/messages", authMiddleware, chatHandler.GetChatMessages)
	router.GET("/chats/:chat_id/receipts", authMiddleware, chatHandler.GetReadReceipts)

	router.GET("/ws/chats/:chat_id", chatWS.Handle)

	httpServer := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "X-Device-Id"},
			AllowCredentials: true,
		}).Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv, healthSrv := grpcserver.NewHealthServer()
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	go dispatcher.RunTypingSweeper(ctx, cfg.TypingSweepInterval)
	go grpcserver.WatchDatabase(ctx, database, healthSrv, 10*time.Second, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc server listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	registry.CloseAll("server shutting down")
	if err := chatWS.Wait(shutdownCtx); err != nil {
		logger.Warn("websocket drain incomplete", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	return runErr
}
