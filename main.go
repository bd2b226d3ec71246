package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NotVinay/stock-stream/auth"
	"github.com/NotVinay/stock-stream/broadcast"
	"github.com/NotVinay/stock-stream/config"
	"github.com/NotVinay/stock-stream/finnhub"
	"github.com/NotVinay/stock-stream/market"
	"github.com/NotVinay/stock-stream/snapshot"
	"github.com/NotVinay/stock-stream/stream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg.App)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
}

// run wires the application and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := newSnapshotStore(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	recorder := snapshot.NewRecorder(store, cfg.Stream.SnapshotQueue, logger)

	client := finnhub.NewClient(cfg.Finnhub.APIURL, cfg.Finnhub.APIKey)
	registry := market.NewRegistry(logger)

	conn, err := stream.NewConnection(upstreamOptions(cfg.Finnhub, client, recorder, logger), registry, logger)
	if err != nil {
		recorder.Close()
		store.Close()
		return fmt.Errorf("creating upstream connection: %w", err)
	}

	// With streaming disabled sessions still get snapshots and heartbeats.
	var upstream broadcast.Subscriber
	if cfg.Finnhub.StreamEnabled {
		conn.Start(ctx)
		upstream = conn
	} else {
		logger.Warn("Finnhub streaming is disabled")
	}

	b := broadcast.New(registry, upstream, store, broadcast.Options{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		ClientBuffer:      cfg.Stream.ClientBuffer,
		MaxSymbols:        cfg.Stream.MaxSymbols,
	}, logger)
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go b.Run(heartbeatCtx)

	handler := &apiHandler{
		quotes:        client,
		upstream:      conn,
		streamEnabled: cfg.Finnhub.StreamEnabled,
		sessions:      b.Sessions,
		dropped:       recorder.Dropped,
		logger:        logger,
	}
	router := newRouter(cfg, handler, b, auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer))

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("port", cfg.App.Port), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
	}

	// Sessions are closed first so that streaming handlers return and the
	// HTTP server can drain.
	stopHeartbeat()
	b.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(shutdownErr))
	}

	conn.Close()
	recorder.Close()
	if closeErr := store.Close(); closeErr != nil {
		logger.Warn("Failed to close snapshot store", zap.Error(closeErr))
	}
	logger.Info("Shutdown complete")
	return err
}

// upstreamOptions maps the Finnhub config onto the stream connection.
// Previous closes are only fetched when percent changes are derived.
func upstreamOptions(cfg config.FinnhubConfig, client *finnhub.Client, recorder stream.Recorder, logger *zap.Logger) stream.Options {
	opts := stream.Options{
		URL:              cfg.WSURL,
		Token:            cfg.APIKey,
		ReconnectDelay:   cfg.ReconnectDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingPeriod:       cfg.PingPeriod,
		Recorder:         recorder,
	}
	if cfg.DerivePercentChange {
		opts.Reference = finnhub.NewPreviousCloses(client, logger)
	}
	return opts
}

// newRouter sets up the routes. Streaming endpoints require a credential.
func newRouter(cfg *config.Config, h *apiHandler, b *broadcast.Broadcaster, authenticator auth.Authenticator) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware(cfg.App.AllowedOrigins))

	requireAuth := auth.Middleware(authenticator, cfg.Auth.CookieName)

	router.GET("/", healthCheck)
	router.GET("/api/health", healthCheck)

	v1 := router.Group("/api/v1")
	v1.GET("/stocks/quote/:symbol", h.handleStockQuote)
	v1.GET("/stream/status", h.handleStreamStatus)
	v1.GET("/stream/prices", requireAuth, b.SSEHandler())

	router.GET("/ws", requireAuth, b.WebSocketHandler(broadcast.NewUpgrader(cfg.App.AllowedOrigins)))
	return router
}

func newSnapshotStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (snapshot.Store, error) {
	if !cfg.Enabled {
		return snapshot.NewMemoryStore(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("Using Redis snapshot store", zap.String("addr", cfg.Addr))
	return snapshot.NewRedisStore(rdb, cfg.SnapshotTTL), nil
}
