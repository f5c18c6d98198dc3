package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"chatcore/internal/api"
	"chatcore/internal/auth"
	"chatcore/internal/calls"
	"chatcore/internal/clock"
	"chatcore/internal/config"
	"chatcore/internal/db"
	"chatcore/internal/messaging"
	"chatcore/internal/metrics"
	"chatcore/internal/presence"
	"chatcore/internal/pubsub"
	"chatcore/internal/ratelimit"
	"chatcore/internal/websocket"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	isLoadTest := pflag.Bool("loadtest", false, "Run server with load testing configuration")
	addr := pflag.String("addr", "", "Listen address (overrides SERVER_ADDRESS)")
	logLevel := pflag.String("log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")
	pflag.Parse()

	if err := run(*isLoadTest, *addr, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(isLoadTest bool, addr, logLevel string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.ServerAddress = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting server")

	if isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		loadTestPath := filepath.Join(cwd, "loadtest", "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info("using load testing database", "path", loadTestPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	m := metrics.New()

	dbPath := cfg.CleanDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	database, err := db.NewDB(dbPath, clk)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	logger.Info("database connection established", "path", dbPath)

	// Without Redis this node is the whole deployment.
	var bus pubsub.Bus = pubsub.NewLocalBus()
	revocations := auth.Revocations{auth.NewMemoryRevocations(cfg.RevokedSessions...)}
	if cfg.RedisURL != "" {
		redisClient, err := pubsub.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		redisBus, err := pubsub.NewRedisBus(ctx, redisClient, logger)
		if err != nil {
			return err
		}
		bus = redisBus
		revocations = append(revocations, auth.NewRedisRevocations(redisClient))
		logger.Info("redis fan-out enabled")
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTPublicKeyFile, auth.WithRevocationList(revocations))
	if err != nil {
		return err
	}

	iceServers, err := calls.ICEServers(cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	rt := cfg.Realtime
	hub := websocket.NewHub(bus, m, logger)
	defer hub.Close()

	tracker := presence.NewTracker(hub, clk, m, logger)
	hub.SetLifecycle(tracker)

	router := messaging.NewRouter(database, hub, clk, m, logger, messaging.Settings{
		MaxContentLength: rt.MaxContentLength,
		TypingThrottle:   rt.TypingThrottle,
		TypingExpiry:     rt.TypingExpiry,
	})

	coordinator := calls.NewCoordinator(hub, tracker, clk, m, logger, calls.Settings{
		RingTimeout: rt.RingTimeout,
		ICEServers:  iceServers,
	})
	tracker.OnOffline(coordinator.EndAllFor)

	guard := ratelimit.New(cfg.Limits, clk)
	go guard.Run(ctx, sweepInterval)

	handlers := api.NewHandlers(api.Deps{
		Store:          database,
		Hub:            hub,
		Router:         router,
		Presence:       tracker,
		Calls:          coordinator,
		Verifier:       verifier,
		Guard:          guard,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		Client: websocket.Settings{
			SendBuffer:    rt.SendBuffer,
			MaxFrameBytes: rt.MaxFrameBytes,
			PingPeriod:    rt.PingPeriod,
			PongWait:      rt.PongWait,
		},
		EventTimeout: rt.StoreTimeout,
	})
	routes := handlers.Routes()

	// WebSocket upgrades bypass request logging; the wrapper cannot hijack.
	httpLogger := logger.With("component", "http")
	wrappedHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			routes.ServeHTTP(w, r)
			return
		}
		logRequest(httpLogger, routes.ServeHTTP)(w, r)
	})

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           wrappedHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	return nil
}

func logRequest(logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a custom response writer to capture the status code
		lrw := newLoggingResponseWriter(w)

		next.ServeHTTP(lrw, r)

		logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{w, http.StatusOK}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
