package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/account"
	"github.com/dosemind/dosemind/internal/api"
	"github.com/dosemind/dosemind/internal/circuitbreaker"
	"github.com/dosemind/dosemind/internal/config"
	"github.com/dosemind/dosemind/internal/deliver"
	"github.com/dosemind/dosemind/internal/engine"
	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/medication"
	"github.com/dosemind/dosemind/internal/metrics"
	"github.com/dosemind/dosemind/internal/notify"
	"github.com/dosemind/dosemind/internal/observ"
	"github.com/dosemind/dosemind/internal/queue"
	"github.com/dosemind/dosemind/internal/reconcile"
	"github.com/dosemind/dosemind/internal/remote"
	"github.com/dosemind/dosemind/internal/sentstate"
	"github.com/dosemind/dosemind/internal/stock"
	"github.com/dosemind/dosemind/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dosemind",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()
	clock := kv.SystemClock{}

	// Redis holds the engine's durable local state: the medication cache,
	// scheduled notification entries, sent-state, and the offline queue.
	store, err := kv.NewRedis(ctx, kv.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer store.Close()

	logger.Info("redis connection established",
		zap.String("host", cfg.RedisHost),
		zap.Int("port", cfg.RedisPort),
	)

	// Postgres is the remote medication store and doubles as the
	// connectivity probe for the offline queue.
	remoteStore, err := remote.New(ctx, remote.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer remoteStore.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	cache := medication.NewCache(store)
	notifier := notify.NewStore(store, logger)
	sent := sentstate.New(store, clock, logger)
	reconciler := reconcile.New(notifier, sent, clock, logger)
	monitor := stock.NewMonitor(store, clock, logger)
	contacts := account.NewContacts(store)
	q := queue.New(store, clock, remoteStore, cfg.SyncMaxRetries, logger)

	// Delivery channels. Email is required; SMS is optional.
	sesSender, err := deliver.NewSESSender(ctx, deliver.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}

	snsSender, err := deliver.NewSNSSender(ctx, deliver.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled",
			zap.Error(err),
		)
		snsSender = nil
	}

	webhookSender := deliver.NewWebhookSender(logger, deliver.WebhookConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	})

	protect := func(name string, s deliver.Sender) deliver.Sender {
		return circuitbreaker.NewProtectedSender(s, circuitbreaker.New(circuitbreaker.Config{
			Name:            name,
			MaxFailures:     5,
			RecoveryTimeout: 30 * time.Second,
		}, logger), logger)
	}

	senders := []deliver.Sender{
		protect("ses", sesSender),
		protect("webhook", webhookSender),
		deliver.NewLogSender(logger),
	}
	if snsSender != nil {
		senders = append(senders, protect("sns", snsSender))
	}
	sender := deliver.NewMultiSender(logger, senders...)

	logger.Info("initialized delivery channels",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", snsSender != nil),
		zap.Bool("webhook_enabled", true),
	)

	dispatcher := notify.NewDispatcher(notifier, sent, contacts, sender, clock, notify.DispatcherConfig{
		TickInterval: cfg.DispatchTick(),
	}, logger)

	eng := engine.New(engine.Config{
		SyncInterval: cfg.SyncInterval(),
	}, engine.Deps{
		Cache:      cache,
		Remote:     remoteStore,
		Queue:      q,
		Processor:  syncer.New(remoteStore, logger),
		Reconciler: reconciler,
		Stock:      monitor,
		Contacts:   contacts,
		Sender:     sender,
		Dispatcher: dispatcher,
		Clock:      clock,
		Logger:     logger,
	})

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	eng.Start(engineCtx)
	defer eng.Stop()

	logger.Info("engine started")

	rateLimiter := kv.NewRateLimiter(store, logger, kv.RateLimitConfig{
		Limit:  100,             // 100 requests
		Window: 1 * time.Minute, // per minute per account
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, eng, contacts, q, notifier)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.AccountKeyFunc))
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
