package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wingman/internal/api"
	"wingman/internal/auth"
	"wingman/internal/billing"
	"wingman/internal/config"
	"wingman/internal/events"
	"wingman/internal/mail"
	"wingman/internal/objectstore"
	"wingman/internal/obs"
	"wingman/internal/redis"
	"wingman/internal/service/ai"
	"wingman/internal/service/assistant"
	"wingman/internal/storage"
	"wingman/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load(os.Getenv("WINGMAN_CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.BasicConfig.Env)
	slog.SetDefault(logger)
	if cfg.BasicConfig.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := os.Getenv("WINGMAN_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}

	var rdb *redis.Client
	if redis.Enabled(cfg) {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
	} else {
		logger.Warn("redis not configured, token and history caches stay local")
	}

	publisher, err := events.New(cfg.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()
	emitter := events.NewEmitter(publisher, events.NewTopics(cfg.Kafka.TopicPrefix), logger)

	uploader, err := objectstore.New(cfg.ObjectStorage, logger)
	if err != nil {
		return err
	}

	mailer := mail.New(cfg.Mail, logger)
	assistantService := assistant.NewService(db, mailer, cfg.BasicConfig.PublicURL)
	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTL)*time.Hour)
	assistantService.StartCleaner(ctx, time.Duration(cfg.BasicConfig.CleanInterval)*time.Minute, authService)

	var provider billing.Provider
	if cfg.Billing.SecretKey != "" {
		provider = billing.NewStripeProvider(cfg.Billing.APIBaseURL, cfg.Billing.SecretKey, &http.Client{Timeout: 15 * time.Second})
	}
	billingService := billing.NewService(db, dbType, provider, cfg.Billing, emitter, logger)

	provCfg := cfg.Providers[cfg.BasicConfig.Provider]
	chatModel, err := ai.NewChatModel(ctx, cfg.BasicConfig.Provider, provCfg)
	if err != nil {
		return err
	}
	aiService, err := ai.NewService(ctx, chatModel, ai.InitTools(cfg.Search, logger), logger)
	if err != nil {
		return err
	}

	manager := worker.NewManager(assistantService, aiService, worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, worker.WithEmitter(emitter), worker.WithRedis(rdb), worker.WithLogger(logger))
	defer manager.Close()

	handler := api.NewHandler(api.Deps{
		Assistant: assistantService,
		Auth:      authService,
		Billing:   billingService,
		Uploader:  uploader,
		Workers:   manager,
		Emitter:   emitter,
		Logger:    logger,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.BasicConfig.AllowedOrigins,
		Logger:         logger,
		Ready: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(pingCtx); err != nil {
				return err
			}
			if rdb != nil {
				return rdb.Ping(pingCtx)
			}
			return nil
		},
	})

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "provider", cfg.BasicConfig.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
