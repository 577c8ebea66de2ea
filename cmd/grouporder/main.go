package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/grouporder/internal/app"
	"github.com/odyssey-erp/grouporder/internal/observability"
	"github.com/odyssey-erp/grouporder/internal/ordering"
	"github.com/odyssey-erp/grouporder/internal/platform/cache"
	"github.com/odyssey-erp/grouporder/internal/platform/db"
	"github.com/odyssey-erp/grouporder/internal/shared"
	"github.com/odyssey-erp/grouporder/internal/store/postgres"
	"github.com/odyssey-erp/grouporder/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	var periodCache ordering.PeriodCache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, period cache disabled", slog.Any("error", err))
	} else {
		periodCache = cache.NewPeriodCache(redisClient, cfg.PeriodCacheTTL)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	service := ordering.NewService(postgres.New(dbpool), ordering.ServiceConfig{
		Clock:          ordering.NewClock(cfg.Location(), ordering.NewLabels(cfg.PeriodLocale)),
		Cache:          periodCache,
		Audit:          metrics.CountAudit(shared.NewAuditLogger(dbpool)),
		Logger:         logger,
		FinAdminCircle: cfg.FinAdminCircle,
	})

	if periods, err := service.EnsureUpcoming(ctx); err != nil {
		logger.Warn("ensure upcoming periods", slog.Any("error", err))
	} else {
		logger.Info("upcoming periods ready", slog.Int("count", len(periods)))
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	var jobHandler *jobs.Handler
	if !app.InTestMode() {
		jobClient, err := jobs.NewClient(redisOpts)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		if _, err := jobClient.EnqueueEnsurePeriods(ctx, "startup"); err != nil {
			logger.Warn("enqueue ensure periods", slog.Any("error", err))
		}

		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		OrderingHandler: ordering.NewHandler(logger, service),
		JobHandler:      jobHandler,
		Metrics:         metrics,
		Database:        dbpool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
