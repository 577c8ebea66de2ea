package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/grouporder/internal/app"
	jobmetrics "github.com/odyssey-erp/grouporder/internal/jobs"
	"github.com/odyssey-erp/grouporder/internal/ordering"
	"github.com/odyssey-erp/grouporder/internal/platform/cache"
	"github.com/odyssey-erp/grouporder/internal/platform/db"
	"github.com/odyssey-erp/grouporder/internal/shared"
	"github.com/odyssey-erp/grouporder/internal/store/postgres"
	"github.com/odyssey-erp/grouporder/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var periodCache ordering.PeriodCache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	} else {
		periodCache = cache.NewPeriodCache(redisClient, cfg.PeriodCacheTTL)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	service := ordering.NewService(postgres.New(pool), ordering.ServiceConfig{
		Clock:          ordering.NewClock(cfg.Location(), ordering.NewLabels(cfg.PeriodLocale)),
		Cache:          periodCache,
		Audit:          shared.NewAuditLogger(pool),
		Logger:         logger,
		FinAdminCircle: cfg.FinAdminCircle,
	})

	ensureJob := jobs.NewEnsurePeriodsJob(service, logger, jobmetrics.NewMetrics(nil))
	ensureTask, err := jobs.NewEnsurePeriodsTask("cron")
	if err != nil {
		logger.Error("build ensure task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Location:  cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskEnsurePeriods, Handler: ensureJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "5 0 * * *", Task: ensureTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
