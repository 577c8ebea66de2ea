package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/grouporder/internal/jobs"
	"github.com/odyssey-erp/grouporder/internal/ordering"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PeriodEnsurer creates the upcoming order periods when missing.
type PeriodEnsurer interface {
	EnsureUpcoming(ctx context.Context) ([]ordering.Period, error)
}

// EnsurePeriodsJob runs PeriodEnsurer on schedule.
type EnsurePeriodsJob struct {
	Periods PeriodEnsurer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewEnsurePeriodsJob wires dependencies for the ensure handler.
func NewEnsurePeriodsJob(periods PeriodEnsurer, logger *slog.Logger, metrics *jobmetrics.Metrics) *EnsurePeriodsJob {
	return &EnsurePeriodsJob{Periods: periods, Logger: logger, Metrics: metrics}
}

// Handle processes TaskEnsurePeriods tasks.
func (j *EnsurePeriodsJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Periods == nil {
		return errors.New("ensure periods: handler not configured")
	}
	var payload EnsurePeriodsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskEnsurePeriods)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("reason", payload.Reason))
	start := time.Now()
	periods, err := j.Periods.EnsureUpcoming(ctx)
	if err != nil {
		logger.Error("ensure periods", slog.Any("error", err))
		return err
	}
	j.metrics().AddPeriodsEnsured(len(periods))

	names := make([]string, 0, len(periods))
	for _, p := range periods {
		names = append(names, p.Name)
	}
	logger.Info("periods ensured", slog.Any("periods", names), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *EnsurePeriodsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskEnsurePeriods))
	}
	return slog.Default().With(slog.String("job", TaskEnsurePeriods))
}

func (j *EnsurePeriodsJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
