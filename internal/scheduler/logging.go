package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obslogger "github.com/smallbiznis/meterly/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterly/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obslogger.WithRequestID(ctx, run.runID)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) withUser(ctx context.Context, userID snowflake.ID) context.Context {
	if userID == 0 {
		return ctx
	}
	return obslogger.WithUserID(ctx, userID.String())
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, userID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run != nil {
		run.IncError()
	}
	ctx = s.withUser(ctx, userID)
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Error(err),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func (s *Scheduler) logUsageBilled(ctx context.Context, sub *subscriptiondomain.Subscription, recordID snowflake.ID) {
	ctx = s.withUser(ctx, sub.UserID)
	s.logger(ctx).Info("usage.billed",
		zap.String("subscription_id", idString(sub.ID)),
		zap.String("billing_record_id", idString(recordID)),
		zap.Time("period_start", sub.CurrentPeriodStart),
		zap.Time("period_end", sub.CurrentPeriodEnd),
	)
}

func (s *Scheduler) logPeriodRolled(ctx context.Context, prev, next *subscriptiondomain.Subscription) {
	ctx = s.withUser(ctx, prev.UserID)
	fields := []zap.Field{
		zap.String("subscription_id", idString(prev.ID)),
		zap.Time("previous_period_end", prev.CurrentPeriodEnd),
	}
	if next != nil {
		fields = append(fields,
			zap.String("status", string(next.Status)),
			zap.Time("period_end", next.CurrentPeriodEnd),
		)
	}
	s.logger(ctx).Info("subscription.period.rolled", fields...)
}
