// Package scheduler runs the periodic background jobs: quota period
// rollover, invoice push retries and gateway customer repair.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	"github.com/smallbiznis/meterly/internal/clock"
	obsmetrics "github.com/smallbiznis/meterly/internal/observability/metrics"
	"github.com/smallbiznis/meterly/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobPeriodRollover        = "period_rollover"
	JobInvoicePushRetry      = "invoice_push_retry"
	JobGatewayCustomerRepair = "gateway_customer_repair"

	jobLockName = "scheduler:job:"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Subscriptions subscriptiondomain.Service
	Billing       billingdomain.Service
	Users         userdomain.Service
	Locker        *ratelimit.Locker `optional:"true"`
	Config        Config            `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	subscriptions subscriptiondomain.Service
	billing       billingdomain.Service
	users         userdomain.Service
	locker        *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	if p.Subscriptions == nil || p.Billing == nil || p.Users == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler"),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		subscriptions: p.Subscriptions,
		billing:       p.Billing,
		users:         p.Users,
		locker:        p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()

	release, acquired, err := s.acquireJobLock(ctx, name, timeout)
	if err != nil {
		schedMetrics.IncJobError(name, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	if !acquired {
		schedMetrics.IncBatchDeferred(name, "lock_held")
		log.Debug("job lock held by another instance")
		return nil
	}
	defer release()

	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline and cancellation are soft failures; the next tick resumes.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobPeriodRollover, s.PeriodRolloverJob},
		{JobInvoicePushRetry, s.InvoicePushRetryJob},
		{JobGatewayCustomerRepair, s.GatewayCustomerRepairJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// acquireJobLock takes the per-job lease when a locker is configured.
func (s *Scheduler) acquireJobLock(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	lease, err := s.locker.Acquire(ctx, jobLockName+job, ttl)
	if errors.Is(err, ratelimit.ErrLockHeld) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.log.Warn("release job lock failed", zap.String("job", job), zap.String("key", lease.Key()), zap.Error(err))
		}
	}, true, nil
}
