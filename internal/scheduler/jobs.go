package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/meterly/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	"github.com/smallbiznis/meterly/internal/scheduler/guard"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"go.uber.org/zap"
)

// maxRolloverBatches bounds one run so a backlog cannot starve other jobs.
const maxRolloverBatches = 20

// PeriodRolloverJob bills the closed window of every due subscription and
// then opens the next one. A billing failure leaves the subscription due so
// the next run retries it.
func (s *Scheduler) PeriodRolloverJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPeriodRollover, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	for batch := 0; batch < maxRolloverBatches; batch++ {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		subs, err := s.subscriptions.ListDueForRollover(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.rollover.list_failed", JobPeriodRollover, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			break
		}

		rolled := 0
		for i := range subs {
			sub := subs[i]
			ok, err := s.rolloverSubscription(ctx, &sub, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.rollover.failed", JobPeriodRollover, sub.UserID, err,
					zap.String("subscription_id", sub.ID.String()),
				)
				continue
			}
			if ok {
				rolled++
			}
		}
		run.AddProcessed(rolled)
		obsmetrics.Scheduler().AddBatchProcessed(JobPeriodRollover, "subscription", rolled)
		if rolled == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) rolloverSubscription(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) (bool, error) {
	if err := guard.EnsureSubscriptionCanRoll(sub.Status, sub.CurrentPeriodEnd, now); err != nil {
		return false, nil
	}

	record, err := s.billing.BillUsage(ctx, sub.UserID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		return false, err
	}
	if record != nil {
		s.logUsageBilled(ctx, sub, record.ID)
	}

	next, err := s.subscriptions.ResetPeriod(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrAlreadyCanceled) {
			return true, nil
		}
		return false, err
	}
	s.logPeriodRolled(ctx, sub, next)
	return true, nil
}

// InvoicePushRetryJob pushes usage records whose invoice item never reached
// the gateway.
func (s *Scheduler) InvoicePushRetryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobInvoicePushRetry, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	pushed, err := s.billing.RetryInvoicePush(ctx, s.cfg.BatchSize)
	run.AddProcessed(pushed)
	obsmetrics.Scheduler().AddBatchProcessed(JobInvoicePushRetry, "billing_record", pushed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.invoice_push.failed", JobInvoicePushRetry, 0, err)
		return err
	}
	return nil
}

// GatewayCustomerRepairJob registers gateway customers for users whose
// signup-time registration failed.
func (s *Scheduler) GatewayCustomerRepairJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobGatewayCustomerRepair, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	users, err := s.users.ListMissingExternalCustomer(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.customer_repair.list_failed", JobGatewayCustomerRepair, 0, err)
		return err
	}

	var jobErr error
	repaired := 0
	for i := range users {
		user := users[i]
		if _, err := s.users.EnsureExternalCustomer(ctx, &user); err != nil {
			if errors.Is(err, paymentdomain.ErrGatewayDisabled) {
				s.logger(ctx).Debug("payment gateway disabled, skipping customer repair")
				return nil
			}
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.customer_repair.failed", JobGatewayCustomerRepair, user.ID, err)
			continue
		}
		repaired++
	}
	run.AddProcessed(repaired)
	obsmetrics.Scheduler().AddBatchProcessed(JobGatewayCustomerRepair, "user", repaired)
	return jobErr
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
