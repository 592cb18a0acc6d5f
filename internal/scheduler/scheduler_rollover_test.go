package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	billingrepo "github.com/smallbiznis/meterly/internal/billing/repository"
	billingservice "github.com/smallbiznis/meterly/internal/billing/service"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/migration/migrationtest"
	obsmetrics "github.com/smallbiznis/meterly/internal/observability/metrics"
	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
	operationrepo "github.com/smallbiznis/meterly/internal/operation/repository"
	"github.com/smallbiznis/meterly/internal/payment/gateway/fake"
	"github.com/smallbiznis/meterly/internal/pricing"
	schedtesting "github.com/smallbiznis/meterly/internal/scheduler/testing"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/meterly/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/meterly/internal/subscription/service"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	userrepo "github.com/smallbiznis/meterly/internal/user/repository"
	userservice "github.com/smallbiznis/meterly/internal/user/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var rolloverStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type rolloverFixture struct {
	db            *gorm.DB
	node          *snowflake.Node
	clock         *clock.FakeClock
	gateway       *fake.Gateway
	users         userdomain.Service
	subscriptions subscriptiondomain.Service
	billing       billingdomain.Service
}

func newRolloverFixture(t *testing.T) *rolloverFixture {
	t.Helper()

	registry := prometheus.NewRegistry()
	t.Cleanup(swapPrometheusRegistry(registry))
	obsmetrics.ResetSchedulerMetricsForTest()

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	f := &rolloverFixture{
		db:      migrationtest.OpenDB(t),
		node:    node,
		clock:   clock.NewFakeClock(rolloverStart),
		gateway: fake.New(),
	}
	log := zap.NewNop()
	catalog := pricing.DefaultCatalog()

	f.users = userservice.NewService(userservice.Params{
		DB:      f.db,
		Log:     log,
		GenID:   node,
		Clock:   f.clock,
		Repo:    userrepo.Provide(),
		Gateway: f.gateway,
	})
	f.billing = billingservice.NewService(billingservice.Params{
		DB:         f.db,
		Log:        log,
		GenID:      node,
		Clock:      f.clock,
		Catalog:    catalog,
		Repo:       billingrepo.Provide(),
		Operations: operationrepo.Provide(),
		Users:      userrepo.Provide(),
		Gateway:    f.gateway,
	})
	f.subscriptions = subscriptionservice.NewService(subscriptionservice.Params{
		DB:       f.db,
		Log:      log,
		GenID:    node,
		Clock:    f.clock,
		Catalog:  catalog,
		Repo:     subscriptionrepo.Provide(),
		UserRepo: userrepo.Provide(),
		Billing:  f.billing,
	})
	return f
}

func (f *rolloverFixture) scheduler(t *testing.T, cfg Config, opts ...func(*Params)) *Scheduler {
	t.Helper()
	p := Params{
		Log:           zap.NewNop(),
		GenID:         f.node,
		Clock:         f.clock,
		Subscriptions: f.subscriptions,
		Billing:       f.billing,
		Users:         f.users,
		Config:        cfg,
	}
	for _, opt := range opts {
		opt(&p)
	}
	s, err := New(p)
	require.NoError(t, err)
	return s
}

// subscriber creates a user with a starter subscription and n completed
// operations inside the first window.
func (f *rolloverFixture) subscriber(t *testing.T, name string, n int) (*userdomain.User, *subscriptiondomain.Subscription) {
	t.Helper()
	ctx := context.Background()

	user, err := f.users.Create(ctx, userdomain.CreateUserRequest{Email: name + "@example.com", Username: name})
	require.NoError(t, err)
	sub, err := f.subscriptions.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: user.ID, Tier: "starter"})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		_, err := f.subscriptions.Consume(ctx, f.db, sub.ID)
		require.NoError(t, err)
		at := f.clock.Now().Add(time.Duration(i+1) * time.Hour)
		require.NoError(t, operationrepo.Provide().Insert(ctx, f.db, &operationdomain.Operation{
			ID:             f.node.Generate(),
			UserID:         user.ID,
			SubscriptionID: sub.ID,
			Type:           operationdomain.TypeMarketResearch,
			Query:          "q",
			Status:         operationdomain.StatusCompleted,
			Cost:           decimal.RequireFromString("0.08"),
			CreatedAt:      at,
			UpdatedAt:      at,
		}))
	}
	return user, sub
}

func (f *rolloverFixture) reload(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := subscriptionrepo.Provide().FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func (f *rolloverFixture) unbilled(t *testing.T, userID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM operations WHERE user_id = ? AND status = ? AND billed = ?`,
		userID, operationdomain.StatusCompleted, false).Scan(&count).Error)
	return count
}

func usageRecords(t *testing.T, records []billingdomain.BillingRecord) []billingdomain.BillingRecord {
	t.Helper()
	var out []billingdomain.BillingRecord
	for _, r := range records {
		if r.EventType == billingdomain.EventTypeOperationUsage {
			out = append(out, r)
		}
	}
	return out
}

func TestPeriodRolloverBillsClosedWindowAndResetsUsage(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	user, sub := f.subscriber(t, "alice", 2)
	require.Equal(t, 2, f.reload(t, sub.ID).OperationsUsedThisMonth)

	s := f.scheduler(t, Config{})

	require.NoError(t, s.RunOnce(ctx))
	require.Equal(t, 2, f.reload(t, sub.ID).OperationsUsedThisMonth, "window not elapsed yet")

	f.clock.Advance(30*24*time.Hour + time.Hour)
	require.NoError(t, s.RunOnce(ctx))

	rolled := f.reload(t, sub.ID)
	require.Equal(t, 0, rolled.OperationsUsedThisMonth)
	require.Equal(t, subscriptiondomain.StatusActive, rolled.Status)
	require.True(t, rolled.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd))
	require.True(t, rolled.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd.Add(30*24*time.Hour)))

	history, err := f.billing.History(ctx, user.ID, 10)
	require.NoError(t, err)
	usage := usageRecords(t, history)
	require.Len(t, usage, 1)
	require.True(t, usage[0].Amount.Equal(decimal.RequireFromString("0.16")), "amount %s", usage[0].Amount)
	require.Equal(t, 2, *usage[0].OperationsCount)
	require.Equal(t, 1, f.gateway.InvoiceItemCount())

	require.NoError(t, s.RunOnce(ctx))
	history, err = f.billing.History(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, usageRecords(t, history), 1)
	require.True(t, f.reload(t, sub.ID).CurrentPeriodEnd.Equal(rolled.CurrentPeriodEnd))
}

func TestPeriodRolloverCancelsFlaggedSubscription(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	user, sub := f.subscriber(t, "bob", 1)

	_, err := f.subscriptions.Cancel(ctx, user.ID, true)
	require.NoError(t, err)

	s := f.scheduler(t, Config{})
	f.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, s.RunOnce(ctx))

	canceled := f.reload(t, sub.ID)
	require.Equal(t, subscriptiondomain.StatusCanceled, canceled.Status)
	require.True(t, canceled.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd))

	_, err = f.subscriptions.GetActive(ctx, user.ID)
	require.ErrorIs(t, err, subscriptiondomain.ErrNoActiveSubscription)

	history, err := f.billing.History(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, usageRecords(t, history), 1, "closed window is billed before cancel")
}

func TestReplacingSubscriptionBillsClosingWindow(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	user, old := f.subscriber(t, "gina", 2)

	f.clock.Advance(3 * time.Hour)
	replacement, err := f.subscriptions.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: user.ID, Tier: "team"})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCanceled, f.reload(t, old.ID).Status)
	require.Zero(t, f.unbilled(t, user.ID))

	history, err := f.billing.History(ctx, user.ID, 10)
	require.NoError(t, err)
	usage := usageRecords(t, history)
	require.Len(t, usage, 1)
	require.Equal(t, 2, *usage[0].OperationsCount)
	require.True(t, usage[0].PeriodStart.Equal(old.CurrentPeriodStart))
	require.True(t, usage[0].PeriodEnd.Equal(f.clock.Now()))

	// the replacement's own rollover finds nothing left from the old window
	s := f.scheduler(t, Config{EnabledJobs: []string{JobPeriodRollover}})
	f.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, s.RunOnce(ctx))
	require.True(t, f.reload(t, replacement.ID).CurrentPeriodStart.Equal(replacement.CurrentPeriodEnd))

	history, err = f.billing.History(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, usageRecords(t, history), 1)
}

func TestReplacingSubscriptionFailsWhenClosingWindowCannotBeBilled(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	user, old := f.subscriber(t, "ivan", 1)

	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		GenID:    f.node,
		Clock:    f.clock,
		Catalog:  pricing.DefaultCatalog(),
		Repo:     subscriptionrepo.Provide(),
		UserRepo: userrepo.Provide(),
		Billing:  failingBilling{Service: f.billing},
	})

	f.clock.Advance(3 * time.Hour)
	_, err := subs.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: user.ID, Tier: "team"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "billing unavailable")
	require.Equal(t, subscriptiondomain.StatusActive, f.reload(t, old.ID).Status)
	require.EqualValues(t, 1, f.unbilled(t, user.ID))
}

func TestProviderRolloverBillsClosingWindow(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	user, sub := f.subscriber(t, "hank", 2)
	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET external_subscription_id = ? WHERE id = ?`, "sub_hank", sub.ID).Error)

	f.clock.Advance(30*24*time.Hour + time.Hour)
	nextStart := sub.CurrentPeriodEnd
	nextEnd := nextStart.Add(30 * 24 * time.Hour)
	rolled, err := f.subscriptions.ApplyExternalState(ctx, "sub_hank", subscriptiondomain.ExternalState{
		Status:             "active",
		CurrentPeriodStart: &nextStart,
		CurrentPeriodEnd:   &nextEnd,
	})
	require.NoError(t, err)
	require.Zero(t, rolled.OperationsUsedThisMonth)
	require.True(t, rolled.CurrentPeriodStart.Equal(nextStart))
	require.Zero(t, f.unbilled(t, user.ID))

	history, err := f.billing.History(ctx, user.ID, 10)
	require.NoError(t, err)
	usage := usageRecords(t, history)
	require.Len(t, usage, 1)
	require.Equal(t, 2, *usage[0].OperationsCount)
	require.True(t, usage[0].PeriodStart.Equal(sub.CurrentPeriodStart))
	require.True(t, usage[0].PeriodEnd.Equal(nextStart))

	s := f.scheduler(t, Config{EnabledJobs: []string{JobPeriodRollover}})
	require.NoError(t, s.RunOnce(ctx))
	require.True(t, f.reload(t, sub.ID).CurrentPeriodEnd.Equal(nextEnd))

	history, err = f.billing.History(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, usageRecords(t, history), 1)
}

func TestProviderRolloverKeepsWindowWhenBillingFails(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	_, sub := f.subscriber(t, "judy", 2)
	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET external_subscription_id = ? WHERE id = ?`, "sub_judy", sub.ID).Error)

	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		GenID:    f.node,
		Clock:    f.clock,
		Catalog:  pricing.DefaultCatalog(),
		Repo:     subscriptionrepo.Provide(),
		UserRepo: userrepo.Provide(),
		Billing:  failingBilling{Service: f.billing},
	})

	f.clock.Advance(30*24*time.Hour + time.Hour)
	nextStart := sub.CurrentPeriodEnd
	_, err := subs.ApplyExternalState(ctx, "sub_judy", subscriptiondomain.ExternalState{
		Status:             "active",
		CurrentPeriodStart: &nextStart,
	})
	require.Error(t, err)

	kept := f.reload(t, sub.ID)
	require.Equal(t, 2, kept.OperationsUsedThisMonth)
	require.True(t, kept.CurrentPeriodStart.Equal(sub.CurrentPeriodStart))
}

type failingBilling struct {
	billingdomain.Service
}

func (failingBilling) BillUsage(context.Context, snowflake.ID, time.Time, time.Time) (*billingdomain.BillingRecord, error) {
	return nil, errors.New("billing unavailable")
}

func TestPeriodRolloverKeepsWindowWhenBillingFails(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	_, sub := f.subscriber(t, "carol", 3)

	s := f.scheduler(t, Config{EnabledJobs: []string{JobPeriodRollover}}, func(p *Params) {
		p.Billing = failingBilling{Service: f.billing}
	})
	f.clock.Advance(31 * 24 * time.Hour)

	err := s.RunOnce(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "billing unavailable")

	kept := f.reload(t, sub.ID)
	require.Equal(t, 3, kept.OperationsUsedThisMonth)
	require.True(t, kept.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd))

	retry := f.scheduler(t, Config{EnabledJobs: []string{JobPeriodRollover}})
	require.NoError(t, retry.RunOnce(ctx))
	require.Equal(t, 0, f.reload(t, sub.ID).OperationsUsedThisMonth)
}

func TestPeriodRolloverCatchesUpMultipleWindows(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	_, sub := f.subscriber(t, "dave", 0)

	s := f.scheduler(t, Config{EnabledJobs: []string{JobPeriodRollover}})
	f.clock.Advance(3*30*24*time.Hour + time.Hour)
	require.NoError(t, s.RunOnce(ctx))

	rolled := f.reload(t, sub.ID)
	require.True(t, rolled.CurrentPeriodEnd.After(f.clock.Now()))
	require.True(t, rolled.CurrentPeriodStart.Equal(sub.CurrentPeriodStart.Add(3*30*24*time.Hour)))
}

func TestPeriodRolloverWithTimeAccelerator(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	_, sub := f.subscriber(t, "erin", 1)

	f.clock.Advance(2 * time.Hour)
	accel := schedtesting.NewTimeAccelerator(f.db, f.clock)
	require.NoError(t, accel.FastForwardSubscription(ctx, sub.ID))

	s := f.scheduler(t, Config{EnabledJobs: []string{JobPeriodRollover}})
	require.NoError(t, s.RunOnce(ctx))

	rolled := f.reload(t, sub.ID)
	require.Equal(t, 0, rolled.OperationsUsedThisMonth)
	require.True(t, rolled.CurrentPeriodStart.Equal(f.clock.Now().Add(-time.Minute)))
}

func TestGatewayCustomerRepairJob(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)

	f.gateway.CustomerErr = errors.New("gateway down")
	user, err := f.users.Create(ctx, userdomain.CreateUserRequest{Email: "frank@example.com", Username: "frank"})
	require.NoError(t, err)
	require.False(t, user.HasExternalCustomer())

	s := f.scheduler(t, Config{EnabledJobs: []string{JobGatewayCustomerRepair}})
	require.Error(t, s.RunOnce(ctx), "repair fails while the gateway is down")

	f.gateway.CustomerErr = nil
	require.NoError(t, s.RunOnce(ctx))

	repaired, err := f.users.Get(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, repaired.HasExternalCustomer())
}

func TestInvoicePushRetryJob(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t)
	user, sub := f.subscriber(t, "grace", 2)

	f.gateway.SetInvoiceItemErr(errors.New("gateway down"))
	f.clock.Advance(31 * 24 * time.Hour)
	s := f.scheduler(t, Config{})

	// rollover push and the retry job both fail
	require.NoError(t, s.RunOnce(ctx))
	require.Equal(t, 0, f.reload(t, sub.ID).OperationsUsedThisMonth)
	require.Equal(t, 2, f.gateway.InvoiceItemCount())

	f.gateway.SetInvoiceItemErr(nil)
	require.NoError(t, s.RunOnce(ctx))
	require.Equal(t, 3, f.gateway.InvoiceItemCount())

	history, err := f.billing.History(ctx, user.ID, 10)
	require.NoError(t, err)
	usage := usageRecords(t, history)
	require.Len(t, usage, 1)
	require.NotNil(t, usage[0].ExternalInvoiceItemID)

	require.NoError(t, s.RunOnce(ctx))
	require.Equal(t, 3, f.gateway.InvoiceItemCount())
}
