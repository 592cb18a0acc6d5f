package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	billingrepo "github.com/smallbiznis/meterly/internal/billing/repository"
	billingservice "github.com/smallbiznis/meterly/internal/billing/service"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/migration/migrationtest"
	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
	operationrepo "github.com/smallbiznis/meterly/internal/operation/repository"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	"github.com/smallbiznis/meterly/internal/payment/gateway/fake"
	"github.com/smallbiznis/meterly/internal/pricing"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	userrepo "github.com/smallbiznis/meterly/internal/user/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var periodStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	gateway *fake.Gateway
	svc     billingdomain.Service
}

type fixtureOption func(*billingservice.Params)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	f := &fixture{
		db:      migrationtest.OpenDB(t),
		node:    node,
		clock:   clock.NewFakeClock(periodStart.Add(31 * 24 * time.Hour)),
		gateway: fake.New(),
	}
	params := billingservice.Params{
		DB:         f.db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      f.clock,
		Catalog:    pricing.DefaultCatalog(),
		Repo:       billingrepo.Provide(),
		Operations: operationrepo.Provide(),
		Users:      userrepo.Provide(),
		Gateway:    f.gateway,
	}
	for _, opt := range opts {
		opt(&params)
	}
	f.svc = billingservice.NewService(params)
	return f
}

func (f *fixture) seedUser(t *testing.T, customerID string) snowflake.ID {
	t.Helper()
	now := f.clock.Now()
	user := &userdomain.User{
		ID:        f.node.Generate(),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	user.Username = "user_" + user.ID.String()
	user.Email = user.Username + "@example.com"
	if customerID != "" {
		user.ExternalCustomerID = &customerID
	}
	require.NoError(t, userrepo.Provide().Insert(context.Background(), f.db, user))
	return user.ID
}

func (f *fixture) seedOperation(t *testing.T, userID snowflake.ID, status operationdomain.Status, createdAt time.Time) snowflake.ID {
	t.Helper()
	op := &operationdomain.Operation{
		ID:             f.node.Generate(),
		UserID:         userID,
		SubscriptionID: f.node.Generate(),
		Type:           operationdomain.TypeMarketResearch,
		Query:          "q",
		Status:         status,
		Cost:           decimal.RequireFromString("0.08"),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	require.NoError(t, operationrepo.Provide().Insert(context.Background(), f.db, op))
	return op.ID
}

func (f *fixture) operation(t *testing.T, userID, id snowflake.ID) *operationdomain.Operation {
	t.Helper()
	op, err := operationrepo.Provide().FindByID(context.Background(), f.db, userID, id)
	require.NoError(t, err)
	require.NotNil(t, op)
	return op
}

func (f *fixture) countRecords(t *testing.T, userID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM billing_records WHERE user_id = ?`, userID).Scan(&count).Error)
	return count
}

func TestBillUsageAggregatesCompletedOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.seedUser(t, "cus_123")
	periodEnd := periodStart.Add(30 * 24 * time.Hour)

	var billed []snowflake.ID
	for i := 0; i < 3; i++ {
		billed = append(billed, f.seedOperation(t, userID, operationdomain.StatusCompleted, periodStart.Add(time.Duration(i+1)*time.Hour)))
	}
	failed := f.seedOperation(t, userID, operationdomain.StatusFailed, periodStart.Add(5*time.Hour))
	outside := f.seedOperation(t, userID, operationdomain.StatusCompleted, periodEnd)

	record, err := f.svc.BillUsage(ctx, userID, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, billingdomain.EventTypeOperationUsage, record.EventType)
	require.Equal(t, billingdomain.StatusPending, record.Status)
	require.True(t, record.Amount.Equal(decimal.RequireFromString("0.24")), "amount %s", record.Amount)
	require.Equal(t, 3, *record.OperationsCount)
	require.Equal(t, "usd", record.Currency)
	require.Equal(t, "Operations usage (3 operations)", *record.Description)
	require.True(t, record.PeriodStart.Equal(periodStart))
	require.True(t, record.PeriodEnd.Equal(periodEnd))

	for _, id := range billed {
		op := f.operation(t, userID, id)
		require.True(t, op.Billed)
		require.NotNil(t, op.BillingRecordID)
		require.Equal(t, record.ID, *op.BillingRecordID)
	}
	require.False(t, f.operation(t, userID, failed).Billed)
	require.False(t, f.operation(t, userID, outside).Billed)

	require.Len(t, f.gateway.InvoiceItems, 1)
	item := f.gateway.InvoiceItems[0]
	require.Equal(t, "cus_123", item.CustomerID)
	require.True(t, item.Amount.Equal(decimal.RequireFromString("0.24")))
	require.Equal(t, int64(24), paymentdomain.ToMinorUnits(item.Amount))
	require.Equal(t, "billing_record_"+record.ID.String(), item.IdempotencyKey)
	require.Equal(t, record.ID.String(), item.Metadata["billing_record_id"])
	require.Equal(t, "3", item.Metadata["operations_count"])
	require.NotNil(t, record.ExternalInvoiceItemID)

	again, err := f.svc.BillUsage(ctx, userID, periodStart, periodEnd)
	require.NoError(t, err)
	require.Nil(t, again)
	require.Equal(t, int64(1), f.countRecords(t, userID))
}

func TestBillUsageWithoutOperationsCreatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.seedUser(t, "")
	f.seedOperation(t, userID, operationdomain.StatusFailed, periodStart.Add(time.Hour))

	record, err := f.svc.BillUsage(ctx, userID, periodStart, periodStart.Add(24*time.Hour))
	require.NoError(t, err)
	require.Nil(t, record)
	require.Zero(t, f.countRecords(t, userID))
}

func TestBillUsageRejectsInvalidPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.seedUser(t, "")

	_, err := f.svc.BillUsage(ctx, userID, periodStart, periodStart)
	require.ErrorIs(t, err, billingdomain.ErrInvalidPeriod)
	_, err = f.svc.BillUsage(ctx, userID, periodStart, periodStart.Add(-time.Hour))
	require.ErrorIs(t, err, billingdomain.ErrInvalidPeriod)
	_, err = f.svc.BillUsage(ctx, 0, periodStart, periodStart.Add(time.Hour))
	require.ErrorIs(t, err, billingdomain.ErrInvalidUser)
}

func TestBillUsagePushFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.seedUser(t, "cus_456")
	f.seedOperation(t, userID, operationdomain.StatusCompleted, periodStart.Add(time.Hour))
	f.gateway.SetInvoiceItemErr(paymentdomain.ErrExternalService)

	record, err := f.svc.BillUsage(ctx, userID, periodStart, periodStart.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Nil(t, record.ExternalInvoiceItemID)
	require.Equal(t, int64(1), f.countRecords(t, userID))

	pushed, err := f.svc.RetryInvoicePush(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, pushed)

	f.gateway.SetInvoiceItemErr(nil)
	pushed, err = f.svc.RetryInvoicePush(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, pushed)
	require.Equal(t, 3, f.gateway.InvoiceItemCount())
	require.Equal(t, "billing_record_"+record.ID.String(), f.gateway.InvoiceItems[2].IdempotencyKey)

	pushed, err = f.svc.RetryInvoicePush(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, pushed)
}

func TestBillUsageSkipsPushWithoutCustomer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.seedUser(t, "")
	f.seedOperation(t, userID, operationdomain.StatusCompleted, periodStart.Add(time.Hour))

	record, err := f.svc.BillUsage(ctx, userID, periodStart, periodStart.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Zero(t, f.gateway.InvoiceItemCount())
}

// shortMarkRepo drops the last id from MarkBilled to simulate a concurrent
// writer billing one of the selected operations first.
type shortMarkRepo struct {
	operationdomain.Repository
}

func (r shortMarkRepo) MarkBilled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, recordID snowflake.ID, at time.Time) (int64, error) {
	return r.Repository.MarkBilled(ctx, db, ids[:len(ids)-1], recordID, at)
}

func TestBillUsageConsistencyFaultRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(p *billingservice.Params) {
		p.Operations = shortMarkRepo{Repository: operationrepo.Provide()}
	})
	userID := f.seedUser(t, "cus_789")
	first := f.seedOperation(t, userID, operationdomain.StatusCompleted, periodStart.Add(time.Hour))
	second := f.seedOperation(t, userID, operationdomain.StatusCompleted, periodStart.Add(2*time.Hour))

	record, err := f.svc.BillUsage(ctx, userID, periodStart, periodStart.Add(24*time.Hour))
	require.ErrorIs(t, err, billingdomain.ErrConsistencyFault)
	require.Nil(t, record)
	require.Zero(t, f.countRecords(t, userID))
	require.False(t, f.operation(t, userID, first).Billed)
	require.False(t, f.operation(t, userID, second).Billed)
	require.Zero(t, f.gateway.InvoiceItemCount())
}

func TestRecordExternalEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.seedUser(t, "cus_1")

	req := billingdomain.ExternalRecordRequest{
		UserID:                  userID,
		EventType:               billingdomain.EventTypeInvoicePaid,
		Amount:                  decimal.RequireFromString("29.00"),
		Outcome:                 billingdomain.StatusCompleted,
		ExternalEventID:         "evt_1",
		ExternalInvoiceID:       "in_1",
		ExternalPaymentIntentID: "pi_1",
		Description:             "Invoice paid",
	}
	first, created, err := f.svc.RecordExternalEvent(ctx, req)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, billingdomain.StatusCompleted, first.Status)
	require.True(t, first.Processed)
	require.NotNil(t, first.ProcessedAt)

	req.Amount = decimal.RequireFromString("99.00")
	second, created, err := f.svc.RecordExternalEvent(ctx, req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.Amount.Equal(decimal.RequireFromString("29.00")))
	require.Equal(t, int64(1), f.countRecords(t, userID))

	_, _, err = f.svc.RecordExternalEvent(ctx, billingdomain.ExternalRecordRequest{
		UserID:    userID,
		EventType: billingdomain.EventTypeInvoicePaid,
	})
	require.ErrorIs(t, err, billingdomain.ErrMissingExternalEventID)

	_, _, err = f.svc.RecordExternalEvent(ctx, billingdomain.ExternalRecordRequest{
		UserID:          userID,
		EventType:       billingdomain.EventTypeOperationUsage,
		ExternalEventID: "evt_2",
	})
	require.ErrorIs(t, err, billingdomain.ErrInvalidEventType)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.seedUser(t, "cus_2")

	pending, _, err := f.svc.RecordExternalEvent(ctx, billingdomain.ExternalRecordRequest{
		UserID:                  userID,
		EventType:               billingdomain.EventTypeInvoicePaid,
		Amount:                  decimal.RequireFromString("10"),
		ExternalEventID:         "evt_pending",
		ExternalPaymentIntentID: "pi_2",
	})
	require.NoError(t, err)
	require.Equal(t, billingdomain.StatusPending, pending.Status)

	_, err = f.svc.MarkRefunded(ctx, pending.ID, "too early")
	require.ErrorIs(t, err, billingdomain.ErrInvalidTransition)

	completed, err := f.svc.MarkCompleted(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, billingdomain.StatusCompleted, completed.Status)

	again, err := f.svc.MarkCompleted(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, billingdomain.StatusCompleted, again.Status)

	_, err = f.svc.MarkFailed(ctx, pending.ID, "late failure")
	require.ErrorIs(t, err, billingdomain.ErrInvalidTransition)

	refunded, err := f.svc.RefundByPaymentIntent(ctx, "pi_2", "customer request")
	require.NoError(t, err)
	require.Equal(t, billingdomain.StatusRefunded, refunded.Status)
	require.Equal(t, "customer request", *refunded.Notes)

	missing, err := f.svc.RefundByPaymentIntent(ctx, "pi_unknown", "")
	require.NoError(t, err)
	require.Nil(t, missing)

	_, err = f.svc.MarkCompleted(ctx, f.node.Generate())
	require.True(t, errors.Is(err, billingdomain.ErrBillingRecordNotFound))
}

func TestHistoryAndSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.seedUser(t, "")

	for i := 0; i < 2; i++ {
		f.seedOperation(t, userID, operationdomain.StatusCompleted, periodStart.Add(time.Hour))
	}
	usage, err := f.svc.BillUsage(ctx, userID, periodStart, periodStart.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, usage)

	_, _, err = f.svc.RecordExternalEvent(ctx, billingdomain.ExternalRecordRequest{
		UserID:          userID,
		EventType:       billingdomain.EventTypeInvoicePaid,
		Amount:          decimal.RequireFromString("29.00"),
		Outcome:         billingdomain.StatusCompleted,
		ExternalEventID: "evt_paid",
	})
	require.NoError(t, err)
	_, _, err = f.svc.RecordExternalEvent(ctx, billingdomain.ExternalRecordRequest{
		UserID:          userID,
		EventType:       billingdomain.EventTypePaymentFailed,
		Amount:          decimal.RequireFromString("29.00"),
		Outcome:         billingdomain.StatusFailed,
		Notes:           "card_declined",
		ExternalEventID: "evt_failed",
	})
	require.NoError(t, err)

	history, err := f.svc.History(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, billingdomain.EventTypePaymentFailed, history[0].EventType)

	summary, err := f.svc.Summary(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(3), summary.TotalRecords)
	require.True(t, summary.TotalPaid.Equal(decimal.RequireFromString("29")), "paid %s", summary.TotalPaid)
	require.True(t, summary.TotalPending.Equal(decimal.RequireFromString("0.16")), "pending %s", summary.TotalPending)
	require.Equal(t, int64(1), summary.ByStatus[billingdomain.StatusFailed].Count)
	require.Equal(t, int64(1), summary.ByEventType[billingdomain.EventTypeOperationUsage].Count)
}
