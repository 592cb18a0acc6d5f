package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ExternalRecordRequest describes a billing record originating from a
// provider event. Outcome is the status the record settles in.
type ExternalRecordRequest struct {
	UserID                  snowflake.ID
	EventType               EventType
	Amount                  decimal.Decimal
	Currency                string
	Outcome                 Status
	ExternalEventID         string
	ExternalInvoiceID       string
	ExternalPaymentIntentID string
	ExternalSubscriptionID  string
	Description             string
	Notes                   string
	PeriodStart             *time.Time
	PeriodEnd               *time.Time
}

// Service is the billing aggregator and the record store used by the
// payment reconciler.
type Service interface {
	// BillUsage folds completed, unbilled operations created in
	// [periodStart, periodEnd) into one usage record. Returns nil, nil when
	// there is nothing to bill.
	BillUsage(ctx context.Context, userID snowflake.ID, periodStart, periodEnd time.Time) (*BillingRecord, error)
	RetryInvoicePush(ctx context.Context, limit int) (int, error)

	// RecordExternalEvent inserts a provider record once per external event
	// id. The second return is false when the event had already been
	// recorded, in which case the stored record is returned unchanged.
	RecordExternalEvent(ctx context.Context, req ExternalRecordRequest) (*BillingRecord, bool, error)
	RefundByPaymentIntent(ctx context.Context, paymentIntentID, reason string) (*BillingRecord, error)

	MarkCompleted(ctx context.Context, id snowflake.ID) (*BillingRecord, error)
	MarkFailed(ctx context.Context, id snowflake.ID, reason string) (*BillingRecord, error)
	MarkRefunded(ctx context.Context, id snowflake.ID, reason string) (*BillingRecord, error)

	History(ctx context.Context, userID snowflake.ID, limit int) ([]BillingRecord, error)
	Summary(ctx context.Context, userID snowflake.ID) (*Summary, error)
}
