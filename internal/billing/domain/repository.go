package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransitionUpdate moves a record from one of From into To.
type TransitionUpdate struct {
	ID        snowflake.ID
	From      []Status
	To        Status
	Notes     *string
	UpdatedAt time.Time
}

type SummaryRow struct {
	EventType EventType
	Status    Status
	Total     int64
	Amount    decimal.NullDecimal
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *BillingRecord) error
	// InsertIfAbsent skips the insert when external_event_id already exists
	// and reports whether a row was written.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, record *BillingRecord) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingRecord, error)
	FindByExternalEventID(ctx context.Context, db *gorm.DB, eventID string) (*BillingRecord, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, eventType EventType, paymentIntentID string) (*BillingRecord, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]BillingRecord, error)
	ListPendingInvoicePush(ctx context.Context, db *gorm.DB, limit int) ([]BillingRecord, error)
	SummaryByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]SummaryRow, error)

	Transition(ctx context.Context, db *gorm.DB, update TransitionUpdate) (int64, error)
	SetExternalInvoiceItemID(ctx context.Context, db *gorm.DB, id snowflake.ID, itemID string, updatedAt time.Time) (int64, error)
}
