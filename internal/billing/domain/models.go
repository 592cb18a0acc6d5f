// Package domain defines billing records and the aggregation contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// EventType classifies what produced a billing record.
type EventType string

const (
	EventTypeSubscriptionCreated EventType = "subscription_created"
	EventTypeInvoicePaid         EventType = "invoice_paid"
	EventTypePaymentFailed       EventType = "payment_failed"
	EventTypeOperationUsage      EventType = "operation_usage"
)

// Status is the settlement state of a billing record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

const DefaultCurrency = "usd"

// BillingRecord is the append-mostly money trail. Usage records carry the
// aggregated window; provider records carry the external identifiers.
type BillingRecord struct {
	ID                      snowflake.ID    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID                  snowflake.ID    `gorm:"not null;index" json:"user_id"`
	EventType               EventType       `gorm:"type:text;not null;index" json:"event_type"`
	Amount                  decimal.Decimal `gorm:"type:numeric(10,2);not null" json:"amount"`
	Currency                string          `gorm:"type:text;not null;default:'usd'" json:"currency"`
	Status                  Status          `gorm:"type:text;not null;index" json:"status"`
	ExternalEventID         *string         `gorm:"type:text;uniqueIndex:idx_billing_records_external_event_id" json:"external_event_id,omitempty"`
	ExternalInvoiceID       *string         `gorm:"type:text" json:"external_invoice_id,omitempty"`
	ExternalPaymentIntentID *string         `gorm:"type:text;index" json:"external_payment_intent_id,omitempty"`
	ExternalSubscriptionID  *string         `gorm:"type:text" json:"external_subscription_id,omitempty"`
	ExternalInvoiceItemID   *string         `gorm:"type:text" json:"external_invoice_item_id,omitempty"`
	OperationsCount         *int            `json:"operations_count,omitempty"`
	PeriodStart             *time.Time      `json:"period_start,omitempty"`
	PeriodEnd               *time.Time      `json:"period_end,omitempty"`
	Description             *string         `gorm:"type:text" json:"description,omitempty"`
	Notes                   *string         `gorm:"type:text" json:"notes,omitempty"`
	Processed               bool            `gorm:"not null;default:false" json:"processed"`
	ProcessedAt             *time.Time      `json:"processed_at,omitempty"`
	CreatedAt               time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time       `gorm:"not null" json:"updated_at"`
}

func (BillingRecord) TableName() string { return "billing_records" }

// NeedsInvoicePush reports whether a usage record still has to be mirrored
// to the provider as an invoice item.
func (r BillingRecord) NeedsInvoicePush() bool {
	return r.EventType == EventTypeOperationUsage &&
		r.Status == StatusPending &&
		r.ExternalInvoiceItemID == nil &&
		r.Amount.IsPositive()
}

// Bucket is a count and amount pair.
type Bucket struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Summary aggregates a user's billing records.
type Summary struct {
	UserID       snowflake.ID         `json:"user_id"`
	TotalRecords int64                `json:"total_records"`
	TotalPaid    decimal.Decimal      `json:"total_paid"`
	TotalPending decimal.Decimal      `json:"total_pending"`
	ByStatus     map[Status]Bucket    `json:"by_status"`
	ByEventType  map[EventType]Bucket `json:"by_event_type"`
}
