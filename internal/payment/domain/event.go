package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind is the provider event type string.
type EventKind string

const (
	EventInvoicePaymentSucceeded EventKind = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventKind = "invoice.payment_failed"
	EventSubscriptionCreated     EventKind = "customer.subscription.created"
	EventSubscriptionUpdated     EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted     EventKind = "customer.subscription.deleted"
	EventChargeRefunded          EventKind = "charge.refunded"
)

// Event is the canonical, provider-neutral form of a webhook delivery.
// Exactly one of the typed payloads is set for known kinds; unknown kinds
// carry none.
type Event struct {
	ID         string
	Kind       EventKind
	Provider   string
	OccurredAt time.Time
	Payload    []byte

	Invoice      *InvoicePayload
	Subscription *SubscriptionPayload
	Charge       *ChargePayload
}

type InvoicePayload struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	AmountPaid      decimal.Decimal
	AmountDue       decimal.Decimal
	Currency        string
	FailureMessage  string
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
}

type SubscriptionPayload struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	UnitAmount         *decimal.Decimal
	Currency           string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}

type ChargePayload struct {
	ID              string
	CustomerID      string
	PaymentIntentID string
	AmountRefunded  decimal.Decimal
	Currency        string
}
