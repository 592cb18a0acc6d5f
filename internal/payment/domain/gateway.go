package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidRequest   = errors.New("invalid_gateway_request")
	ErrExternalService  = errors.New("external_service_error")
	ErrGatewayDisabled  = errors.New("payment_gateway_disabled")
)

// Gateway is the synchronous surface of the payment provider.
type Gateway interface {
	Provider() string
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*Customer, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ExternalSubscription, error)
	CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (*ExternalSubscription, error)
	CreateInvoiceItem(ctx context.Context, req CreateInvoiceItemRequest) (*InvoiceItem, error)
	VerifyAndParseWebhook(payload []byte, signature string) (*Event, error)
}

type CreateCustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

type Customer struct {
	ID    string
	Email string
}

type CreateSubscriptionRequest struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

type CancelSubscriptionRequest struct {
	SubscriptionID string
	AtPeriodEnd    bool
}

type ExternalSubscription struct {
	ID                string
	Status            string
	CancelAtPeriodEnd bool
}

type CreateInvoiceItemRequest struct {
	CustomerID     string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type InvoiceItem struct {
	ID string
}

// ToMinorUnits converts a decimal amount into cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts cents into a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
