package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

const providerName = "stripe"

type Config struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	// APIBaseURL overrides the Stripe API endpoint (stripe-mock, tests).
	APIBaseURL        string
	HTTPClient        *http.Client
	MaxNetworkRetries int64
}

// Client implements paymentdomain.Gateway on top of stripe-go. API calls fail
// with ErrGatewayDisabled when no secret key is configured; webhook
// verification only needs the webhook secret.
type Client struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
	log           *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}

	c := &Client{
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		tolerance:     tolerance,
		log:           log.Named("payment.stripe"),
	}

	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return c
	}

	var backends *stripe.Backends
	if strings.TrimSpace(cfg.APIBaseURL) != "" || cfg.HTTPClient != nil {
		backendCfg := &stripe.BackendConfig{
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
			MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		}
		if url := strings.TrimSpace(cfg.APIBaseURL); url != "" {
			backendCfg.URL = stripe.String(url)
		}
		if cfg.HTTPClient != nil {
			backendCfg.HTTPClient = cfg.HTTPClient
		}
		backends = &stripe.Backends{
			API: stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		}
	}
	c.api = client.New(key, backends)
	return c
}

func (c *Client) Provider() string { return providerName }

func (c *Client) CreateCustomer(ctx context.Context, req paymentdomain.CreateCustomerRequest) (*paymentdomain.Customer, error) {
	if c.api == nil {
		return nil, paymentdomain.ErrGatewayDisabled
	}
	if strings.TrimSpace(req.Email) == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(strings.TrimSpace(req.Email)),
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	cust, err := c.api.Customers.New(params)
	if err != nil {
		return nil, externalError("create customer", err)
	}
	return &paymentdomain.Customer{ID: cust.ID, Email: cust.Email}, nil
}

func (c *Client) CreateSubscription(ctx context.Context, req paymentdomain.CreateSubscriptionRequest) (*paymentdomain.ExternalSubscription, error) {
	if c.api == nil {
		return nil, paymentdomain.ErrGatewayDisabled
	}
	if strings.TrimSpace(req.CustomerID) == "" || strings.TrimSpace(req.PriceID) == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceID)},
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, externalError("create subscription", err)
	}
	return &paymentdomain.ExternalSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}, nil
}

func (c *Client) CancelSubscription(ctx context.Context, req paymentdomain.CancelSubscriptionRequest) (*paymentdomain.ExternalSubscription, error) {
	if c.api == nil {
		return nil, paymentdomain.ErrGatewayDisabled
	}
	if strings.TrimSpace(req.SubscriptionID) == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}

	var (
		sub *stripe.Subscription
		err error
	)
	if req.AtPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		sub, err = c.api.Subscriptions.Update(req.SubscriptionID, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		sub, err = c.api.Subscriptions.Cancel(req.SubscriptionID, params)
	}
	if err != nil {
		return nil, externalError("cancel subscription", err)
	}
	return &paymentdomain.ExternalSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}, nil
}

func (c *Client) CreateInvoiceItem(ctx context.Context, req paymentdomain.CreateInvoiceItemRequest) (*paymentdomain.InvoiceItem, error) {
	if c.api == nil {
		return nil, paymentdomain.ErrGatewayDisabled
	}
	if strings.TrimSpace(req.CustomerID) == "" || !req.Amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidRequest
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.InvoiceItemParams{
		Customer: stripe.String(req.CustomerID),
		Amount:   stripe.Int64(paymentdomain.ToMinorUnits(req.Amount)),
		Currency: stripe.String(currency),
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	item, err := c.api.InvoiceItems.New(params)
	if err != nil {
		return nil, externalError("create invoice item", err)
	}
	return &paymentdomain.InvoiceItem{ID: item.ID}, nil
}

func externalError(op string, err error) error {
	return fmt.Errorf("%w: stripe %s: %v", paymentdomain.ErrExternalService, op, err)
}
