// Package reconciler folds verified payment provider events into local
// billing records and subscription state.
package reconciler

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	"github.com/smallbiznis/meterly/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	"github.com/smallbiznis/meterly/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Gateway       paymentdomain.Gateway
	Billing       billingdomain.Service
	Subscriptions subscriptiondomain.Service
	Users         userdomain.Service
	Catalog       *pricing.Catalog
	Metrics       *metrics.Metrics `optional:"true"`
}

type handlerFunc func(ctx context.Context, event *paymentdomain.Event) (*billingdomain.BillingRecord, string, error)

type Service struct {
	log           *zap.Logger
	gateway       paymentdomain.Gateway
	billing       billingdomain.Service
	subscriptions subscriptiondomain.Service
	users         userdomain.Service
	catalog       *pricing.Catalog
	metrics       *metrics.Metrics
	handlers      map[paymentdomain.EventKind]handlerFunc
}

func NewService(p Params) *Service {
	catalog := p.Catalog
	if catalog == nil {
		catalog = pricing.DefaultCatalog()
	}
	s := &Service{
		log:           p.Log.Named("payment.reconciler"),
		gateway:       p.Gateway,
		billing:       p.Billing,
		subscriptions: p.Subscriptions,
		users:         p.Users,
		catalog:       catalog,
		metrics:       p.Metrics,
	}
	s.handlers = map[paymentdomain.EventKind]handlerFunc{
		paymentdomain.EventInvoicePaymentSucceeded: s.invoicePaid,
		paymentdomain.EventInvoicePaymentFailed:    s.invoicePaymentFailed,
		paymentdomain.EventSubscriptionCreated:     s.subscriptionCreated,
		paymentdomain.EventSubscriptionUpdated:     s.subscriptionChanged,
		paymentdomain.EventSubscriptionDeleted:     s.subscriptionChanged,
		paymentdomain.EventChargeRefunded:          s.chargeRefunded,
	}
	return s
}

// ApplyWebhook verifies the raw delivery and applies it. Signature and
// payload failures surface as paymentdomain.ErrInvalidSignature and
// paymentdomain.ErrInvalidPayload.
func (s *Service) ApplyWebhook(ctx context.Context, payload []byte, signature string) (*billingdomain.BillingRecord, error) {
	if s.gateway == nil {
		return nil, paymentdomain.ErrGatewayDisabled
	}
	event, err := s.gateway.VerifyAndParseWebhook(payload, signature)
	if err != nil {
		s.metrics.RecordPaymentEvent(ctx, s.gateway.Provider(), "", outcomeRejected)
		s.log.Warn("webhook rejected", zap.Error(err))
		return nil, err
	}
	if event.Provider == "" {
		event.Provider = s.gateway.Provider()
	}
	return s.ApplyEvent(ctx, event)
}

// ApplyEvent dispatches a verified event. Unknown kinds and events for
// unknown users or subscriptions are acknowledged with nil, nil.
func (s *Service) ApplyEvent(ctx context.Context, event *paymentdomain.Event) (*billingdomain.BillingRecord, error) {
	if event == nil || strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	log := s.log.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Kind)),
	)

	handler, ok := s.handlers[event.Kind]
	if !ok {
		log.Info("ignoring unhandled payment event")
		s.metrics.RecordPaymentEvent(ctx, event.Provider, string(event.Kind), outcomeIgnored)
		return nil, nil
	}

	record, outcome, err := handler(ctx, event)
	if err != nil {
		s.metrics.RecordPaymentEvent(ctx, event.Provider, string(event.Kind), outcomeError)
		log.Error("payment event failed", zap.Error(err))
		return nil, err
	}
	s.metrics.RecordPaymentEvent(ctx, event.Provider, string(event.Kind), outcome)
	log.Info("payment event processed", zap.String("outcome", outcome))
	return record, nil
}

func (s *Service) invoicePaid(ctx context.Context, event *paymentdomain.Event) (*billingdomain.BillingRecord, string, error) {
	invoice := event.Invoice
	if invoice == nil {
		return nil, "", paymentdomain.ErrInvalidPayload
	}
	user, err := s.resolveUser(ctx, invoice.CustomerID)
	if err != nil || user == nil {
		return nil, outcomeIgnored, err
	}

	return s.record(ctx, billingdomain.ExternalRecordRequest{
		UserID:                  user.ID,
		EventType:               billingdomain.EventTypeInvoicePaid,
		Amount:                  invoice.AmountPaid,
		Currency:                invoice.Currency,
		Outcome:                 billingdomain.StatusCompleted,
		ExternalEventID:         event.ID,
		ExternalInvoiceID:       invoice.ID,
		ExternalPaymentIntentID: invoice.PaymentIntentID,
		ExternalSubscriptionID:  invoice.SubscriptionID,
		Description:             "Invoice payment succeeded",
		PeriodStart:             invoice.PeriodStart,
		PeriodEnd:               invoice.PeriodEnd,
	})
}

func (s *Service) invoicePaymentFailed(ctx context.Context, event *paymentdomain.Event) (*billingdomain.BillingRecord, string, error) {
	invoice := event.Invoice
	if invoice == nil {
		return nil, "", paymentdomain.ErrInvalidPayload
	}
	user, err := s.resolveUser(ctx, invoice.CustomerID)
	if err != nil || user == nil {
		return nil, outcomeIgnored, err
	}

	reason := strings.TrimSpace(invoice.FailureMessage)
	if reason == "" {
		reason = "payment failed"
	}
	return s.record(ctx, billingdomain.ExternalRecordRequest{
		UserID:                  user.ID,
		EventType:               billingdomain.EventTypePaymentFailed,
		Amount:                  invoice.AmountDue,
		Currency:                invoice.Currency,
		Outcome:                 billingdomain.StatusFailed,
		ExternalEventID:         event.ID,
		ExternalInvoiceID:       invoice.ID,
		ExternalPaymentIntentID: invoice.PaymentIntentID,
		ExternalSubscriptionID:  invoice.SubscriptionID,
		Description:             "Invoice payment failed",
		Notes:                   reason,
	})
}

func (s *Service) subscriptionCreated(ctx context.Context, event *paymentdomain.Event) (*billingdomain.BillingRecord, string, error) {
	sub := event.Subscription
	if sub == nil {
		return nil, "", paymentdomain.ErrInvalidPayload
	}
	user, err := s.resolveUser(ctx, sub.CustomerID)
	if err != nil || user == nil {
		return nil, outcomeIgnored, err
	}

	return s.record(ctx, billingdomain.ExternalRecordRequest{
		UserID:                 user.ID,
		EventType:              billingdomain.EventTypeSubscriptionCreated,
		Amount:                 s.subscriptionAmount(ctx, sub),
		Currency:               sub.Currency,
		Outcome:                billingdomain.StatusPending,
		ExternalEventID:        event.ID,
		ExternalSubscriptionID: sub.ID,
		Description:            "Monthly subscription payment",
		PeriodStart:            sub.CurrentPeriodStart,
		PeriodEnd:              sub.CurrentPeriodEnd,
	})
}

// subscriptionAmount prefers the provider price, then the local
// subscription's tier price, then the catalog entry mapped to the price id.
func (s *Service) subscriptionAmount(ctx context.Context, sub *paymentdomain.SubscriptionPayload) decimal.Decimal {
	if sub.UnitAmount != nil {
		return *sub.UnitAmount
	}
	local, err := s.subscriptions.FindByExternalID(ctx, sub.ID)
	if err == nil && local != nil {
		return local.MonthlyPrice
	}
	if plan, ok := s.catalog.PlanByExternalPriceID(sub.PriceID); ok {
		return plan.MonthlyPrice
	}
	return decimal.Zero
}

func (s *Service) subscriptionChanged(ctx context.Context, event *paymentdomain.Event) (*billingdomain.BillingRecord, string, error) {
	sub := event.Subscription
	if sub == nil {
		return nil, "", paymentdomain.ErrInvalidPayload
	}

	_, err := s.subscriptions.ApplyExternalState(ctx, sub.ID, subscriptiondomain.ExternalState{
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		Deleted:            event.Kind == paymentdomain.EventSubscriptionDeleted,
	})
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			s.log.Warn("payment event for unknown subscription",
				zap.String("event_id", event.ID),
				zap.String("external_subscription_id", sub.ID),
			)
			return nil, outcomeIgnored, nil
		}
		return nil, "", err
	}
	return nil, outcomeApplied, nil
}

func (s *Service) chargeRefunded(ctx context.Context, event *paymentdomain.Event) (*billingdomain.BillingRecord, string, error) {
	charge := event.Charge
	if charge == nil {
		return nil, "", paymentdomain.ErrInvalidPayload
	}

	record, err := s.billing.RefundByPaymentIntent(ctx, charge.PaymentIntentID, "charge "+charge.ID+" refunded")
	if err != nil {
		if errors.Is(err, billingdomain.ErrInvalidTransition) {
			s.log.Warn("refund for record that is not completed",
				zap.String("event_id", event.ID),
				zap.String("payment_intent_id", charge.PaymentIntentID),
			)
			return nil, outcomeIgnored, nil
		}
		return nil, "", err
	}
	if record == nil {
		s.log.Warn("refund for unknown payment",
			zap.String("event_id", event.ID),
			zap.String("payment_intent_id", charge.PaymentIntentID),
		)
		return nil, outcomeIgnored, nil
	}
	return record, outcomeApplied, nil
}

func (s *Service) record(ctx context.Context, req billingdomain.ExternalRecordRequest) (*billingdomain.BillingRecord, string, error) {
	record, created, err := s.billing.RecordExternalEvent(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if !created {
		return record, outcomeDuplicate, nil
	}
	return record, outcomeApplied, nil
}

// resolveUser returns nil, nil for customers with no local user.
func (s *Service) resolveUser(ctx context.Context, customerID string) (*userdomain.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		s.log.Warn("payment event without customer")
		return nil, nil
	}
	user, err := s.users.GetByExternalCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, userdomain.ErrUserNotFound) {
			s.log.Warn("payment event for unknown customer", zap.String("customer_id", customerID))
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}
