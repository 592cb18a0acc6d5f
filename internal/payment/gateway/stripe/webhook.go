package stripe

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// VerifyAndParseWebhook checks the Stripe-Signature header against the
// webhook secret and converts the payload into a canonical event. Unknown
// event types parse successfully with no typed payload.
func (c *Client) VerifyAndParseWebhook(payload []byte, signature string) (*paymentdomain.Event, error) {
	if c.webhookSecret == "" {
		c.log.Warn("webhook rejected: webhook secret not configured")
		return nil, paymentdomain.ErrInvalidSignature
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, c.webhookSecret, c.tolerance); err != nil {
		c.log.Debug("webhook signature rejected", zap.Error(err))
		return nil, paymentdomain.ErrInvalidSignature
	}
	return parseEvent(payload)
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// expandableID accepts both the bare id and the expanded object form.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type stripeInvoice struct {
	ID                    string       `json:"id"`
	Customer              expandableID `json:"customer"`
	Subscription          expandableID `json:"subscription"`
	PaymentIntent         expandableID `json:"payment_intent"`
	AmountPaid            int64        `json:"amount_paid"`
	AmountDue             int64        `json:"amount_due"`
	Currency              string       `json:"currency"`
	PeriodStart           int64        `json:"period_start"`
	PeriodEnd             int64        `json:"period_end"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

type stripeSubscription struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CanceledAt         int64        `json:"canceled_at"`
	Items              struct {
		Data []struct {
			Price struct {
				ID         string `json:"id"`
				UnitAmount *int64 `json:"unit_amount"`
				Currency   string `json:"currency"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeCharge struct {
	ID             string       `json:"id"`
	Customer       expandableID `json:"customer"`
	PaymentIntent  expandableID `json:"payment_intent"`
	AmountRefunded int64        `json:"amount_refunded"`
	Currency       string       `json:"currency"`
}

func parseEvent(payload []byte) (*paymentdomain.Event, error) {
	var raw stripeEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	raw.ID = strings.TrimSpace(raw.ID)
	raw.Type = strings.TrimSpace(raw.Type)
	if raw.ID == "" || raw.Type == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event := &paymentdomain.Event{
		ID:         raw.ID,
		Kind:       paymentdomain.EventKind(raw.Type),
		Provider:   providerName,
		OccurredAt: unixTime(raw.Created),
		Payload:    payload,
	}

	switch event.Kind {
	case paymentdomain.EventInvoicePaymentSucceeded, paymentdomain.EventInvoicePaymentFailed:
		var inv stripeInvoice
		if err := decodeObject(raw.Data.Object, &inv); err != nil {
			return nil, err
		}
		event.Invoice = toInvoicePayload(inv)
	case paymentdomain.EventSubscriptionCreated, paymentdomain.EventSubscriptionUpdated, paymentdomain.EventSubscriptionDeleted:
		var sub stripeSubscription
		if err := decodeObject(raw.Data.Object, &sub); err != nil {
			return nil, err
		}
		event.Subscription = toSubscriptionPayload(sub)
	case paymentdomain.EventChargeRefunded:
		var charge stripeCharge
		if err := decodeObject(raw.Data.Object, &charge); err != nil {
			return nil, err
		}
		event.Charge = &paymentdomain.ChargePayload{
			ID:              charge.ID,
			CustomerID:      string(charge.Customer),
			PaymentIntentID: string(charge.PaymentIntent),
			AmountRefunded:  paymentdomain.FromMinorUnits(charge.AmountRefunded),
			Currency:        strings.ToLower(charge.Currency),
		}
	}

	return event, nil
}

func decodeObject(obj json.RawMessage, out any) error {
	if len(obj) == 0 {
		return paymentdomain.ErrInvalidPayload
	}
	if err := json.Unmarshal(obj, out); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	return nil
}

func toInvoicePayload(inv stripeInvoice) *paymentdomain.InvoicePayload {
	out := &paymentdomain.InvoicePayload{
		ID:              inv.ID,
		CustomerID:      string(inv.Customer),
		SubscriptionID:  string(inv.Subscription),
		PaymentIntentID: string(inv.PaymentIntent),
		AmountPaid:      paymentdomain.FromMinorUnits(inv.AmountPaid),
		AmountDue:       paymentdomain.FromMinorUnits(inv.AmountDue),
		Currency:        strings.ToLower(inv.Currency),
		PeriodStart:     optionalUnix(inv.PeriodStart),
		PeriodEnd:       optionalUnix(inv.PeriodEnd),
	}
	if inv.LastFinalizationError != nil {
		out.FailureMessage = strings.TrimSpace(inv.LastFinalizationError.Message)
	}
	return out
}

func toSubscriptionPayload(sub stripeSubscription) *paymentdomain.SubscriptionPayload {
	out := &paymentdomain.SubscriptionPayload{
		ID:                 sub.ID,
		CustomerID:         string(sub.Customer),
		Status:             strings.ToLower(strings.TrimSpace(sub.Status)),
		CurrentPeriodStart: optionalUnix(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   optionalUnix(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         optionalUnix(sub.CanceledAt),
	}
	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		out.PriceID = price.ID
		out.Currency = strings.ToLower(price.Currency)
		if price.UnitAmount != nil {
			amount := decimal.New(*price.UnitAmount, -2)
			out.UnitAmount = &amount
		}
	}
	return out
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func optionalUnix(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
