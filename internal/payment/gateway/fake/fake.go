// Package fake provides an in-memory payment gateway that records calls.
package fake

import (
	"context"
	"fmt"
	"sync"

	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
)

// Gateway records every call. Set the *Err fields to force failures and
// Events to control what VerifyAndParseWebhook returns per signature.
type Gateway struct {
	mu sync.Mutex

	CustomerErr     error
	SubscriptionErr error
	CancelErr       error
	InvoiceItemErr  error

	Customers     []paymentdomain.CreateCustomerRequest
	Subscriptions []paymentdomain.CreateSubscriptionRequest
	Cancels       []paymentdomain.CancelSubscriptionRequest
	InvoiceItems  []paymentdomain.CreateInvoiceItemRequest

	// Events maps a signature header to the event it verifies into. Any
	// other signature fails with ErrInvalidSignature.
	Events map[string]*paymentdomain.Event

	seq int
}

func New() *Gateway {
	return &Gateway{Events: map[string]*paymentdomain.Event{}}
}

func (g *Gateway) Provider() string { return "fake" }

func (g *Gateway) CreateCustomer(_ context.Context, req paymentdomain.CreateCustomerRequest) (*paymentdomain.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Customers = append(g.Customers, req)
	if g.CustomerErr != nil {
		return nil, g.CustomerErr
	}
	return &paymentdomain.Customer{ID: g.nextID("cus"), Email: req.Email}, nil
}

func (g *Gateway) CreateSubscription(_ context.Context, req paymentdomain.CreateSubscriptionRequest) (*paymentdomain.ExternalSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Subscriptions = append(g.Subscriptions, req)
	if g.SubscriptionErr != nil {
		return nil, g.SubscriptionErr
	}
	return &paymentdomain.ExternalSubscription{ID: g.nextID("sub"), Status: "active"}, nil
}

func (g *Gateway) CancelSubscription(_ context.Context, req paymentdomain.CancelSubscriptionRequest) (*paymentdomain.ExternalSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cancels = append(g.Cancels, req)
	if g.CancelErr != nil {
		return nil, g.CancelErr
	}
	status := "canceled"
	if req.AtPeriodEnd {
		status = "active"
	}
	return &paymentdomain.ExternalSubscription{ID: req.SubscriptionID, Status: status, CancelAtPeriodEnd: req.AtPeriodEnd}, nil
}

func (g *Gateway) CreateInvoiceItem(_ context.Context, req paymentdomain.CreateInvoiceItemRequest) (*paymentdomain.InvoiceItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.InvoiceItems = append(g.InvoiceItems, req)
	if g.InvoiceItemErr != nil {
		return nil, g.InvoiceItemErr
	}
	return &paymentdomain.InvoiceItem{ID: g.nextID("ii")}, nil
}

func (g *Gateway) VerifyAndParseWebhook(_ []byte, signature string) (*paymentdomain.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	event, ok := g.Events[signature]
	if !ok {
		return nil, paymentdomain.ErrInvalidSignature
	}
	if event == nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return event, nil
}

// SetInvoiceItemErr swaps the forced invoice item failure under the lock.
func (g *Gateway) SetInvoiceItemErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.InvoiceItemErr = err
}

// InvoiceItemCount returns the number of invoice item calls so far.
func (g *Gateway) InvoiceItemCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.InvoiceItems)
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_fake_%d", prefix, g.seq)
}
