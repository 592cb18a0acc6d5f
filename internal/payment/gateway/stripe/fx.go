package stripe

import (
	"github.com/smallbiznis/meterly/internal/config"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	"go.uber.org/zap"
)

// Provide builds the gateway from application config.
func Provide(cfg config.Config, log *zap.Logger) paymentdomain.Gateway {
	if !cfg.Stripe.Enabled() {
		log.Warn("stripe secret key not configured, gateway calls are disabled")
	}
	return New(Config{
		SecretKey:        cfg.Stripe.SecretKey,
		WebhookSecret:    cfg.Stripe.WebhookSecret,
		WebhookTolerance: cfg.Stripe.WebhookTolerance,
		APIBaseURL:       cfg.Stripe.APIBaseURL,
	}, log)
}
