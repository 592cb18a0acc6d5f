package payment

import (
	"github.com/smallbiznis/meterly/internal/payment/gateway/stripe"
	"github.com/smallbiznis/meterly/internal/payment/reconciler"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(stripe.Provide),
	fx.Provide(reconciler.NewService),
)
