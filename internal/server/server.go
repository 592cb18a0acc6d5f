// Package server exposes the metering and billing services over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/meterly/internal/billing"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/config"
	"github.com/smallbiznis/meterly/internal/observability"
	obslogger "github.com/smallbiznis/meterly/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterly/internal/observability/metrics"
	obstracing "github.com/smallbiznis/meterly/internal/observability/tracing"
	"github.com/smallbiznis/meterly/internal/operation"
	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
	"github.com/smallbiznis/meterly/internal/payment"
	"github.com/smallbiznis/meterly/internal/payment/reconciler"
	"github.com/smallbiznis/meterly/internal/ratelimit"
	"github.com/smallbiznis/meterly/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"github.com/smallbiznis/meterly/internal/user"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	user.Module,
	subscription.Module,
	operation.Module,
	billing.Module,
	payment.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// WebhookApplier verifies and applies a raw provider delivery.
type WebhookApplier interface {
	ApplyWebhook(ctx context.Context, payload []byte, signature string) (*billingdomain.BillingRecord, error)
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
		QuietRoutes:     []string{"/healthz", "/metrics"},
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	clock           clock.Clock
	userSvc         userdomain.Service
	subscriptionSvc subscriptiondomain.Service
	operationSvc    operationdomain.Service
	billingSvc      billingdomain.Service
	webhooks        WebhookApplier
	obsMetrics      *obsmetrics.Metrics
	operationLimit  *ratelimit.OperationLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Clock           clock.Clock
	UserSvc         userdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	OperationSvc    operationdomain.Service
	BillingSvc      billingdomain.Service
	Reconciler      *reconciler.Service
	ObsMetrics      *obsmetrics.Metrics         `optional:"true"`
	OperationLimit  *ratelimit.OperationLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		clock:           c,
		userSvc:         p.UserSvc,
		subscriptionSvc: p.SubscriptionSvc,
		operationSvc:    p.OperationSvc,
		billingSvc:      p.BillingSvc,
		obsMetrics:      p.ObsMetrics,
		operationLimit:  p.OperationLimit,
	}
	if p.Reconciler != nil {
		svc.webhooks = p.Reconciler
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/users", s.Signup)

	users := api.Group("/users/:user_id")
	{
		users.POST("/subscriptions", s.CreateSubscription)
		users.PATCH("/subscription", s.ChangeTier)
		users.POST("/subscription/cancel", s.CancelSubscription)
		users.GET("/usage", s.GetUsage)

		users.POST("/operations", s.OperationRateLimit(), s.ExecuteOperation)
		users.GET("/operations", s.ListOperations)
		users.GET("/operations/stats", s.OperationStats)
		users.GET("/operations/:id", s.GetOperation)

		users.POST("/billing/periods", s.BillPeriod)
		users.GET("/billing/records", s.ListBillingRecords)
		users.GET("/billing/summary", s.BillingSummary)
	}
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}
