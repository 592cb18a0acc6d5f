package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	"github.com/smallbiznis/meterly/internal/clock"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	"github.com/smallbiznis/meterly/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Catalog  *pricing.Catalog
	Repo     subscriptiondomain.Repository
	UserRepo userdomain.Repository
	Gateway  paymentdomain.Gateway `optional:"true"`
	// Billing settles the usage of a window before Create or a provider
	// rollover moves it out of the scheduler's reach.
	Billing billingdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	catalog  *pricing.Catalog
	repo     subscriptiondomain.Repository
	userRepo userdomain.Repository
	gateway  paymentdomain.Gateway
	billing  billingdomain.Service
}

func NewService(p Params) subscriptiondomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	catalog := p.Catalog
	if catalog == nil {
		catalog = pricing.DefaultCatalog()
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    c,
		catalog:  catalog,
		repo:     p.Repo,
		userRepo: p.UserRepo,
		gateway:  p.Gateway,
		billing:  p.Billing,
	}
}

// Create starts a new active subscription for the user and cancels every
// prior active one in the same transaction.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	tier, err := pricing.ParseTier(req.Tier)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.Plan(tier)
	if err != nil {
		return nil, err
	}

	user, err := s.userRepo.FindByID(ctx, s.db, req.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, userdomain.ErrUserNotFound
	}

	now := s.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		UserID:             user.ID,
		Tier:               plan.Tier,
		Status:             subscriptiondomain.StatusActive,
		OperationsLimit:    plan.OperationsLimit,
		MonthlyPrice:       plan.MonthlyPrice,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(s.catalog.Period()),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	// The replaced windows are closed here, so bill them first. Operations
	// finishing between this and the cancel are swept after commit.
	active, err := s.repo.ListActiveByUserID(ctx, s.db, user.ID)
	if err != nil {
		return nil, err
	}
	for _, old := range active {
		if err := s.billClosingWindow(ctx, old, now); err != nil {
			return nil, err
		}
	}

	var replaced []subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.LockUser(ctx, tx, user.ID); err != nil {
			return err
		}
		prior, err := s.repo.ListActiveByUserID(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		if _, err := s.repo.CancelActiveByUserID(ctx, tx, user.ID, now); err != nil {
			return err
		}
		replaced = prior
		return s.repo.Insert(ctx, tx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", user.ID.String()),
		zap.String("tier", string(sub.Tier)),
		zap.Int("replaced", len(replaced)),
	)

	for _, old := range replaced {
		if err := s.billClosingWindow(ctx, old, now); err != nil {
			s.log.Error("bill replaced subscription window failed",
				zap.String("subscription_id", old.ID.String()),
				zap.Error(err),
			)
		}
		s.cancelExternal(ctx, old, false)
	}
	s.createExternal(ctx, user, sub, plan)
	return sub, nil
}

func (s *Service) GetActive(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	sub, err := s.repo.FindActiveByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrNoActiveSubscription
	}
	return sub, nil
}

func (s *Service) GetUsage(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Usage, error) {
	sub, err := s.GetActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	usage := sub.Usage()
	return &usage, nil
}

func (s *Service) CanConsume(sub *subscriptiondomain.Subscription) bool {
	return sub != nil && sub.CanConsume()
}

func (s *Service) Consume(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if db == nil {
		db = s.db
	}

	affected, err := s.repo.IncrementUsage(ctx, db, subscriptionID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	sub, err := s.repo.FindByID(ctx, db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if affected == 1 {
		return sub, nil
	}
	if sub.Status != subscriptiondomain.StatusActive {
		return nil, subscriptiondomain.ErrNoActiveSubscription
	}
	return nil, &subscriptiondomain.QuotaExceededError{
		Tier:  sub.Tier,
		Used:  sub.OperationsUsedThisMonth,
		Limit: sub.OperationsLimit,
	}
}

// ResetPeriod rolls an elapsed window forward by one period and zeroes
// usage. The update is conditioned on the period end that was read, so
// concurrent rollovers advance the window once. A window that has not
// elapsed yet is returned unchanged. Subscriptions flagged to cancel at
// period end are canceled instead.
func (s *Service) ResetPeriod(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if sub.Status == subscriptiondomain.StatusCanceled {
		return sub, subscriptiondomain.ErrAlreadyCanceled
	}

	now := s.clock.Now()
	if now.Before(sub.CurrentPeriodEnd) {
		return sub, nil
	}
	if sub.CancelAtPeriodEnd {
		if _, err := s.repo.MarkCanceled(ctx, s.db, sub.ID, now); err != nil {
			return nil, err
		}
		s.log.Info("subscription canceled at period end",
			zap.String("subscription_id", sub.ID.String()),
		)
		return s.reload(ctx, sub.ID)
	}

	start := sub.CurrentPeriodEnd
	end := start.Add(s.catalog.Period())
	affected, err := s.repo.RollPeriod(ctx, s.db, sub.ID, sub.CurrentPeriodEnd, start, end, now)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		s.log.Debug("period already rolled",
			zap.String("subscription_id", sub.ID.String()),
		)
	} else {
		s.log.Info("subscription period rolled",
			zap.String("subscription_id", sub.ID.String()),
			zap.Time("period_start", start),
			zap.Time("period_end", end),
			zap.Int("closed_usage", sub.OperationsUsedThisMonth),
		)
	}
	return s.reload(ctx, sub.ID)
}

// ChangeTier swaps limit and price; usage and the period window are kept.
func (s *Service) ChangeTier(ctx context.Context, userID snowflake.ID, tier pricing.Tier) (*subscriptiondomain.Subscription, error) {
	tier, err := pricing.ParseTier(string(tier))
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.Plan(tier)
	if err != nil {
		return nil, err
	}

	sub, err := s.GetActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	affected, err := s.repo.UpdateTier(ctx, s.db, sub.ID, plan.Tier, plan.OperationsLimit, plan.MonthlyPrice, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, subscriptiondomain.ErrNoActiveSubscription
	}

	s.log.Info("subscription tier changed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("from", string(sub.Tier)),
		zap.String("to", string(plan.Tier)),
	)
	return s.reload(ctx, sub.ID)
}

func (s *Service) Cancel(ctx context.Context, userID snowflake.ID, atPeriodEnd bool) (*subscriptiondomain.Subscription, error) {
	sub, err := s.GetActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if atPeriodEnd {
		if err := s.repo.SetCancelAtPeriodEnd(ctx, s.db, sub.ID, true, now); err != nil {
			return nil, err
		}
	} else {
		affected, err := s.repo.MarkCanceled(ctx, s.db, sub.ID, now)
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, subscriptiondomain.ErrAlreadyCanceled
		}
	}

	s.cancelExternal(ctx, *sub, atPeriodEnd)
	return s.reload(ctx, sub.ID)
}

func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*subscriptiondomain.Subscription, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	sub, err := s.repo.FindByExternalID(ctx, s.db, externalID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// ApplyExternalState mirrors the provider's status, window and cancel flag.
// Updates carrying an older period start than the local one are ignored,
// as is anything addressed to a canceled subscription. A newer period start
// is a provider-driven rollover: the closing window is billed, then usage
// resets.
func (s *Service) ApplyExternalState(ctx context.Context, externalID string, state subscriptiondomain.ExternalState) (*subscriptiondomain.Subscription, error) {
	sub, err := s.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	// Canceled is terminal locally. A late update for a replaced provider
	// subscription must not reactivate it next to its successor.
	if sub.Status == subscriptiondomain.StatusCanceled {
		s.log.Info("ignoring provider state for canceled subscription",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("incoming_status", state.Status),
		)
		return sub, nil
	}

	update := subscriptiondomain.ExternalStateUpdate{
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  state.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		UpdatedAt:          s.clock.Now(),
	}

	if state.CurrentPeriodStart != nil {
		incoming := state.CurrentPeriodStart.UTC()
		if incoming.Before(sub.CurrentPeriodStart.Add(-time.Second)) {
			s.log.Info("ignoring stale subscription state",
				zap.String("subscription_id", sub.ID.String()),
				zap.Time("incoming_period_start", incoming),
				zap.Time("local_period_start", sub.CurrentPeriodStart),
			)
			return sub, nil
		}
		if incoming.After(sub.CurrentPeriodStart.Add(time.Second)) {
			if err := s.billClosingWindow(ctx, *sub, incoming); err != nil {
				return nil, err
			}
			update.ResetUsage = true
		}
		update.CurrentPeriodStart = incoming
	}
	if state.CurrentPeriodEnd != nil {
		update.CurrentPeriodEnd = state.CurrentPeriodEnd.UTC()
	}

	if status, ok := subscriptiondomain.ParseExternalStatus(state.Status); ok {
		update.Status = status
	} else if state.Status != "" {
		s.log.Warn("unknown external subscription status",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("status", state.Status),
		)
	}

	if state.Deleted {
		update.Status = subscriptiondomain.StatusCanceled
		update.CancelAtPeriodEnd = false
	}
	if update.Status == subscriptiondomain.StatusCanceled && update.CanceledAt == nil {
		canceledAt := update.UpdatedAt
		if state.CanceledAt != nil {
			canceledAt = state.CanceledAt.UTC()
		}
		update.CanceledAt = &canceledAt
	}

	if err := s.repo.ApplyExternalState(ctx, s.db, sub.ID, update); err != nil {
		return nil, err
	}

	s.log.Info("subscription state applied",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("status", string(update.Status)),
		zap.Bool("usage_reset", update.ResetUsage),
	)
	return s.reload(ctx, sub.ID)
}

// billClosingWindow bills the user's unbilled usage from the start of sub's
// window up to end.
func (s *Service) billClosingWindow(ctx context.Context, sub subscriptiondomain.Subscription, end time.Time) error {
	if s.billing == nil || !sub.CurrentPeriodStart.Before(end) {
		return nil
	}
	record, err := s.billing.BillUsage(ctx, sub.UserID, sub.CurrentPeriodStart, end)
	if err != nil {
		return fmt.Errorf("bill closing window: %w", err)
	}
	if record != nil {
		s.log.Info("closing window billed",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("billing_record_id", record.ID.String()),
			zap.String("amount", record.Amount.StringFixed(2)),
		)
	}
	return nil
}

func (s *Service) ListDueForRollover(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListDueForRollover(ctx, s.db, now, limit)
}

func (s *Service) reload(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// createExternal mirrors the subscription at the gateway. Failures leave
// the local subscription active without an external id.
func (s *Service) createExternal(ctx context.Context, user *userdomain.User, sub *subscriptiondomain.Subscription, plan pricing.Plan) {
	if s.gateway == nil || !user.HasExternalCustomer() || plan.ExternalPriceID == "" {
		return
	}

	external, err := s.gateway.CreateSubscription(ctx, paymentdomain.CreateSubscriptionRequest{
		CustomerID: *user.ExternalCustomerID,
		PriceID:    plan.ExternalPriceID,
		Metadata: map[string]string{
			"user_id":         user.ID.String(),
			"subscription_id": sub.ID.String(),
			"tier":            string(plan.Tier),
		},
	})
	if err != nil {
		s.logGatewayError("gateway subscription not created", sub.ID, err)
		return
	}

	if err := s.repo.SetExternalID(ctx, s.db, sub.ID, external.ID, s.clock.Now()); err != nil {
		s.log.Error("failed to store external subscription id",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("external_subscription_id", external.ID),
			zap.Error(err),
		)
		return
	}
	sub.ExternalSubscriptionID = &external.ID
}

func (s *Service) cancelExternal(ctx context.Context, sub subscriptiondomain.Subscription, atPeriodEnd bool) {
	if s.gateway == nil || sub.ExternalSubscriptionID == nil || *sub.ExternalSubscriptionID == "" {
		return
	}
	_, err := s.gateway.CancelSubscription(ctx, paymentdomain.CancelSubscriptionRequest{
		SubscriptionID: *sub.ExternalSubscriptionID,
		AtPeriodEnd:    atPeriodEnd,
	})
	if err != nil {
		s.logGatewayError("gateway subscription not canceled", sub.ID, err)
	}
}

func (s *Service) logGatewayError(msg string, id snowflake.ID, err error) {
	if errors.Is(err, paymentdomain.ErrGatewayDisabled) {
		s.log.Debug(msg, zap.String("subscription_id", id.String()), zap.Error(err))
		return
	}
	s.log.Warn(msg, zap.String("subscription_id", id.String()), zap.Error(err))
}
