package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/pricing"
	"gorm.io/gorm"
)

type CreateSubscriptionRequest struct {
	UserID snowflake.ID `json:"user_id"`
	Tier   string       `json:"tier"`
}

// ExternalState is the provider view of a subscription.
type ExternalState struct {
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	Deleted            bool
}

// Service is the quota ledger plus subscription lifecycle.
type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	GetActive(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	GetUsage(ctx context.Context, userID snowflake.ID) (*Usage, error)
	CanConsume(sub *Subscription) bool
	// Consume increments usage by one on db, which may be the caller's
	// transaction. Fails with *QuotaExceededError at the limit.
	Consume(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Subscription, error)
	ResetPeriod(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	ChangeTier(ctx context.Context, userID snowflake.ID, tier pricing.Tier) (*Subscription, error)
	Cancel(ctx context.Context, userID snowflake.ID, atPeriodEnd bool) (*Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	ApplyExternalState(ctx context.Context, externalID string, state ExternalState) (*Subscription, error)
	ListDueForRollover(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
}
