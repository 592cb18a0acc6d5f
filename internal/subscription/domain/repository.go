package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/pricing"
	"gorm.io/gorm"
)

// ExternalStateUpdate is the provider-driven mutation applied by the reconciler.
type ExternalStateUpdate struct {
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	ResetUsage         bool
	UpdatedAt          time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	ListActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Subscription, error)
	ListDueForRollover(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	LockUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (bool, error)

	// IncrementUsage is the compare-and-increment; zero rows means the
	// subscription is inactive or at its limit.
	IncrementUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, updatedAt time.Time) (int64, error)
	// RollPeriod resets usage and moves the window only while the stored
	// period end still equals expectedEnd.
	RollPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedEnd, start, end, updatedAt time.Time) (int64, error)
	CancelActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID, canceledAt time.Time) (int64, error)
	MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, canceledAt time.Time) (int64, error)
	SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, cancel bool, updatedAt time.Time) error
	UpdateTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tier pricing.Tier, limit int, price decimal.Decimal, updatedAt time.Time) (int64, error)
	SetExternalID(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID string, updatedAt time.Time) error
	ApplyExternalState(ctx context.Context, db *gorm.DB, id snowflake.ID, update ExternalStateUpdate) error
}
