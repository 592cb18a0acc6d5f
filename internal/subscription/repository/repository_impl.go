package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"github.com/smallbiznis/meterly/pkg/db"
	"gorm.io/gorm"
)

const selectColumns = `SELECT id, user_id, tier, status, operations_used_this_month, operations_limit,
		 monthly_price, current_period_start, current_period_end, cancel_at_period_end,
		 canceled_at, external_subscription_id, created_at, updated_at
		 FROM subscriptions`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, tier, status, operations_used_this_month, operations_limit,
			monthly_price, current_period_start, current_period_end, cancel_at_period_end,
			canceled_at, external_subscription_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.Tier,
		sub.Status,
		sub.OperationsUsedThisMonth,
		sub.OperationsLimit,
		sub.MonthlyPrice,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.ExternalSubscriptionID,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(selectColumns+` WHERE id = ?`, id).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		selectColumns+`
		 WHERE user_id = ? AND status = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
		subscriptiondomain.StatusActive,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(selectColumns+` WHERE external_subscription_id = ? LIMIT 1`, externalID).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) ListActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE user_id = ? AND status = ? ORDER BY created_at ASC`,
		userID,
		subscriptiondomain.StatusActive,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) ListDueForRollover(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		selectColumns+`
		 WHERE status IN ? AND current_period_end <= ?
		 ORDER BY current_period_end ASC
		 LIMIT ?`,
		[]subscriptiondomain.Status{subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue},
		now,
		limit,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// LockUser takes a row lock on the owning user so concurrent subscription
// creation for one user serializes. On sqlite the transaction itself
// serializes writers.
func (r *repo) LockUser(ctx context.Context, conn *gorm.DB, userID snowflake.ID) (bool, error) {
	var id snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT id FROM users WHERE id = ?`+db.LockingClause(conn),
		userID,
	).Scan(&id).Error
	if err != nil {
		return false, err
	}
	return id != 0, nil
}

func (r *repo) IncrementUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, updatedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET operations_used_this_month = operations_used_this_month + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND operations_used_this_month < operations_limit`,
		updatedAt,
		id,
		subscriptiondomain.StatusActive,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) RollPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedEnd, start, end, updatedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET operations_used_this_month = 0, current_period_start = ?, current_period_end = ?, updated_at = ?
		 WHERE id = ? AND current_period_end = ?`,
		start,
		end,
		updatedAt,
		id,
		expectedEnd,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) CancelActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID, canceledAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, canceled_at = ?, updated_at = ?
		 WHERE user_id = ? AND status = ?`,
		subscriptiondomain.StatusCanceled,
		canceledAt,
		canceledAt,
		userID,
		subscriptiondomain.StatusActive,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, canceledAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, canceled_at = ?, cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		subscriptiondomain.StatusCanceled,
		canceledAt,
		false,
		canceledAt,
		id,
		subscriptiondomain.StatusCanceled,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, cancel bool, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET cancel_at_period_end = ?, updated_at = ? WHERE id = ?`,
		cancel,
		updatedAt,
		id,
	).Error
}

func (r *repo) UpdateTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tier pricing.Tier, limit int, price decimal.Decimal, updatedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET tier = ?, operations_limit = ?, monthly_price = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		tier,
		limit,
		price,
		updatedAt,
		id,
		subscriptiondomain.StatusActive,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) SetExternalID(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET external_subscription_id = ?, updated_at = ? WHERE id = ?`,
		externalID,
		updatedAt,
		id,
	).Error
}

func (r *repo) ApplyExternalState(ctx context.Context, db *gorm.DB, id snowflake.ID, update subscriptiondomain.ExternalStateUpdate) error {
	if update.ResetUsage {
		return db.WithContext(ctx).Exec(
			`UPDATE subscriptions
			 SET status = ?, current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?,
			     canceled_at = ?, operations_used_this_month = 0, updated_at = ?
			 WHERE id = ?`,
			update.Status,
			update.CurrentPeriodStart,
			update.CurrentPeriodEnd,
			update.CancelAtPeriodEnd,
			update.CanceledAt,
			update.UpdatedAt,
			id,
		).Error
	}
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?,
		     canceled_at = ?, updated_at = ?
		 WHERE id = ?`,
		update.Status,
		update.CurrentPeriodStart,
		update.CurrentPeriodEnd,
		update.CancelAtPeriodEnd,
		update.CanceledAt,
		update.UpdatedAt,
		id,
	).Error
}
