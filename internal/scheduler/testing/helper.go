// Package testing moves subscription periods forward so rollover can be
// exercised without waiting a real billing period.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/clock"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites period boundaries relative to a clock.
type TimeAccelerator struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTimeAccelerator(db *gorm.DB, c clock.Clock) *TimeAccelerator {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &TimeAccelerator{db: db, clock: c}
}

// FastForwardSubscription ends the current period one minute ago.
func (ta *TimeAccelerator) FastForwardSubscription(ctx context.Context, subscriptionID snowflake.ID) error {
	now := ta.clock.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET current_period_end = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		now.Add(-1*time.Minute),
		now,
		subscriptionID,
		[]subscriptiondomain.Status{subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue},
	).Error
}

// FastForwardAll ends every open period one minute ago.
func (ta *TimeAccelerator) FastForwardAll(ctx context.Context) (int64, error) {
	now := ta.clock.Now().UTC()
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET current_period_end = ?, updated_at = ?
		 WHERE status IN ? AND current_period_end > ?`,
		now.Add(-1*time.Minute),
		now,
		[]subscriptiondomain.Status{subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue},
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
