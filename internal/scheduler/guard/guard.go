package guard

import (
	"errors"
	"time"

	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
)

var (
	ErrSubscriptionNotRollable = errors.New("subscription_not_rollable")
	ErrPeriodNotElapsed        = errors.New("subscription_period_not_elapsed")
)

// EnsureSubscriptionCanRoll reports whether a subscription's window is due
// for rollover at now.
func EnsureSubscriptionCanRoll(status subscriptiondomain.Status, periodEnd time.Time, now time.Time) error {
	switch status {
	case subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue:
	default:
		return ErrSubscriptionNotRollable
	}
	if now.Before(periodEnd) {
		return ErrPeriodNotElapsed
	}
	return nil
}
