package domain

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/meterly/internal/pricing"
)

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidTier          = pricing.ErrInvalidTier
	ErrNoActiveSubscription = errors.New("no_active_subscription")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrQuotaExceeded        = errors.New("quota_exceeded")
	ErrAlreadyCanceled      = errors.New("subscription_already_canceled")
)

// QuotaExceededError carries the counters shown to the client.
type QuotaExceededError struct {
	Tier  pricing.Tier
	Used  int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: %d of %d operations used on %s tier", ErrQuotaExceeded.Error(), e.Used, e.Limit, e.Tier)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }
