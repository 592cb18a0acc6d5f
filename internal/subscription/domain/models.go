// Package domain contains the subscription model and the quota ledger contract.
package domain

import (
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/pricing"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusActive     Status = "active"
	StatusCanceled   Status = "canceled"
	StatusPastDue    Status = "past_due"
	StatusIncomplete Status = "incomplete"
)

// ParseExternalStatus maps a provider subscription status onto the local set.
func ParseExternalStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "trialing":
		return StatusActive, true
	case "past_due", "unpaid":
		return StatusPastDue, true
	case "canceled", "incomplete_expired":
		return StatusCanceled, true
	case "incomplete":
		return StatusIncomplete, true
	default:
		return "", false
	}
}

// Subscription is one user's plan together with its quota counter for the
// current billing period. Rows are never deleted.
type Subscription struct {
	ID                      snowflake.ID    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID                  snowflake.ID    `gorm:"not null;index" json:"user_id"`
	Tier                    pricing.Tier    `gorm:"type:text;not null" json:"tier"`
	Status                  Status          `gorm:"type:text;not null;index" json:"status"`
	OperationsUsedThisMonth int             `gorm:"not null;default:0" json:"operations_used_this_month"`
	OperationsLimit         int             `gorm:"not null" json:"operations_limit"`
	MonthlyPrice            decimal.Decimal `gorm:"type:numeric(10,2);not null" json:"monthly_price"`
	CurrentPeriodStart      time.Time       `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd        time.Time       `gorm:"not null;index" json:"current_period_end"`
	CancelAtPeriodEnd       bool            `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CanceledAt              *time.Time      `json:"canceled_at,omitempty"`
	ExternalSubscriptionID  *string         `gorm:"type:text;uniqueIndex" json:"external_subscription_id,omitempty"`
	CreatedAt               time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time       `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// CanConsume reports whether one more operation fits in the current period.
func (s Subscription) CanConsume() bool {
	return s.Status == StatusActive && s.OperationsUsedThisMonth < s.OperationsLimit
}

func (s Subscription) Remaining() int {
	if s.OperationsUsedThisMonth >= s.OperationsLimit {
		return 0
	}
	return s.OperationsLimit - s.OperationsUsedThisMonth
}

// Usage is the read model returned to clients.
type Usage struct {
	Tier        pricing.Tier `json:"tier"`
	Used        int          `json:"used"`
	Limit       int          `json:"limit"`
	Remaining   int          `json:"remaining"`
	Percentage  float64      `json:"percentage"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
}

func (s Subscription) Usage() Usage {
	var pct float64
	if s.OperationsLimit > 0 {
		pct = float64(s.OperationsUsedThisMonth) / float64(s.OperationsLimit) * 100
		pct = math.Min(100, math.Round(pct*100)/100)
	}
	return Usage{
		Tier:        s.Tier,
		Used:        s.OperationsUsedThisMonth,
		Limit:       s.OperationsLimit,
		Remaining:   s.Remaining(),
		Percentage:  pct,
		PeriodStart: s.CurrentPeriodStart,
		PeriodEnd:   s.CurrentPeriodEnd,
	}
}
