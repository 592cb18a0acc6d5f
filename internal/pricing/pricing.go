// Package pricing holds the tier catalog: operation quotas, monthly prices
// and the per-operation cost. A Catalog is resolved once at startup and is
// read-only afterwards.
package pricing

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier names a subscription plan.
type Tier string

const (
	TierStarter    Tier = "starter"
	TierTeam       Tier = "team"
	TierScale      Tier = "scale"
	TierEnterprise Tier = "enterprise"
)

// Tiers lists every supported tier in ascending order.
var Tiers = []Tier{TierStarter, TierTeam, TierScale, TierEnterprise}

const DefaultPeriod = 30 * 24 * time.Hour

var (
	ErrInvalidTier    = errors.New("invalid_tier")
	ErrInvalidCatalog = errors.New("invalid_pricing_catalog")
)

// ParseTier normalizes raw into a known Tier.
func ParseTier(raw string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Tiers {
		if t == known {
			return t, nil
		}
	}
	return "", ErrInvalidTier
}

// Plan is the commercial definition of a tier.
type Plan struct {
	Tier            Tier
	OperationsLimit int
	MonthlyPrice    decimal.Decimal
	ExternalPriceID string
}

// Catalog is an immutable tier table.
type Catalog struct {
	plans         map[Tier]Plan
	operationCost decimal.Decimal
	period        time.Duration
	currency      string
}

// NewCatalog validates plans and builds a Catalog. Every tier in Tiers must be present.
func NewCatalog(plans []Plan, operationCost decimal.Decimal, period time.Duration, currency string) (*Catalog, error) {
	if operationCost.IsNegative() {
		return nil, ErrInvalidCatalog
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}

	byTier := make(map[Tier]Plan, len(plans))
	for _, plan := range plans {
		if _, err := ParseTier(string(plan.Tier)); err != nil {
			return nil, err
		}
		if plan.OperationsLimit <= 0 || plan.MonthlyPrice.IsNegative() {
			return nil, ErrInvalidCatalog
		}
		byTier[plan.Tier] = plan
	}
	for _, tier := range Tiers {
		if _, ok := byTier[tier]; !ok {
			return nil, ErrInvalidCatalog
		}
	}

	return &Catalog{
		plans:         byTier,
		operationCost: operationCost,
		period:        period,
		currency:      currency,
	}, nil
}

// DefaultCatalog returns the built-in tier table.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(DefaultPlans(), decimal.RequireFromString("0.08"), DefaultPeriod, "usd")
	if err != nil {
		panic(err)
	}
	return catalog
}

func DefaultPlans() []Plan {
	return []Plan{
		{Tier: TierStarter, OperationsLimit: 100, MonthlyPrice: decimal.New(2900, -2)},
		{Tier: TierTeam, OperationsLimit: 500, MonthlyPrice: decimal.New(7900, -2)},
		{Tier: TierScale, OperationsLimit: 2000, MonthlyPrice: decimal.New(19900, -2)},
		{Tier: TierEnterprise, OperationsLimit: 10000, MonthlyPrice: decimal.New(59900, -2)},
	}
}

// Plan returns the plan for tier.
func (c *Catalog) Plan(tier Tier) (Plan, error) {
	plan, ok := c.plans[tier]
	if !ok {
		return Plan{}, ErrInvalidTier
	}
	return plan, nil
}

// PlanByExternalPriceID resolves a plan from the payment provider price id.
func (c *Catalog) PlanByExternalPriceID(priceID string) (Plan, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Plan{}, false
	}
	for _, plan := range c.plans {
		if plan.ExternalPriceID == priceID {
			return plan, true
		}
	}
	return Plan{}, false
}

// Plans returns every plan ordered by operations limit.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, plan := range c.plans {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OperationsLimit < out[j].OperationsLimit
	})
	return out
}

func (c *Catalog) OperationCost() decimal.Decimal { return c.operationCost }

func (c *Catalog) Period() time.Duration { return c.period }

func (c *Catalog) Currency() string { return c.currency }
