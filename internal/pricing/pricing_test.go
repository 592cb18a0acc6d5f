package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func TestDefaultCatalogPlans(t *testing.T) {
	catalog := DefaultCatalog()

	cases := []struct {
		tier  Tier
		limit int
		price string
	}{
		{TierStarter, 100, "29"},
		{TierTeam, 500, "79"},
		{TierScale, 2000, "199"},
		{TierEnterprise, 10000, "599"},
	}
	for _, tc := range cases {
		plan, err := catalog.Plan(tc.tier)
		if err != nil {
			t.Fatalf("plan %s: %v", tc.tier, err)
		}
		if plan.OperationsLimit != tc.limit {
			t.Fatalf("%s: expected limit %d, got %d", tc.tier, tc.limit, plan.OperationsLimit)
		}
		if !plan.MonthlyPrice.Equal(decimal.RequireFromString(tc.price)) {
			t.Fatalf("%s: expected price %s, got %s", tc.tier, tc.price, plan.MonthlyPrice)
		}
	}

	if !catalog.OperationCost().Equal(decimal.RequireFromString("0.08")) {
		t.Fatalf("unexpected operation cost %s", catalog.OperationCost())
	}
	if catalog.Period() != DefaultPeriod {
		t.Fatalf("unexpected period %s", catalog.Period())
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("  Team ")
	if err != nil || tier != TierTeam {
		t.Fatalf("expected team, got %q err=%v", tier, err)
	}
	if _, err := ParseTier("platinum"); err != ErrInvalidTier {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestNewCatalogRejectsMissingTier(t *testing.T) {
	plans := DefaultPlans()[:2]
	if _, err := NewCatalog(plans, decimal.RequireFromString("0.08"), DefaultPeriod, "usd"); err != ErrInvalidCatalog {
		t.Fatalf("expected ErrInvalidCatalog, got %v", err)
	}
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("pricing.operation_cost", "0.10")
	v.Set("pricing.tiers.team.operations_limit", 750)
	v.Set("pricing.tiers.team.external_price_id", "price_team")

	catalog, err := fromViper(v)
	if err != nil {
		t.Fatalf("from viper: %v", err)
	}
	plan, err := catalog.Plan(TierTeam)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.OperationsLimit != 750 {
		t.Fatalf("expected overridden limit 750, got %d", plan.OperationsLimit)
	}
	if !catalog.OperationCost().Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("expected cost 0.10, got %s", catalog.OperationCost())
	}
	found, ok := catalog.PlanByExternalPriceID("price_team")
	if !ok || found.Tier != TierTeam {
		t.Fatalf("expected team plan by price id, got %+v ok=%v", found, ok)
	}
}
