package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Load resolves the catalog from pricing.yml (when present) and METERLY_*
// environment overrides, falling back to DefaultPlans.
//
//	pricing:
//	  operation_cost: "0.08"
//	  period_days: 30
//	  tiers:
//	    starter:
//	      operations_limit: 100
//	      monthly_price_cents: 2900
//	      external_price_id: price_123
func Load(log *zap.Logger) (*Catalog, error) {
	v := viper.New()
	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/meterly")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		if log != nil {
			log.Info("pricing file not found, using defaults")
		}
	} else if log != nil {
		log.Info("pricing loaded", zap.String("file", v.ConfigFileUsed()))
		// The catalog is immutable once built; edits apply on restart.
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Warn("pricing file changed, restart to apply",
				zap.String("file", e.Name),
				zap.String("op", e.Op.String()),
			)
		})
		v.WatchConfig()
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pricing.operation_cost", "0.08")
	v.SetDefault("pricing.period_days", 30)
	v.SetDefault("pricing.currency", "usd")
	for _, plan := range DefaultPlans() {
		prefix := "pricing.tiers." + string(plan.Tier)
		v.SetDefault(prefix+".operations_limit", plan.OperationsLimit)
		v.SetDefault(prefix+".monthly_price_cents", plan.MonthlyPrice.Shift(2).IntPart())
		v.SetDefault(prefix+".external_price_id", "")
	}
}

func fromViper(v *viper.Viper) (*Catalog, error) {
	cost, err := decimal.NewFromString(strings.TrimSpace(v.GetString("pricing.operation_cost")))
	if err != nil {
		return nil, fmt.Errorf("pricing.operation_cost: %w", err)
	}

	plans := make([]Plan, 0, len(Tiers))
	for _, tier := range Tiers {
		prefix := "pricing.tiers." + string(tier)
		plans = append(plans, Plan{
			Tier:            tier,
			OperationsLimit: v.GetInt(prefix + ".operations_limit"),
			MonthlyPrice:    decimal.New(v.GetInt64(prefix+".monthly_price_cents"), -2),
			ExternalPriceID: strings.TrimSpace(v.GetString(prefix + ".external_price_id")),
		})
	}

	period := time.Duration(v.GetInt("pricing.period_days")) * 24 * time.Hour
	return NewCatalog(plans, cost, period, v.GetString("pricing.currency"))
}
