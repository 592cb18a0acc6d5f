package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterly/internal/config"
	"go.uber.org/zap"
)

const keyOperationUser = "meterly:operations:user:%s"

// OperationLimiter throttles operation execution per user. It guards request
// bursts only; the monthly quota lives in the subscription ledger.
type OperationLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewOperationLimiter returns nil when rate limiting is disabled or redis is
// not configured.
func NewOperationLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *OperationLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil
	}
	if client == nil {
		log.Warn("operation rate limit enabled without redis, limiter disabled")
		return nil
	}
	if limitCfg.OperationRate <= 0 || limitCfg.OperationBurst <= 0 {
		log.Warn("operation rate limit must be positive, limiter disabled",
			zap.Float64("rate", limitCfg.OperationRate),
			zap.Int("burst", limitCfg.OperationBurst),
		)
		return nil
	}
	return &OperationLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.OperationRate,
		burst:  limitCfg.OperationBurst,
	}
}

func (l *OperationLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowUser takes one execution token for userID.
func (l *OperationLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyOperationUser, strings.TrimSpace(userID)), l.rate, l.burst)
}
