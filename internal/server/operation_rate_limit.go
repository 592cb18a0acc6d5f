package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterly/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonUserRate = "user-rate"

// OperationRateLimit throttles execute bursts per user before the quota
// ledger is touched.
func (s *Server) OperationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.operationLimit.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID := strings.TrimSpace(c.Param("user_id"))
		result, err := s.operationLimit.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("operation rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			s.denyOperationRateLimit(c, result.RetryAfter.Seconds())
			return
		}

		c.Next()
	}
}

func (s *Server) denyOperationRateLimit(c *gin.Context, retryAfterSeconds float64) {
	ctx := c.Request.Context()
	endpoint := normalizeRateLimitEndpoint(c)
	logger.FromContext(ctx).Warn("operation rate limit exceeded",
		zap.String("reason", rateLimitReasonUserRate),
		zap.String("endpoint", endpoint),
	)
	s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonUserRate)

	retryAfter := int(retryAfterSeconds + 0.999)
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonUserRate)
	AbortWithError(c, ErrRateLimited)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
