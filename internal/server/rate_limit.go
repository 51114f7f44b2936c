package server

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/examly/internal/observability/logger"
	"go.uber.org/zap"
)

const statusPollEndpoint = "payments_status"

// StatusPollRateLimit bounds how often one identity may poll payment status.
// Redis failures fail open: polling is read-mostly and the reconciler is
// guarded by the database.
func (s *Server) StatusPollRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := callerIdentity(c).Key()
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		result, err := s.limiter.AllowStatusPoll(ctx, key)
		if err != nil {
			logger.FromContext(ctx).Warn("status poll rate limit failed", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			logger.FromContext(ctx).Warn("status poll rate limit exceeded", zap.String("endpoint", statusPollEndpoint))
			s.obsMetrics.RecordRateLimitDenied(ctx, statusPollEndpoint)

			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
