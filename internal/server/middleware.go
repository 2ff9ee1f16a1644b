package server

import (
	"strconv"
	"strings"

	obscontext "github.com/geowarn/geowarn/internal/observability/context"
	"github.com/gin-gonic/gin"
)

// actorHeader identifies the operator issuing a command. Requests
// without it are throttled per client address instead.
const actorHeader = "X-Actor"

func commandActor(c *gin.Context) string {
	if actor := strings.TrimSpace(c.GetHeader(actorHeader)); actor != "" {
		return actor
	}
	return c.ClientIP()
}

// CommandRateLimit throttles state-changing commands per actor and
// stamps the actor into the request context for auditing.
func (s *Server) CommandRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := commandActor(c)
		ctx := obscontext.WithActor(c.Request.Context(), "operator", actor)
		c.Request = c.Request.WithContext(ctx)

		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		allowed, retryAfter := s.limiter.Allow(ctx, actor)
		if !allowed {
			if retryAfter > 0 {
				seconds := int(retryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}
