package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/examly/internal/identity"
	obscontext "github.com/smallbiznis/examly/internal/observability/context"
)

const (
	HeaderUserID       = "X-User-ID"
	HeaderGuestSession = "X-Guest-Session"
	contextIdentityKey = "identity"
)

// IdentityMiddleware reads the caller identity set by the upstream auth
// layer. Requests without one pass through; handlers decide whether an
// identity is required.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var who identity.Identity
		if raw := strings.TrimSpace(c.GetHeader(HeaderUserID)); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				AbortWithError(c, ErrInvalidRequest)
				return
			}
			who.UserID = id
		}
		who.GuestSessionID = strings.TrimSpace(c.GetHeader(HeaderGuestSession))

		if !who.IsZero() {
			kind := "guest"
			if who.IsUser() {
				kind = "user"
			}
			ctx := obscontext.WithIdentity(c.Request.Context(), kind, who.Key())
			c.Request = c.Request.WithContext(ctx)
		}
		c.Set(contextIdentityKey, who)
		c.Next()
	}
}

func callerIdentity(c *gin.Context) identity.Identity {
	if v, ok := c.Get(contextIdentityKey); ok {
		if who, ok := v.(identity.Identity); ok {
			return who
		}
	}
	return identity.Identity{}
}
