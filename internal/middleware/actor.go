package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ActorHeader carries the id of the calling user. Authentication happens in
// front of this service.
const ActorHeader = "X-User-ID"

// ActorKey is the gin context key holding the actor id.
const ActorKey = "actor_id"

// RequireActor rejects requests without an actor id.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": ActorHeader + " header is required",
				"kind":  "unauthenticated",
			})
			return
		}
		c.Set(ActorKey, actor)
		c.Next()
	}
}

// Actor returns the actor id set by RequireActor.
func Actor(c *gin.Context) string {
	return c.GetString(ActorKey)
}
