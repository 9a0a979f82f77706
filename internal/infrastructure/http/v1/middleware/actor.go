package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	appctx "stockledger/internal/core/context"
)

// HeaderActor names the caller recorded on committed batches.
const HeaderActor = "X-Actor"

const maxActorLength = 128

// Actor copies the X-Actor header into the request context.
// The value is not authenticated; it is kept for the audit trail.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.TrimSpace(c.GetHeader(HeaderActor))
		if len(name) > maxActorLength {
			name = name[:maxActorLength]
		}
		if name != "" {
			ctx := appctx.WithActor(c.Request.Context(), appctx.Actor{Name: name})
			c.Request = c.Request.WithContext(ctx)
			c.Set("actor", name)
		}
		c.Next()
	}
}
