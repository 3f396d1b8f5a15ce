package context

import (
	"github.com/gin-gonic/gin"
)

// Context key for the requester identity.
const CtxKeyRequester = "requester_id"

// GetRequesterID extracts the requester identity set by the RequesterID
// middleware. Falls back to "anonymous" when the middleware did not run.
func GetRequesterID(c *gin.Context) string {
	if v, exists := c.Get(CtxKeyRequester); exists {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return "anonymous"
}
