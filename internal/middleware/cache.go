package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore forbids caching. Time snapshots and answer reads go stale the
// moment they are produced.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
