package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger is a Gin middleware that logs every request against the peer
// daemon's control API, tagging the key a route operates on (if any) so a
// slow or failing request can be tied back to the key it touched.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		key := c.Param("key")
		if key == "" {
			key = "-"
		}
		log.Printf("[%s] %s key=%s %s | %d | %s",
			c.Request.Method,
			c.Request.URL.Path,
			key,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// Recovery reports a panic as a 500 with a {"key":..., "error":...} body.
// The "error" field is the one the rest of this API's handlers use for
// failures, so a client reads a crashed request like any other error.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("meshkv: panic recovered on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"key":   c.Param("key"),
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
