package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// LimitBody caps the request body at max bytes. A declared Content-Length
// over the cap is rejected up front; otherwise reads past the cap fail with
// *http.MaxBytesError, which handlers map to 413.
func LimitBody(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			response.AbortFail(c, http.StatusRequestEntityTooLarge, response.ErrPayloadTooLarge)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}
