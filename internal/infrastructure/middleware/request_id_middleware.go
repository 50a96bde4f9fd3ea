package middleware

import (
	"time"

	"streamsight/pkg/logger"
	"streamsight/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

// RequestIDMiddleware tags every request with an id, taken from the
// X-Request-ID header when the client supplies one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := utils.TruncateString(utils.SanitizeString(c.GetHeader(requestIDHeader)), 64)
		if id == "" {
			id = utils.GenerateRequestID()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// AccessLogMiddleware logs one line per request.
func AccessLogMiddleware(log *zap.Logger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cl.LogRequest(c.Request.Context(), logger.RequestInfo{
			Method:   c.Request.Method,
			Route:    c.FullPath(),
			Status:   c.Writer.Status(),
			Duration: time.Since(start),
			Bytes:    c.Writer.Size(),
			ClientIP: c.ClientIP(),
		})
	}
}
