package middleware

import (
	"net/http"
	"time"

	"streamsight/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens one server span per request, named after the
// matched route. Routes listed in skip (health checks, typically) are not traced.
func TracingMiddleware(skip ...string) gin.HandlerFunc {
	untraced := make(map[string]bool, len(skip))
	for _, r := range skip {
		untraced[r] = true
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if untraced[route] {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.String("http.request_id", c.GetString(requestIDKey)),
			attribute.Int64("http.request_content_length", c.Request.ContentLength),
		)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if id := c.Param("id"); id != "" {
			span.SetAttributes(tracing.ReportIDKey.String(id))
		}
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			tracing.DurationKey.Int64(time.Since(start).Milliseconds()),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
			if len(c.Errors) > 0 {
				span.RecordError(c.Errors.Last().Err)
			}
		}
	}
}
