package httpmiddleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/metrics"
)

const (
	RequestIDHeader   = "X-Request-ID"
	ActorHeader       = "X-Actor"
	traceParentHeader = "traceparent"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(RequestIDHeader, reqID)
		c.Header(RequestIDHeader, reqID)
		c.Next()
	}
}

// RequestIDFrom returns the request id assigned by RequestID, or "".
func RequestIDFrom(c *gin.Context) string {
	v, ok := c.Get(RequestIDHeader)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.LogAttrs(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
			slog.String("request_id", RequestIDFrom(c)),
			slog.String("traceparent", c.GetHeader(traceParentHeader)),
		)

		code := strconv.Itoa(status)
		metrics.RequestCount.WithLabelValues(c.Request.Method, route, code).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, route, code).Observe(latency.Seconds())
	}
}

func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic",
					slog.Any("error", err),
					slog.String("path", c.Request.URL.Path),
					slog.String("request_id", RequestIDFrom(c)),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "internal error",
				})
			}
		}()
		c.Next()
	}
}
