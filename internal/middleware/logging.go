package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/tracing"
)

// LoggingMiddleware creates a middleware for request logging with correlation IDs
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}

		ctx := tracing.WithTraceContext(logging.WithCorrelationID(c.Request.Context(), correlationID))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		fields := logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		if operator, ok := c.Get("operator"); ok {
			fields["operator"] = operator
		}

		entry := logger.WithContext(ctx).WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("Request completed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("Request completed")
		default:
			entry.Debug("Request completed")
		}
	}
}

// ErrorLoggingMiddleware logs errors attached to the gin context
func ErrorLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.LogError(c.Request.Context(), err.Err, "Request processing error", logrus.Fields{
				"path": c.FullPath(),
			})
		}
	}
}

// RecoveryMiddleware recovers from panics and logs them
func RecoveryMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"panic": recovered,
			"path":  c.FullPath(),
		}).Error("Request panic recovered")

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":          "Internal server error",
			"correlation_id": logging.GetCorrelationID(c.Request.Context()),
		})
	})
}
