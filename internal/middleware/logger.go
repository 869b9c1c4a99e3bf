package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const HeaderRequestID = "X-Request-ID"

func LoggerMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("requestID", requestID)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		latency := time.Since(startTime)

		entry := logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"latency":    latency,
			"ip":         c.ClientIP(),
			"user_id":    c.GetString("userID"),
		})
		if c.Writer.Status() >= 500 {
			entry.Warn("request failed")
			return
		}
		entry.Info("request processed")
	}
}

func RecoveryMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":      err,
					"path":       c.Request.URL.Path,
					"request_id": c.GetString("requestID"),
				}).Error("panic recovered")
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}
