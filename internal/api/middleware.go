package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"go.uber.org/zap"
)

const (
	userHeader   = "X-User-ID"
	userQuery    = "user_id"
	userKey      = "user_id"
	unknownRoute = "unmatched"
)

// requestLogger logs each request and counts it by route pattern.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unknownRoute
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if status >= 500 {
			logger.Warn("HTTP request failed", fields...)
			return
		}
		logger.Debug("HTTP request", fields...)
	}
}

// requireUser resolves the caller from the X-User-ID header. Browsers cannot
// set headers on a websocket handshake, so the user_id query parameter is
// accepted as well.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(userHeader))
		if user == "" {
			user = strings.TrimSpace(c.Query(userQuery))
		}
		if user == "" {
			failure(c, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userKey)
}
