package middleware

import (
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"isp-network-api/internal/metrics"
)

// RequestIDHeader carries the request ID in and out of the service
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID reuses the caller's X-Request-ID or assigns a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the ID assigned by RequestID, if any
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// LoggerConfig defines configuration for the logger middleware
type LoggerConfig struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	SkipPaths []string
}

// ZapLogger returns a gin.HandlerFunc that logs requests using Zap
func ZapLogger(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return ZapLoggerWithConfig(LoggerConfig{Logger: logger, Metrics: m})
}

// ZapLoggerWithConfig logs every request not in SkipPaths and records its
// latency under the matched route
func ZapLoggerWithConfig(config LoggerConfig) gin.HandlerFunc {
	skipPaths := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		config.Metrics.RecordHTTPRequest(c.FullPath(), c.Request.Method, status, latency)

		if skipPaths[path] {
			return
		}

		fields := []zapcore.Field{
			zap.String("request_id", GetRequestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("route", c.FullPath()),
			zap.String("raw_query", raw),
			zap.Int("status", status),
			zap.String("client_ip", getClientIP(c)),
			zap.Duration("latency", latency),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Int("body_size", c.Writer.Size()),
		}

		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()))
		}

		switch {
		case status >= 400 && status < 500:
			config.Logger.Warn("Client error", fields...)
		case status >= 500:
			config.Logger.Error("Server error", fields...)
		default:
			config.Logger.Info("Request processed", fields...)
		}
	}
}

// ZapRecovery returns a gin.HandlerFunc that recovers from panics and logs using Zap
func ZapRecovery(logger *zap.Logger, stack bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				// a broken connection cannot take a response
				var brokenPipe bool
				if ne, ok := err.(*net.OpError); ok {
					if se, ok := ne.Err.(*os.SyscallError); ok {
						msg := strings.ToLower(se.Error())
						if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer") {
							brokenPipe = true
						}
					}
				}

				fields := []zapcore.Field{
					zap.String("request_id", GetRequestID(c)),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("client_ip", getClientIP(c)),
					zap.Any("error", err),
				}
				if stack && !brokenPipe {
					fields = append(fields, zap.String("stack", string(debug.Stack())))
				}
				if !brokenPipe {
					// headers only; bodies may carry device credentials
					httpRequest, _ := httputil.DumpRequest(c.Request, false)
					fields = append(fields, zap.String("request", redactAuth(string(httpRequest))))
				}

				logger.Error("Panic recovered", fields...)

				if brokenPipe {
					if e, ok := err.(error); ok {
						_ = c.Error(e)
					}
					c.Abort()
					return
				}

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success":    false,
					"message":    "Internal server error occurred",
					"request_id": GetRequestID(c),
					"timestamp":  time.Now().Format(time.RFC3339),
				})
			}
		}()
		c.Next()
	}
}

// redactAuth blanks the Authorization header of a dumped request
func redactAuth(dump string) string {
	lines := strings.Split(dump, "\r\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "authorization:") {
			lines[i] = "Authorization: [redacted]"
		}
	}
	return strings.Join(lines, "\r\n")
}

// getClientIP gets the real client IP address
func getClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return ip
}
