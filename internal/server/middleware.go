package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterline/internal/appcontext"
	"github.com/smallbiznis/meterline/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	HeaderApp         = "X-App-ID"
	HeaderUser        = "X-User-ID"
	HeaderCorrelation = "X-Request-ID"
)

// IdentityRequired resolves the calling app from headers. Authentication is
// terminated upstream; by the time a request reaches this service the gateway
// has already verified the key and stamped the app identity.
func (s *Server) IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		appID, err := snowflake.ParseString(strings.TrimSpace(c.GetHeader(HeaderApp)))
		if err != nil || appID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := appcontext.WithApp(c.Request.Context(), appID)
		if raw := strings.TrimSpace(c.GetHeader(HeaderUser)); raw != "" {
			userID, err := snowflake.ParseString(raw)
			if err != nil {
				AbortWithError(c, newValidationError("user_id", "invalid_user", "malformed user id"))
				return
			}
			ctx = appcontext.WithCaller(ctx, userID)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CorrelationMiddleware propagates the caller's request ID, minting one when
// the header is absent, and echoes it back on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if raw := strings.TrimSpace(c.GetHeader(HeaderCorrelation)); raw != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, raw)
		}
		ctx, cid := correlation.EnsureCorrelationID(ctx)

		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(HeaderCorrelation, cid)
		c.Next()
	}
}

// RequestLogger emits one structured line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	l := log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if cid := correlation.ExtractCorrelationID(c.Request.Context()); cid != "" {
			fields = append(fields, zap.String("request_id", cid))
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		switch {
		case c.Writer.Status() >= 500:
			l.Error("request", fields...)
		case c.Writer.Status() >= 400:
			l.Warn("request", fields...)
		default:
			l.Info("request", fields...)
		}
	}
}
