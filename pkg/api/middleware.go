package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/piiagent/integrator/pkg/engine"
	"github.com/piiagent/integrator/pkg/telemetry"
)

// Identity headers set by the gateway.
const (
	HeaderRequestID    = "X-Request-Id"
	HeaderUserID       = "X-User-Id"
	HeaderUserName     = "X-User-Name"
	HeaderUserRole     = "X-User-Role"
	HeaderServiceCodes = "X-Service-Codes"
)

const requestIDKey = "request_id"

// RequestID propagates or assigns a request ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// Instrument attaches telemetry to the request context, then logs and
// records metrics for every served request.
func Instrument(tel *telemetry.Telemetry) gin.HandlerFunc {
	logger := tel.Logger.NewComponentLogger("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(tel.WithContext(c.Request.Context()))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)
		tel.Metrics.RecordHTTPRequest(c.Request.Method, route, status, duration)

		l := logger.WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"route":       route,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
			"request_id":  c.GetString(requestIDKey),
		})
		if id := c.Param("id"); id != "" {
			l = l.WithTargetSourceID(id)
		}
		switch {
		case status >= 500:
			if last := c.Errors.Last(); last != nil {
				l = l.WithError(last.Err)
			}
			l.Error("Request failed")
		case status >= 400:
			l.Debugf("Request rejected: %s", c.Errors.String())
		default:
			l.Debug("Request served")
		}
	}
}

// Identify resolves the caller from the gateway headers. Requests without
// X-User-Id pass through anonymously; operations then fail with 401.
func Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			c.Next()
			return
		}

		role := engine.RoleUser
		if raw := strings.TrimSpace(c.GetHeader(HeaderUserRole)); raw != "" {
			role = engine.Role(strings.ToUpper(raw))
			if role != engine.RoleAdmin && role != engine.RoleUser {
				abortWithError(c, engine.NewUnauthorizedError(fmt.Sprintf("unknown role %q", raw)))
				return
			}
		}

		user := &engine.User{
			ID:                     id,
			Name:                   c.GetHeader(HeaderUserName),
			Role:                   role,
			ServiceCodePermissions: splitList(c.GetHeader(HeaderServiceCodes)),
		}
		if user.Name == "" {
			user.Name = id
		}
		c.Request = c.Request.WithContext(engine.WithUser(c.Request.Context(), user))
		c.Next()
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Recover turns a panic into an internal error response.
func Recover() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		abortWithError(c, engine.NewInternalError("unexpected failure", fmt.Errorf("panic: %v", recovered)))
	})
}
