package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID tags every request with an id, reusing the caller's if sent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Logger logs every request once it has been handled.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
			logging.KeyRemoteAddr, c.ClientIP(),
			"bodySize", c.Writer.Size(),
		}
		if id, ok := c.Get(requestIDKey); ok {
			args = append(args, "requestId", id)
		}
		if len(c.Errors) > 0 {
			args = append(args, logging.KeyError, c.Errors.Last().Error())
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			log.Error("request failed", args...)
		case status >= 400:
			log.Warn("request rejected", args...)
		default:
			log.Debug("request handled", args...)
		}
	}
}

// Recovery turns a handler panic into a 500 and logs it.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		if brokenConnection(recovered) {
			log.Warn("connection broken during request",
				"path", c.Request.URL.Path,
				logging.KeyError, recovered)
			c.Abort()
			return
		}
		log.Error("panic recovered",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			logging.KeyError, recovered,
			"stack", string(debug.Stack()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, api.ErrorResponse{Error: "internal server error"})
	})
}

func brokenConnection(recovered any) bool {
	ne, ok := recovered.(*net.OpError)
	if !ok {
		return false
	}
	se, ok := ne.Err.(*os.SyscallError)
	if !ok {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// RequireKey rejects requests whose X-API-Key does not match key.
func RequireKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(api.APIKeyHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			log.Warn("rejected request with bad api key",
				"path", c.Request.URL.Path,
				logging.KeyRemoteAddr, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid api key"})
			return
		}
		c.Next()
	}
}
