package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"identity-hub/backend/internal/identity"
	"go.uber.org/zap"
)

const callerKey = "identity.caller"

// requestLogger logs one line per request. The query string is left out
// because it may carry an API key.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("HTTP Request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-API-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// apiKeyOf reads the request's API key from the configured header, then
// the configured query parameter
func (h *Handler) apiKeyOf(c *gin.Context) string {
	if key := c.GetHeader(h.opts.APIKeyHeader); key != "" {
		return key
	}
	return c.Query(h.opts.APIKeyQuery)
}

// requireCaller resolves the API key and stores the caller context.
// An empty role accepts any authenticated caller.
func (h *Handler) requireCaller(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := h.resolver.Resolve(c.Request.Context(), h.apiKeyOf(c), role)
		if err != nil {
			h.abortWithError(c, err)
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerOf(c *gin.Context) identity.Context {
	caller, _ := c.MustGet(callerKey).(identity.Context)
	return caller
}
