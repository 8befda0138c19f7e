// Package middleware provides the gin middleware chain: request logging,
// CORS, admin authentication, and panic recovery.
package middleware

import (
	"crypto/subtle"
	"strings"
	"time"

	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/response"
	"claude-relay/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logger logs each request with method, path, status and latency. Health
// probes only show up when they fail.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		method := c.Request.Method
		statusCode := c.Writer.Status()

		if isMonitoringEndpoint(path) {
			if statusCode >= 400 {
				logrus.Warnf("%s %s - %d - %v", method, path, statusCode, latency)
			}
			return
		}

		switch {
		case statusCode >= 500:
			logrus.Errorf("%s %s - %d - %v", method, path, statusCode, latency)
		case statusCode >= 400:
			logrus.Warnf("%s %s - %d - %v", method, path, statusCode, latency)
		default:
			logrus.Infof("%s %s - %d - %v", method, path, statusCode, latency)
		}
	}
}

// CORS applies the configured CORS policy. Wildcard origins are honored only
// without credentials; with credentials the explicit allowlist decides.
func CORS(config types.CORSConfig) gin.HandlerFunc {
	allowedMethods := strings.Join(config.AllowedMethods, ", ")
	allowedHeaders := strings.Join(config.AllowedHeaders, ", ")

	allowedOrigins := make(map[string]bool, len(config.AllowedOrigins))
	hasWildcard := false
	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			hasWildcard = true
			continue
		}
		allowedOrigins[origin] = true
	}
	if config.AllowCredentials && hasWildcard && len(allowedOrigins) == 0 {
		logrus.Warn("CORS allows credentials with only a wildcard origin; credentialed requests will be rejected. Configure explicit origins.")
	}

	applyHeaders := func(c *gin.Context, origin string) bool {
		allowed := (hasWildcard && !config.AllowCredentials) || allowedOrigins[origin]
		if !allowed {
			return false
		}
		if hasWildcard && !config.AllowCredentials {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if config.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		return true
	}

	return func(c *gin.Context) {
		if !config.Enabled {
			c.Next()
			return
		}

		origin := c.Request.Header.Get("Origin")
		if c.Request.Method == "OPTIONS" {
			if applyHeaders(c, origin) {
				c.Header("Access-Control-Max-Age", "86400")
			}
			c.AbortWithStatus(204)
			return
		}

		applyHeaders(c, origin)
		c.Next()
	}
}

// Auth guards admin routes with the configured key. Health probes pass
// through unauthenticated.
func Auth(authConfig types.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isMonitoringEndpoint(c.Request.URL.Path) {
			c.Next()
			return
		}

		key := extractAuthKey(c)
		isValid := key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(authConfig.Key)) == 1
		if !isValid {
			response.Error(c, app_errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Next()
	}
}

// Recovery converts panics into 500 responses.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logrus.Errorf("Panic recovered: %v", recovered)
		response.Error(c, app_errors.ErrInternalServer)
		c.Abort()
	})
}

func isMonitoringEndpoint(path string) bool {
	return path == "/health"
}

// extractAuthKey pulls the admin key from the Authorization bearer token or
// the X-Api-Key header.
func extractAuthKey(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return authHeader[len(bearerPrefix):]
	}
	if key := c.GetHeader("X-Api-Key"); key != "" {
		return key
	}
	return ""
}
