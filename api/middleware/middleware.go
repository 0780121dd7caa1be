/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/errors"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

// KeyHeader carries the server secret when the API runs in secure mode.
const KeyHeader = "X-Cellmark-Key"

const defaultLimiterTTL = time.Hour

func newLimiter(rl config.RateLimitConfig) *limiter.Limiter {
	ttl := defaultLimiterTTL
	if rl.CleanupIntervalSec != nil {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(*rl.Burst)
	return lmt
}

// RateLimitMiddleware limits reads per client IP and writes per client IP and asset,
// each against its own bucket. It is a no-op unless both the rate and the burst are set.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	rl := conf.RateLimit
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	reads := newLimiter(rl)
	writes := newLimiter(rl)
	return func(c *gin.Context) {
		var httpError *errors.HTTPError
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			httpError = tollbooth.LimitByKeys(reads, []string{c.ClientIP()})
		} else {
			httpError = tollbooth.LimitByKeys(writes, []string{c.ClientIP(), c.Param("id")})
		}
		if httpError != nil {
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

// clientSecret reads the key from KeyHeader, falling back to a bearer token.
func clientSecret(c *gin.Context) string {
	if key := c.GetHeader(KeyHeader); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func SecretKeyAuthMiddleware(conf *config.Configuration) gin.HandlerFunc {
	secretKey := conf.Server.SecretKey
	return func(c *gin.Context) {
		if secretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		provided := clientSecret(c)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing secret key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(secretKey), []byte(provided)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
			return
		}
		c.Next()
	}
}
