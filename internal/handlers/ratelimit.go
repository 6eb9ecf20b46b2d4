package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit rejects requests once limiter has no tokens left.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", retryAfter(limiter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many verification requests"})
			return
		}
		c.Next()
	}
}
