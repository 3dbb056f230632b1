package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

var (
	mu    sync.RWMutex
	token string
)

// ConfigureAuth sets the bearer token required on protected routes. An
// empty token disables authentication, which is only sensible behind a
// trusted proxy.
func ConfigureAuth(bearer string) {
	mu.Lock()
	token = bearer
	mu.Unlock()
}

// Authentication guards a route group with the configured bearer token.
func Authentication(c *gin.Context) {
	mu.RLock()
	want := token
	mu.RUnlock()
	if want == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}
