// Package httpkit provides HTTP utilities including caller identity extraction.
package httpkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Caller identifies the authenticated service that issued a request. The
// engine has no interactive users; callers are other backends holding a
// service token.
type Caller struct {
	Subject string
}

// GetCaller extracts the authenticated caller from a Gin context. The second
// return value is false when the request passed no valid service token.
func GetCaller(c *gin.Context) (Caller, bool) {
	raw, ok := c.Get(ContextCallerKey)
	if !ok {
		return Caller{}, false
	}

	subject, ok := raw.(string)
	if !ok || subject == "" {
		return Caller{}, false
	}

	return Caller{Subject: subject}, true
}

// MustGetCaller extracts the caller or aborts with 401 Unauthorized.
func MustGetCaller(c *gin.Context) (Caller, bool) {
	caller, ok := GetCaller(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return Caller{}, false
	}
	return caller, true
}
