package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bravethewaves/backend/internal/auth"
	"github.com/bravethewaves/backend/pkg/response"
)

// ContextIdentity is the key for the verified caller in gin context.
const ContextIdentity = "identity"

// Identity returns a middleware that requires a valid bearer token and sets the caller identity.
func Identity(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c, "missing or invalid authorization header")
			c.Abort()
			return
		}
		id, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextIdentity, id)
		c.Next()
	}
}

// OptionalIdentity sets the caller identity when a valid bearer token is present
// and lets anonymous requests through.
func OptionalIdentity(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearer(c.GetHeader("Authorization")); ok {
			if id, err := verifier.Verify(c.Request.Context(), token); err == nil {
				c.Set(ContextIdentity, id)
			}
		}
		c.Next()
	}
}

// CurrentIdentity returns the verified caller, or nil for anonymous requests.
func CurrentIdentity(c *gin.Context) *auth.Identity {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.Identity)
	return id
}

// Subject returns the caller's subject id, or "" for anonymous requests.
func Subject(c *gin.Context) string {
	if id := CurrentIdentity(c); id != nil {
		return id.Subject
	}
	return ""
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
