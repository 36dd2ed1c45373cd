package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const userContextKey = "auth_user"

// Middleware returns a gin handler that rejects requests without a valid
// bearer token and stores the authenticated user on the context.
func Middleware(verifier *JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			c.Abort()
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFrom returns the authenticated user stored by Middleware, or nil when
// the route was mounted without authentication.
func UserFrom(c *gin.Context) *User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, _ := v.(*User)
	return user
}
