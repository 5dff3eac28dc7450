package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned when a request carries no valid credentials.
var ErrUnauthorized = errors.New("unauthorized")

const userIDKey = "talkpdf_user_id"

// Authenticator resolves the calling user from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// StaticTokens authenticates bearer tokens against a fixed token -> user map.
type StaticTokens map[string]string

// Authenticate implements Authenticator.
func (s StaticTokens) Authenticate(r *http.Request) (string, error) {
	token := extractToken(r)
	if token == "" {
		return "", ErrUnauthorized
	}
	userID, ok := s[token]
	if !ok || userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// requireUser rejects unauthenticated requests and stores the user ID for
// handlers.
func requireUser(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
