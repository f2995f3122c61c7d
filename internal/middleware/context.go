package middleware

import "github.com/gin-gonic/gin"

const usernameKey = "username"

// GetUsername extracts the authenticated username from the context
func GetUsername(c *gin.Context) string {
	username, exists := c.Get(usernameKey)
	if !exists {
		return ""
	}
	s, _ := username.(string)
	return s
}
