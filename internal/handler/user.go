package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/middleware"
)

type UserHandler struct {
	loginURL string
}

func NewUserHandler(loginURL string) *UserHandler {
	return &UserHandler{
		loginURL: loginURL,
	}
}

func (h *UserHandler) Username(c *gin.Context) {
	username := middleware.GetUsername(c)
	if username == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Authentication required",
		})
		return
	}

	c.String(http.StatusOK, username)
}

// Login hands the browser to the external identity provider.
func (h *UserHandler) Login(c *gin.Context) {
	if h.loginURL == "" {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Login is not configured",
		})
		return
	}

	c.Redirect(http.StatusSeeOther, h.loginURL)
}
