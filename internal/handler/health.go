package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{
		checks: checks,
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	status := http.StatusOK
	results := gin.H{}

	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": results,
	})
}
