package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/reindex"
	"github.com/pbzweihander/ommrema/internal/repository"
	"github.com/pbzweihander/ommrema/internal/types"
)

const (
	defaultJobsLimit = 20
	maxJobsLimit     = 100
)

type ReindexHandler struct {
	coordinator *reindex.Coordinator
	jobs        repository.JobRepository
}

func NewReindexHandler(coordinator *reindex.Coordinator, jobs repository.JobRepository) *ReindexHandler {
	return &ReindexHandler{
		coordinator: coordinator,
		jobs:        jobs,
	}
}

// Request starts a reindex or joins the one in flight. With ?wait=true the
// response is held until the job finishes.
func (h *ReindexHandler) Request(c *gin.Context) {
	handle, err := h.coordinator.Request(types.TriggerManual)
	if err != nil {
		respondError(c, err)
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		c.JSON(http.StatusOK, gin.H{
			"job":     handle.Job(),
			"started": handle.Started,
		})
		return
	}

	job, err := handle.Wait(c.Request.Context())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// client went away; the job keeps running
		_ = c.Error(err)
		c.Status(http.StatusRequestTimeout)
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   job.Error,
			"job":     job,
			"started": handle.Started,
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"job":     job,
			"started": handle.Started,
		})
	}
}

func (h *ReindexHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Status())
}

func (h *ReindexHandler) Jobs(c *gin.Context) {
	limit := defaultJobsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxJobsLimit)
	}

	jobs, err := h.jobs.Recent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []types.ReindexJob{}
	}

	c.JSON(http.StatusOK, jobs)
}

func (h *ReindexHandler) Resume(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resumed": h.coordinator.Resume(),
	})
}
