package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/reindex"
	"github.com/pbzweihander/ommrema/internal/storage"
	"github.com/pbzweihander/ommrema/internal/upload"
)

// respondError maps domain errors to a status code and a JSON error body.
// Unexpected errors are attached to the gin context for the request logger
// and reported to the client without detail.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"

	switch {
	case errors.Is(err, storage.ErrInvalidName):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, upload.ErrIncompleteUpload):
		status, message = http.StatusBadRequest, "Upload incomplete"
	case errors.Is(err, upload.ErrTooLarge):
		status, message = http.StatusRequestEntityTooLarge, "Upload too large"
	case errors.Is(err, storage.ErrNotFound):
		status, message = http.StatusNotFound, "Not found"
	case errors.Is(err, storage.ErrStoreCorruption):
		status, message = http.StatusServiceUnavailable, "Reindex halted: store corruption detected"
	case errors.Is(err, reindex.ErrShuttingDown):
		status, message = http.StatusServiceUnavailable, "Service is shutting down"
	}

	_ = c.Error(err)
	c.JSON(status, gin.H{
		"error": message,
	})
}
