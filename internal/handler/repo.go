package handler

import (
	"errors"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/storage"
)

// RepoHandler serves the public side read by the mod loader: the published
// index artifacts and the packages they reference.
type RepoHandler struct {
	store storage.Store
}

func NewRepoHandler(store storage.Store) *RepoHandler {
	return &RepoHandler{
		store: store,
	}
}

func (h *RepoHandler) Artifact(c *gin.Context) {
	artifact := c.Param("artifact")

	rc, err := h.store.OpenIndex(c.Request.Context(), artifact)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) {
			err = storage.ErrNotFound
		}
		respondError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, -1, artifactContentType(artifact), rc, nil)
}

func (h *RepoHandler) Package(c *gin.Context) {
	serveFile(c, h.store, c.Param("name"))
}

func artifactContentType(artifact string) string {
	switch path.Ext(artifact) {
	case ".json":
		return "application/json"
	case ".omx", ".xml":
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}
