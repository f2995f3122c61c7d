package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/catalog"
	"github.com/pbzweihander/ommrema/internal/storage"
	"github.com/pbzweihander/ommrema/internal/upload"
)

type ModHandler struct {
	uploads *upload.Coordinator
	catalog *catalog.Catalog
	store   storage.Store
}

func NewModHandler(uploads *upload.Coordinator, catalog *catalog.Catalog, store storage.Store) *ModHandler {
	return &ModHandler{
		uploads: uploads,
		catalog: catalog,
		store:   store,
	}
}

// Upload streams the raw request body into the store.
func (h *ModHandler) Upload(c *gin.Context) {
	expected := c.Request.ContentLength
	if expected < 0 {
		expected = upload.UnknownSize
	}

	file, err := h.uploads.Upload(c.Request.Context(), c.Param("name"), c.Request.Body, expected)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, file)
}

func (h *ModHandler) List(c *gin.Context) {
	files, err := h.catalog.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, files)
}

func (h *ModHandler) Download(c *gin.Context) {
	serveFile(c, h.store, c.Param("name"))
}

func serveFile(c *gin.Context, store storage.Store, name string) {
	ctx := c.Request.Context()

	rc, info, err := store.Open(ctx, name)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, info.Size, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", info.Name),
		"Last-Modified":       info.LastModified.UTC().Format(http.TimeFormat),
	})
}
