package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbzweihander/ommrema/internal/storage"
)

// openOnlyStore serves a single package through Open. Any other call hits
// the nil embedded Store and panics.
type openOnlyStore struct {
	storage.Store
	body    string
	modTime time.Time
}

func (s *openOnlyStore) Open(_ context.Context, name string) (io.ReadCloser, *storage.PackageFile, error) {
	return io.NopCloser(strings.NewReader(s.body)), &storage.PackageFile{
		Name:         name,
		Size:         int64(len(s.body)),
		LastModified: s.modTime,
	}, nil
}

func TestDownloadUsesOpenedFileMetadata(t *testing.T) {
	gin.SetMode(gin.TestMode)

	modTime := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	store := &openOnlyStore{body: "package bytes", modTime: modTime}
	h := NewModHandler(nil, nil, store)

	r := gin.New()
	r.GET("/mods/:name", h.Download)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mods/pack.ozp", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "package bytes", w.Body.String())
	assert.Equal(t, strconv.Itoa(len("package bytes")), w.Header().Get("Content-Length"))
	assert.Equal(t, modTime.Format(http.TimeFormat), w.Header().Get("Last-Modified"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="pack.ozp"`)
}
