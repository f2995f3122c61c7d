package reindex

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"

	"github.com/pbzweihander/ommrema/internal/catalog"
	"github.com/pbzweihander/ommrema/internal/storage"
	"github.com/pbzweihander/ommrema/internal/types"
)

const testPublicURL = "https://mods.example.com/"

func newTestBuilder(t *testing.T, store storage.Store, formats ...string) *Builder {
	t.Helper()
	b, err := NewBuilder(store, catalog.New(store), nil, BuilderConfig{
		Title:       "Test Repo",
		PublicURL:   testPublicURL,
		Downpath:    testPublicURL + "repo/mods/",
		Formats:     formats,
		HashWorkers: 2,
	}, nil)
	require.NoError(t, err)
	return b
}

func putPackage(t *testing.T, store storage.Store, name, body string) {
	t.Helper()
	_, err := store.Put(t.Context(), name, strings.NewReader(body))
	require.NoError(t, err)
}

func readArtifact(t *testing.T, store storage.Store, artifact string) []byte {
	t.Helper()
	rc, err := store.OpenIndex(t.Context(), artifact)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestBuildPublishesOMX(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	putPackage(t, store, "zeta.ozp", "zzzz")
	putPackage(t, store, "alpha.ozp", "a")
	putPackage(t, store, "mid.ozp", "middle package")

	res, err := newTestBuilder(t, store).Build(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Mods)
	assert.Equal(t, []string{"index.omx"}, res.Artifacts)

	data := readArtifact(t, store, "index.omx")
	assert.True(t, bytes.HasPrefix(data, []byte(xml.Header)))
	assert.Contains(t, string(data), "<Open_Mod_Manager_Repository>")

	var repo Repository
	require.NoError(t, xml.Unmarshal(data, &repo))
	assert.Equal(t, uuid.NewSHA1(uuid.NameSpaceDNS, []byte(testPublicURL)).String(), repo.UUID)
	assert.Equal(t, "Test Repo", repo.Title)
	assert.Equal(t, testPublicURL+"repo/mods/", repo.Downpath)
	assert.Equal(t, 3, repo.References.Count)
	require.Len(t, repo.References.Mods, 3)

	idents := []string{}
	for _, m := range repo.References.Mods {
		idents = append(idents, m.Ident)
		assert.Equal(t, m.Ident, m.File)
	}
	assert.Equal(t, []string{"alpha.ozp", "mid.ozp", "zeta.ozp"}, idents)

	mid := repo.References.Mods[1]
	assert.Equal(t, int64(len("middle package")), mid.Bytes)
	assert.Equal(t, strconv.FormatUint(xxh3.HashString("middle package"), 16), mid.XXHSum)

	// index artifacts never show up as packages
	files, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestBuildEmptyStore(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)

	res, err := newTestBuilder(t, store).Build(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Mods)

	var repo Repository
	require.NoError(t, xml.Unmarshal(readArtifact(t, store, "index.omx"), &repo))
	assert.Equal(t, 0, repo.References.Count)
	assert.Empty(t, repo.References.Mods)
}

func TestBuildMultipleFormats(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	putPackage(t, store, "one.ozp", "1")

	res, err := newTestBuilder(t, store, "omx", "json", "OMX").Build(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"index.omx", "index.json"}, res.Artifacts)

	var repo Repository
	require.NoError(t, json.Unmarshal(readArtifact(t, store, "index.json"), &repo))
	require.Len(t, repo.References.Mods, 1)
	assert.Equal(t, "one.ozp", repo.References.Mods[0].Ident)
	assert.Equal(t, strconv.FormatUint(xxh3.HashString("1"), 16), repo.References.Mods[0].XXHSum)
}

func TestUnknownFormat(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewBuilder(store, catalog.New(store), nil, BuilderConfig{Formats: []string{"yaml"}}, nil)
	assert.Error(t, err)
}

// failingOpenStore fails to open one named package.
type failingOpenStore struct {
	storage.Store
	name string
}

func (s *failingOpenStore) Open(ctx context.Context, name string) (io.ReadCloser, *storage.PackageFile, error) {
	if name == s.name {
		return nil, nil, errors.New("disk read error")
	}
	return s.Store.Open(ctx, name)
}

func TestFailedBuildKeepsPublishedIndex(t *testing.T) {
	fs, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	putPackage(t, fs, "a.ozp", "a")

	_, err = newTestBuilder(t, fs).Build(t.Context())
	require.NoError(t, err)
	before := readArtifact(t, fs, "index.omx")

	putPackage(t, fs, "b.ozp", "b")
	broken := &failingOpenStore{Store: fs, name: "b.ozp"}

	c := NewCoordinator(newTestBuilder(t, broken))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	h, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	job, err := h.Wait(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceRead))
	assert.Equal(t, types.JobFailed, job.Status)
	assert.NoError(t, c.Halted())

	assert.Equal(t, before, readArtifact(t, fs, "index.omx"))
}

func TestFailedMultiFormatPublishKeepsEveryArtifact(t *testing.T) {
	root := t.TempDir()
	fs, err := storage.NewFSStore(root)
	require.NoError(t, err)
	putPackage(t, fs, "a.ozp", "a")

	_, err = newTestBuilder(t, fs, "omx").Build(t.Context())
	require.NoError(t, err)
	before := readArtifact(t, fs, "index.omx")

	putPackage(t, fs, "b.ozp", "b")
	require.NoError(t, os.Mkdir(filepath.Join(root, "index", "index.json"), 0o755))

	_, err = newTestBuilder(t, fs, "omx", "json").Build(t.Context())
	require.Error(t, err)

	assert.Equal(t, before, readArtifact(t, fs, "index.omx"))
	info, err := os.Stat(filepath.Join(root, "index", "index.json"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCorruptStoreHaltsCoordinator(t *testing.T) {
	root := t.TempDir()
	fs, err := storage.NewFSStore(root)
	require.NoError(t, err)
	putPackage(t, fs, "a.ozp", "a")

	indexDir := filepath.Join(root, "index")
	require.NoError(t, os.RemoveAll(indexDir))
	require.NoError(t, os.WriteFile(indexDir, []byte("not a directory"), 0o644))

	c := NewCoordinator(newTestBuilder(t, fs))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	h, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	job, err := h.Wait(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStoreCorruption))
	assert.True(t, job.Fatal)

	_, err = c.Request(types.TriggerManual)
	assert.True(t, errors.Is(err, storage.ErrStoreCorruption))

	require.NoError(t, os.Remove(indexDir))
	require.NoError(t, os.Mkdir(indexDir, 0o755))
	require.True(t, c.Resume())

	h, err = c.Request(types.TriggerManual)
	require.NoError(t, err)
	job, err = h.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, job.Mods)
}
