package reindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/pbzweihander/ommrema/internal/catalog"
	"github.com/pbzweihander/ommrema/internal/storage"
)

// ErrSourceRead marks a failure to read the package set while building. The
// published index is untouched and the job may simply be requested again.
var ErrSourceRead = errors.New("reading package source failed")

// Result summarizes a successful build.
type Result struct {
	Mods      int
	Artifacts []string
}

// Indexer rebuilds and publishes the repository index.
type Indexer interface {
	Build(ctx context.Context) (*Result, error)
}

type BuilderConfig struct {
	Title       string
	PublicURL   string
	Downpath    string
	Formats     []string
	HashWorkers int
}

type Builder struct {
	store    storage.Store
	catalog  *catalog.Catalog
	encoders []Encoder
	cfg      BuilderConfig
	logger   *slog.Logger
}

func NewBuilder(store storage.Store, cat *catalog.Catalog, registry *Registry, cfg BuilderConfig, logger *slog.Logger) (*Builder, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []string{"omx"}
	}
	encoders, err := registry.Select(cfg.Formats)
	if err != nil {
		return nil, err
	}
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		store:    store,
		catalog:  cat,
		encoders: encoders,
		cfg:      cfg,
		logger:   logger.With("component", "index-builder"),
	}, nil
}

// RepositoryUUID is stable for a given public URL.
func RepositoryUUID(publicURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(publicURL)).String()
}

// Build hashes every listed package and publishes one artifact per
// configured format. Nothing is published unless every package was read
// and every format encoded.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	files, err := b.catalog.ByName(ctx)
	if err != nil {
		return nil, sourceErr("listing packages", err)
	}

	mods := make([]Mod, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.HashWorkers)
	for i, f := range files {
		g.Go(func() error {
			sum, n, err := b.hash(gctx, f.Name)
			if err != nil {
				return err
			}
			mods[i] = Mod{
				Ident:  f.Name,
				File:   f.Name,
				Bytes:  n,
				XXHSum: strconv.FormatUint(sum, 16),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	repo := &Repository{
		UUID:     RepositoryUUID(b.cfg.PublicURL),
		Title:    b.cfg.Title,
		Downpath: b.cfg.Downpath,
		References: References{
			Count: len(mods),
			Mods:  mods,
		},
	}

	result := &Result{Mods: len(mods)}
	artifacts := make([]storage.IndexArtifact, len(b.encoders))
	for i, enc := range b.encoders {
		buf := &bytes.Buffer{}
		if err := enc.Encode(buf, repo); err != nil {
			return nil, err
		}
		artifacts[i] = storage.IndexArtifact{Name: enc.Artifact(), Body: buf}
		result.Artifacts = append(result.Artifacts, enc.Artifact())
	}

	// all formats go live together or not at all
	if err := b.store.PublishIndex(ctx, artifacts...); err != nil {
		return nil, err
	}
	b.logger.Debug("index published", "artifacts", result.Artifacts, "mods", len(mods))

	return result, nil
}

func (b *Builder) hash(ctx context.Context, name string) (uint64, int64, error) {
	rc, _, err := b.store.Open(ctx, name)
	if err != nil {
		return 0, 0, sourceErr("opening "+name, err)
	}
	defer rc.Close()

	h := xxh3.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return 0, 0, sourceErr("reading "+name, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, sourceErr("reading "+name, err)
	}
	return h.Sum64(), n, nil
}

func sourceErr(op string, err error) error {
	if errors.Is(err, storage.ErrStoreCorruption) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSourceRead, err)
}
