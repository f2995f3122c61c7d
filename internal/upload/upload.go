// Package upload accepts named package streams and promotes them into the
// blob store.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pbzweihander/ommrema/internal/metrics"
	"github.com/pbzweihander/ommrema/internal/storage"
	"github.com/pbzweihander/ommrema/internal/types"
)

var (
	ErrIncompleteUpload = errors.New("incomplete upload")
	ErrTooLarge         = errors.New("upload exceeds maximum size")
)

// UnknownSize is passed as expectedSize when the client did not declare a
// body length.
const UnknownSize int64 = -1

// Reindexer receives a fire-and-forget reindex request after each
// successful upload.
type Reindexer interface {
	Enqueue(trigger types.Trigger) error
}

type Options struct {
	// Extension, when set, is forced onto every stored name: any trailing
	// copies are stripped and exactly one is appended.
	Extension string
	// MaxSize of 0 means unlimited.
	MaxSize int64
	// ReindexOnUpload enqueues a reindex after every successful upload.
	ReindexOnUpload bool
}

type Coordinator struct {
	store     storage.Store
	reindexer Reindexer
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewCoordinator(store storage.Store, reindexer Reindexer, opts Options, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     store,
		reindexer: reindexer,
		opts:      opts,
		logger:    logger.With("component", "upload"),
		metrics:   m,
	}
}

// NormalizeName applies the configured extension policy to name.
func (c *Coordinator) NormalizeName(name string) string {
	ext := c.opts.Extension
	if ext == "" {
		return name
	}
	for strings.HasSuffix(name, ext) {
		name = strings.TrimSuffix(name, ext)
	}
	return name + ext
}

// Upload streams body into the store under name. expectedSize is the
// declared body length, or UnknownSize.
//
// A body that fails, is cut short, or is cancelled leaves any previously
// stored package with the same name untouched.
func (c *Coordinator) Upload(ctx context.Context, name string, body io.Reader, expectedSize int64) (*storage.PackageFile, error) {
	name = c.NormalizeName(name)

	if c.opts.MaxSize > 0 && expectedSize > c.opts.MaxSize {
		c.metrics.ObserveUpload("too_large", 0)
		return nil, fmt.Errorf("%s: declared %d bytes, limit %d: %w", name, expectedSize, c.opts.MaxSize, ErrTooLarge)
	}

	src := &meteredReader{
		r:        body,
		max:      c.opts.MaxSize,
		expected: expectedSize,
	}

	file, err := c.store.Put(ctx, name, src)
	if err != nil {
		err = c.classify(ctx, name, src, err)
		c.logger.Warn("upload rejected", "name", name, "received", src.n, "error", err)
		return nil, err
	}

	c.metrics.ObserveUpload("ok", file.Size)
	c.logger.Info("package stored", "name", file.Name, "size", file.Size)

	if c.opts.ReindexOnUpload && c.reindexer != nil {
		if err := c.reindexer.Enqueue(types.TriggerUpload); err != nil {
			c.logger.Warn("reindex after upload not started", "name", file.Name, "error", err)
		}
	}

	return file, nil
}

func (c *Coordinator) classify(ctx context.Context, name string, src *meteredReader, err error) error {
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		c.metrics.ObserveUpload("invalid_name", 0)
		return err
	case errors.Is(err, ErrTooLarge):
		c.metrics.ObserveUpload("too_large", 0)
		return fmt.Errorf("%s: more than %d bytes: %w", name, c.opts.MaxSize, ErrTooLarge)
	case src.err != nil:
		c.metrics.ObserveUpload("incomplete", 0)
		return fmt.Errorf("%s: after %d bytes: %w: %w", name, src.n, ErrIncompleteUpload, src.err)
	case ctx.Err() != nil:
		c.metrics.ObserveUpload("incomplete", 0)
		return fmt.Errorf("%s: %w: %w", name, ErrIncompleteUpload, ctx.Err())
	case errors.Is(err, storage.ErrIOFailure):
		c.metrics.ObserveUpload("io_error", 0)
		return err
	default:
		c.metrics.ObserveUpload("io_error", 0)
		return fmt.Errorf("%s: %w: %w", name, storage.ErrIOFailure, err)
	}
}

// meteredReader counts bytes, enforces the size limit and turns a body that
// ends before its declared length into an error, so the store never
// promotes a truncated file.
type meteredReader struct {
	r        io.Reader
	n        int64
	max      int64
	expected int64
	err      error
}

func (m *meteredReader) Read(p []byte) (int, error) {
	if m.err != nil {
		return 0, m.err
	}

	n, err := m.r.Read(p)
	m.n += int64(n)

	if m.max > 0 && m.n > m.max {
		return n, ErrTooLarge
	}
	if m.expected >= 0 && m.n > m.expected {
		m.err = fmt.Errorf("body longer than declared %d bytes", m.expected)
		return n, m.err
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if m.expected >= 0 && m.n < m.expected {
			m.err = fmt.Errorf("got %d of %d bytes: %w", m.n, m.expected, io.ErrUnexpectedEOF)
			return n, m.err
		}
		return n, io.EOF
	default:
		m.err = err
		return n, err
	}
}
