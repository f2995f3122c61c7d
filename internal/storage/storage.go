// Package storage is the blob store for mod package files and the
// published repository index.
//
// Package files live in a flat namespace keyed by a validated name. Index
// artifacts live in a separate namespace so a listing never contains them.
// Every write is staged privately and promoted in a single step: readers see
// either the complete previous object or the complete new one.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrInvalidName     = errors.New("invalid package name")
	ErrNotFound        = errors.New("package not found")
	ErrIOFailure       = errors.New("storage i/o failure")
	ErrStoreCorruption = errors.New("store corruption")
)

// IndexArtifact is one named index document handed to PublishIndex.
type IndexArtifact struct {
	Name string
	Body io.Reader
}

// PackageFile describes one stored package.
type PackageFile struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Store is implemented by every blob store backend.
//
// Put consumes r completely before the new content becomes visible. If r
// returns an error or ctx is cancelled, nothing visible changes and the
// error is returned unretried.
//
// Open returns the metadata of the object it actually opened, so size and
// modification time always describe the bytes the reader yields.
//
// PublishIndex replaces every given artifact or none of them: all bodies are
// staged first, and a failure while promoting restores the artifacts already
// swapped in.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) (*PackageFile, error)
	Stat(ctx context.Context, name string) (*PackageFile, error)
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]PackageFile, error)
	Open(ctx context.Context, name string) (io.ReadCloser, *PackageFile, error)

	PublishIndex(ctx context.Context, artifacts ...IndexArtifact) error
	OpenIndex(ctx context.Context, artifact string) (io.ReadCloser, error)
}

// contextReader stops a copy as soon as ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
