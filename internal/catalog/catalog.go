// Package catalog derives package listings from the blob store. There is no
// separate metadata database: directory (or bucket) entries are the source
// of truth and every call takes a fresh snapshot.
package catalog

import (
	"context"
	"sort"

	"github.com/pbzweihander/ommrema/internal/storage"
)

type Catalog struct {
	store storage.Store
}

func New(store storage.Store) *Catalog {
	return &Catalog{store: store}
}

// List returns the packages currently stored, most recently modified first.
// Ties are broken by name so the order is stable within a snapshot.
func (c *Catalog) List(ctx context.Context) ([]storage.PackageFile, error) {
	files, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].LastModified.Equal(files[j].LastModified) {
			return files[i].LastModified.After(files[j].LastModified)
		}
		return files[i].Name < files[j].Name
	})

	return files, nil
}

// ByName returns the same snapshot ordered by name, the order the
// repository index uses.
func (c *Catalog) ByName(ctx context.Context) ([]storage.PackageFile, error) {
	files, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})

	return files, nil
}
