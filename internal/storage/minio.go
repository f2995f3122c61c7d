package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	modsPrefix    = "mods/"
	indexPrefix   = "index/"
	stagingPrefix = "staging/"

	// putPartSize bounds the buffer minio-go allocates for a stream of
	// unknown length. Left at zero it sizes parts for a 5 TiB object.
	putPartSize = 16 << 20

	cleanupTimeout = 30 * time.Second
)

type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	MaxNameLength int
}

// MinioStore keeps packages in an S3-compatible bucket. An object becomes
// visible only when its PUT completes; a failed or aborted upload leaves the
// previous object untouched, which gives the same promote semantics as the
// filesystem rename.
type MinioStore struct {
	client        *minio.Client
	bucket        string
	maxNameLength int
}

func NewMinioStore(ctx context.Context, config *MinioConfig) (*MinioStore, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	s := &MinioStore{
		client:        client,
		bucket:        config.Bucket,
		maxNameLength: config.MaxNameLength,
	}
	if s.maxNameLength <= 0 {
		s.maxNameLength = DefaultMaxNameLength
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", config.Bucket, err)
	}

	if !exists {
		err = client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", config.Bucket, err)
		}
	}

	return s, nil
}

func (s *MinioStore) Put(ctx context.Context, name string, r io.Reader) (*PackageFile, error) {
	if err := ValidateName(name, s.maxNameLength); err != nil {
		return nil, err
	}

	src := &sourceTracker{r: r}
	// Size -1 streams as a multipart upload, one putPartSize part at a time.
	_, err := s.client.PutObject(ctx, s.bucket, modObjectName(name), src, -1, putOptions("application/octet-stream"))
	if err != nil {
		if src.err != nil {
			return nil, fmt.Errorf("put %q: %w", name, src.err)
		}
		return nil, fmt.Errorf("put %q: %w: %w", name, ErrIOFailure, err)
	}

	return s.Stat(ctx, name)
}

func (s *MinioStore) Stat(ctx context.Context, name string) (*PackageFile, error) {
	if err := ValidateName(name, s.maxNameLength); err != nil {
		return nil, err
	}

	info, err := s.client.StatObject(ctx, s.bucket, modObjectName(name), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("package %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %q: %w: %w", name, ErrIOFailure, err)
	}

	return &PackageFile{Name: name, Size: info.Size, LastModified: info.LastModified}, nil
}

func (s *MinioStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Stat(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MinioStore) List(ctx context.Context) ([]PackageFile, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    modsPrefix,
		Recursive: false,
	})

	var files []PackageFile
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w: %w", ErrIOFailure, obj.Err)
		}

		name := strings.TrimPrefix(obj.Key, modsPrefix)
		if ValidateName(name, s.maxNameLength) != nil {
			continue
		}

		files = append(files, PackageFile{
			Name:         name,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	return files, nil
}

func (s *MinioStore) Open(ctx context.Context, name string) (io.ReadCloser, *PackageFile, error) {
	if err := ValidateName(name, s.maxNameLength); err != nil {
		return nil, nil, err
	}
	obj, info, err := s.getObject(ctx, modObjectName(name), name)
	if err != nil {
		return nil, nil, err
	}
	return obj, &PackageFile{Name: name, Size: info.Size, LastModified: info.LastModified}, nil
}

// PublishIndex uploads every artifact under a staging prefix before touching
// the live index, then copies them into place server side. If a copy fails
// the artifacts already copied are rewritten with their previous bytes, or
// removed if they did not exist.
func (s *MinioStore) PublishIndex(ctx context.Context, artifacts ...IndexArtifact) error {
	seen := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		if err := ValidateName(a.Name, s.maxNameLength); err != nil {
			return err
		}
		if seen[a.Name] {
			return fmt.Errorf("index artifact %q given twice", a.Name)
		}
		seen[a.Name] = true
	}

	stage := stagingPrefix + uuid.NewString() + "/"
	staged := make([]string, 0, len(artifacts))
	defer func() {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		for _, key := range staged {
			_ = s.client.RemoveObject(cleanup, s.bucket, key, minio.RemoveObjectOptions{})
		}
	}()

	for _, a := range artifacts {
		key := stage + a.Name
		if err := s.putIndexObject(ctx, key, a.Name, a.Body); err != nil {
			return err
		}
		staged = append(staged, key)
	}

	prior := make([]*priorObject, len(artifacts))
	for i, a := range artifacts {
		p, err := s.snapshot(ctx, indexObjectName(a.Name))
		if err != nil {
			return fmt.Errorf("publish index %q: %w", a.Name, err)
		}
		prior[i] = p
	}

	for i, a := range artifacts {
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: indexObjectName(a.Name)},
			minio.CopySrcOptions{Bucket: s.bucket, Object: staged[i]},
		)
		if err != nil {
			s.restore(ctx, artifacts[:i], prior[:i])
			return fmt.Errorf("publish index %q: %w: %w", a.Name, ErrIOFailure, err)
		}
	}
	return nil
}

func (s *MinioStore) putIndexObject(ctx context.Context, key, artifact string, r io.Reader) error {
	counted := &sourceTracker{r: r}
	info, err := s.client.PutObject(ctx, s.bucket, key, counted, -1, putOptions(contentTypeFor(artifact)))
	if err != nil {
		if counted.err != nil {
			return fmt.Errorf("publish index %q: %w", artifact, counted.err)
		}
		if code := minio.ToErrorResponse(err).Code; code == "NoSuchBucket" {
			return fmt.Errorf("publish index %q: bucket %q missing: %w", artifact, s.bucket, ErrStoreCorruption)
		}
		return fmt.Errorf("publish index %q: %w: %w", artifact, ErrIOFailure, err)
	}

	if info.Size != counted.n {
		return fmt.Errorf("publish index %q: stored %d of %d bytes: %w", artifact, info.Size, counted.n, ErrStoreCorruption)
	}
	return nil
}

// priorObject is the live content of an index artifact before a publish.
// A nil *priorObject means the artifact did not exist.
type priorObject struct {
	data []byte
}

// snapshot reads an index object fully. Index artifacts are small.
func (s *MinioStore) snapshot(ctx context.Context, key string) (*priorObject, error) {
	obj, _, err := s.getObject(ctx, key, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w: %w", key, ErrIOFailure, err)
	}
	return &priorObject{data: data}, nil
}

func (s *MinioStore) restore(ctx context.Context, artifacts []IndexArtifact, prior []*priorObject) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	for i, a := range artifacts {
		key := indexObjectName(a.Name)
		var err error
		if p := prior[i]; p != nil {
			_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(p.data), int64(len(p.data)),
				putOptions(contentTypeFor(a.Name)))
		} else {
			err = s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		}
		if err != nil {
			slog.Error("restoring index artifact failed", "artifact", a.Name, "error", err)
		}
	}
}

func (s *MinioStore) OpenIndex(ctx context.Context, artifact string) (io.ReadCloser, error) {
	if err := ValidateName(artifact, s.maxNameLength); err != nil {
		return nil, err
	}
	obj, _, err := s.getObject(ctx, indexObjectName(artifact), artifact)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// getObject stats before returning so a missing object surfaces as
// ErrNotFound here rather than on the first Read.
func (s *MinioStore) getObject(ctx context.Context, objectName, name string) (*minio.Object, minio.ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("open %q: %w: %w", name, ErrIOFailure, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, minio.ObjectInfo{}, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return nil, minio.ObjectInfo{}, fmt.Errorf("open %q: %w: %w", name, ErrIOFailure, err)
	}
	return obj, info, nil
}

func modObjectName(name string) string {
	return modsPrefix + name
}

func indexObjectName(artifact string) string {
	return indexPrefix + artifact
}

func putOptions(contentType string) minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    putPartSize,
	}
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func contentTypeFor(artifact string) string {
	switch path.Ext(artifact) {
	case ".json":
		return "application/json"
	case ".omx", ".xml":
		return "application/xml"
	}
	return "application/octet-stream"
}

// sourceTracker remembers the first error returned by the wrapped reader so
// callers can tell a failing source apart from a failing destination.
type sourceTracker struct {
	r   io.Reader
	n   int64
	err error
}

func (t *sourceTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.n += int64(n)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
