// Package local stores backup artifacts on a filesystem path, one directory per bucket.
package local

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/storage"
)

// Store maps object keys to files below root.
type Store struct {
	root   string
	logger logrus.FieldLogger
}

var _ storage.ObjectStore = (*Store)(nil)

// New returns a store rooted at dir, creating it if needed.
func New(dir string, logger logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create backup directory %s", dir)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{root: dir, logger: logger}, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put writes the stream to a temporary file next to the target and renames
// it into place once the stream ended cleanly.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	target, err := s.path(key)
	if err != nil {
		return 0, &errdefs.TransportError{Op: "put", Key: key, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, &errdefs.TransportError{Op: "put", Key: key, Err: err}
	}

	counter := &countingReader{r: contextReader{ctx: ctx, r: r}}
	if err := atomic.WriteFile(target, counter); err != nil {
		return 0, &errdefs.TransportError{Op: "put", Key: key, Err: err}
	}

	s.logger.WithFields(logrus.Fields{"path": target, "bytes": counter.n}).Debug("Stored local backup")
	return counter.n, nil
}

// List walks the tree and yields regular files whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[storage.ObjectInfo, error] {
	return func(yield func(storage.ObjectInfo, error) bool) {
		var objects []storage.ObjectInfo
		err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) || !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			objects = append(objects, storage.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
			return nil
		})
		if err != nil {
			yield(storage.ObjectInfo{}, &errdefs.TransportError{Op: "list", Key: prefix, Err: err})
			return
		}

		sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
		for _, obj := range objects {
			if !yield(obj, nil) {
				return
			}
		}
	}
}

// Delete removes files. Missing files count as deleted.
func (s *Store) Delete(ctx context.Context, keys []string) storage.DeleteResult {
	result := storage.DeleteResult{Failed: make(map[string]error)}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			result.Failed[key] = &errdefs.TransportError{Op: "delete", Key: key, Err: err}
			continue
		}
		target, err := s.path(key)
		if err == nil {
			err = os.Remove(target)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Failed[key] = &errdefs.TransportError{Op: "delete", Key: key, Err: err}
			continue
		}
		result.Deleted = append(result.Deleted, key)
	}
	return result
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
