// Package memory is an in-process object store used by tests and dry runs.
package memory

import (
	"bytes"
	"context"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/storage"
)

type object struct {
	data     []byte
	modified time.Time
}

// Store keeps objects in a map. Failures can be injected per operation.
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	// PutErr, when set, is returned by Put after the stream was consumed.
	PutErr error
	// ListErr, when set, is yielded instead of any object.
	ListErr error
	// DeleteErr returns a non-nil error for keys that must fail.
	DeleteErr func(key string) error
}

var _ storage.ObjectStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

// Put commits the object only when the whole stream was read successfully.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, &errdefs.TransportError{Op: "put", Key: key, Err: err}
	}
	if s.PutErr != nil {
		return 0, &errdefs.TransportError{Op: "put", Key: key, Err: s.PutErr}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: buf.Bytes(), modified: time.Now()}
	return n, nil
}

// Seed stores data under key without going through Put.
func (s *Store) Seed(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: data, modified: time.Now()}
}

// Get returns a copy of the object data.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Keys returns all keys in order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[storage.ObjectInfo, error] {
	return func(yield func(storage.ObjectInfo, error) bool) {
		if s.ListErr != nil {
			yield(storage.ObjectInfo{}, &errdefs.TransportError{Op: "list", Key: prefix, Err: s.ListErr})
			return
		}
		s.mu.Lock()
		var objects []storage.ObjectInfo
		for k, obj := range s.objects {
			if strings.HasPrefix(k, prefix) {
				objects = append(objects, storage.ObjectInfo{Key: k, Size: int64(len(obj.data)), LastModified: obj.modified})
			}
		}
		s.mu.Unlock()
		sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

		for _, obj := range objects {
			if err := ctx.Err(); err != nil {
				yield(storage.ObjectInfo{}, &errdefs.TransportError{Op: "list", Key: prefix, Err: err})
				return
			}
			if !yield(obj, nil) {
				return
			}
		}
	}
}

func (s *Store) Delete(ctx context.Context, keys []string) storage.DeleteResult {
	result := storage.DeleteResult{Failed: make(map[string]error)}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if s.DeleteErr != nil {
			if err := s.DeleteErr(key); err != nil {
				result.Failed[key] = &errdefs.TransportError{Op: "delete", Key: key, Err: err}
				continue
			}
		}
		delete(s.objects, key)
		result.Deleted = append(result.Deleted, key)
	}
	return result
}
