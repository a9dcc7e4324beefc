// Package storage defines the object store contract backups are written through.
package storage

import (
	"context"
	"io"
	"iter"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// DeleteResult reports the outcome of a best-effort batch delete.
type DeleteResult struct {
	Deleted []string
	Failed  map[string]error
}

// ObjectStore is a flat key namespace inside one bucket.
type ObjectStore interface {
	// Put stores the stream under key and returns the bytes written. The
	// object becomes visible only if the whole stream was read without
	// error; otherwise nothing is left under key.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// List yields objects under prefix in key order. Pagination is hidden;
	// ranging again restarts from the beginning.
	List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
	// Delete removes keys one by one, reporting per-key failures.
	Delete(ctx context.Context, keys []string) DeleteResult
}

// Destination is where a target's artifacts are written.
type Destination struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// URL renders the location of key at the destination.
func (d Destination) URL(key string) string {
	return "s3://" + d.Bucket + "/" + key
}

// Opener returns a store for a bucket.
type Opener func(ctx context.Context, bucket string) (ObjectStore, error)

// Collect drains a listing into a slice, stopping at the first error.
func Collect(seq iter.Seq2[ObjectInfo, error]) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj, err := range seq {
		if err != nil {
			return objects, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}
