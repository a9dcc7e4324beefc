package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/storage"
)

const (
	// DefaultPartSize is the multipart chunk size and the threshold above
	// which uploads switch from PutObject to multipart.
	DefaultPartSize = 8 << 20

	// MinPartSize is the smallest non-final part S3 accepts.
	MinPartSize = 5 << 20

	maxPartSize    = 5 << 30
	partsPerGrowth = 1000
	maxDeleteBatch = 1000
	abortTimeout   = 30 * time.Second
)

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Store implements storage.ObjectStore for one bucket.
type Store struct {
	api       API
	presigner *s3.PresignClient
	bucket    string
	partSize  int
	logger    logrus.FieldLogger
}

// Option customizes a Store.
type Option func(*Store)

// WithPartSize sets the multipart chunk size in bytes.
func WithPartSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.partSize = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns a store writing to bucket through api. Presigning is available
// when api is a *s3.Client.
func New(api API, bucket string, opts ...Option) *Store {
	s := &Store{
		api:      api,
		bucket:   bucket,
		partSize: DefaultPartSize,
		logger:   logrus.StandardLogger(),
	}
	if client, ok := api.(*s3.Client); ok {
		s.presigner = s3.NewPresignClient(client)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.ObjectStore = (*Store)(nil)

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// Put uploads r under key. Streams that fit in one part go through a single
// PutObject; larger streams use a multipart upload that is aborted if reading
// or uploading fails, so S3 never commits a truncated object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	buf := make([]byte, s.partSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return 0, &errdefs.TransportError{Op: "put", Key: key, Err: err}
		}
		return int64(n), nil
	case err != nil:
		return 0, errors.Wrap(err, "failed to read upload stream")
	}
	return s.putMultipart(ctx, key, buf, r)
}

func (s *Store) putMultipart(ctx context.Context, key string, buf []byte, r io.Reader) (int64, error) {
	created, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, &errdefs.TransportError{Op: "create multipart upload", Key: key, Err: err}
	}
	uploadID := created.UploadId
	logger := s.logger.WithFields(logrus.Fields{"bucket": s.bucket, "key": key})

	abort := func(cause error) (int64, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		_, err := s.api.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to abort multipart upload; a lifecycle rule must clean it up")
		} else {
			logger.Debug("Aborted multipart upload")
		}
		return 0, cause
	}

	var (
		parts []types.CompletedPart
		total int64
		chunk = buf
		last  bool
	)
	for partNumber := int32(1); ; partNumber++ {
		out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(chunk),
			ContentLength: aws.Int64(int64(len(chunk))),
		})
		if err != nil {
			return abort(&errdefs.TransportError{Op: fmt.Sprintf("upload part %d of", partNumber), Key: key, Err: err})
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		total += int64(len(chunk))

		if last {
			break
		}
		// S3 caps uploads at 10000 parts; grow the chunk so unbounded dumps still fit.
		if int(partNumber)%partsPerGrowth == 0 && len(buf)*2 <= maxPartSize {
			buf = make([]byte, len(buf)*2)
		}

		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			last = true
		} else if err != nil {
			return abort(errors.Wrap(err, "failed to read upload stream"))
		}
		chunk = buf[:n]
	}

	_, err = s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return abort(&errdefs.TransportError{Op: "complete multipart upload", Key: key, Err: err})
	}

	logger.WithField("parts", len(parts)).Debug("Completed multipart upload")
	return total, nil
}

// List yields every object under prefix, fetching pages lazily.
func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[storage.ObjectInfo, error] {
	return func(yield func(storage.ObjectInfo, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(storage.ObjectInfo{}, &errdefs.TransportError{Op: "list", Key: prefix, Err: err})
				return
			}
			for _, obj := range page.Contents {
				info := storage.ObjectInfo{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

// Delete removes keys in DeleteObjects batches. A failed request marks its
// whole batch failed; per-key errors reported by S3 fail only those keys.
func (s *Store) Delete(ctx context.Context, keys []string) storage.DeleteResult {
	result := storage.DeleteResult{Failed: make(map[string]error)}

	for start := 0; start < len(keys); start += maxDeleteBatch {
		batch := keys[start:min(start+maxDeleteBatch, len(keys))]

		ids := make([]types.ObjectIdentifier, 0, len(batch))
		for _, key := range batch {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			for _, key := range batch {
				result.Failed[key] = &errdefs.TransportError{Op: "delete", Key: key, Err: err}
			}
			continue
		}

		for _, e := range out.Errors {
			key := aws.ToString(e.Key)
			result.Failed[key] = &errdefs.TransportError{
				Op:  "delete",
				Key: key,
				Err: fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message)),
			}
		}
		for _, key := range batch {
			if _, failed := result.Failed[key]; !failed {
				result.Deleted = append(result.Deleted, key)
			}
		}
	}

	return result
}
