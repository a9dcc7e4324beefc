// Package backend opens the object store selected in configuration.
package backend

import (
	"context"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/dbsavr/pkg/config"
	"github.com/supporttools/dbsavr/pkg/storage"
	"github.com/supporttools/dbsavr/pkg/storage/local"
	s3store "github.com/supporttools/dbsavr/pkg/storage/s3"
)

// Opener returns the store factory for cfg.Storage.Backend. Local buckets
// are subdirectories of the configured directory.
func Opener(cfg *config.AppConfig, logger logrus.FieldLogger) storage.Opener {
	if cfg.Storage.Backend == config.BackendLocal {
		return func(_ context.Context, bucket string) (storage.ObjectStore, error) {
			return local.New(filepath.Join(cfg.Storage.LocalDirectory, bucket), logger)
		}
	}
	return func(ctx context.Context, bucket string) (storage.ObjectStore, error) {
		client, err := s3store.NewClient(ctx, ClientOptions(cfg), logger)
		if err != nil {
			return nil, err
		}
		return s3store.New(client, bucket,
			s3store.WithPartSize(int(cfg.PartSize())),
			s3store.WithLogger(logger),
		), nil
	}
}

// ClientOptions maps the s3 section onto SDK client options.
func ClientOptions(cfg *config.AppConfig) s3store.ClientOptions {
	return s3store.ClientOptions{
		Region:             cfg.S3.Region,
		Endpoint:           cfg.S3.Endpoint,
		AccessKey:          cfg.S3.AccessKey,
		SecretKey:          cfg.S3.SecretKey,
		PathStyle:          cfg.S3.PathStyle,
		CustomCAPath:       cfg.S3.CustomCAPath,
		SkipCertValidation: cfg.S3.SkipCertValidation,
	}
}
