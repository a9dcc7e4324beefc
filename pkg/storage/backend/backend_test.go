package backend

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/dbsavr/pkg/config"
	"github.com/supporttools/dbsavr/pkg/storage/local"
)

func TestLocalOpener(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	cfg := &config.AppConfig{Storage: config.StorageConfig{Backend: config.BackendLocal, LocalDirectory: dir}}

	store, err := Opener(cfg, logger)(context.Background(), "backups")
	require.NoError(t, err)
	require.IsType(t, &local.Store{}, store)

	_, err = store.Put(context.Background(), "dbsavr/app/app_20250312_100000.sql.gz", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "backups", "dbsavr", "app", "app_20250312_100000.sql.gz"))
}

func TestClientOptions(t *testing.T) {
	cfg := &config.AppConfig{S3: config.S3Config{
		Region:    "eu-west-1",
		Endpoint:  "https://minio.internal:9000",
		AccessKey: "ak",
		SecretKey: "sk",
		PathStyle: true,
	}}

	opts := ClientOptions(cfg)
	assert.Equal(t, "eu-west-1", opts.Region)
	assert.Equal(t, "https://minio.internal:9000", opts.Endpoint)
	assert.True(t, opts.PathStyle)
	assert.False(t, opts.SkipCertValidation)
}

func TestS3OpenerRejectsMissingCA(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := &config.AppConfig{S3: config.S3Config{
		Region:       "us-east-1",
		CustomCAPath: filepath.Join(t.TempDir(), "missing-ca.pem"),
	}}

	_, err := Opener(cfg, logger)(context.Background(), "backups")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
