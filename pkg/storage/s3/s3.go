// Package s3 stores backup artifacts in S3 and S3 compatible object stores.
package s3

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ClientOptions configures the SDK client. Everything is passed explicitly;
// empty credentials fall back to the SDK's default chain (environment,
// shared profile, instance role).
type ClientOptions struct {
	Region             string
	Endpoint           string
	AccessKey          string
	SecretKey          string
	PathStyle          bool
	CustomCAPath       string
	SkipCertValidation bool
}

// NewClient builds an S3 client from opts.
func NewClient(ctx context.Context, opts ClientOptions, logger logrus.FieldLogger) (*s3.Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	httpClient, err := newHTTPClient(opts, logger)
	if err != nil {
		return nil, err
	}

	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		sdkOptions = append(sdkOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	} else {
		logger.Debug("No explicit S3 credentials configured, using the default credential chain")
	}
	if opts.Region != "" {
		sdkOptions = append(sdkOptions, awsconfig.WithRegion(opts.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	logger.WithFields(logrus.Fields{
		"region":     opts.Region,
		"endpoint":   opts.Endpoint,
		"path_style": opts.PathStyle,
	}).Debug("S3 client initialized")

	return client, nil
}

func newHTTPClient(opts ClientOptions, logger logrus.FieldLogger) (*http.Client, error) {
	if opts.CustomCAPath == "" && !opts.SkipCertValidation {
		return &http.Client{}, nil
	}

	tlsConfig := &tls.Config{}

	if opts.CustomCAPath != "" && !opts.SkipCertValidation {
		rootCAs, _ := x509.SystemCertPool()
		if rootCAs == nil {
			rootCAs = x509.NewCertPool()
		}

		caCert, err := os.ReadFile(opts.CustomCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read custom CA certificate: %w", err)
		}
		if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("failed to append custom CA certificate from %s", opts.CustomCAPath)
		}

		tlsConfig.RootCAs = rootCAs
		logger.Infof("Using custom CA certificate from %s", opts.CustomCAPath)
	}

	if opts.SkipCertValidation {
		tlsConfig.InsecureSkipVerify = true
		logger.Warn("TLS certificate validation is disabled for S3 connections")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport}, nil
}
