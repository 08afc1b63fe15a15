// Package storage archives verified invoices to S3 or an S3-compatible store.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"invoice-harvester/internal/config"
)

const (
	pdfContentType   = "application/pdf"
	partSize         = 5 * 1024 * 1024
	uploadWorkers    = 2
	configLoadBudget = 30 * time.Second
	defaultRegion    = "us-east-1"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type bucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archive uploads files below the download directory, keeping their relative
// layout under the configured prefix
type Archive struct {
	client   bucketAPI
	uploader uploader
	cfg      *config.S3Config
	basePath string
	logger   *zap.Logger
}

// NewArchive creates an archive from configuration. A custom endpoint uses
// static credentials and path-style addressing; otherwise the default AWS
// credential chain applies.
func NewArchive(cfg *config.S3Config, basePath string, logger *zap.Logger) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), configLoadBudget)
	defer cancel()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		if cfg.Region == "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(defaultRegion))
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			cfg.SessionToken,
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = uploadWorkers
	})

	return newArchive(client, up, cfg, basePath, logger), nil
}

func newArchive(client bucketAPI, up uploader, cfg *config.S3Config, basePath string, logger *zap.Logger) *Archive {
	return &Archive{
		client:   client,
		uploader: up,
		cfg:      cfg,
		basePath: basePath,
		logger:   logger.Named("storage"),
	}
}

// KeyFor returns the object key of a local file
func (a *Archive) KeyFor(localPath string) (string, error) {
	rel, err := filepath.Rel(a.basePath, localPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s against %s: %w", localPath, a.basePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the download directory", localPath)
	}
	return a.cfg.Key(filepath.ToSlash(rel)), nil
}

// Upload sends one local file and returns its object key
func (a *Archive) Upload(ctx context.Context, localPath string) (string, error) {
	key, err := a.KeyFor(localPath)
	if err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(pdfContentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3 (key=%s): %w", key, err)
	}

	a.logger.Debug("Archived invoice", zap.String("bucket", a.cfg.Bucket), zap.String("key", key))
	return key, nil
}

// CheckConnection verifies that the bucket is reachable with the configured
// credentials
func (a *Archive) CheckConnection(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.cfg.Bucket)})
	if err != nil {
		return fmt.Errorf("S3 connection check failed: %w", err)
	}
	return nil
}
