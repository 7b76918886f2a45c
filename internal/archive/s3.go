package archive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/duecall/duecall/internal/config"
)

// S3Backend stores archive batches in an S3-compatible bucket.
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Backend connects to the endpoint and verifies the bucket exists, so a
// typo fails at startup instead of at the first sweep.
func NewS3Backend(ctx context.Context, cfg config.ArchiveS3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *S3Backend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	key := b.key(name)
	_, err := b.client.PutObject(ctx, b.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// key joins the configured prefix with the batch name.
func (b *S3Backend) key(name string) string {
	if b.prefix == "" {
		return name
	}
	return strings.TrimSuffix(b.prefix, "/") + "/" + name
}
