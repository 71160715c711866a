// Package archive keeps a copy of every transmitted file in S3-compatible
// object storage.
package archive

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cloupeer.io/transmitter/pkg/log"
	"cloupeer.io/transmitter/pkg/options"
)

// Archiver stores a finalized file. Failures never change the file's state
// on disk.
type Archiver interface {
	Archive(ctx context.Context, vehicleID, filePath string) error
}

// Nop archives nothing.
type Nop struct{}

func (Nop) Archive(context.Context, string, string) error { return nil }

// MinIO uploads files to bucket/<vehicleID>/<filename>.
type MinIO struct {
	client     *minio.Client
	bucketName string
}

func NewMinIO(opts *options.S3Options) (*MinIO, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIO{client: client, bucketName: opts.BucketName}, nil
}

// CheckBucket creates the bucket when it does not exist.
func (m *MinIO) CheckBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		log.Info("Bucket does not exist, creating...", "bucket", m.bucketName)
		if err := m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (m *MinIO) Archive(ctx context.Context, vehicleID, filePath string) error {
	key := ObjectKey(vehicleID, filePath)
	_, err := m.client.FPutObject(ctx, m.bucketName, key, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// ObjectKey is the object name a file is archived under.
func ObjectKey(vehicleID, filePath string) string {
	return path.Join(vehicleID, filepath.Base(filePath))
}
