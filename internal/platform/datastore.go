package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vk/forecastgrid/internal/ctxlog"
)

// Datastore is the workspace's S3-compatible object store. Datasets are
// uploaded here first and then registered with the platform by URI.
type Datastore struct {
	bucket string
	client *minio.Client
}

// NewDatastore creates a datastore client.
func NewDatastore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Datastore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("datastore bucket must not be empty")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore client: %w", err)
	}
	return &Datastore{bucket: bucket, client: client}, nil
}

// Upload stores a local file under objectName and returns its datastore URI.
func (d *Datastore) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	stat, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	contentType := "application/octet-stream"
	if filepath.Ext(localPath) == ".csv" {
		contentType = "text/csv"
	}

	logger.Info("Uploading dataset to datastore.", "source", localPath, "object", objectName, "size", stat.Size())
	_, err = d.client.FPutObject(ctx, d.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("datastore upload of %s failed: %w", objectName, err)
	}

	return d.URI(objectName), nil
}

// URI returns the datastore URI the platform understands for an object.
func (d *Datastore) URI(objectName string) string {
	return fmt.Sprintf("datastore://%s/%s", d.bucket, objectName)
}
