// Package gcs wraps the Cloud Storage client used to archive call
// recording artifacts.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

type GCSClient struct {
	client     *storage.Client
	bucketName string
}

func NewGCSClient(ctx context.Context, bucketName string) (*GCSClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %v", err)
	}

	return &GCSClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

func (g *GCSClient) Upload(ctx context.Context, objectPath string, content io.Reader) (string, error) {
	bucket := g.client.Bucket(g.bucketName)
	obj := bucket.Object(objectPath)

	writer := obj.NewWriter(ctx)
	if _, err := io.Copy(writer, content); err != nil {
		return "", fmt.Errorf("failed to copy content: %v", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %v", err)
	}

	return g.ObjectURL(objectPath), nil
}

// UploadFile uploads a local file under the given object name. It is the
// shape the recording finalizer expects from an artifact uploader.
func (g *GCSClient) UploadFile(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", localPath, err)
	}
	defer f.Close()

	if _, err := g.Upload(ctx, objectName, f); err != nil {
		return err
	}
	return nil
}

// ObjectURL returns the public download URL for an object in the bucket.
func (g *GCSClient) ObjectURL(objectPath string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucketName, objectPath)
}

func (g *GCSClient) Close() error {
	return g.client.Close()
}
