package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not an error: re-running a job must be safe.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte, contentType string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// BucketArchiver keeps a copy of every document sent to OCR.
type BucketArchiver struct {
	bucket *storage.BucketHandle
	name   string
}

// NewBucketArchiver returns an archiver writing into bucketName.
func NewBucketArchiver(client *storage.Client, bucketName string) *BucketArchiver {
	return &BucketArchiver{bucket: client.Bucket(bucketName), name: bucketName}
}

// Archive stores data under objectName unless the object already exists.
func (a *BucketArchiver) Archive(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	if err := SaveToGCSAtomically(ctx, a.bucket, objectName, data, contentType); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", a.name, objectName), nil
}
