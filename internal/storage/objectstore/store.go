package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned when an object is missing.
var ErrNotExist = errors.New("object does not exist")

// Store abstracts the local filesystem and S3-compatible object storage.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	// List returns objects under prefix, recursively, sorted by key.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
