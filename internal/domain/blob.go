package domain

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is one listed object in the snapshot bucket.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// ObjectWriter stores objects. Keys are bucket-relative.
type ObjectWriter interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	// PutMultipart uploads body in parts of at least partSize bytes.
	PutMultipart(ctx context.Context, key string, body io.Reader, partSize int64) error
}

// ObjectReader fetches and lists objects. A missing key is ErrNotFound.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
}
