// Package blob stores uploaded deliverables and issue attachments.
package blob

import (
	"context"
	"io"
)

// Store persists uploaded file contents. Keys are opaque paths recorded in
// the database alongside the upload row.
type Store interface {
	Save(ctx context.Context, key string, contentType string, size int64, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
