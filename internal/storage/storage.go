// Package storage archives raw crawl responses to object storage. Backends
// live in subpackages and share the BlobStore interface.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// BlobStore writes one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Prefixed roots every object under a fixed prefix.
type Prefixed struct {
	Store  BlobStore
	Prefix string
}

// PutObject implements BlobStore.
func (p Prefixed) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	prefix := strings.Trim(p.Prefix, "/")
	if prefix != "" {
		key = path.Join(prefix, key)
	}
	return p.Store.PutObject(ctx, key, contentType, r)
}

// RawResponsePath lays out archived search responses by source and UTC day.
func RawResponsePath(source string, at time.Time, digest string) string {
	return fmt.Sprintf("%s/%s/%s.json", source, at.UTC().Format(time.DateOnly), digest)
}
