// Package storage holds the durable homes for generated images
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUploadFailed wraps every failed write to durable storage
	ErrUploadFailed = errors.New("upload failed")
)

// Object is one stored file
type Object struct {
	Name       string
	Path       string
	Size       int64
	ModifiedAt time.Time
	URL        string
}

// Storage is a folder-addressed blob store
type Storage interface {
	// Upload writes data to path/filename and returns its public URL
	Upload(ctx context.Context, path, filename string, data []byte, contentType string) (string, error)
	// List returns the files directly under path. A missing folder is empty.
	List(ctx context.Context, path string) ([]Object, error)
	PublicURL(path, filename string) string
}

func joinURL(base string, parts ...string) string {
	retv := strings.TrimRight(base, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		retv += "/" + p
	}
	return retv
}
