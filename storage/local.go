package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var _ Storage = (*Local)(nil)

// Local stores files below a directory that is served at publicBaseURL
type Local struct {
	root          string
	publicBaseURL string
	logger        *zap.Logger
}

func NewLocal(root, publicBaseURL string, logger *zap.Logger) (*Local, error) {
	if root == "" {
		return nil, errors.New("local storage root is not configured")
	}
	if publicBaseURL == "" {
		return nil, errors.New("local storage public base URL is not configured")
	}
	return &Local{
		root:          root,
		publicBaseURL: publicBaseURL,
		logger:        logger.Named("LocalStorage"),
	}, nil
}

// resolve maps a storage path onto the filesystem, refusing to leave root
func (l *Local) resolve(parts ...string) (string, error) {
	rel := filepath.Join(parts...)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root", rel)
	}
	return filepath.Join(l.root, rel), nil
}

// validFilename accepts a single path element
func validFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid filename %q", name)
	}
	return nil
}

func (l *Local) Upload(ctx context.Context, path, filename string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := validFilename(filename); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	dir, err := l.resolve(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	filePath := filepath.Join(dir, filename)
	// write then rename so readers never see a partial file
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		l.logger.Error("Failed to save file", zap.String("path", filePath), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	l.logger.Debug("File saved", zap.String("path", filePath), zap.Int("size_bytes", len(data)))
	return l.PublicURL(path, filename), nil
}

func (l *Local) List(ctx context.Context, path string) ([]Object, error) {
	dir, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Object{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	retv := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		retv = append(retv, Object{
			Name:       e.Name(),
			Path:       path,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			URL:        l.PublicURL(path, e.Name()),
		})
	}
	return retv, nil
}

func (l *Local) PublicURL(path, filename string) string {
	return joinURL(l.publicBaseURL, path, filename)
}
