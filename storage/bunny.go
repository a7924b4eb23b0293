package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var _ Storage = (*Bunny)(nil)

// DefaultBunnyEndpoint is the main storage region
const DefaultBunnyEndpoint = "https://storage.bunnycdn.com"

type BunnyConfig struct {
	Endpoint   string
	Zone       string
	AccessKey  string
	CDNBaseURL string
	Timeout    time.Duration
}

// Bunny talks to a Bunny.net edge storage zone. Files are written with
// PUT {endpoint}/{zone}/{path}/{file} and folders listed with a GET on the
// folder path, both authenticated by the zone's AccessKey header.
type Bunny struct {
	cfg        BunnyConfig
	httpclient *http.Client
	logger     *zap.Logger
}

func NewBunny(cfg BunnyConfig, logger *zap.Logger) *Bunny {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultBunnyEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Bunny{
		cfg:        cfg,
		httpclient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("BunnyStorage"),
	}
}

func (b *Bunny) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("AccessKey", b.cfg.AccessKey)
	return req, nil
}

func (b *Bunny) Upload(ctx context.Context, path, filename string, data []byte, contentType string) (string, error) {
	url := joinURL(b.cfg.Endpoint, b.cfg.Zone, path, filename)
	req, err := b.newRequest(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := b.httpclient.Do(req)
	if err != nil {
		b.logger.Error("Upload request failed", zap.String("path", path), zap.String("filename", filename), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		b.logger.Error("Storage returned non-OK status",
			zap.Int("status_code", resp.StatusCode),
			zap.String("path", path),
			zap.ByteString("response_body", body))
		return "", fmt.Errorf("%w: storage returned status %d", ErrUploadFailed, resp.StatusCode)
	}

	publicURL := b.PublicURL(path, filename)
	b.logger.Debug("Uploaded file", zap.String("url", publicURL), zap.Int("size_bytes", len(data)))
	return publicURL, nil
}

type bunnyObject struct {
	ObjectName  string `json:"ObjectName"`
	Path        string `json:"Path"`
	IsDirectory bool   `json:"IsDirectory"`
	Length      int64  `json:"Length"`
	LastChanged string `json:"LastChanged"`
}

// Bunny reports timestamps without a zone, in UTC
var bunnyTimeLayouts = []string{
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func parseBunnyTime(s string) time.Time {
	for _, layout := range bunnyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (b *Bunny) List(ctx context.Context, path string) ([]Object, error) {
	url := joinURL(b.cfg.Endpoint, b.cfg.Zone, path) + "/"
	req, err := b.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpclient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return []Object{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing %s: storage returned status %d", path, resp.StatusCode)
	}

	var raw []bunnyObject
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding listing of %s: %w", path, err)
	}

	retv := make([]Object, 0, len(raw))
	for _, o := range raw {
		if o.IsDirectory {
			continue
		}
		retv = append(retv, Object{
			Name:       o.ObjectName,
			Path:       path,
			Size:       o.Length,
			ModifiedAt: parseBunnyTime(o.LastChanged),
			URL:        b.PublicURL(path, o.ObjectName),
		})
	}
	return retv, nil
}

func (b *Bunny) PublicURL(path, filename string) string {
	return joinURL(b.cfg.CDNBaseURL, path, filename)
}
