// Package media resolves binary resources referenced by message segments
// to local file paths. Only the Fetcher contract is relied upon by the
// pipeline; DiskFetcher is the bundled implementation.
package media

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Fetcher resolves a resource to a local path. source may be a local
// absolute path (returned as-is when it exists), a file:// URL, or an
// http(s) URL to download. name is a hint for the cached filename
// extension.
type Fetcher interface {
	Ensure(ctx context.Context, source, name string) (string, error)
}

// DiskFetcher downloads remote resources into a cache directory, keyed by
// the source URL so a second pass over the same message reuses the file.
type DiskFetcher struct {
	dir    string
	client *resty.Client
	logger zerolog.Logger
}

// NewDiskFetcher creates a fetcher writing into dir, creating it if
// needed.
func NewDiskFetcher(dir string, logger zerolog.Logger) (*DiskFetcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media cache dir: %w", err)
	}
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &DiskFetcher{
		dir:    dir,
		client: client,
		logger: logger.With().Str("component", "media_fetcher").Logger(),
	}, nil
}

// Ensure implements Fetcher.
func (f *DiskFetcher) Ensure(ctx context.Context, source, name string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("empty media source")
	}

	if strings.HasPrefix(source, "file://") {
		if u, err := url.Parse(source); err == nil {
			source = u.Path
		}
	}

	// A path the gateway already materialized locally is used directly.
	if filepath.IsAbs(source) {
		if _, err := os.Stat(source); err == nil {
			return source, nil
		}
		return "", fmt.Errorf("local media path missing: %s", source)
	}

	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return "", fmt.Errorf("unsupported media source: %s", source)
	}

	dest := filepath.Join(f.dir, cacheName(source, name))
	if st, err := os.Stat(dest); err == nil && st.Size() > 0 {
		return dest, nil
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetOutput(dest).
		Get(source)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	if resp.IsError() {
		os.Remove(dest)
		return "", fmt.Errorf("fetch media: http %d", resp.StatusCode())
	}

	f.logger.Debug().Str("source", source).Str("path", dest).Msg("Media cached")
	return dest, nil
}

// cacheName derives a stable cache filename from the source URL, keeping
// the extension from the name hint when available.
func cacheName(source, name string) string {
	sum := sha1.Sum([]byte(source))
	ext := filepath.Ext(name)
	if ext == "" {
		if u, err := url.Parse(source); err == nil {
			ext = filepath.Ext(u.Path)
		}
	}
	if len(ext) > 10 {
		ext = ""
	}
	return hex.EncodeToString(sum[:]) + ext
}
