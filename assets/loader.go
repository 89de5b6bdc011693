// Package assets fetches the toolchain artifacts (compiler, linker,
// filesystem module and sysroot archive) by name.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ErrFetch is returned when an artifact cannot be retrieved.
var ErrFetch = errors.New("assets: fetch failed")

// Loader returns the raw bytes of a named artifact.
type Loader interface {
	ReadBuffer(ctx context.Context, name string) ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, name string) ([]byte, error)

// ReadBuffer calls f.
func (f LoaderFunc) ReadBuffer(ctx context.Context, name string) ([]byte, error) {
	return f(ctx, name)
}

// DirLoader reads artifacts from a file system, typically os.DirFS.
type DirLoader struct {
	FS fs.FS
}

// ReadBuffer reads name from the file system.
func (l DirLoader) ReadBuffer(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(l.FS, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, name, err)
	}
	return data, nil
}

// HTTPLoader fetches artifacts relative to a base URL.
type HTTPLoader struct {
	BaseURL string
	Client  *http.Client
	Logger  *zap.Logger
}

// ReadBuffer issues a GET for name. Any non-2xx status is an error.
func (l HTTPLoader) ReadBuffer(ctx context.Context, name string) ([]byte, error) {
	target, err := url.JoinPath(l.BaseURL, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, name, err)
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: %s", ErrFetch, name, resp.Status)
	}
	if strings.HasSuffix(name, ".wasm") && l.Logger != nil {
		if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct != "application/wasm" {
			l.Logger.Debug("wasm asset served without application/wasm", zap.String("name", name), zap.String("content_type", ct))
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, name, err)
	}
	return data, nil
}

// Open returns the Loader for location: an http or https URL becomes an
// HTTPLoader, anything else a directory.
func Open(location string, dirFS func(string) fs.FS, logger *zap.Logger) Loader {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return HTTPLoader{BaseURL: location, Logger: logger}
	}
	return DirLoader{FS: dirFS(location)}
}
