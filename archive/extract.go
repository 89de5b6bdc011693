package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// Filesystem is the destination of Extract.
type Filesystem interface {
	AddDirectory(ctx context.Context, path string) error
	AddFile(ctx context.Context, path string, contents []byte) error
}

// Summary counts what Extract materialized.
type Summary struct {
	Files   int
	Dirs    int
	Skipped int
	Bytes   int64
}

// Extract replays every entry of buf into fs. Missing ancestor directories
// are created first. Directory creation failures are treated as "already
// exists" and ignored; link entries are logged and skipped since fs has no
// link primitive.
func Extract(ctx context.Context, buf []byte, fs Filesystem, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &extractor{fs: fs, logger: logger, dirs: make(map[string]bool)}
	r := NewReader(buf)
	for {
		if err := ctx.Err(); err != nil {
			return x.summary, err
		}
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return x.summary, nil
		}
		if err != nil {
			return x.summary, err
		}
		if err := x.apply(ctx, e); err != nil {
			return x.summary, err
		}
	}
}

type extractor struct {
	fs      Filesystem
	logger  *zap.Logger
	dirs    map[string]bool
	summary Summary
}

func (x *extractor) apply(ctx context.Context, e *Entry) error {
	if e.Name == "" {
		return nil
	}

	switch {
	case e.IsRegular():
		x.mkdirAll(ctx, e.Name, false)
		if err := x.fs.AddFile(ctx, e.Name, e.Contents); err != nil {
			return fmt.Errorf("archive: add file %s: %w", e.Name, err)
		}
		x.summary.Files++
		x.summary.Bytes += int64(len(e.Contents))
	case e.IsDir():
		x.mkdirAll(ctx, e.Name, true)
	case e.IsLink():
		x.logger.Warn("skipping link entry",
			zap.String("name", e.Name),
			zap.String("target", e.Linkname),
			zap.String("type", string(e.Type)))
		x.summary.Skipped++
	default:
		x.logger.Warn("skipping unsupported entry type",
			zap.String("name", e.Name),
			zap.String("type", string(e.Type)))
		x.summary.Skipped++
	}
	return nil
}

// mkdirAll creates the ancestors of name, and name itself when self is set.
func (x *extractor) mkdirAll(ctx context.Context, name string, self bool) {
	parts := strings.Split(name, "/")
	if !self {
		parts = parts[:len(parts)-1]
	}
	var path string
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		if path == "" {
			path = part
		} else {
			path += "/" + part
		}
		if x.dirs[path] {
			continue
		}
		x.dirs[path] = true
		if err := x.fs.AddDirectory(ctx, path); err != nil {
			x.logger.Debug("directory not created", zap.String("path", path), zap.Error(err))
			continue
		}
		x.summary.Dirs++
	}
}
