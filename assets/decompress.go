package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// zstdDecoder is shared; zstd.Decoder is safe for concurrent DecodeAll.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("assets: zstd decoder initialization failed: " + err.Error())
	}
}

// Decompressing wraps l so that names ending in .gz, .zst or .lz4 are
// decoded after loading. Other names pass through unchanged.
func Decompressing(l Loader) Loader {
	return LoaderFunc(func(ctx context.Context, name string) ([]byte, error) {
		data, err := l.ReadBuffer(ctx, name)
		if err != nil {
			return nil, err
		}
		out, err := decompress(name, data)
		if err != nil {
			return nil, fmt.Errorf("assets: %s: %w", name, err)
		}
		return out, nil
	})
}

func decompress(name string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	case strings.HasSuffix(name, ".zst"):
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case strings.HasSuffix(name, ".lz4"):
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}
