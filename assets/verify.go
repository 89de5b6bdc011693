package assets

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// ErrDigestMismatch is returned when an artifact does not hash to its
// pinned digest.
var ErrDigestMismatch = errors.New("assets: digest mismatch")

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verifying wraps l so that every name with an entry in digests must hash
// to that digest. Names without an entry are not checked.
func Verifying(l Loader, digests map[string]string) Loader {
	return LoaderFunc(func(ctx context.Context, name string) ([]byte, error) {
		data, err := l.ReadBuffer(ctx, name)
		if err != nil {
			return nil, err
		}
		want, ok := digests[name]
		if !ok {
			return data, nil
		}
		if got := Digest(data); !strings.EqualFold(got, want) {
			return nil, fmt.Errorf("%w: %s: got %s, want %s", ErrDigestMismatch, name, got, want)
		}
		return data, nil
	})
}

// Logging wraps l to log each fetch with its size.
func Logging(l Loader, logger *zap.Logger) Loader {
	return LoaderFunc(func(ctx context.Context, name string) ([]byte, error) {
		data, err := l.ReadBuffer(ctx, name)
		if err != nil {
			logger.Warn("artifact fetch failed", zap.String("name", name), zap.Error(err))
			return nil, err
		}
		logger.Info("artifact fetched", zap.String("name", name), zap.String("size", humanize.IBytes(uint64(len(data)))))
		return data, nil
	})
}
