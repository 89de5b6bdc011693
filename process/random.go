package process

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	mrand "math/rand/v2"
	"sync"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
)

// RandomSource names the generator behind random_get.
type RandomSource string

const (
	// RandomCrypto is the operating system CSPRNG.
	RandomCrypto RandomSource = "crypto"
	// RandomFallback is a ChaCha8 generator seeded from the clock, used once
	// the primary source failed.
	RandomFallback RandomSource = "chacha8"
)

type randomSource struct {
	mu       sync.Mutex
	primary  io.Reader
	fallback *mrand.ChaCha8
	clock    clock.Clock
	logger   *zap.Logger
}

func newRandomSource(primary io.Reader, clk clock.Clock, logger *zap.Logger) *randomSource {
	if primary == nil {
		primary = rand.Reader
	}
	return &randomSource{primary: primary, clock: clk, logger: logger}
}

// Source reports the active generator.
func (r *randomSource) Source() RandomSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback != nil {
		return RandomFallback
	}
	return RandomCrypto
}

// Read fills b. It never fails: when the primary source errors the reader
// switches to the fallback for good.
func (r *randomSource) Read(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback == nil {
		_, err := io.ReadFull(r.primary, b)
		if err == nil {
			return
		}
		r.logger.Warn("random source failed, falling back to chacha8", zap.Error(err))
		var seed [32]byte
		binary.LittleEndian.PutUint64(seed[:], uint64(r.clock.Now().UnixNano()))
		r.fallback = mrand.NewChaCha8(seed)
	}
	_, _ = r.fallback.Read(b)
}
