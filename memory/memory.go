// Package memory provides a bounds-checked view over a guest's linear memory.
//
// Guest memory can grow between any two host calls, which replaces the
// backing buffer. Accessor re-synchronizes its cached view before every
// access, so callers never hold on to a stale slice.
package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wasmclang/wasmclang/runtime"
)

// ErrOutOfBounds is returned for accesses outside the current memory size.
var ErrOutOfBounds = errors.New("memory access out of bounds")

// Accessor reads and writes one instance's linear memory. It is not safe for
// concurrent use.
type Accessor struct {
	mem runtime.Memory
	buf []byte
}

// New returns an Accessor over mem.
func New(mem runtime.Memory) *Accessor {
	return &Accessor{mem: mem}
}

// check rebuilds the cached view when the memory was replaced or grew.
func (a *Accessor) check() {
	size := a.mem.Size()
	if a.buf != nil && uint32(len(a.buf)) == size {
		return
	}
	buf, ok := a.mem.Read(0, size)
	if !ok {
		a.buf = nil
		return
	}
	a.buf = buf
}

// Size returns the current memory size in bytes.
func (a *Accessor) Size() uint32 {
	a.check()
	return uint32(len(a.buf))
}

func (a *Accessor) span(addr uint32, n uint32) ([]byte, error) {
	a.check()
	end := uint64(addr) + uint64(n)
	if end > uint64(len(a.buf)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfBounds, addr, end, len(a.buf))
	}
	return a.buf[addr:end], nil
}

// Read8 reads one byte.
func (a *Accessor) Read8(addr uint32) (uint8, error) {
	b, err := a.span(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read32 reads a little-endian 32-bit word.
func (a *Accessor) Read32(addr uint32) (uint32, error) {
	b, err := a.span(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Write8 writes one byte.
func (a *Accessor) Write8(addr uint32, v uint8) error {
	b, err := a.span(addr, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Write32 writes a little-endian 32-bit word.
func (a *Accessor) Write32(addr uint32, v uint32) error {
	b, err := a.span(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// Write64 writes v as two little-endian 32-bit words, low word first.
func (a *Accessor) Write64(addr uint32, v uint64) error {
	b, err := a.span(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[0:4], uint32(v))
	binary.LittleEndian.PutUint32(b[4:8], uint32(v>>32))
	return nil
}

// ReadStr decodes the string at addr. A negative n reads up to the first zero
// byte or the end of memory; otherwise at most n bytes are read, stopping
// early at a zero byte. The terminator is never part of the result.
func (a *Accessor) ReadStr(addr uint32, n int) (string, error) {
	a.check()
	if uint64(addr) > uint64(len(a.buf)) {
		return "", fmt.Errorf("%w: string at %d of %d", ErrOutOfBounds, addr, len(a.buf))
	}
	var b []byte
	if n < 0 {
		b = a.buf[addr:]
	} else {
		var err error
		if b, err = a.span(addr, uint32(n)); err != nil {
			return "", err
		}
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// WriteStr writes s as UTF-8 followed by a zero byte and returns the number
// of bytes written including the terminator.
func (a *Accessor) WriteStr(addr uint32, s string) (uint32, error) {
	b, err := a.span(addr, uint32(len(s))+1)
	if err != nil {
		return 0, err
	}
	n := copy(b, s)
	b[n] = 0
	return uint32(n) + 1, nil
}

// Write copies data to addr and returns the number of bytes copied.
func (a *Accessor) Write(addr uint32, data []byte) (uint32, error) {
	b, err := a.span(addr, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	return uint32(copy(b, data)), nil
}

// WriteString copies the UTF-8 bytes of s to addr without a terminator.
func (a *Accessor) WriteString(addr uint32, s string) (uint32, error) {
	b, err := a.span(addr, uint32(len(s)))
	if err != nil {
		return 0, err
	}
	return uint32(copy(b, s)), nil
}

// Bytes returns a copy of n bytes at addr. The copy stays valid after the
// memory grows.
func (a *Accessor) Bytes(addr uint32, n uint32) ([]byte, error) {
	b, err := a.span(addr, n)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

// Copy moves n bytes from src at srcAddr to dst at dstAddr. Both ranges are
// checked before anything is written.
func Copy(dst *Accessor, dstAddr uint32, src *Accessor, srcAddr uint32, n uint32) error {
	from, err := src.span(srcAddr, n)
	if err != nil {
		return fmt.Errorf("copy source: %w", err)
	}
	to, err := dst.span(dstAddr, n)
	if err != nil {
		return fmt.Errorf("copy destination: %w", err)
	}
	copy(to, from)
	return nil
}
