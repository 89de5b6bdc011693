// Package archive decodes the ustar tape archives used to ship the sysroot
// and replays them into a filesystem.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const blockSize = 512

// Type flags understood by the decoder.
const (
	TypeReg     byte = '0'
	TypeRegA    byte = '\x00'
	TypeLink    byte = '1'
	TypeSymlink byte = '2'
	TypeDir     byte = '5'
	TypeCont    byte = '7'
)

var (
	// ErrTruncated is returned when an entry's payload runs past the buffer.
	ErrTruncated = errors.New("archive: truncated entry")
	// ErrHeader is returned for malformed numeric header fields.
	ErrHeader = errors.New("archive: invalid header")
)

// Entry is one decoded header and, for regular files, its contents.
type Entry struct {
	Name     string
	Type     byte
	Size     int64
	Mode     int64
	UID      int64
	GID      int64
	ModTime  int64
	Checksum int64
	Linkname string
	Uname    string
	Gname    string
	Devmajor int64
	Devminor int64
	// Contents aliases the archive buffer.
	Contents []byte
}

// IsRegular reports whether the entry carries file contents.
func (e *Entry) IsRegular() bool {
	return e.Type == TypeReg || e.Type == TypeRegA || e.Type == TypeCont
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Type == TypeDir
}

// IsLink reports whether the entry is a hard or symbolic link.
func (e *Entry) IsLink() bool {
	return e.Type == TypeLink || e.Type == TypeSymlink
}

// Reader iterates over the entries of an in-memory archive.
type Reader struct {
	buf    []byte
	offset int
}

// NewReader returns a Reader over buf. The buffer must not be modified while
// entries are in use.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Next decodes the next entry. It returns io.EOF at the end-of-archive
// marker, when less than a header remains, or at an unnamed non-directory
// entry.
func (r *Reader) Next() (*Entry, error) {
	if r.offset+blockSize > len(r.buf) {
		return nil, io.EOF
	}
	hdr := header(r.buf[r.offset : r.offset+blockSize])
	if hdr.zero() {
		return nil, io.EOF
	}

	e, err := hdr.decode()
	if err != nil {
		return nil, fmt.Errorf("%w at offset %d", err, r.offset)
	}
	r.offset += blockSize

	if e.Name == "" && !e.IsDir() {
		return nil, io.EOF
	}

	switch {
	case e.IsRegular():
		end, err := r.payloadEnd(e)
		if err != nil {
			return nil, err
		}
		e.Contents = r.buf[r.offset:end:end]
		r.offset = end
	case e.IsDir(), e.IsLink():
	default:
		end, err := r.payloadEnd(e)
		if err != nil {
			return nil, err
		}
		r.offset = end
	}
	r.alignUp()
	return e, nil
}

func (r *Reader) payloadEnd(e *Entry) (int, error) {
	if e.Size < 0 || e.Size > int64(len(r.buf)-r.offset) {
		return 0, fmt.Errorf("%w: %s declares %d bytes, %d remain", ErrTruncated, e.Name, e.Size, len(r.buf)-r.offset)
	}
	return r.offset + int(e.Size), nil
}

func (r *Reader) alignUp() {
	r.offset = (r.offset + blockSize - 1) &^ (blockSize - 1)
}

// header is one 512-byte ustar header block.
type header []byte

func (h header) zero() bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

func (h header) field(off, n int) []byte {
	return h[off : off+n]
}

func (h header) decode() (*Entry, error) {
	e := &Entry{
		Type:     h[156],
		Linkname: cleanName(cString(h.field(157, 100))),
		Uname:    cString(h.field(265, 32)),
		Gname:    cString(h.field(297, 32)),
	}

	numbers := []struct {
		dst    *int64
		off, n int
		name   string
	}{
		{&e.Mode, 100, 8, "mode"},
		{&e.UID, 108, 8, "uid"},
		{&e.GID, 116, 8, "gid"},
		{&e.Size, 124, 12, "size"},
		{&e.ModTime, 136, 12, "mtime"},
		{&e.Checksum, 148, 8, "chksum"},
		{&e.Devmajor, 329, 8, "devmajor"},
		{&e.Devminor, 337, 8, "devminor"},
	}
	for _, f := range numbers {
		v, err := parseNumeric(h.field(f.off, f.n))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrHeader, f.name, err)
		}
		*f.dst = v
	}

	name := cString(h.field(0, 100))
	if prefix := cString(h.field(345, 155)); prefix != "" {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		name = prefix + name
	}
	name = cleanName(name)
	if e.IsDir() {
		name = strings.TrimRight(name, "/")
	}
	e.Name = name
	return e, nil
}

// cString returns the bytes of b up to the first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func cleanName(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// parseNumeric decodes an octal field, or a base-256 field when the high bit
// of the first byte is set.
func parseNumeric(b []byte) (int64, error) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		return parseBase256(b)
	}
	s := strings.Trim(string(b), " \x00")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}

func parseBase256(b []byte) (int64, error) {
	negative := b[0]&0x40 != 0
	var inv byte
	if negative {
		inv = 0xff
	}
	var x uint64
	for i, c := range b {
		c ^= inv
		if i == 0 {
			c &= 0x7f
		}
		if x>>56 != 0 {
			return 0, strconv.ErrRange
		}
		x = x<<8 | uint64(c)
	}
	if x>>63 != 0 {
		return 0, strconv.ErrRange
	}
	if negative {
		return -int64(x) - 1, nil
	}
	return int64(x), nil
}
