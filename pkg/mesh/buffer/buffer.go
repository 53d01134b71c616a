// Package buffer provides the bounded byte buffer that overlay frames are serialized into and
// parsed out of. A Buffer tracks an append position, a read position, and an optional size limit so
// that codec routines can fail cleanly instead of overrunning a frame.
package buffer

import "errors"

var (
	ErrOverrun  = errors.New("buffer: write would exceed size limit")
	ErrUnderrun = errors.New("buffer: not enough bytes remaining")
)

// A Buffer is a growable byte slice with an independent read cursor.
// The zero value is an empty, unlimited buffer ready for use.
type Buffer struct {
	b     []byte
	read  int
	limit int // 0 = unlimited
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Wrap returns a Buffer that reads from (and may append to) the given bytes.
func Wrap(b []byte) *Buffer {
	return &Buffer{b: b}
}

// LimitSize caps the total serialized length of the buffer.
// Appends that would push past the cap fail without mutating the buffer.
func (b *Buffer) LimitSize(n int) {
	b.limit = n
}

// Len returns the number of bytes appended so far.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Bytes returns the full serialized contents.
// The returned slice aliases the buffer; do not retain it across further appends.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Fits reports whether n more bytes can be appended without exceeding the size limit.
func (b *Buffer) Fits(n int) bool {
	return b.limit == 0 || len(b.b)+n <= b.limit
}

// Remaining returns how many bytes are left to read.
func (b *Buffer) Remaining() int {
	return len(b.b) - b.read
}

// Rewind resets the read cursor to the start of the buffer.
func (b *Buffer) Rewind() {
	b.read = 0
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(v byte) error {
	if b.limit > 0 && len(b.b)+1 > b.limit {
		return ErrOverrun
	}
	b.b = append(b.b, v)
	return nil
}

// AppendBytes appends the given bytes.
func (b *Buffer) AppendBytes(v []byte) error {
	if b.limit > 0 && len(b.b)+len(v) > b.limit {
		return ErrOverrun
	}
	b.b = append(b.b, v...)
	return nil
}

// ReadByte consumes and returns the next byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Remaining() < 1 {
		return 0, ErrUnderrun
	}
	v := b.b[b.read]
	b.read++
	return v, nil
}

// ReadBytesPtr consumes n bytes and returns them without copying.
// The returned slice aliases the buffer; callers that retain it must copy.
func (b *Buffer) ReadBytesPtr(n int) ([]byte, error) {
	if n < 0 || b.Remaining() < n {
		return nil, ErrUnderrun
	}
	v := b.b[b.read : b.read+n]
	b.read += n
	return v, nil
}

// ReadBytes consumes n bytes, copying them into dst.
func (b *Buffer) ReadBytes(dst []byte, n int) error {
	v, err := b.ReadBytesPtr(n)
	if err != nil {
		return err
	}
	copy(dst, v)
	return nil
}
