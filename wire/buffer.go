// Package wire implements bounds-checked encode/decode of the SSH wire
// types defined by RFC 4251 §5: byte, uint32, string, name-list, and
// mpint. All integers are big-endian; host byte-order conversion happens
// only here.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned whenever a read runs past the end of the
// buffer, or a write runs past its reserved capacity. No read or write
// ever silently truncates or extends.
var ErrShortBuffer = errors.New("wire: short buffer")

// Buffer is a cursor over a byte slice supporting sequential,
// bounds-checked reads and writes of the SSH wire types.
type Buffer struct {
	buf []byte
	off int
}

// NewBuffer wraps an existing slice for reading (cursor at 0).
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// NewBufferSize allocates a fresh buffer of the given capacity for
// writing.
func NewBufferSize(n int) *Buffer {
	return &Buffer{buf: make([]byte, n)}
}

// Bytes returns the full underlying slice (not just the unread tail).
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the total buffer length.
func (b *Buffer) Len() int { return len(b.buf) }

// Offset returns the current cursor position.
func (b *Buffer) Offset() int { return b.off }

// Remaining returns the number of unread/unwritten bytes.
func (b *Buffer) Remaining() int { return len(b.buf) - b.off }

// Seek repositions the cursor absolutely.
func (b *Buffer) Seek(off int) error {
	if off < 0 || off > len(b.buf) {
		return ErrShortBuffer
	}
	b.off = off
	return nil
}

func (b *Buffer) need(n int) error {
	if n < 0 || b.off+n > len(b.buf) {
		return ErrShortBuffer
	}
	return nil
}

// ReadByte reads a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.buf[b.off]
	b.off++
	return v, nil
}

// ReadBool reads a byte as a boolean (RFC 4251 §5: non-zero is true).
func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.buf[b.off:])
	b.off += 4
	return v, nil
}

// ReadString reads a length-prefixed byte string (the SSH "string" type).
// The returned slice aliases the backing buffer; callers that retain it
// past further buffer reuse must copy.
func (b *Buffer) ReadString() ([]byte, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	if err := b.need(int(n)); err != nil {
		return nil, err
	}
	v := b.buf[b.off : b.off+int(n)]
	b.off += int(n)
	return v, nil
}

// ReadRest returns everything from the cursor to the end of the buffer,
// advancing the cursor to the end.
func (b *Buffer) ReadRest() []byte {
	v := b.buf[b.off:]
	b.off = len(b.buf)
	return v
}

// WriteByte writes a single byte at the cursor.
func (b *Buffer) WriteByte(v byte) error {
	if err := b.need(1); err != nil {
		return err
	}
	b.buf[b.off] = v
	b.off++
	return nil
}

// WriteBool writes a boolean as a single byte.
func (b *Buffer) WriteBool(v bool) error {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteUint32 writes a big-endian uint32.
func (b *Buffer) WriteUint32(v uint32) error {
	if err := b.need(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.buf[b.off:], v)
	b.off += 4
	return nil
}

// WriteString writes a length-prefixed byte string.
func (b *Buffer) WriteString(v []byte) error {
	if err := b.WriteUint32(uint32(len(v))); err != nil {
		return err
	}
	if err := b.need(len(v)); err != nil {
		return err
	}
	copy(b.buf[b.off:], v)
	b.off += len(v)
	return nil
}

// WriteRaw writes len(v) raw bytes with no length prefix.
func (b *Buffer) WriteRaw(v []byte) error {
	if err := b.need(len(v)); err != nil {
		return err
	}
	copy(b.buf[b.off:], v)
	b.off += len(v)
	return nil
}

// StringSize returns the encoded wire size of a "string" field (4 + len).
func StringSize(v []byte) int { return 4 + len(v) }
