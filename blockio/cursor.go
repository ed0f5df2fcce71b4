package blockio

import (
	"encoding/binary"
	"fmt"
)

// ByteCursor is a bounded view over a byte buffer. Every fixed-width field
// extraction fails with ErrOutOfByteRange instead of panicking when the
// slice is shorter than required. ext4 and NTFS are little-endian
// throughout; JBD2 is big-endian. Rather than guess, every accessor takes
// an explicit endianness via the LE/BE method pairs so a transcription
// mistake shows up as a wrong choice of method, not a silent default.
type ByteCursor struct {
	buf []byte
}

// NewCursor wraps b for bounded field extraction. It does not copy b.
func NewCursor(b []byte) *ByteCursor {
	return &ByteCursor{buf: b}
}

// Len returns the number of bytes remaining in the buffer.
func (c *ByteCursor) Len() int {
	return len(c.buf)
}

// Bytes returns the backing buffer; callers must not mutate it if the
// cursor is still in use elsewhere.
func (c *ByteCursor) Bytes() []byte {
	return c.buf
}

// SubBytes returns the n bytes starting at off, failing if they are not
// fully contained in the buffer. This is the bounded equivalent of slicing
// c.buf[off:off+n] directly.
func (c *ByteCursor) SubBytes(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(c.buf) {
		return nil, fmt.Errorf("%w: want %d bytes at offset %d, buffer is %d bytes", ErrOutOfByteRange, n, off, len(c.buf))
	}
	return c.buf[off : off+n], nil
}

func (c *ByteCursor) field(off, n int) ([]byte, error) {
	return c.SubBytes(off, n)
}

// U8 reads a single byte at off.
func (c *ByteCursor) U8(off int) (uint8, error) {
	b, err := c.field(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16LE reads a little-endian uint16 at off.
func (c *ByteCursor) U16LE(off int) (uint16, error) {
	b, err := c.field(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32LE reads a little-endian uint32 at off.
func (c *ByteCursor) U32LE(off int) (uint32, error) {
	b, err := c.field(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64LE reads a little-endian uint64 at off.
func (c *ByteCursor) U64LE(off int) (uint64, error) {
	b, err := c.field(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// I64LE reads a little-endian signed int64 at off. Used for NTFS data-run
// offset deltas, which are signed.
func (c *ByteCursor) I64LE(off int) (int64, error) {
	v, err := c.U64LE(off)
	return int64(v), err
}

// U16BE reads a big-endian uint16 at off (JBD2 fields).
func (c *ByteCursor) U16BE(off int) (uint16, error) {
	b, err := c.field(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// U32BE reads a big-endian uint32 at off (JBD2 fields).
func (c *ByteCursor) U32BE(off int) (uint32, error) {
	b, err := c.field(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// U64BE reads a big-endian uint64 at off (JBD2 fields).
func (c *ByteCursor) U64BE(off int) (uint64, error) {
	b, err := c.field(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// SignMagnitudeLE decodes an n-byte little-endian two's-complement signed
// integer (1 <= n <= 8), sign-extending from the top bit of the last byte.
// Used for NTFS data-run offset fields, which are variable-width signed
// deltas.
func SignMagnitudeLE(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	// sign-extend from the highest bit actually present
	bits := uint(len(b) * 8)
	if bits < 64 && b[len(b)-1]&0x80 != 0 {
		v |= ^uint64(0) << bits
	}
	return int64(v)
}

// UnsignedLE decodes an n-byte little-endian unsigned integer (0 <= n <= 8).
// Used for NTFS data-run length fields.
func UnsignedLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// SaturateLen returns n clamped so that off+n does not exceed total,
// saturating rather than panicking. This hardens the ext4 directory walker
// against corrupted length fields that would otherwise slice past the end
// of a block buffer.
func SaturateLen(off, n, total int) int {
	if off >= total {
		return 0
	}
	if off+n > total {
		return total - off
	}
	return n
}
