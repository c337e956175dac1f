package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"unicode/utf16"
)

// ErrTruncated is returned when a read reaches past the buffered data.
var ErrTruncated = errors.New("wire: read past end of buffer")

// Buffer is a growable byte buffer with independent read and write cursors.
// Writes append at the tail; reads consume little-endian values from the
// read cursor. PopFront removes a complete framed packet from the head while
// keeping any trailing partial packet buffered.
type Buffer struct {
	data []byte
	read int
}

// NewBuffer creates a buffer pre-filled with the given bytes.
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{data: make([]byte, len(data))}
	copy(b.data, data)
	return b
}

// Len returns the total number of buffered bytes, including already-read ones.
func (b *Buffer) Len() int { return len(b.data) }

// Available returns the number of unread bytes.
func (b *Buffer) Available() int { return len(b.data) - b.read }

// Bytes returns the full buffered content. The slice is only valid until the
// next mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// Seek positions the read cursor at the given absolute offset.
func (b *Buffer) Seek(offset int) error {
	if offset < 0 || offset > len(b.data) {
		return ErrTruncated
	}
	b.read = offset
	return nil
}

// Clear releases all buffered data and resets both cursors.
func (b *Buffer) Clear() {
	b.data = nil
	b.read = 0
}

// Peek copies n bytes starting at the given absolute offset without moving
// the read cursor.
func (b *Buffer) Peek(offset, n int) ([]byte, error) {
	if offset < 0 || offset+n > len(b.data) {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, b.data[offset:offset+n])
	return out, nil
}

// PopFront extracts the first n bytes and shifts the remaining bytes down.
// The read cursor is clamped so it never points past the removed region.
func (b *Buffer) PopFront(n int) ([]byte, error) {
	if n <= 0 || n > len(b.data) {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[:copy(b.data, b.data[n:])]
	if b.read > n {
		b.read -= n
	} else {
		b.read = 0
	}
	return out, nil
}

func (b *Buffer) take(n int) ([]byte, error) {
	if b.read+n > len(b.data) {
		return nil, ErrTruncated
	}
	p := b.data[b.read : b.read+n]
	b.read += n
	return p, nil
}

// WriteBytes appends raw bytes at the write cursor.
func (b *Buffer) WriteBytes(p []byte) {
	b.data = append(b.data, p...)
}

// WriteUint8 appends a single byte.
func (b *Buffer) WriteUint8(v uint8) {
	b.data = append(b.data, v)
}

// WriteUint16 appends a little-endian 16-bit integer.
func (b *Buffer) WriteUint16(v uint16) {
	b.data = binary.LittleEndian.AppendUint16(b.data, v)
}

// WriteUint32 appends a little-endian 32-bit integer.
func (b *Buffer) WriteUint32(v uint32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
}

// WriteUint64 appends a little-endian 64-bit integer.
func (b *Buffer) WriteUint64(v uint64) {
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
}

// WriteFloat32 appends a little-endian IEEE-754 float.
func (b *Buffer) WriteFloat32(v float32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, math.Float32bits(v))
}

// WriteString appends a byte string prefixed with its u16 code-unit count.
// The count includes a trailing NUL terminator, matching the wire format.
func (b *Buffer) WriteString(s string) {
	b.WriteUint16(uint16(len(s) + 1))
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
}

// WriteWideString appends a UTF-16LE string prefixed with its u16 code-unit
// count, terminator unit included.
func (b *Buffer) WriteWideString(s string) {
	units := utf16.Encode([]rune(s))
	b.WriteUint16(uint16(len(units) + 1))
	for _, u := range units {
		b.data = binary.LittleEndian.AppendUint16(b.data, u)
	}
	b.data = append(b.data, 0, 0)
}

// ReadBytes consumes n raw bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	p, err := b.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

// ReadUint8 consumes a single byte.
func (b *Buffer) ReadUint8() (uint8, error) {
	p, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadUint16 consumes a little-endian 16-bit integer.
func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

// ReadUint32 consumes a little-endian 32-bit integer.
func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

// ReadUint64 consumes a little-endian 64-bit integer.
func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// ReadFloat32 consumes a little-endian IEEE-754 float.
func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadString consumes a length-prefixed byte string, dropping the trailing
// NUL terminator if present.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadUint16()
	if err != nil {
		return "", err
	}
	p, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	for len(p) > 0 && p[len(p)-1] == 0 {
		p = p[:len(p)-1]
	}
	return string(p), nil
}

// ReadWideString consumes a length-prefixed UTF-16LE string, dropping the
// trailing NUL terminator unit if present.
func (b *Buffer) ReadWideString() (string, error) {
	n, err := b.ReadUint16()
	if err != nil {
		return "", err
	}
	p, err := b.take(int(n) * 2)
	if err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(p[i*2:])
	}
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units)), nil
}
