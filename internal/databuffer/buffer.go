// Package databuffer implements the bit-addressed buffer the wire
// codecs are built on. Writes grow the buffer; reads advance a cursor
// and fail with ErrShortBuffer instead of panicking on truncated
// input.
package databuffer

import (
	"errors"
	"math"
)

var ErrShortBuffer = errors.New("databuffer: read past end of buffer")

// Buffer packs bits most significant first. The write side appends at
// the end; the read side keeps an independent cursor.
type Buffer struct {
	data []byte
	size int // bits written
	pos  int // read cursor, in bits
}

func New() *Buffer {
	return &Buffer{}
}

// FromBits wraps received bytes holding bitCount valid bits. The
// slice is not copied.
func FromBits(data []byte, bitCount int) *Buffer {
	if bitCount < 0 {
		bitCount = 0
	}
	if max := len(data) * 8; bitCount > max {
		bitCount = max
	}
	return &Buffer{data: data, size: bitCount}
}

func (b *Buffer) BitSize() int  { return b.size }
func (b *Buffer) ByteSize() int { return (b.size + 7) / 8 }

// Bytes returns a copy of the packed payload.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.ByteSize())
	copy(out, b.data)
	return out
}

func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.size = 0
	b.pos = 0
}

// Seek moves the read cursor to an absolute bit offset.
func (b *Buffer) Seek(bit int) {
	if bit < 0 {
		bit = 0
	}
	if bit > b.size {
		bit = b.size
	}
	b.pos = bit
}

func (b *Buffer) Remaining() int { return b.size - b.pos }

func (b *Buffer) writeBit(set bool) {
	idx := b.size / 8
	if idx >= len(b.data) {
		b.data = append(b.data, 0)
	}
	if set {
		b.data[idx] |= 1 << uint(7-b.size%8)
	}
	b.size++
}

func (b *Buffer) readBit() (bool, error) {
	if b.pos >= b.size {
		return false, ErrShortBuffer
	}
	set := b.data[b.pos/8]&(1<<uint(7-b.pos%8)) != 0
	b.pos++
	return set, nil
}

func (b *Buffer) WriteBool(v bool) {
	b.writeBit(v)
}

func (b *Buffer) ReadBool() (bool, error) {
	return b.readBit()
}

// WriteUint writes the low `bits` bits of v, most significant first.
func (b *Buffer) WriteUint(v uint64, bits int) {
	for i := bits - 1; i >= 0; i-- {
		b.writeBit(v&(1<<uint(i)) != 0)
	}
}

func (b *Buffer) ReadUint(bits int) (uint64, error) {
	var v uint64
	for i := 0; i < bits; i++ {
		set, err := b.readBit()
		if err != nil {
			return 0, err
		}
		v <<= 1
		if set {
			v |= 1
		}
	}
	return v, nil
}

func (b *Buffer) WriteUint8(v uint8)   { b.WriteUint(uint64(v), 8) }
func (b *Buffer) WriteUint16(v uint16) { b.WriteUint(uint64(v), 16) }
func (b *Buffer) WriteUint32(v uint32) { b.WriteUint(uint64(v), 32) }
func (b *Buffer) WriteUint64(v uint64) { b.WriteUint(v, 64) }

func (b *Buffer) ReadUint8() (uint8, error) {
	v, err := b.ReadUint(8)
	return uint8(v), err
}

func (b *Buffer) ReadUint16() (uint16, error) {
	v, err := b.ReadUint(16)
	return uint16(v), err
}

func (b *Buffer) ReadUint32() (uint32, error) {
	v, err := b.ReadUint(32)
	return uint32(v), err
}

func (b *Buffer) ReadUint64() (uint64, error) {
	return b.ReadUint(64)
}

func (b *Buffer) WriteFloat64(v float64) {
	b.WriteUint64(math.Float64bits(v))
}

func (b *Buffer) ReadFloat64() (float64, error) {
	raw, err := b.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(raw), nil
}

// WriteString writes a u16 byte length followed by the UTF-8 bytes.
func (b *Buffer) WriteString(s string) {
	b.WriteUint16(uint16(len(s)))
	for i := 0; i < len(s); i++ {
		b.WriteUint8(s[i])
	}
}

func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadUint16()
	if err != nil {
		return "", err
	}
	raw := make([]byte, n)
	for i := range raw {
		raw[i], err = b.ReadUint8()
		if err != nil {
			return "", err
		}
	}
	return string(raw), nil
}

// WriteBits appends bitCount bits taken MSB-first from raw.
func (b *Buffer) WriteBits(raw []byte, bitCount int) {
	for i := 0; i < bitCount; i++ {
		b.writeBit(raw[i/8]&(1<<uint(7-i%8)) != 0)
	}
}

// ReadBits extracts bitCount bits into a fresh MSB-first packed slice.
func (b *Buffer) ReadBits(bitCount int) ([]byte, error) {
	if bitCount > b.Remaining() {
		return nil, ErrShortBuffer
	}
	out := make([]byte, (bitCount+7)/8)
	for i := 0; i < bitCount; i++ {
		set, err := b.readBit()
		if err != nil {
			return nil, err
		}
		if set {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out, nil
}

// Append copies the whole bit content of other onto the end of b.
func (b *Buffer) Append(other *Buffer) {
	b.WriteBits(other.data, other.size)
}
