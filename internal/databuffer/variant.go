package databuffer

import (
	"fmt"

	"scene-sync/engine/internal/core"
)

// Integers are stored with a 2-bit size class so small counters do
// not pay for 64 bits on the wire.
const (
	intClass8 = iota
	intClass16
	intClass32
	intClass64
)

func intClass(v int64) int {
	switch {
	case v >= -128 && v <= 127:
		return intClass8
	case v >= -32768 && v <= 32767:
		return intClass16
	case v >= -2147483648 && v <= 2147483647:
		return intClass32
	default:
		return intClass64
	}
}

var intClassBits = [4]int{8, 16, 32, 64}

// WriteVariant encodes a 3-bit kind tag followed by the kind payload.
func (b *Buffer) WriteVariant(v core.Variant) {
	b.WriteUint(uint64(v.Kind), 3)
	switch v.Kind {
	case core.KindNil:
	case core.KindBool:
		b.WriteBool(v.Bool)
	case core.KindInt:
		class := intClass(v.Int)
		b.WriteUint(uint64(class), 2)
		b.WriteUint(uint64(v.Int), intClassBits[class])
	case core.KindFloat:
		b.WriteFloat64(v.Flt)
	case core.KindString:
		b.WriteString(v.Str)
	case core.KindBytes:
		b.WriteUint16(uint16(len(v.Blob)))
		b.WriteBits(v.Blob, len(v.Blob)*8)
	}
}

func (b *Buffer) ReadVariant() (core.Variant, error) {
	rawKind, err := b.ReadUint(3)
	if err != nil {
		return core.Nil(), err
	}
	kind := core.VariantKind(rawKind)
	switch kind {
	case core.KindNil:
		return core.Nil(), nil
	case core.KindBool:
		v, err := b.ReadBool()
		if err != nil {
			return core.Nil(), err
		}
		return core.BoolV(v), nil
	case core.KindInt:
		class, err := b.ReadUint(2)
		if err != nil {
			return core.Nil(), err
		}
		bits := intClassBits[class]
		raw, err := b.ReadUint(bits)
		if err != nil {
			return core.Nil(), err
		}
		// Sign-extend from the stored width.
		shift := uint(64 - bits)
		return core.IntV(int64(raw<<shift) >> shift), nil
	case core.KindFloat:
		v, err := b.ReadFloat64()
		if err != nil {
			return core.Nil(), err
		}
		return core.FloatV(v), nil
	case core.KindString:
		v, err := b.ReadString()
		if err != nil {
			return core.Nil(), err
		}
		return core.StringV(v), nil
	case core.KindBytes:
		n, err := b.ReadUint16()
		if err != nil {
			return core.Nil(), err
		}
		raw, err := b.ReadBits(int(n) * 8)
		if err != nil {
			return core.Nil(), err
		}
		return core.BytesV(raw), nil
	}
	return core.Nil(), fmt.Errorf("databuffer: unknown variant kind %d", kind)
}
