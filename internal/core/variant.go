package core

import (
	"bytes"
	"fmt"
)

// VariantKind discriminates the value union carried by replicated
// variables and snapshot custom data.
type VariantKind uint8

const (
	KindNil VariantKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
)

// Variant is a plain copyable value. Blob is the only field that
// aliases memory; Clone severs it.
type Variant struct {
	Kind VariantKind
	Bool bool
	Int  int64
	Flt  float64
	Str  string
	Blob []byte
}

func Nil() Variant               { return Variant{Kind: KindNil} }
func BoolV(v bool) Variant       { return Variant{Kind: KindBool, Bool: v} }
func IntV(v int64) Variant       { return Variant{Kind: KindInt, Int: v} }
func FloatV(v float64) Variant   { return Variant{Kind: KindFloat, Flt: v} }
func StringV(v string) Variant   { return Variant{Kind: KindString, Str: v} }
func BytesV(v []byte) Variant    { return Variant{Kind: KindBytes, Blob: append([]byte(nil), v...)} }

func (v Variant) Equal(o Variant) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNil:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Flt == o.Flt
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return bytes.Equal(v.Blob, o.Blob)
	}
	return false
}

func (v Variant) Clone() Variant {
	if v.Kind == KindBytes && v.Blob != nil {
		v.Blob = append([]byte(nil), v.Blob...)
	}
	return v
}

func (v Variant) String() string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Flt)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.Blob))
	}
	return "invalid"
}
