// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/creachadair/mds/value"
)

// A Type is the tag byte that precedes each encoded argument.
//
// The low nibble of a tag gives the size in bytes of a scalar or array
// element (1, 2, or 4). The remaining bits are flags.
type Type byte

// Scalar tags. Signed and unsigned values share a tag; the receiver decides
// how to interpret the bits.
const (
	TypeInt8    Type = 0x01
	TypeUint8   Type = 0x01
	TypeInt16   Type = 0x02
	TypeUint16  Type = 0x02
	TypeInt32   Type = 0x04
	TypeUint32  Type = 0x04

	TypeFloat32 Type = FlagFloat | 0x04                // IEEE 754 single precision
	TypeString  Type = FlagNullTerm | FlagArray | 0x01 // NUL-terminated bytes

	// TypeHint is a 4-byte hint value. Receivers that did not ask for hints
	// may skip it.
	TypeHint Type = 0x64
)

// Flag bits, combined with an element size to form a tag.
const (
	FlagFloat    Type = 0x10
	FlagNullTerm Type = 0x20
	FlagHint     Type = 0x40
	FlagArray    Type = 0x80
)

// Size reports the element size in bytes encoded by t.
func (t Type) Size() int { return int(t & 0x0f) }

// IsHint reports whether t is marked as a hint.
func (t Type) IsHint() bool { return t&FlagHint != 0 }

// IsString reports whether t denotes a NUL-terminated string.
func (t Type) IsString() bool { return t&^FlagHint == TypeString }

// IsArray reports whether t denotes a counted array. Strings are not arrays.
func (t Type) IsArray() bool { return t&FlagArray != 0 && !t.IsString() }

func (t Type) String() string {
	var name string
	switch base := t &^ FlagHint; {
	case t == TypeHint:
		return "HINT"
	case base == TypeString:
		name = "STRING"
	case base == TypeFloat32:
		name = "FLT32"
	case base == FlagArray|TypeFloat32:
		name = "FLTS32"
	case base&FlagArray != 0 && validSize(base.Size()):
		name = fmt.Sprintf("INTS%d", 8*base.Size())
	case base&0xf0 == 0 && validSize(base.Size()):
		name = fmt.Sprintf("INT%d", 8*base.Size())
	default:
		return fmt.Sprintf("TYPE:0x%02x", byte(t))
	}
	if t.IsHint() {
		return name + "+HINT"
	}
	return name
}

func validSize(n int) bool { return n == 1 || n == 2 || n == 4 }

// A Value is a single argument to be assembled into a message.
// Construct values with the functions in this package.
type Value struct {
	tag  Type
	data []byte // little-endian scalar, string content, or array elements

	sub bool   // this value substitutes the message buffer
	ext []byte // the substitute buffer when sub is true
}

// Type reports the tag of v.
func (v Value) Type() Type { return v.tag }

func (v Value) String() string {
	if v.sub {
		return fmt.Sprintf("UseBuffer[%d bytes]", len(v.ext))
	}
	return fmt.Sprintf("%v%v", v.tag, v.data)
}

// Int8 returns a 1-byte signed integer value.
func Int8(v int8) Value { return Value{tag: TypeInt8, data: []byte{byte(v)}} }

// Uint8 returns a 1-byte unsigned integer value.
func Uint8(v uint8) Value { return Value{tag: TypeUint8, data: []byte{v}} }

// Bool returns a 1-byte value that is 1 if ok is true and 0 otherwise.
func Bool(ok bool) Value { return Uint8(value.Cond[uint8](ok, 1, 0)) }

// Int16 returns a 2-byte signed integer value.
func Int16(v int16) Value { return Uint16(uint16(v)) }

// Uint16 returns a 2-byte unsigned integer value.
func Uint16(v uint16) Value {
	return Value{tag: TypeUint16, data: binary.LittleEndian.AppendUint16(nil, v)}
}

// Int32 returns a 4-byte signed integer value.
func Int32(v int32) Value { return Uint32(uint32(v)) }

// Uint32 returns a 4-byte unsigned integer value.
func Uint32(v uint32) Value {
	return Value{tag: TypeUint32, data: binary.LittleEndian.AppendUint32(nil, v)}
}

// Float32 returns a 4-byte IEEE 754 floating-point value.
func Float32(v float32) Value {
	return Value{tag: TypeFloat32, data: binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))}
}

// String returns a NUL-terminated string value. The string must not contain
// a NUL byte.
func String(s string) Value { return Value{tag: TypeString, data: []byte(s)} }

// HintType returns a 4-byte value tagged with the special hint type.
func HintType(v uint32) Value {
	return Value{tag: TypeHint, data: binary.LittleEndian.AppendUint32(nil, v)}
}

// Hint returns a copy of v marked as a hint. Hints are always transmitted,
// and the receiver decides whether to keep them.
func Hint(v Value) Value {
	if !v.sub {
		v.tag |= FlagHint
	}
	return v
}

// Array returns an array value of elements having the given size in bytes,
// whose little-endian encoded contents are raw. The array refers to raw
// without copying it. Array panics if size is not 1, 2, or 4, or if len(raw)
// is not a multiple of size.
func Array(size int, raw []byte) Value {
	if !validSize(size) {
		panic(fmt.Sprintf("invalid array element size %d", size))
	} else if len(raw)%size != 0 {
		panic(fmt.Sprintf("array length %d is not a multiple of %d", len(raw), size))
	}
	return Value{tag: FlagArray | Type(size), data: raw}
}

// Bytes returns an array of 1-byte elements. The array refers to b without
// copying it.
func Bytes(b []byte) Value { return Array(1, b) }

// Int8s returns an array of 1-byte signed integers.
func Int8s(vs []int8) Value {
	raw := make([]byte, len(vs))
	for i, v := range vs {
		raw[i] = byte(v)
	}
	return Array(1, raw)
}

// Int16s returns an array of 2-byte signed integers.
func Int16s(vs []int16) Value {
	raw := make([]byte, 0, 2*len(vs))
	for _, v := range vs {
		raw = binary.LittleEndian.AppendUint16(raw, uint16(v))
	}
	return Array(2, raw)
}

// Uint16s returns an array of 2-byte unsigned integers.
func Uint16s(vs []uint16) Value {
	raw := make([]byte, 0, 2*len(vs))
	for _, v := range vs {
		raw = binary.LittleEndian.AppendUint16(raw, v)
	}
	return Array(2, raw)
}

// Int32s returns an array of 4-byte signed integers.
func Int32s(vs []int32) Value {
	raw := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		raw = binary.LittleEndian.AppendUint32(raw, uint32(v))
	}
	return Array(4, raw)
}

// Uint32s returns an array of 4-byte unsigned integers.
func Uint32s(vs []uint32) Value {
	raw := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		raw = binary.LittleEndian.AppendUint32(raw, v)
	}
	return Array(4, raw)
}

// Float32s returns an array of 4-byte floating-point values.
func Float32s(vs []float32) Value {
	raw := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}
	v := Array(4, raw)
	v.tag |= FlagFloat
	return v
}

// UseBuffer returns a marker that redirects the remaining values of an
// assembly into buf, a buffer owned by the caller. The first array assembled
// after the marker must already be stored in buf at the position the codec
// would copy it to, and is not copied. The substitution lasts until the next
// assembly or until the buffer is restored.
//
// The contents of the message already assembled are copied into buf, so buf
// must be large enough to hold the complete message plus [BufPad] bytes.
func UseBuffer(buf []byte) Value { return Value{sub: true, ext: buf} }
