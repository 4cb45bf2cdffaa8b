// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// An Arg is a single parsed argument. The Data field aliases the message
// it was parsed from, and is valid only until the message buffer is reused.
//
// For a scalar, Data holds the little-endian value. For a string, Data holds
// the content without its terminating NUL. An array parses to two arguments:
// a 4-byte element count, followed by the elements.
type Arg struct {
	Type Type
	Data []byte
}

// IsHint reports whether a is marked as a hint.
func (a Arg) IsHint() bool { return a.Type.IsHint() }

func (a Arg) String() string {
	switch {
	case a.Type.IsString():
		return fmt.Sprintf("%v(%q)", a.Type, a.Data)
	case a.Type.IsArray():
		return fmt.Sprintf("%v[%d bytes]", a.Type, len(a.Data))
	case a.Type&^FlagHint == TypeFloat32:
		return fmt.Sprintf("%v(%g)", a.Type, a.Float32())
	case len(a.Data) == 1, len(a.Data) == 2, len(a.Data) == 4:
		return fmt.Sprintf("%v(%d)", a.Type, a.Uint32())
	}
	return fmt.Sprintf("%v%v", a.Type, a.Data)
}

// Uint8 returns the value of a 1-byte scalar, or 0 if a is not one.
func (a Arg) Uint8() uint8 {
	if len(a.Data) != 1 {
		return 0
	}
	return a.Data[0]
}

// Int8 returns the value of a 1-byte scalar, or 0 if a is not one.
func (a Arg) Int8() int8 { return int8(a.Uint8()) }

// Uint16 returns the value of a 2-byte scalar, or 0 if a is not one.
func (a Arg) Uint16() uint16 {
	if len(a.Data) != 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(a.Data)
}

// Int16 returns the value of a 2-byte scalar, or 0 if a is not one.
func (a Arg) Int16() int16 { return int16(a.Uint16()) }

// Uint32 returns the value of a scalar widened to 32 bits. Signed values
// are not sign-extended.
func (a Arg) Uint32() uint32 {
	switch len(a.Data) {
	case 1:
		return uint32(a.Data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(a.Data))
	case 4:
		return binary.LittleEndian.Uint32(a.Data)
	}
	return 0
}

// Int32 returns the value of a 4-byte scalar, or 0 if a is not one.
func (a Arg) Int32() int32 {
	if len(a.Data) != 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(a.Data))
}

// Float32 returns the value of a 4-byte scalar interpreted as a float.
func (a Arg) Float32() float32 {
	if len(a.Data) != 4 {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(a.Data))
}

// Text returns the content of a string argument.
func (a Arg) Text() string { return string(a.Data) }

// Bytes returns a copy of the data of a.
func (a Arg) Bytes() []byte { return append([]byte(nil), a.Data...) }

// Int16s decodes the elements of a 2-byte array.
func (a Arg) Int16s() []int16 {
	out := make([]int16, len(a.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(a.Data[2*i:]))
	}
	return out
}

// Uint16s decodes the elements of a 2-byte array.
func (a Arg) Uint16s() []uint16 {
	out := make([]uint16, len(a.Data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(a.Data[2*i:])
	}
	return out
}

// Int32s decodes the elements of a 4-byte array.
func (a Arg) Int32s() []int32 {
	out := make([]int32, len(a.Data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(a.Data[4*i:]))
	}
	return out
}

// Uint32s decodes the elements of a 4-byte array.
func (a Arg) Uint32s() []uint32 {
	out := make([]uint32, len(a.Data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(a.Data[4*i:])
	}
	return out
}

// Float32s decodes the elements of a 4-byte array as floats.
func (a Arg) Float32s() []float32 {
	out := make([]float32, len(a.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Data[4*i:]))
	}
	return out
}

// Scan decodes args into the locations pointed to by into, in order.
// Each of the following consumes one argument:
//
//   - *int8, *uint8, *bool: a 1-byte scalar
//   - *int16, *uint16: a 2-byte scalar
//   - *int32, *uint32, *float32: a 4-byte scalar
//   - *string: a string
//   - *Arg: any argument, unconverted
//
// Each of *[]byte, *[]int8, *[]int16, *[]uint16, *[]int32, *[]uint32, and
// *[]float32 consumes an array count and its elements. Decoded slices do
// not alias args.
//
// Scan reports an error wrapping [ErrParse] if the arguments do not match,
// including when the number of arguments differs from what into requires.
func Scan(args []Arg, into ...any) error {
	i := 0
	next := func(want int) (Arg, error) {
		if i >= len(args) {
			return Arg{}, fmt.Errorf("missing argument %d: %w", i+1, ErrParse)
		}
		a := args[i]
		i++
		if want > 0 && (a.Type.IsString() || a.Type.IsArray() || len(a.Data) != want) {
			return Arg{}, fmt.Errorf("argument %d: got %v, want %d-byte scalar: %w", i, a.Type, want, ErrParse)
		}
		return a, nil
	}
	nextArray := func(size int) (Arg, error) {
		if _, err := next(4); err != nil {
			return Arg{}, err
		}
		a, err := next(0)
		if err != nil {
			return Arg{}, err
		} else if !a.Type.IsArray() || a.Type.Size() != size {
			return Arg{}, fmt.Errorf("argument %d: got %v, want %d-byte array: %w", i, a.Type, size, ErrParse)
		}
		return a, nil
	}

	for _, dst := range into {
		var err error
		var a Arg
		switch d := dst.(type) {
		case *Arg:
			a, err = next(0)
			*d = a
		case *int8:
			a, err = next(1)
			*d = a.Int8()
		case *uint8:
			a, err = next(1)
			*d = a.Uint8()
		case *bool:
			a, err = next(1)
			*d = a.Uint8() != 0
		case *int16:
			a, err = next(2)
			*d = a.Int16()
		case *uint16:
			a, err = next(2)
			*d = a.Uint16()
		case *int32:
			a, err = next(4)
			*d = a.Int32()
		case *uint32:
			a, err = next(4)
			*d = a.Uint32()
		case *float32:
			a, err = next(4)
			*d = a.Float32()
		case *string:
			a, err = next(0)
			if err == nil && !a.Type.IsString() {
				err = fmt.Errorf("argument %d: got %v, want string: %w", i, a.Type, ErrParse)
			}
			*d = a.Text()
		case *[]byte:
			a, err = nextArray(1)
			*d = a.Bytes()
		case *[]int8:
			a, err = nextArray(1)
			v := make([]int8, len(a.Data))
			for j, b := range a.Data {
				v[j] = int8(b)
			}
			*d = v
		case *[]int16:
			a, err = nextArray(2)
			*d = a.Int16s()
		case *[]uint16:
			a, err = nextArray(2)
			*d = a.Uint16s()
		case *[]int32:
			a, err = nextArray(4)
			*d = a.Int32s()
		case *[]uint32:
			a, err = nextArray(4)
			*d = a.Uint32s()
		case *[]float32:
			a, err = nextArray(4)
			*d = a.Float32s()
		default:
			return fmt.Errorf("unsupported scan target %T", dst)
		}
		if err != nil {
			return err
		}
	}
	if i != len(args) {
		return fmt.Errorf("%d unused arguments: %w", len(args)-i, ErrParse)
	}
	return nil
}
