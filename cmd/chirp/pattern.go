package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/chirplink/packet"
)

// formatValues converts args to packet values as directed by pat, and
// returns the values along with any unused arguments.
//
// Each letter of pat consumes one argument:
//
//	b, B : int8, uint8
//	h, H : int16, uint16
//	i, I : int32, uint32
//	f    : float32
//	s    : string
//
// A letter prefixed by "*" consumes a comma-separated list of values and
// encodes an array, except that "*s" is not allowed. A prefix of "~" marks
// the following value as a hint. Whitespace in pat is ignored.
func formatValues(pat string, args []string) ([]packet.Value, []string, error) {
	var out []packet.Value
	var hint, array bool
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case ' ', '\t', '\n':
			continue
		case '~':
			hint = true
			continue
		case '*':
			array = true
			continue
		case 'b', 'B', 'h', 'H', 'i', 'I', 'f', 's':
			// OK, these need an argument (see below)
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}
		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}

		var v packet.Value
		var err error
		if array {
			v, err = parseArray(c, args[0])
		} else {
			v, err = parseScalar(c, args[0])
		}
		if err != nil {
			return nil, nil, err
		}
		if hint {
			v = packet.Hint(v)
		}
		out = append(out, v)
		args = args[1:]
		hint, array = false, false
	}
	if hint || array {
		return nil, nil, fmt.Errorf("pattern ends with a prefix")
	}
	if len(args) == 0 {
		return out, nil, nil
	}
	return out, args, nil
}

func parseScalar(c byte, arg string) (packet.Value, error) {
	if c == 's' {
		return packet.String(arg), nil
	} else if c == 'f' {
		v, err := strconv.ParseFloat(arg, 32)
		if err != nil {
			return packet.Value{}, fmt.Errorf("invalid float32: %w", err)
		}
		return packet.Float32(float32(v)), nil
	}
	v, err := parseInt(c, arg)
	if err != nil {
		return packet.Value{}, err
	}
	switch c {
	case 'b', 'B':
		return packet.Uint8(uint8(v)), nil
	case 'h', 'H':
		return packet.Uint16(uint16(v)), nil
	default:
		return packet.Uint32(uint32(v)), nil
	}
}

func parseArray(c byte, arg string) (packet.Value, error) {
	var words []string
	if arg != "" {
		words = strings.Split(arg, ",")
	}
	switch c {
	case 's':
		return packet.Value{}, fmt.Errorf("string arrays are not supported")
	case 'f':
		vs := make([]float32, len(words))
		for i, w := range words {
			v, err := strconv.ParseFloat(strings.TrimSpace(w), 32)
			if err != nil {
				return packet.Value{}, fmt.Errorf("element %d: invalid float32: %w", i+1, err)
			}
			vs[i] = float32(v)
		}
		return packet.Float32s(vs), nil
	}
	var raw []byte
	for i, w := range words {
		v, err := parseInt(c, strings.TrimSpace(w))
		if err != nil {
			return packet.Value{}, fmt.Errorf("element %d: %w", i+1, err)
		}
		switch c {
		case 'b', 'B':
			raw = append(raw, byte(v))
		case 'h', 'H':
			raw = append(raw, byte(v), byte(v>>8))
		default:
			raw = append(raw, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		}
	}
	return packet.Array(sizeOf(c), raw), nil
}

func sizeOf(c byte) int {
	switch c {
	case 'b', 'B':
		return 1
	case 'h', 'H':
		return 2
	}
	return 4
}

// parseInt parses arg as an integer of the size and signedness given by c.
func parseInt(c byte, arg string) (int64, error) {
	bits := 8 * sizeOf(c)
	if c >= 'a' && c <= 'z' {
		v, err := strconv.ParseInt(arg, 0, bits)
		if err != nil {
			return 0, fmt.Errorf("invalid int%d: %w", bits, err)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(arg, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid uint%d: %w", bits, err)
	}
	return int64(v), nil
}

// formatArg renders a parsed argument for display.
func formatArg(a packet.Arg) string {
	var s string
	switch base := a.Type &^ packet.FlagHint; {
	case a.Type.IsString():
		s = strconv.Quote(a.Text())
	case base == packet.TypeFloat32:
		s = strconv.FormatFloat(float64(a.Float32()), 'g', -1, 32)
	case base == packet.FlagArray|packet.TypeFloat32:
		s = fmt.Sprint(a.Float32s())
	case a.Type.IsArray():
		switch base.Size() {
		case 1:
			s = fmt.Sprint(a.Data)
		case 2:
			s = fmt.Sprint(a.Int16s())
		default:
			s = fmt.Sprint(a.Int32s())
		}
	case base.Size() == 1:
		s = strconv.Itoa(int(a.Int8()))
	case base.Size() == 2:
		s = strconv.Itoa(int(a.Int16()))
	default:
		s = strconv.Itoa(int(a.Int32()))
	}
	if a.IsHint() {
		return "~" + s
	}
	return s
}
