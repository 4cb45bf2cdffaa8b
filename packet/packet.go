// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet implements the argument codec for chirp messages.
//
// A message is a fixed-size header followed by a sequence of arguments.
// Each argument is encoded as a type tag, zero or more bytes of padding, and
// the value. Scalars are aligned to their own size relative to the start of
// the message, arrays carry a 4-byte element count aligned to 4 bytes, and
// strings are unaligned and terminated by a NUL byte:
//
//	scalar: [tag][pad...][tag][value]
//	array:  [tag][pad...][tag][count uint32][elements...]
//	string: [tag][bytes...][0]
//
// When padding is present, the tag is written both at its original position
// and immediately before the aligned value. All multi-byte values are
// little-endian.
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BufSize is the initial size of a message buffer, and the amount by which
	// a buffer grows beyond the space requested.
	BufSize = 256

	// BufPad is the number of spare bytes a buffer keeps beyond the end of
	// the data written to it.
	BufPad = 8

	// MaxArgs is the maximum number of argument slots a message may parse to.
	MaxArgs = 10
)

var (
	// ErrParse is reported for a malformed argument stream.
	ErrParse = errors.New("parse error")

	// ErrMemory is reported when a buffer cannot grow.
	ErrMemory = errors.New("memory error")
)

// A Buffer holds a single message: a header of fixed length followed by a
// payload of encoded arguments.
//
// A buffer normally owns its storage, which grows as needed. A buffer may
// instead use a fixed region of shared memory, or temporarily borrow storage
// from the caller via [UseBuffer]; in either case it cannot grow.
type Buffer struct {
	data  []byte // current storage, owned or borrowed
	hlen  int    // header length
	plen  int    // payload length
	fixed bool   // data is shared memory

	// Borrowed state: owned holds the owned storage while data is borrowed.
	owned    []byte
	borrowed bool
	placed   bool // the zero-copy array has been placed

	preBuf int // offset reached at the last zero-copy mismatch
	grows  int // number of times the storage has been reallocated
}

// NewBuffer constructs an empty buffer with the given header length.
func NewBuffer(headerLen int) *Buffer {
	return &Buffer{data: make([]byte, BufSize), hlen: headerLen}
}

// NewSharedBuffer constructs an empty buffer with the given header length
// whose storage is mem. The buffer will never reallocate.
func NewSharedBuffer(headerLen int, mem []byte) *Buffer {
	return &Buffer{data: mem, hlen: headerLen, fixed: true}
}

// HeaderLen reports the header length of b.
func (b *Buffer) HeaderLen() int { return b.hlen }

// Len reports the length of the payload of b.
func (b *Buffer) Len() int { return b.plen }

// Cap reports the total size of the current storage of b.
func (b *Buffer) Cap() int { return len(b.data) }

// Grows reports the number of times b has reallocated its storage.
func (b *Buffer) Grows() int { return b.grows }

// Shared reports whether b uses a fixed region of shared memory.
func (b *Buffer) Shared() bool { return b.fixed }

// Borrowed reports whether b is currently using a caller-supplied buffer.
func (b *Buffer) Borrowed() bool { return b.borrowed }

// PreBufLen reports the offset of the zero-copy array position recorded by
// the most recent mismatch, or 0.
func (b *Buffer) PreBufLen() int { return b.preBuf }

// Header returns the header region of b. The slice aliases the storage of b.
func (b *Buffer) Header() []byte { return b.data[:b.hlen] }

// Payload returns the current payload of b. The slice aliases the storage of b.
func (b *Buffer) Payload() []byte { return b.data[b.hlen : b.hlen+b.plen] }

// Bytes returns the header and payload of b. The slice aliases the storage of b.
func (b *Buffer) Bytes() []byte { return b.data[:b.hlen+b.plen] }

// Storage returns the complete storage of b, including unused space.
// The slice is valid until b grows or is restored.
func (b *Buffer) Storage() []byte { return b.data }

// Reset restores owned storage and discards the payload of b.
func (b *Buffer) Reset() { b.Restore(); b.plen = 0 }

// SetLen sets the payload length of b to n, growing the storage if needed.
// The contents of any bytes added to the payload are unspecified.
func (b *Buffer) SetLen(n int) error {
	if err := b.Reserve(b.hlen + n); err != nil {
		return err
	}
	b.plen = n
	return nil
}

// Reserve ensures that b can hold at least n bytes in addition to its pad,
// growing the storage if necessary. Growing preserves the current contents.
func (b *Buffer) Reserve(n int) error {
	if n <= len(b.data)-BufPad {
		return nil
	}
	if b.fixed {
		return fmt.Errorf("grow shared buffer to %d bytes: %w", n, ErrMemory)
	} else if b.borrowed {
		return fmt.Errorf("grow substituted buffer to %d bytes: %w", n, ErrMemory)
	}
	r := make([]byte, n+BufSize)
	copy(r, b.data)
	b.data = r
	b.grows++
	return nil
}

// Restore ends a buffer substitution, if one is active, and returns b to
// its owned storage. The payload length is preserved.
func (b *Buffer) Restore() {
	if b.borrowed {
		b.data = b.owned
		b.owned = nil
		b.borrowed = false
		b.placed = false
	}
}

func (b *Buffer) borrow(ext []byte, pos int) error {
	if b.fixed {
		return fmt.Errorf("buffer substitution in shared memory: %w", ErrMemory)
	} else if len(ext) < pos+BufPad {
		return fmt.Errorf("substitute buffer too small (%d < %d bytes): %w", len(ext), pos+BufPad, ErrMemory)
	}
	b.Restore()
	copy(ext[:pos], b.data[:pos])
	b.owned = b.data
	b.data = ext
	b.borrowed = true
	b.placed = false
	return nil
}

// Assemble appends the encoded values to the payload of b, in order, and
// updates the payload length. Any buffer substitution left over from a
// previous assembly is ended before new values are written.
//
// If Assemble reports an error, the payload length is not changed.
func (b *Buffer) Assemble(vals ...Value) error {
	b.Restore()
	pos := b.hlen + b.plen
	for i, v := range vals {
		if v.sub {
			if err := b.borrow(v.ext, pos); err != nil {
				return err
			}
			continue
		}
		next, err := b.put(pos, v)
		if err != nil {
			return fmt.Errorf("arg %d (%v): %w", i+1, v.tag, err)
		}
		pos = next
	}
	b.plen = pos - b.hlen
	return nil
}

// put encodes v at offset pos of the storage and returns the offset
// following the encoding.
func (b *Buffer) put(pos int, v Value) (int, error) {
	tag := v.tag
	base := tag &^ FlagHint

	switch {
	case base == TypeString:
		if bytes.IndexByte(v.data, 0) >= 0 {
			return 0, fmt.Errorf("string contains NUL: %w", ErrParse)
		}
		end := pos + 1 + len(v.data) + 1
		if err := b.Reserve(end); err != nil {
			return 0, err
		}
		b.data[pos] = byte(tag)
		copy(b.data[pos+1:], v.data)
		b.data[end-1] = 0
		return end, nil

	case base&FlagArray != 0:
		size := base.Size()
		if !validSize(size) {
			return 0, fmt.Errorf("invalid element size %d: %w", size, ErrParse)
		}
		count := len(v.data) / size
		cpos := align(pos+1, 4)
		epos := align(cpos+4, size)
		end := epos + count*size
		if err := b.Reserve(end); err != nil {
			return 0, err
		}
		b.putTag(pos, cpos, tag)
		binary.LittleEndian.PutUint32(b.data[cpos:], uint32(count))
		clear(b.data[cpos+4 : epos])

		if b.borrowed && !b.placed {
			// The first array after a substitution must already be in place.
			b.placed = true
			if count != 0 && &b.data[epos] != &v.data[0] {
				b.preBuf = epos
				return 0, fmt.Errorf("array not at buffer offset %d: %w", epos, ErrParse)
			}
		} else {
			copy(b.data[epos:end], v.data)
		}
		return end, nil

	default:
		size := base.Size()
		if !validSize(size) || len(v.data) != size {
			return 0, fmt.Errorf("invalid scalar size %d: %w", size, ErrParse)
		}
		vpos := align(pos+1, size)
		if err := b.Reserve(vpos + size); err != nil {
			return 0, err
		}
		b.putTag(pos, vpos, tag)
		copy(b.data[vpos:], v.data)
		return vpos + size, nil
	}
}

// putTag writes tag at pos and immediately before vpos, zeroing any padding
// between them.
func (b *Buffer) putTag(pos, vpos int, tag Type) {
	b.data[pos] = byte(tag)
	if vpos-1 > pos {
		clear(b.data[pos+1 : vpos-1])
		b.data[vpos-1] = byte(tag)
	}
}

// align rounds v up to a multiple of n, which must be a power of 2.
func align(v, n int) int { return (v + n - 1) &^ (n - 1) }

// A ParseFlag modifies the behaviour of [Parse].
type ParseFlag int

const (
	// ParseResponse treats the first 4 bytes of the payload as a return code,
	// reported as the first argument.
	ParseResponse ParseFlag = 1 << iota

	// SkipHints discards arguments marked as hints.
	SkipHints
)

// Parse parses the arguments of the message currently in b. The resulting
// arguments alias the storage of b.
func (b *Buffer) Parse(flags ParseFlag) ([]Arg, error) {
	return Parse(b.Bytes(), b.hlen, flags)
}

// Parse parses the arguments of msg, a message whose header has length
// headerLen and whose payload runs to the end of msg. Alignment is computed
// relative to the start of msg. Each scalar and string yields one argument,
// and each array yields two: a 4-byte count followed by the elements.
// The resulting arguments alias msg.
func Parse(msg []byte, headerLen int, flags ParseFlag) ([]Arg, error) {
	if headerLen > len(msg) {
		return nil, fmt.Errorf("message shorter than header (%d < %d bytes): %w", len(msg), headerLen, ErrParse)
	}
	var out []Arg
	add := func(a Arg) error {
		if len(out) == MaxArgs {
			return fmt.Errorf("more than %d arguments: %w", MaxArgs, ErrParse)
		}
		out = append(out, a)
		return nil
	}

	pos, end := headerLen, len(msg)
	if flags&ParseResponse != 0 {
		if end-pos < 4 {
			return nil, fmt.Errorf("response missing return code: %w", ErrParse)
		}
		add(Arg{Type: TypeInt32, Data: msg[pos : pos+4]})
		pos += 4
	}
	skipHints := flags&SkipHints != 0

	for pos < end {
		tpos := pos
		tag := Type(msg[pos])
		pos++
		base := tag &^ FlagHint
		keep := !(skipHints && tag.IsHint())

		switch {
		case base == TypeString:
			n := bytes.IndexByte(msg[pos:end], 0)
			if n < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d: %w", tpos, ErrParse)
			}
			if keep {
				if err := add(Arg{Type: tag, Data: msg[pos : pos+n]}); err != nil {
					return nil, err
				}
			}
			pos += n + 1

		case base&FlagArray != 0:
			size := base.Size()
			if !validSize(size) {
				return nil, fmt.Errorf("invalid tag 0x%02x at offset %d: %w", byte(tag), tpos, ErrParse)
			}
			pos = align(pos, 4)
			if pos+4 > end {
				return nil, fmt.Errorf("truncated array count at offset %d: %w", tpos, ErrParse)
			}
			cdata := msg[pos : pos+4]
			count := binary.LittleEndian.Uint32(cdata)
			pos = align(pos+4, size)
			if pos > end || uint64(count)*uint64(size) > uint64(end-pos) {
				return nil, fmt.Errorf("truncated array (%d elements) at offset %d: %w", count, tpos, ErrParse)
			}
			nb := int(count) * size
			if keep {
				if err := add(Arg{Type: TypeUint32 | tag&FlagHint, Data: cdata}); err != nil {
					return nil, err
				}
				if err := add(Arg{Type: tag, Data: msg[pos : pos+nb]}); err != nil {
					return nil, err
				}
			}
			pos += nb

		default:
			size := base.Size()
			if !validSize(size) {
				return nil, fmt.Errorf("invalid tag 0x%02x at offset %d: %w", byte(tag), tpos, ErrParse)
			}
			pos = align(pos, size)
			if pos+size > end {
				return nil, fmt.Errorf("truncated %v at offset %d: %w", tag, tpos, ErrParse)
			}
			if keep {
				if err := add(Arg{Type: tag, Data: msg[pos : pos+size]}); err != nil {
					return nil, err
				}
			}
			pos += size
		}
	}
	return out, nil
}
