// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/creachadair/chirplink/packet"
	"github.com/google/go-cmp/cmp"
)

// scriptLink is a Link that delivers a fixed input and records what is sent.
type scriptLink struct {
	in  []byte
	out []byte
}

func (s *scriptLink) Send(data []byte, _ time.Duration) (int, error) {
	s.out = append(s.out, data...)
	return len(data), nil
}

func (s *scriptLink) Receive(buf []byte, _ time.Duration) (int, error) {
	n := copy(buf, s.in)
	s.in = s.in[n:]
	if n < len(buf) {
		return n, fmt.Errorf("script exhausted: %w", ErrRecvTimeout)
	}
	return n, nil
}

func (*scriptLink) BlockSize() int   { return 64 }
func (*scriptLink) Flags() LinkFlags { return 0 }
func (*scriptLink) Close() error     { return nil }

func (s *scriptLink) add(frames ...[]byte) { s.in = append(s.in, bytes.Join(frames, nil)...) }

// headerFrame returns the header frame for a message with the given payload.
func headerFrame(h Header, payload []byte) []byte {
	hdr := make([]byte, headerSize)
	h.encode(hdr)
	chunk := payload[:min(len(payload), firstChunk)]
	frame := binary.LittleEndian.AppendUint32(nil, startCode)
	frame = append(frame, hdr...)
	frame = append(frame, chunk...)
	return binary.LittleEndian.AppendUint16(frame, checksum(hdr, chunk))
}

// dataFrame returns a data frame for chunk with sequence number seq. If bad
// is true, the checksum is wrong.
func dataFrame(chunk []byte, seq byte, bad bool) []byte {
	sum := checksum(chunk, []byte{seq})
	if bad {
		sum++
	}
	frame := append(bytes.Clone(chunk), seq)
	return binary.LittleEndian.AppendUint16(frame, sum)
}

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 1)
	}
	return p
}

func newScriptEngine(t *testing.T, opts *Options) (*Engine, *scriptLink, *chunkFramer) {
	t.Helper()
	s := new(scriptLink)
	e := NewEngine(opts).Attach(s)
	f, ok := e.frame.(*chunkFramer)
	if !ok {
		t.Fatalf("Engine framer is %T, want *chunkFramer", e.frame)
	}
	return e, s, f
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		input [][]byte
		want  uint16
	}{
		{nil, 0},
		{[][]byte{{}}, 0},
		{[][]byte{{1, 2, 3}}, 9},
		{[][]byte{{1, 2}, {3}}, 9},
		{[][]byte{bytes.Repeat([]byte{0xff}, 300)}, (300*0xff + 300) & 0xffff},
	}
	for _, tc := range tests {
		if got := checksum(tc.input...); got != tc.want {
			t.Errorf("checksum(%v): got %d, want %d", tc.input, got, tc.want)
		}
	}
}

func TestReceiveChunks(t *testing.T) {
	payload := testPayload(firstChunk + 64 + 20)
	h := Header{Type: MsgCall, Proc: 3, Len: uint32(len(payload))}

	e, s, f := newScriptEngine(t, nil)
	s.add(
		[]byte("noise"), // skipped while scanning for the start code
		headerFrame(h, payload),
		dataFrame(payload[firstChunk:firstChunk+64], 0, false),
		dataFrame(payload[firstChunk+64:], 1, false),
	)
	got, err := f.recv(true)
	if err != nil {
		t.Fatalf("recv: unexpected error: %v", err)
	}
	if got != h {
		t.Errorf("recv header: got %v, want %v", got, h)
	}
	if diff := cmp.Diff(payload, e.buf.Payload()); diff != "" {
		t.Errorf("recv payload (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{ackByte, ackByte, ackByte}, s.out); diff != "" {
		t.Errorf("Acknowledgements (-want, +got):\n%s", diff)
	}
}

func TestReceiveNakBound(t *testing.T) {
	payload := testPayload(firstChunk + 10)
	h := Header{Type: MsgCall, Proc: 1, Len: uint32(len(payload))}
	chunk := payload[firstChunk:]

	t.Run("Data", func(t *testing.T) {
		_, s, f := newScriptEngine(t, &Options{MaxNak: 3})
		s.add(headerFrame(h, payload))
		for range 3 {
			s.add(dataFrame(chunk, 0, true))
		}
		// This frame would be accepted, but the receiver has given up.
		s.add(dataFrame(chunk, 0, false))

		_, err := f.recv(true)
		if !errors.Is(err, ErrMaxNak) {
			t.Fatalf("recv: got %v, want %v", err, ErrMaxNak)
		}
		want := []byte{ackByte, nakByte, nakByte, nakByte}
		if diff := cmp.Diff(want, s.out); diff != "" {
			t.Errorf("Acknowledgements (-want, +got):\n%s", diff)
		}
		if got := len(s.in); got == 0 {
			t.Error("Receiver consumed frames after giving up")
		}
	})

	t.Run("Recover", func(t *testing.T) {
		e, s, f := newScriptEngine(t, &Options{MaxNak: 3})
		s.add(
			headerFrame(h, payload),
			dataFrame(chunk, 0, true),
			dataFrame(chunk, 0, true),
			dataFrame(chunk, 0, false),
		)
		if _, err := f.recv(true); err != nil {
			t.Fatalf("recv: unexpected error: %v", err)
		}
		if diff := cmp.Diff(payload, e.buf.Payload()); diff != "" {
			t.Errorf("recv payload (-want, +got):\n%s", diff)
		}
		want := []byte{ackByte, nakByte, nakByte, ackByte}
		if diff := cmp.Diff(want, s.out); diff != "" {
			t.Errorf("Acknowledgements (-want, +got):\n%s", diff)
		}
		if got := e.metrics.nakSent.Value(); got != 2 {
			t.Errorf("naks_sent: got %d, want 2", got)
		}
	})

	t.Run("Header", func(t *testing.T) {
		_, s, f := newScriptEngine(t, &Options{MaxNak: 2})
		bad := headerFrame(h, payload)
		bad[len(bad)-1] ^= 0xff
		s.add(bad, bad)

		_, err := f.recv(true)
		if !errors.Is(err, ErrMaxNak) {
			t.Fatalf("recv: got %v, want %v", err, ErrMaxNak)
		}
		if diff := cmp.Diff([]byte{nakByte, nakByte}, s.out); diff != "" {
			t.Errorf("Acknowledgements (-want, +got):\n%s", diff)
		}
	})
}

func TestDuplicateChunk(t *testing.T) {
	tests := []struct {
		name string
		size int // payload length
	}{
		{"FullFinal", firstChunk + 128},
		{"ShortFinal", firstChunk + 64 + 20},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := testPayload(tc.size)
			h := Header{Type: MsgData, Proc: 2, Len: uint32(len(payload))}
			c0 := payload[firstChunk : firstChunk+64]
			c1 := payload[firstChunk+64:]

			e, s, f := newScriptEngine(t, nil)
			s.add(
				headerFrame(h, payload),
				dataFrame(c0, 0, false),
				dataFrame(c0, 0, false), // resent after a lost acknowledgement
				dataFrame(c1, 1, false),
			)
			if _, err := f.recv(true); err != nil {
				t.Fatalf("recv: unexpected error: %v", err)
			}
			if diff := cmp.Diff(payload, e.buf.Payload()); diff != "" {
				t.Errorf("recv payload (-want, +got):\n%s", diff)
			}
			want := []byte{ackByte, ackByte, ackByte, ackByte}
			if diff := cmp.Diff(want, s.out); diff != "" {
				t.Errorf("Acknowledgements (-want, +got):\n%s", diff)
			}
			if len(s.in) != 0 {
				t.Errorf("Receiver left %d bytes unread", len(s.in))
			}
		})
	}

	// A damaged short final chunk is still rejected.
	t.Run("ShortBad", func(t *testing.T) {
		payload := testPayload(firstChunk + 64 + 20)
		h := Header{Type: MsgData, Proc: 2, Len: uint32(len(payload))}
		c0 := payload[firstChunk : firstChunk+64]
		c1 := payload[firstChunk+64:]

		e, s, f := newScriptEngine(t, nil)
		s.add(
			headerFrame(h, payload),
			dataFrame(c0, 0, false),
			dataFrame(c1, 1, true),
		)
		_, err := f.recv(true)
		if !errors.Is(err, ErrRecvTimeout) {
			t.Fatalf("recv: got %v, want %v", err, ErrRecvTimeout)
		}
		if got := e.metrics.nakSent.Value(); got != 1 {
			t.Errorf("naks_sent: got %d, want 1", got)
		}
	})
}

func TestSendChunks(t *testing.T) {
	body := testPayload(100)
	e, s, f := newScriptEngine(t, nil)

	e.buf.Reset()
	if err := e.buf.Assemble(packet.Bytes(body)); err != nil {
		t.Fatalf("Assemble: unexpected error: %v", err)
	}
	payload := bytes.Clone(e.buf.Payload())
	h := Header{Type: MsgCall, Proc: 5, Len: uint32(len(payload))}
	rest := payload[firstChunk:]
	if len(rest) > 64 {
		t.Fatalf("Test payload needs %d chunks, want 1", (len(rest)+63)/64)
	}

	// The peer rejects the header once, then the data chunk once.
	s.in = []byte{nakByte, ackByte, nakByte, ackByte}
	if err := f.send(h); err != nil {
		t.Fatalf("send: unexpected error: %v", err)
	}
	want := bytes.Join([][]byte{
		headerFrame(h, payload),
		headerFrame(h, payload),
		dataFrame(rest, 0, false),
		dataFrame(rest, 0, false),
	}, nil)
	if diff := cmp.Diff(want, s.out); diff != "" {
		t.Errorf("Sent frames (-want, +got):\n%s", diff)
	}
	if got := e.metrics.nakRecv.Value(); got != 2 {
		t.Errorf("naks_received: got %d, want 2", got)
	}

	// A peer that rejects every attempt causes the send to fail.
	s.in, s.out = bytes.Repeat([]byte{nakByte}, 10), nil
	if err := f.send(h); !errors.Is(err, ErrChecksum) {
		t.Errorf("send: got %v, want %v", err, ErrChecksum)
	}
	if got, want := len(s.out), 3*len(headerFrame(h, payload)); got != want {
		t.Errorf("send: sent %d bytes, want %d", got, want)
	}
}

func TestTableGrowth(t *testing.T) {
	var tab Table
	const numProcs = 3*tableBlock + 10
	for i := range numProcs {
		name := fmt.Sprintf("proc-%d", i)
		p, err := tab.Register(name, nil, nil)
		if err != nil {
			t.Fatalf("Register %q: unexpected error: %v", name, err)
		}
		if int(p) != i {
			t.Errorf("Register %q: got index %d, want %d", name, p, i)
		}
	}
	if got, want := tab.Cap(), 4*tableBlock; got != want {
		t.Errorf("Cap: got %d, want %d", got, want)
	}
	if got := tab.Grows(); got != 3 {
		t.Errorf("Grows: got %d, want 3", got)
	}
	if got := tab.Len(); got != numProcs {
		t.Errorf("Len: got %d, want %d", got, numProcs)
	}

	// Every name maps to its index and back.
	names := tab.Names()
	for i, name := range names {
		if p := tab.Lookup(name); int(p) != i {
			t.Errorf("Lookup %q: got %d, want %d", name, p, i)
		}
	}

	// Registering an existing name replaces it in place.
	p, err := tab.Register("proc-17", func(context.Context, *Request) (int32, error) { return 0, nil }, &Metadata{Info: "x"})
	if err != nil || p != 17 {
		t.Errorf("Register proc-17: got (%d, %v), want 17", p, err)
	}
	if got := tab.Len(); got != numProcs {
		t.Errorf("Len after replace: got %d, want %d", got, numProcs)
	}
	if e := tab.entry(17); e == nil || e.handler == nil || e.meta == nil {
		t.Errorf("Entry 17: got %+v, want handler and metadata", e)
	}

	if _, err := tab.Register("", nil, nil); err == nil {
		t.Error("Register empty name: got nil, want error")
	}
	if got := tab.Lookup("nonesuch"); got != ProcNone {
		t.Errorf("Lookup nonesuch: got %d, want %d", got, ProcNone)
	}
}

func TestEnumerate(t *testing.T) {
	tab := NewTable()
	p, _ := tab.Register("foo", nil, nil)
	if got := tab.Remote(p); got != ProcNone {
		t.Errorf("Remote before enumerate: got %d, want %d", got, ProcNone)
	}
	if got := tab.enumerate("foo", 12); got != p {
		t.Errorf("enumerate foo: got %d, want %d", got, p)
	}
	if got := tab.Remote(p); got != 12 {
		t.Errorf("Remote after enumerate: got %d, want 12", got)
	}
	if got := tab.enumerate("bar", 3); got != ProcNone {
		t.Errorf("enumerate bar: got %d, want %d", got, ProcNone)
	}
}
