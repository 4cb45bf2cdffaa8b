// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/chirplink/packet"
)

const (
	startCode    = 0xaaaa5555 // marks the start of a message, little-endian
	ackByte      = 0x59
	nakByte      = 0x4e
	maxHeaderLen = 64 // the header region sent as one unit
	firstChunk   = maxHeaderLen - headerSize

	// maxPayload bounds the payload length accepted from a header.
	maxPayload = 1 << 24
)

// A framer sends and receives the message in the engine's buffer.
type framer interface {
	// send transmits the payload currently in the buffer with header h.
	send(h Header) error

	// recv receives a message into the buffer and returns its header.
	// If wait is false, recv reports a timeout unless a message is already
	// arriving.
	recv(wait bool) (Header, error)
}

// wire holds the state shared by the framers.
type wire struct {
	link Link
	buf  *packet.Buffer
	opts *Options
	m    *engineMetrics
	blk  int // chunk size for data
}

func (w *wire) sendBytes(data []byte) error {
	n, err := w.link.Send(data, w.opts.sendTimeout())
	if err != nil {
		return err
	} else if n < len(data) {
		return fmt.Errorf("short write (%d < %d bytes): %w", n, len(data), ErrSendTimeout)
	}
	return nil
}

func (w *wire) receive(buf []byte, timeout time.Duration) error {
	n, err := w.link.Receive(buf, timeout)
	if err != nil {
		return err
	} else if n < len(buf) {
		return fmt.Errorf("short read (%d < %d bytes): %w", n, len(buf), ErrRecvTimeout)
	}
	return nil
}

func (w *wire) headerWait(wait bool) time.Duration {
	if wait {
		return w.opts.headerTimeout()
	}
	return 0
}

// checksum returns the 16-bit sum of the bytes of bufs plus their total
// length.
func checksum(bufs ...[]byte) uint16 {
	var sum uint16
	for _, b := range bufs {
		for _, c := range b {
			sum += uint16(c)
		}
		sum += uint16(len(b))
	}
	return sum
}

// fullFramer sends each message as a single frame. It is used on links that
// correct errors themselves. The header region of the buffer holds the start
// code followed by the header.
type fullFramer struct {
	*wire
	shared bool
}

func (f fullFramer) send(h Header) error {
	raw := f.buf.Storage()
	if len(raw) < maxHeaderLen {
		return fmt.Errorf("buffer too small for header (%d bytes): %w", len(raw), ErrMemory)
	}
	binary.LittleEndian.PutUint32(raw, startCode)
	h.encode(raw[4:])
	total := f.buf.HeaderLen() + int(h.Len)
	if total < maxHeaderLen {
		clear(raw[total:maxHeaderLen])
	}
	if err := f.sendBytes(raw[:maxHeaderLen]); err != nil {
		return err
	}
	if total > maxHeaderLen && !f.shared {
		return f.sendBytes(raw[maxHeaderLen:total])
	}
	return nil
}

func (f fullFramer) recv(wait bool) (Header, error) {
	raw := f.buf.Storage()
	timeout := f.headerWait(wait)
	for {
		if err := f.receive(raw[:maxHeaderLen], timeout); err != nil {
			return Header{}, err
		}
		if binary.LittleEndian.Uint32(raw) == startCode {
			break
		}
		f.opts.logf("discarding %d bytes without a start code", maxHeaderLen)
	}
	h := decodeHeader(raw[4:])
	if h.Len > maxPayload {
		return Header{}, fmt.Errorf("payload length %d exceeds limit: %w", h.Len, ErrParse)
	}
	total := f.buf.HeaderLen() + int(h.Len)
	if err := f.buf.Reserve(total); err != nil {
		return Header{}, err
	}
	raw = f.buf.Storage()
	if total > maxHeaderLen && !f.shared {
		if err := f.receive(raw[maxHeaderLen:total], f.opts.idleTimeout()); err != nil {
			return Header{}, err
		}
	}
	return h, f.buf.SetLen(int(h.Len))
}

// chunkFramer sends each message as a checksummed header carrying the first
// chunk of the payload, followed by numbered data chunks. The receiver
// acknowledges each piece with ackByte, or rejects it with nakByte.
//
// The wire format of a message is:
//
//	[start code:4][header:8][first chunk][checksum:2]
//	[chunk][seq:1][checksum:2] ...
type chunkFramer struct {
	*wire
	frame []byte // scratch space for outbound frames
	dup   []byte // scratch space for a resent chunk
}

// send transmits the message in f.buf with header h. The header and each
// chunk are resent when the peer rejects them, up to MaxNak times, after
// which send fails with ErrChecksum and the caller may resend the message.
func (f *chunkFramer) send(h Header) error {
	for naks := 0; ; {
		err := f.sendHeader(h)
		if errors.Is(err, ErrChecksum) {
			f.m.nakRecv.Add(1)
			if naks++; naks >= f.opts.maxNak() {
				return fmt.Errorf("header rejected %d times: %w", naks, err)
			}
			continue
		} else if err != nil {
			return err
		}
		return f.sendData(h)
	}
}

func (f *chunkFramer) sendHeader(h Header) error {
	raw := f.buf.Storage()
	hdr := raw[:headerSize]
	h.encode(hdr)
	n := min(int(h.Len), firstChunk)
	chunk := raw[headerSize : headerSize+n]

	frame := binary.LittleEndian.AppendUint32(f.frame[:0], startCode)
	frame = append(frame, hdr...)
	frame = append(frame, chunk...)
	frame = binary.LittleEndian.AppendUint16(frame, checksum(hdr, chunk))
	f.frame = frame
	if err := f.sendBytes(frame); err != nil {
		return err
	}
	return f.recvAck(f.opts.headerTimeout())
}

func (f *chunkFramer) sendData(h Header) error {
	raw := f.buf.Storage()
	plen := int(h.Len)
	var seq byte
	var misses, naks int
	for off := min(plen, firstChunk); off < plen; {
		n := min(f.blk, plen-off)
		chunk := raw[headerSize+off : headerSize+off+n]
		frame := append(f.frame[:0], chunk...)
		frame = append(frame, seq)
		frame = binary.LittleEndian.AppendUint16(frame, checksum(chunk, []byte{seq}))
		f.frame = frame
		if err := f.sendBytes(frame); err != nil {
			return err
		}

		err := f.recvAck(f.opts.dataTimeout())
		switch {
		case err == nil:
			off += n
			seq++
			misses, naks = 0, 0
		case errors.Is(err, ErrChecksum):
			f.m.nakRecv.Add(1)
			if naks++; naks >= f.opts.maxNak() {
				return fmt.Errorf("chunk %d rejected %d times: %w", seq, naks, err)
			}
		case errors.Is(err, ErrRecvTimeout):
			// The chunk or its acknowledgement was lost. Resending the same
			// sequence number lets the peer discard a duplicate.
			if misses++; misses >= f.opts.retries() {
				return fmt.Errorf("chunk %d not acknowledged: %w", seq, err)
			}
		default:
			return err
		}
	}
	return nil
}

// recvAck receives an acknowledgement. Any byte other than ackByte is a
// rejection, reported as ErrChecksum.
func (f *chunkFramer) recvAck(timeout time.Duration) error {
	var c [1]byte
	if err := f.receive(c[:], timeout); err != nil {
		return err
	}
	if c[0] != ackByte {
		return fmt.Errorf("chunk rejected (0x%02x): %w", c[0], ErrChecksum)
	}
	return nil
}

func (f *chunkFramer) sendAck(ok bool) error {
	c := []byte{ackByte}
	if !ok {
		c[0] = nakByte
		f.m.nakSent.Add(1)
	}
	return f.sendBytes(c)
}

func (f *chunkFramer) recv(wait bool) (Header, error) {
	timeout := f.headerWait(wait)
	var naks int
	for {
		h, err := f.recvHeader(timeout)
		if errors.Is(err, ErrChecksum) {
			if naks++; naks >= f.opts.maxNak() {
				return Header{}, fmt.Errorf("header rejected %d times: %w", naks, ErrMaxNak)
			}
			timeout = f.opts.headerTimeout()
			continue
		} else if err != nil {
			return Header{}, err
		}
		return h, f.recvData(h)
	}
}

// recvHeader scans for a start code and receives the header and first chunk
// that follow it. It acknowledges a valid header and rejects an invalid one.
func (f *chunkFramer) recvHeader(timeout time.Duration) (Header, error) {
	var c [1]byte
	if err := f.receive(c[:], timeout); err != nil {
		return Header{}, err
	}
	code := uint32(c[0]) << 24
	for code != startCode {
		if err := f.receive(c[:], f.opts.idleTimeout()); err != nil {
			return Header{}, err
		}
		code = code>>8 | uint32(c[0])<<24
	}

	raw := f.buf.Storage()
	hdr := raw[:headerSize]
	if err := f.receive(hdr, f.opts.idleTimeout()); err != nil {
		return Header{}, err
	}
	h := decodeHeader(hdr)
	n := min(int(h.Len), firstChunk)
	chunk := raw[headerSize : headerSize+n+2]
	if err := f.receive(chunk, f.opts.idleTimeout()); err != nil {
		return Header{}, err
	}

	want := binary.LittleEndian.Uint16(chunk[n:])
	if got := checksum(hdr, chunk[:n]); got != want || h.Len > maxPayload {
		if err := f.sendAck(false); err != nil {
			return Header{}, err
		}
		return Header{}, fmt.Errorf("header checksum 0x%04x, want 0x%04x: %w", got, want, ErrChecksum)
	}
	return h, f.sendAck(true)
}

// recvData receives the data chunks following the header h.
func (f *chunkFramer) recvData(h Header) error {
	plen := int(h.Len)
	if err := f.buf.Reserve(headerSize + plen + 3); err != nil { // +3 for seq, checksum
		return err
	}
	raw := f.buf.Storage()

	var want byte
	var naks int
	for off := min(plen, firstChunk); off < plen; {
		n := min(f.blk, plen-off)
		seg := raw[headerSize+off : headerSize+off+n+3]
		if err := f.receive(seg, f.opts.dataTimeout()); err != nil {
			return err
		}
		seq := seg[n]
		if binary.LittleEndian.Uint16(seg[n+1:]) == checksum(seg[:n], seg[n:n+1]) {
			// A chunk with an old sequence number is a resend after a lost
			// acknowledgement; acknowledge it again but keep what we have.
			if seq == want {
				off += n
				want++
			}
			naks = 0
			if err := f.sendAck(true); err != nil {
				return err
			}
			continue
		}
		if n < f.blk && want > 0 && f.resent(seg, want-1) {
			naks = 0
			if err := f.sendAck(true); err != nil {
				return err
			}
			continue
		}
		if err := f.sendAck(false); err != nil {
			return err
		}
		if naks++; naks >= f.opts.maxNak() {
			return fmt.Errorf("chunk %d rejected %d times: %w", want, naks, ErrMaxNak)
		}
	}
	return f.buf.SetLen(plen)
}

// resent reports whether seg, read as a short final chunk that failed its
// checksum, is the start of a full-size resend of chunk seq. If so, the rest
// of that frame is consumed.
func (f *chunkFramer) resent(seg []byte, seq byte) bool {
	size := f.blk + 3
	if cap(f.dup) < size {
		f.dup = make([]byte, size)
	}
	dup := f.dup[:size]
	copy(dup, seg)
	if err := f.receive(dup[len(seg):], f.opts.idleTimeout()); err != nil {
		return false
	}
	return dup[f.blk] == seq &&
		binary.LittleEndian.Uint16(dup[f.blk+1:]) == checksum(dup[:f.blk], dup[f.blk:f.blk+1])
}
