// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creachadair/chirplink"
)

// Stream constructs a link that sends and receives on rwc.
//
// If rwc has SetReadDeadline and SetWriteDeadline methods, as a net.Conn
// does, they are used to enforce timeouts. Otherwise reads and writes block
// until they complete or rwc is closed.
func Stream(rwc io.ReadWriteCloser, cfg Config) *StreamLink {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &StreamLink{cfg: cfg, r: bufio.NewReader(rwc), w: bufio.NewWriter(rwc), c: rwc}
}

// A StreamLink sends and receives data on a reader and a writer.
type StreamLink struct {
	cfg Config
	r   *bufio.Reader
	w   *bufio.Writer
	c   io.Closer
}

type readDeadliner interface{ SetReadDeadline(time.Time) error }
type writeDeadliner interface{ SetWriteDeadline(time.Time) error }

// Send implements a method of the [chirplink.Link] interface.
func (s *StreamLink) Send(data []byte, timeout time.Duration) (int, error) {
	if d, ok := s.c.(writeDeadliner); ok && timeout > 0 {
		d.SetWriteDeadline(time.Now().Add(timeout))
		defer d.SetWriteDeadline(time.Time{})
	}
	nw, err := s.w.Write(data)
	if err == nil {
		err = s.w.Flush()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nw, fmt.Errorf("send: %v: %w", err, chirplink.ErrSendTimeout)
	}
	return nw, err
}

// Receive implements a method of the [chirplink.Link] interface.
func (s *StreamLink) Receive(buf []byte, timeout time.Duration) (int, error) {
	d, ok := s.c.(readDeadliner)
	if ok {
		if timeout <= 0 {
			if s.r.Buffered() == 0 {
				// Poll briefly for data already in flight.
				d.SetReadDeadline(time.Now().Add(time.Millisecond))
				if _, err := s.r.Peek(1); err != nil {
					d.SetReadDeadline(time.Time{})
					return 0, s.wrap(err)
				}
			}
			timeout = PollWait
		}
		d.SetReadDeadline(time.Now().Add(timeout))
		defer d.SetReadDeadline(time.Time{})
	}
	nr, err := io.ReadFull(s.r, buf)
	if err != nil {
		return nr, s.wrap(err)
	}
	return nr, nil
}

func (s *StreamLink) wrap(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("receive: %v: %w", err, chirplink.ErrRecvTimeout)
	} else if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// BlockSize implements a method of the [chirplink.Link] interface.
func (s *StreamLink) BlockSize() int { return s.cfg.blockSize() }

// Flags implements a method of the [chirplink.Link] interface. A stream
// never reports shared memory.
func (s *StreamLink) Flags() chirplink.LinkFlags {
	return s.cfg.flags() &^ chirplink.SharedMemory
}

// Close implements a method of the [chirplink.Link] interface.
func (s *StreamLink) Close() error { return s.c.Close() }
