// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package link provides implementations of the chirplink.Link interface.
package link

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/chirplink"
	"github.com/creachadair/mds/queue"
)

// DefaultBlockSize is the block size reported by a link whose Config does
// not specify one.
const DefaultBlockSize = 64

// PollWait is how long a receive with a zero timeout waits for the rest of
// a read once some data have arrived.
const PollWait = 50 * time.Millisecond

// Config carries settings for the links constructed by this package.
type Config struct {
	// BlockSize is the chunk size reported by the link. If zero,
	// DefaultBlockSize is used.
	BlockSize int

	// ErrorCorrected, if true, means the link reports that it corrects
	// errors, so messages are sent as single frames.
	ErrorCorrected bool

	// SharedMemory, if positive, is the size of a memory region shared by
	// both ends of a Pipe.
	SharedMemory int
}

func (c Config) blockSize() int {
	if c.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return c.BlockSize
}

func (c Config) flags() chirplink.LinkFlags {
	var f chirplink.LinkFlags
	if c.ErrorCorrected {
		f |= chirplink.ErrorCorrected
	}
	if c.SharedMemory > 0 {
		f |= chirplink.SharedMemory
	}
	return f
}

// Pipe constructs a connected pair of in-memory links. Data sent to A are
// received by B and vice versa. Sends never block. Closing either end
// closes both.
func Pipe(cfg Config) (A, B *PipeLink) {
	a2b, b2a := newPipeQueue(), newPipeQueue()
	done := make(chan struct{})
	once := new(sync.Once)
	var mem []byte
	if cfg.SharedMemory > 0 {
		mem = make([]byte, cfg.SharedMemory)
	}
	A = &PipeLink{cfg: cfg, in: b2a, out: a2b, done: done, once: once, mem: mem}
	B = &PipeLink{cfg: cfg, in: a2b, out: b2a, done: done, once: once, mem: mem}
	return
}

// A PipeLink is one end of an in-memory link constructed by Pipe.
type PipeLink struct {
	cfg  Config
	in   *pipeQueue
	out  *pipeQueue
	done chan struct{}
	once *sync.Once
	mem  []byte
}

// pipeQueue holds data sent on one direction of a pipe.
type pipeQueue struct {
	μ     sync.Mutex
	q     queue.Queue[[]byte]
	cur   []byte // the unread remainder of the front block
	ready chan struct{}
}

func newPipeQueue() *pipeQueue { return &pipeQueue{ready: make(chan struct{}, 1)} }

func (p *pipeQueue) put(data []byte) {
	p.μ.Lock()
	p.q.Add(bytes.Clone(data))
	p.μ.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// take copies as much buffered data into buf as it can, and reports the
// number of bytes copied.
func (p *pipeQueue) take(buf []byte) int {
	p.μ.Lock()
	defer p.μ.Unlock()
	var nr int
	for nr < len(buf) {
		if len(p.cur) == 0 {
			next, ok := p.q.Pop()
			if !ok {
				break
			}
			p.cur = next
		}
		n := copy(buf[nr:], p.cur)
		p.cur = p.cur[n:]
		nr += n
	}
	return nr
}

func (p *PipeLink) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Send implements a method of the [chirplink.Link] interface.
func (p *PipeLink) Send(data []byte, _ time.Duration) (int, error) {
	if p.closed() {
		return 0, net.ErrClosed
	}
	p.out.put(data)
	return len(data), nil
}

// Receive implements a method of the [chirplink.Link] interface.
func (p *PipeLink) Receive(buf []byte, timeout time.Duration) (int, error) {
	if p.closed() {
		return 0, net.ErrClosed
	}
	var nr int
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	for {
		nr += p.in.take(buf[nr:])
		if nr == len(buf) {
			return nr, nil
		}
		if expire == nil {
			if nr == 0 {
				return 0, fmt.Errorf("receive: no data: %w", chirplink.ErrRecvTimeout)
			}
			t := time.NewTimer(PollWait)
			defer t.Stop()
			expire = t.C
		}
		select {
		case <-p.in.ready:
		case <-p.done:
			return nr, net.ErrClosed
		case <-expire:
			return nr, fmt.Errorf("receive: got %d of %d bytes: %w", nr, len(buf), chirplink.ErrRecvTimeout)
		}
	}
}

// BlockSize implements a method of the [chirplink.Link] interface.
func (p *PipeLink) BlockSize() int { return p.cfg.blockSize() }

// Flags implements a method of the [chirplink.Link] interface.
func (p *PipeLink) Flags() chirplink.LinkFlags { return p.cfg.flags() }

// SharedBuffer implements a method of the [chirplink.SharedLink] interface.
// It returns nil if the pipe has no shared memory.
func (p *PipeLink) SharedBuffer() []byte { return p.mem }

// Close implements a method of the [chirplink.Link] interface.
func (p *PipeLink) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
