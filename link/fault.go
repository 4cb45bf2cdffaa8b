// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package link

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/chirplink"
	"golang.org/x/time/rate"
)

// Throttle returns a link that forwards to l, limiting the rate at which
// data are sent to bytesPerSec, with bursts of up to burst bytes. A send
// that cannot complete within its timeout at that rate reports an error
// wrapping chirplink.ErrSendTimeout.
func Throttle(l chirplink.Link, bytesPerSec, burst int) chirplink.Link {
	if burst <= 0 {
		burst = l.BlockSize()
	}
	return throttled{Link: l, lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

type throttled struct {
	chirplink.Link
	lim *rate.Limiter
}

func (t throttled) Send(data []byte, timeout time.Duration) (int, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var nw int
	for len(data) > 0 {
		n := min(len(data), t.lim.Burst())
		if err := t.lim.WaitN(ctx, n); err != nil {
			return nw, fmt.Errorf("throttle: %v: %w", err, chirplink.ErrSendTimeout)
		}
		ns, err := t.Link.Send(data[:n], timeout)
		nw += ns
		if err != nil {
			return nw, err
		}
		data = data[n:]
	}
	return nw, nil
}

func (t throttled) SharedBuffer() []byte { return sharedBuffer(t.Link) }

// A Fault decides the fate of the data passed to the nth call to Send on a
// faulty link, counting from 1. It returns the data to deliver, which may be
// modified, or nil to discard them. A Fault may modify data in place.
type Fault func(n int, data []byte) []byte

// Faulty returns a link that forwards to l, passing the data of each send
// through f. The send reports success whatever f does with the data.
func Faulty(l chirplink.Link, f Fault) chirplink.Link {
	return &faulty{Link: l, fault: f}
}

type faulty struct {
	chirplink.Link
	fault Fault

	μ sync.Mutex
	n int
}

func (f *faulty) Send(data []byte, timeout time.Duration) (int, error) {
	f.μ.Lock()
	f.n++
	n := f.n
	f.μ.Unlock()

	out := f.fault(n, slices.Clone(data))
	if out == nil {
		return len(data), nil
	}
	if _, err := f.Link.Send(out, timeout); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (f *faulty) SharedBuffer() []byte { return sharedBuffer(f.Link) }

// Corrupt returns a Fault that flips the bits of the last byte of the sends
// whose numbers are listed.
func Corrupt(sends ...int) Fault {
	return func(n int, data []byte) []byte {
		if len(data) != 0 && slices.Contains(sends, n) {
			data[len(data)-1] ^= 0xff
		}
		return data
	}
}

// Drop returns a Fault that discards the sends whose numbers are listed.
func Drop(sends ...int) Fault {
	return func(n int, data []byte) []byte {
		if slices.Contains(sends, n) {
			return nil
		}
		return data
	}
}

// CorruptEvery returns a Fault that flips the bits of the last byte of every
// send of at least minLen bytes.
func CorruptEvery(minLen int) Fault {
	return func(_ int, data []byte) []byte {
		if len(data) >= minLen && len(data) != 0 {
			data[len(data)-1] ^= 0xff
		}
		return data
	}
}

func sharedBuffer(l chirplink.Link) []byte {
	if s, ok := l.(chirplink.SharedLink); ok {
		return s.SharedBuffer()
	}
	return nil
}
