// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing engines.
package peers

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/chirplink"
	"github.com/creachadair/chirplink/link"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of engines connected by an in-memory link, suitable for
// testing. Engine B runs in its own goroutine and serves calls; engine A
// belongs to the caller.
type Local struct {
	A *chirplink.Engine
	B *chirplink.Engine

	stop func() error
}

// NewLocal attaches a and b to the ends of an in-memory pipe with the given
// configuration, and starts b serving calls. Register procedures on b before
// calling NewLocal, since b is not safe to use concurrently once it runs.
// The caller must call Stop when finished with the pair.
func NewLocal(cfg link.Config, a, b *chirplink.Engine) *Local {
	la, lb := link.Pipe(cfg)
	return StartLocal(a.Attach(la), b.Attach(lb))
}

// StartLocal starts b serving calls on its link, and returns a Local for a
// and b. The engines must already be attached to the ends of a link.
func StartLocal(a, b *chirplink.Engine) *Local {
	run := taskgroup.Go(func() error { return b.Run(context.Background()) })
	return &Local{
		A: a,
		B: b,
		stop: sync.OnceValue(func() error {
			aerr := a.Link().Close()
			if berr := run.Wait(); berr != nil {
				return berr
			}
			return aerr
		}),
	}
}

// Connect performs the connection handshake from A.
func (p *Local) Connect() error { return p.A.Connect() }

// Stop closes the link between the engines and blocks until B has exited.
// It reports the error returned by B's Run method, if any. Subsequent calls
// to Stop report the same result.
func (p *Local) Stop() error { return p.stop() }

// An Accepter accepts links from peers.
type Accepter interface {
	Accept(context.Context) (chirplink.Link, error)
}

// Loop accepts links from acc and runs an engine on each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// The newEngine function is called once per link to construct an unattached
// engine with its procedures registered. When ctx terminates, the links of
// all running engines are closed. When acc closes, the loop waits for
// running engines to exit before returning.
func Loop(ctx context.Context, acc Accepter, newEngine func() *chirplink.Engine) error {
	g := taskgroup.New(nil)
	for {
		lnk, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			e := newEngine().Attach(lnk)
			go func() { <-sctx.Done(); lnk.Close() }()
			return e.Run(sctx)
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Each accepted
// connection is wrapped as a stream link with the given configuration.
func NetAccepter(lst net.Listener, cfg link.Config) Accepter {
	return netAccepter{Listener: lst, cfg: cfg}
}

type netAccepter struct {
	net.Listener
	cfg link.Config
}

func (n netAccepter) Accept(ctx context.Context) (chirplink.Link, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return link.Stream(conn, n.cfg), nil
}
