// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/chirplink"
	"github.com/creachadair/chirplink/link"
	"github.com/creachadair/chirplink/packet"
	"github.com/creachadair/chirplink/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, link.Config{BlockSize: 32})

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(*link.StreamLink); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, (*link.StreamLink)(nil))
			}
			if got := c.BlockSize(); got != 32 {
				t.Errorf("BlockSize: got %d, want 32", got)
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, link.Config{})
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			lnk, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", lnk)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	b := chirplink.NewEngine(nil)
	b.Register("echo", slowEcho, nil)
	loc := peers.NewLocal(link.Config{}, chirplink.NewEngine(nil), b)
	if err := loc.Connect(); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	rsp, err := loc.A.CallName("echo", packet.String("hello"))
	if err != nil {
		t.Fatalf("Call echo: unexpected error: %v", err)
	}
	var got string
	if err := rsp.Scan(&got); err != nil || got != "hello" {
		t.Errorf("Call echo: got (%q, %v), want hello", got, err)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst, link.Config{}), func() *chirplink.Engine {
			e := chirplink.NewEngine(nil)
			e.Register("echo", slowEcho, nil)
			return e
		})
	})
	t.Log("Started engine loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for i := range numClients {
		g.Go(func() error {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			e := chirplink.NewEngine(nil).Attach(link.Stream(conn, link.Config{}))
			defer e.Link().Close()

			if err := e.Connect(); err != nil {
				return fmt.Errorf("client %d: connect: %w", i+1, err)
			}
			for j := range numCalls {
				msg := fmt.Sprintf("client %d call %d", i+1, j+1)
				rsp, err := e.CallName("echo", packet.String(msg))
				if err != nil {
					t.Errorf("Call %d: %v", j+1, err)
					continue
				}
				var got string
				if err := rsp.Scan(&got); err != nil || got != msg {
					t.Errorf("Call %d: got (%q, %v), want %q", j+1, got, err, msg)
				}
			}
			return nil
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func slowEcho(ctx context.Context, req *chirplink.Request) (int32, error) {
	time.Sleep(7 * time.Millisecond)
	var s string
	if err := req.Scan(&s); err != nil {
		return chirplink.ResultError, err
	}
	req.Return(packet.String(s))
	return chirplink.ResultOK, nil
}
