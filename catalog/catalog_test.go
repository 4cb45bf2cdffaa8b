// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/chirplink"
	"github.com/creachadair/chirplink/catalog"
	"github.com/creachadair/chirplink/link"
	"github.com/creachadair/chirplink/packet"
	"github.com/creachadair/chirplink/peers"
	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"
)

func add(_ context.Context, req *chirplink.Request) (int32, error) {
	var a, b int32
	if err := req.Scan(&a, &b); err != nil {
		return chirplink.ResultError, err
	}
	req.Return(packet.Int32(a + b))
	return chirplink.ResultOK, nil
}

func echo(_ context.Context, req *chirplink.Request) (int32, error) {
	var s string
	if err := req.Scan(&s); err != nil {
		return chirplink.ResultError, err
	}
	req.Return(packet.String(s))
	return chirplink.ResultOK, nil
}

func newLocal(t *testing.T, cat catalog.Catalog) *peers.Local {
	t.Helper()
	b := chirplink.NewEngine(nil)
	if err := cat.Bind(b).Register(); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	a := chirplink.NewEngine(&chirplink.Options{
		LogMessages: func(msg chirplink.MessageInfo) { t.Logf("A: %v", msg) },
	})
	loc := peers.NewLocal(link.Config{}, a, b)
	t.Cleanup(func() { loc.Stop() })
	if err := loc.Connect(); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	return loc
}

func TestCatalogUsage(t *testing.T) {
	cat := catalog.New().
		Handle("echo", echo).
		Handle("add", add).
		Describe("add", "i,i", "add two integers").
		Add(catalog.Proc{Name: "remote-only"})

	// The original catalog does not have an engine.
	if got := cat.Engine(); got != nil {
		t.Errorf("cat.Engine: got %v, want nil", got)
	}
	t.Run("RegisterUnbound", func(t *testing.T) {
		mtest.MustPanic(t, func() { cat.Register() })
	})

	loc := newLocal(t, cat)

	ca := cat.Bind(loc.A)
	if got := ca.Engine(); got != loc.A {
		t.Errorf("ca.Engine: got %v, want %v", got, loc.A)
	}

	// Procedures are registered in name order.
	if diff := cmp.Diff([]string{"add", "echo", "remote-only"}, loc.B.Procs().Names()); diff != "" {
		t.Errorf("Registered names (-want, +got):\n%s", diff)
	}

	t.Run("Call", func(t *testing.T) {
		rsp, err := ca.Call("add", packet.Int32(3), packet.Int32(4))
		if err != nil {
			t.Fatalf("Call add: unexpected error: %v", err)
		}
		var sum int32
		if err := rsp.Scan(&sum); err != nil || sum != 7 {
			t.Errorf("Call add: got (%d, %v), want 7", sum, err)
		}

		rsp, err = ca.Call("echo", packet.String("hello"))
		if err != nil {
			t.Fatalf("Call echo: unexpected error: %v", err)
		}
		var s string
		if err := rsp.Scan(&s); err != nil || s != "hello" {
			t.Errorf("Call echo: got (%q, %v), want hello", s, err)
		}
	})

	t.Run("CallNoHandler", func(t *testing.T) {
		rsp, err := ca.Call("remote-only")
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if rsp.Code != chirplink.ResultError {
			t.Errorf("Call: got code %d, want %d", rsp.Code, chirplink.ResultError)
		}
	})

	t.Run("CallUnknown", func(t *testing.T) {
		rsp, err := ca.Call("nonesuch")
		if !errors.Is(err, chirplink.ErrDispatch) {
			t.Errorf("Call nonesuch: got (%v, %v), want %v", rsp, err, chirplink.ErrDispatch)
		}
	})

	t.Run("Fetch", func(t *testing.T) {
		remote, err := catalog.Fetch(loc.A)
		if err != nil {
			t.Fatalf("Fetch: unexpected error: %v", err)
		}
		if diff := cmp.Diff(cat.Names(), remote.Names()); diff != "" {
			t.Errorf("Fetch names (-want, +got):\n%s", diff)
		}
		got, ok := remote.Lookup("add")
		if !ok {
			t.Fatal("Lookup add: not found")
		}
		want := chirplink.Metadata{ArgTypes: "i,i", Info: "add two integers"}
		if diff := cmp.Diff(want, got.Metadata); diff != "" {
			t.Errorf("Metadata (-want, +got):\n%s", diff)
		}
		if got.Handler != nil {
			t.Error("Fetched procedure has a handler")
		}
	})
}

func TestCatalogEncoding(t *testing.T) {
	initCat := func() catalog.Catalog {
		return catalog.New().
			Describe("minsc", "s", "go for the eyes").
			Describe("boo", "", "").
			Describe("dynaheir", "i,f", "").
			Describe("viconia", "", "drow cleric")
	}
	checkEqual := func(t *testing.T, got, want catalog.Catalog) {
		t.Helper()
		if diff := cmp.Diff(got, want, cmp.AllowUnexported(catalog.Catalog{})); diff != "" {
			t.Fatalf("Catalog: (-got, +want):\n%s", diff)
		}
	}

	t.Run("Lookup", func(t *testing.T) {
		cat := initCat()
		if p, ok := cat.Lookup("minsc"); !ok || p.Info != "go for the eyes" {
			t.Errorf("Lookup minsc: got (%+v, %v)", p, ok)
		}
		if p, ok := cat.Lookup("nonesuch"); ok {
			t.Errorf("Lookup nonesuch: got %+v, want not found", p)
		}
		if got := cat.Len(); got != 4 {
			t.Errorf("Len: got %d, want 4", got)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		want := initCat()
		enc := want.Encode()
		t.Logf("Encoded catalog: %q", enc)
		var got catalog.Catalog
		if err := got.Decode(enc); err != nil {
			t.Fatalf("Decode catalog: unexpected error: %v", err)
		}
		checkEqual(t, got, want)
	})

	t.Run("Truncated", func(t *testing.T) {
		enc := initCat().Encode()
		var got catalog.Catalog
		if err := got.Decode(enc[:len(enc)-1]); err == nil {
			t.Errorf("Decode truncated: got %v, want error", got.Names())
		}
	})

	t.Run("Handler", func(t *testing.T) {
		cat := initCat()
		server := catalog.New().Handle("catalog", cat.Handler)
		loc := newLocal(t, server)

		rsp, err := loc.A.CallName("catalog")
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		var data []byte
		if err := rsp.Scan(&data); err != nil {
			t.Fatalf("Scan response: unexpected error: %v", err)
		}

		// Make sure we got the same set back.
		var got catalog.Catalog
		if err := got.Decode(data); err != nil {
			t.Fatalf("Decode response: unexpected error: %v", err)
		}
		checkEqual(t, got, cat)
	})
}
