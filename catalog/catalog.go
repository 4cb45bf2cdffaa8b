// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines named collections of procedures for use with a
// chirplink.Engine. A Catalog gathers procedure handlers and their metadata
// so that they can be registered on an engine together, and can describe
// the procedures offered by a remote peer.
//
// # Usage
//
// Construct a new empty catalog and add procedures to it:
//
//	cat := catalog.New().
//	   Handle("add", handleAdd).
//	   Describe("add", "i,i", "add two integers")
//
// To register the procedures of a catalog with an engine, use Bind and
// Register. Procedures are registered in lexicographic order of name, so
// that registering the same catalog always assigns the same indices:
//
//	if err := cat.Bind(e).Register(); err != nil {
//	   log.Fatalf("Register: %v", err)
//	}
//
// On an engine that wants to call these procedures, use Call:
//
//	rsp, err := cat.Bind(e).Call("add", packet.Int32(3), packet.Int32(4))
//
// To discover the procedures offered by the peer of a connected engine, use
// Fetch. The resulting catalog has metadata but no handlers:
//
//	remote, err := catalog.Fetch(e)
//
// A Catalog provides a Handler method that can be registered on an engine to
// send the encoded catalog to a caller:
//
//	e.Register("catalog", cat.Handler, nil)
package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/creachadair/chirplink"
	"github.com/creachadair/chirplink/packet"
)

// A Proc is a single procedure in a catalog.
type Proc struct {
	Name    string
	Handler chirplink.Handler // nil if not callable locally
	chirplink.Metadata
}

// A Catalog associates an engine with a collection of named procedures.
type Catalog struct {
	engine *chirplink.Engine
	procs  map[string]*Proc
}

// New creates a new empty, unbound catalog. It is safe to copy the resulting
// value, all copies share a reference to the same procedures.
func New() Catalog { return Catalog{procs: make(map[string]*Proc)} }

// Add adds the given procedures to c, replacing any existing procedures with
// the same names, and returns c to allow chaining.
//
// The procedures of a catalog are shared among all copies of it. It is not
// safe to modify c while it is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Add(procs ...Proc) Catalog {
	for _, p := range procs {
		c.procs[p.Name] = &p
	}
	return c
}

func (c Catalog) proc(name string) *Proc {
	p, ok := c.procs[name]
	if !ok {
		p = &Proc{Name: name}
		c.procs[name] = p
	}
	return p
}

// Handle sets the handler for the named procedure, adding the procedure if
// necessary, and returns c to allow chaining.
func (c Catalog) Handle(name string, h chirplink.Handler) Catalog {
	c.proc(name).Handler = h
	return c
}

// Describe sets the metadata for the named procedure, adding the procedure
// if necessary, and returns c to allow chaining.
func (c Catalog) Describe(name, argTypes, info string) Catalog {
	c.proc(name).Metadata = chirplink.Metadata{ArgTypes: argTypes, Info: info}
	return c
}

// Bind returns a copy of c bound to the specified engine.
func (c Catalog) Bind(e *chirplink.Engine) Catalog { return Catalog{engine: e, procs: c.procs} }

// Engine returns the engine associated with c, or nil if c is unbound.
func (c Catalog) Engine() *chirplink.Engine { return c.engine }

// Len reports the number of procedures in c.
func (c Catalog) Len() int { return len(c.procs) }

// Names returns the names of the procedures in c in lexicographic order.
func (c Catalog) Names() []string { return slices.Sorted(maps.Keys(c.procs)) }

// Lookup returns the named procedure, and reports whether it was found.
func (c Catalog) Lookup(name string) (Proc, bool) {
	if p, ok := c.procs[name]; ok {
		return *p, true
	}
	return Proc{}, false
}

// Register registers every procedure in c with the bound engine, in
// lexicographic order of name. A procedure without a handler is registered
// so that it can be named by the peer, but cannot be called locally.
// Register will panic if c is not bound to an engine.
func (c Catalog) Register() error {
	if c.engine == nil {
		panic("catalog is not bound to an engine")
	}
	for _, name := range c.Names() {
		p := c.procs[name]
		var md *chirplink.Metadata
		if p.ArgTypes != "" || p.Info != "" {
			md = &p.Metadata
		}
		if _, err := c.engine.Register(name, p.Handler, md); err != nil {
			return err
		}
	}
	return nil
}

// Call calls the named procedure on the peer of the bound engine.
// Call will panic if c is not bound to an engine.
func (c Catalog) Call(name string, vals ...packet.Value) (*chirplink.Response, error) {
	return c.engine.CallName(name, vals...)
}

// Fetch constructs an unbound catalog describing the procedures offered by
// the peer of e, by querying each remote index in turn until the peer
// reports that no procedure exists. The procedures of the result have no
// handlers.
func Fetch(e *chirplink.Engine) (Catalog, error) {
	c := New()
	for p := chirplink.Proc(0); p >= 0; p++ {
		info, err := e.ProcInfo(p)
		if errors.Is(err, chirplink.ErrDispatch) {
			break
		} else if err != nil {
			return Catalog{}, err
		}
		c.Add(Proc{Name: info.Name, Metadata: info.Metadata})
	}
	return c, nil
}

// Encode encodes c in binary format.
//
// The wire format of the catalog comprises the procedures of the catalog in
// lexicographic order of name. Each procedure is encoded as its name, its
// argument types, and its info string, in that order. Each string is encoded
// as a big-endian uint16 length followed by that many bytes.
func (c Catalog) Encode() []byte {
	if len(c.procs) == 0 {
		return nil
	}
	var buf []byte
	putString := func(s string) {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	for _, name := range c.Names() {
		p := c.procs[name]
		putString(name)
		putString(p.ArgTypes)
		putString(p.Info)
	}
	return buf
}

// Decode decodes data as a Catalog payload, replacing the contents of c.
// The decoded procedures have no handlers.
func (c *Catalog) Decode(data []byte) error {
	if c.procs == nil {
		c.procs = make(map[string]*Proc)
	} else {
		clear(c.procs)
	}
	pos := 0
	getString := func() (string, error) {
		if pos+2 > len(data) {
			return "", fmt.Errorf("truncated catalog at offset %d", pos)
		}
		n := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+n > len(data) {
			return "", fmt.Errorf("truncated string at offset %d", pos)
		}
		s := string(data[pos : pos+n])
		pos += n
		return s, nil
	}
	for pos < len(data) {
		var p Proc
		var err error
		if p.Name, err = getString(); err != nil {
			return err
		}
		if p.ArgTypes, err = getString(); err != nil {
			return err
		}
		if p.Info, err = getString(); err != nil {
			return err
		}
		c.Add(p)
	}
	return nil
}

// Handler is a Handler that returns the encoded contents of the catalog as a
// byte array.
func (c Catalog) Handler(_ context.Context, req *chirplink.Request) (int32, error) {
	req.Return(packet.Bytes(c.Encode()))
	return chirplink.ResultOK, nil
}
