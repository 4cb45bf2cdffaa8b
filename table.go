// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import (
	"context"
	"fmt"
)

// Proc is the index of a procedure in a procedure table.
type Proc int16

// ProcNone is the index reported when a procedure does not exist.
const ProcNone Proc = -1

// tableBlock is the number of entries by which a procedure table grows.
const tableBlock = 64

// A Handler processes a call from the remote peer. A handler can obtain the
// engine from its context argument using the ContextEngine helper.
//
// The code returned by a handler is reported to the caller as the result of
// the call. If the handler reports an error, the code is ResultError unless
// the error implements a ResultCode() int32 method, in which case that value
// is used. Additional values for the caller may be added with Request.Return.
type Handler func(context.Context, *Request) (int32, error)

// Metadata describes a procedure to a peer that asks about it.
type Metadata struct {
	ArgTypes string // a description of the argument types
	Info     string // free-form documentation
}

// ProcInfo is the description of a remote procedure.
type ProcInfo struct {
	Name string
	Metadata
}

// entry is a single slot in a procedure table. A slot with an empty name is
// unused. Slots are never removed.
type entry struct {
	name    string
	handler Handler   // nil if the procedure is not callable locally
	remote  Proc      // the index of the procedure at the peer
	meta    *Metadata // nil if not provided
}

// A Table maps procedure names to indices. A zero Table is empty and ready
// for use; it allocates storage in blocks on first use.
type Table struct {
	slots []entry
	grows int
}

// NewTable constructs an empty table with one block of slots.
func NewTable() *Table { return &Table{slots: make([]entry, tableBlock)} }

// Len reports the number of slots in use.
func (t *Table) Len() int {
	var n int
	for _, e := range t.slots {
		if e.name != "" {
			n++
		}
	}
	return n
}

// Cap reports the number of slots allocated.
func (t *Table) Cap() int { return len(t.slots) }

// Grows reports the number of times t has grown.
func (t *Table) Grows() int { return t.grows }

// Lookup returns the index of the named procedure, or ProcNone.
func (t *Table) Lookup(name string) Proc {
	if name == "" {
		return ProcNone
	}
	for i, e := range t.slots {
		if e.name == name {
			return Proc(i)
		}
	}
	return ProcNone
}

// Register adds the named procedure to t, or updates its handler and
// metadata if it is already present, and returns its index. A nil handler
// registers a procedure that can be called by name on the peer but is not
// callable locally.
func (t *Table) Register(name string, h Handler, md *Metadata) (Proc, error) {
	if name == "" {
		return ProcNone, fmt.Errorf("register: empty procedure name")
	}
	p := t.Lookup(name)
	if p == ProcNone {
		i := t.firstEmpty()
		if i >= maxProcs {
			return ProcNone, fmt.Errorf("register %q: table is full (%d procedures)", name, maxProcs)
		}
		p = Proc(i)
		t.slots[p] = entry{name: name, remote: ProcNone}
	}
	e := &t.slots[p]
	e.handler = h
	if md != nil {
		e.meta = md
	}
	return p, nil
}

// maxProcs is the number of indices representable by a Proc.
const maxProcs = 1 << 15

// firstEmpty returns the index of the first unused slot, growing t by one
// block if every slot is in use.
func (t *Table) firstEmpty() int {
	for i, e := range t.slots {
		if e.name == "" {
			return i
		}
	}
	n := len(t.slots)
	grown := make([]entry, n+tableBlock)
	copy(grown, t.slots)
	t.slots = grown
	if n != 0 {
		t.grows++
	}
	return n
}

// Names returns the names of the procedures in t, in index order.
func (t *Table) Names() []string {
	var out []string
	for _, e := range t.slots {
		if e.name != "" {
			out = append(out, e.name)
		}
	}
	return out
}

// enumerate records that the peer refers to the named procedure by index
// remote, and returns its local index or ProcNone.
func (t *Table) enumerate(name string, remote Proc) Proc {
	p := t.Lookup(name)
	if p != ProcNone {
		t.slots[p].remote = remote
	}
	return p
}

// entry returns the slot for p, or nil if p is out of range or unused.
func (t *Table) entry(p Proc) *entry {
	if p < 0 || int(p) >= len(t.slots) || t.slots[p].name == "" {
		return nil
	}
	return &t.slots[p]
}

// Remote reports the index by which the peer refers to the procedure at
// local index p, or ProcNone if the peer has not said.
func (t *Table) Remote(p Proc) Proc {
	if e := t.entry(p); e != nil {
		return e.remote
	}
	return ProcNone
}

// setRemote records that the peer refers to the procedure at local index p
// by index remote.
func (t *Table) setRemote(p, remote Proc) {
	if e := t.entry(p); e != nil {
		e.remote = remote
	}
}
