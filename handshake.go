// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import (
	"fmt"

	"github.com/creachadair/chirplink/packet"
)

// Connect performs the connection handshake with the peer. It sends the
// local block size and hint preference, and records the peer's hint
// preference from the reply. After a successful handshake Connect runs the
// OnInit hook, if one is set.
//
// If the peer is currently initializing the connection, Connect does nothing
// and returns nil, so an OnInit hook may call it unconditionally.
func (e *Engine) Connect() error {
	if e.remoteInit {
		return nil
	}
	if e.link == nil {
		return fmt.Errorf("engine is not attached: %w", ErrNotConnected)
	}
	e.state = StateInitializing
	if e.cache != nil {
		e.cache.Purge()
	}
	rsp, err := e.call(MsgInit, 0, true, []packet.Value{
		packet.Uint16(uint16(e.wire.blk)),
		packet.Bool(e.opts.hintInterested()),
	})
	if err != nil {
		e.state = StateAttached
		return err
	}
	var hints bool
	if err := rsp.Scan(&hints); err != nil {
		e.state = StateAttached
		return &CallError{Type: MsgInit, Err: err}
	}
	if rsp.Code != ResultOK {
		e.opts.logf("peer reported code %d for connection init", rsp.Code)
	}
	e.peerHints = hints
	e.state = StateConnected

	if f := e.opts.onInit(); f != nil {
		return f(e)
	}
	return nil
}

// handleIntrinsic handles a call to one of the built-in procedures.
func (e *Engine) handleIntrinsic(req *Request) (int32, error) {
	switch req.Type {
	case MsgEnumerate:
		var name string
		var remote int16
		if err := req.Scan(&name, &remote); err != nil {
			return ResultError, err
		}
		return int32(e.procs.enumerate(name, Proc(remote))), nil

	case MsgInit:
		var blk uint16
		var hints bool
		if err := req.Scan(&blk, &hints); err != nil {
			return ResultError, err
		}
		return e.handleInit(int(blk), hints, req)

	case MsgEnumerateInfo:
		var proc int16
		if err := req.Scan(&proc); err != nil {
			return ResultError, err
		}
		ent := e.procs.entry(Proc(proc))
		if ent == nil {
			req.Return(packet.String(""), packet.String(""), packet.String(""))
			return ResultError, nil
		} else if ent.meta == nil {
			req.Return(packet.String(ent.name), packet.String(""), packet.String(""))
			return ResultError, nil
		}
		req.Return(packet.String(ent.name), packet.String(ent.meta.ArgTypes), packet.String(ent.meta.Info))
		return ResultOK, nil
	}
	return ResultError, fmt.Errorf("intrinsic %v: %w", req.Type, ErrDispatch)
}

// handleInit handles a connection handshake started by the peer.
func (e *Engine) handleInit(blk int, peerHints bool, req *Request) (int32, error) {
	e.state = StateInitializing
	if e.cache != nil {
		e.cache.Purge()
	}
	var err error
	if f := e.opts.onInit(); f != nil {
		e.remoteInit = true
		err = f(e)
		e.remoteInit = false
	}
	e.state = StateConnected
	if blk > 0 {
		e.wire.blk = blk
	}
	e.peerHints = peerHints
	req.Return(packet.Bool(e.opts.hintInterested()))
	if err != nil {
		return resultCode(err), fmt.Errorf("connection init: %w", err)
	}
	return ResultOK, nil
}

// GetProc reports the index of the named procedure at the peer.
//
// If h != nil, the procedure is also registered locally with handler h, and
// the peer records the local index so that both tables agree on the
// procedure. If h == nil, the result may be served from a cache of earlier
// lookups, which is cleared when the connection is dropped or
// re-established.
//
// If the peer has no procedure with that name, GetProc reports an error
// wrapping ErrDispatch.
func (e *Engine) GetProc(name string, h Handler) (Proc, error) {
	if h == nil && e.cache != nil {
		if v, ok := e.cache.Get(name); ok {
			return v.(Proc), nil
		}
	}
	var local Proc
	if h != nil {
		p, err := e.procs.Register(name, h, nil)
		if err != nil {
			return ProcNone, err
		}
		local = p
	} else {
		local = e.procs.Lookup(name)
	}

	rsp, err := e.call(MsgEnumerate, 0, true, []packet.Value{
		packet.String(name),
		packet.Int16(int16(local)),
	})
	if err != nil {
		return ProcNone, err
	} else if rsp.Code < 0 || rsp.Code >= maxProcs {
		return ProcNone, fmt.Errorf("get procedure %q: %w", name, ErrDispatch)
	}
	remote := Proc(rsp.Code)
	e.procs.setRemote(local, remote)
	if e.cache != nil {
		e.cache.Add(name, remote)
	}
	return remote, nil
}

// ProcInfo reports the name and metadata of the procedure at index proc on
// the peer. If the peer has no such procedure, ProcInfo reports an error
// wrapping ErrDispatch. A procedure registered without metadata reports only
// its name.
func (e *Engine) ProcInfo(proc Proc) (ProcInfo, error) {
	rsp, err := e.call(MsgEnumerateInfo, 0, true, []packet.Value{packet.Int16(int16(proc))})
	if err != nil {
		return ProcInfo{}, err
	}
	var info ProcInfo
	if err := rsp.Scan(&info.Name, &info.ArgTypes, &info.Info); err != nil {
		return ProcInfo{}, &CallError{Type: MsgEnumerateInfo, Proc: proc, Err: err}
	}
	if info.Name == "" {
		return ProcInfo{}, fmt.Errorf("procedure %d: %w", proc, ErrDispatch)
	}
	return info, nil
}
