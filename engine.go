// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"

	"github.com/creachadair/chirplink/packet"
	lru "github.com/hashicorp/golang-lru"
)

// State is the connection state of an [Engine].
type State int

const (
	StateUnattached   State = iota // no link
	StateAttached                  // link attached, handshake not complete
	StateInitializing              // handshake in progress
	StateConnected                 // handshake complete
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "UNATTACHED"
	case StateAttached:
		return "ATTACHED"
	case StateInitializing:
		return "INITIALIZING"
	case StateConnected:
		return "CONNECTED"
	}
	return fmt.Sprintf("STATE:%d", int(s))
}

// An Engine is one end of a chirp connection. It owns a procedure table and
// a single message buffer, and exchanges messages with the remote peer over
// a [Link].
//
// Construct an engine with NewEngine, register procedures with Register,
// and call Attach to give it a link. Either peer may then call Connect to
// perform the connection handshake, after which both peers may look up and
// call each other's procedures.
//
// An Engine is not safe for concurrent use by multiple goroutines. A
// synchronous call dispatches inbound calls that arrive while it waits for
// its response, so handlers may themselves call the engine.
type Engine struct {
	opts  *Options
	link  Link
	wire  *wire
	frame framer
	buf   *packet.Buffer

	procs      *Table
	state      State
	remoteInit bool // the peer is initializing the connection
	peerHints  bool // the peer wants argument hints
	cache      *lru.Cache
	grows      int // buffer growth already counted

	metrics *engineMetrics
}

// NewEngine constructs a new unattached engine with the given options.
// A nil *Options provides default values.
func NewEngine(opts *Options) *Engine {
	e := &Engine{
		opts:    opts,
		procs:   NewTable(),
		metrics: newEngineMetrics(),
	}
	if n := opts.procCacheSize(); n > 0 {
		c, err := lru.New(n)
		if err != nil {
			panic(fmt.Sprintf("procedure cache: %v", err))
		}
		e.cache = c
	}
	return e
}

// Attach attaches the engine to l and returns e to permit chaining. The
// framing used depends on the flags of l. Attach panics if e is already
// attached, or if l reports shared memory without implementing SharedLink.
func (e *Engine) Attach(l Link) *Engine {
	if e.link != nil {
		panic("engine is already attached")
	}
	flags := l.Flags()
	hlen := headerSize
	if flags&ErrorCorrected != 0 {
		hlen += 4 // start code
	}
	if flags&SharedMemory != 0 {
		sl, ok := l.(SharedLink)
		if !ok {
			panic("shared memory link does not implement SharedLink")
		}
		mem := sl.SharedBuffer()
		if len(mem) < maxHeaderLen+packet.BufPad {
			panic(fmt.Sprintf("shared buffer too small (%d bytes)", len(mem)))
		}
		e.buf = packet.NewSharedBuffer(hlen, mem)
	} else {
		e.buf = packet.NewBuffer(hlen)
	}

	blk := l.BlockSize()
	if blk <= 0 {
		blk = maxHeaderLen
	}
	e.link = l
	e.wire = &wire{link: l, buf: e.buf, opts: e.opts, m: e.metrics, blk: blk}
	if flags&ErrorCorrected != 0 {
		e.frame = fullFramer{wire: e.wire, shared: e.buf.Shared()}
	} else {
		e.frame = &chunkFramer{wire: e.wire}
	}
	e.grows = 0
	e.state = StateAttached
	return e
}

// Link returns the link attached to e, or nil.
func (e *Engine) Link() Link { return e.link }

// State reports the connection state of e.
func (e *Engine) State() State { return e.state }

// Connected reports whether the connection handshake has completed and the
// connection has not since been dropped.
func (e *Engine) Connected() bool { return e.state == StateConnected }

// RemoteInit reports whether the peer is currently initializing the
// connection. It is true only while an OnInit hook runs for a handshake the
// peer started.
func (e *Engine) RemoteInit() bool { return e.remoteInit }

// PeerWantsHints reports whether the peer asked to receive argument hints.
func (e *Engine) PeerWantsHints() bool { return e.peerHints }

// BlockSize reports the chunk size used for data sent on the link.
func (e *Engine) BlockSize() int {
	if e.wire == nil {
		return 0
	}
	return e.wire.blk
}

// PreBufLen reports the buffer offset at which the first array following a
// packet.UseBuffer marker had to be stored, as recorded by the most recent
// call that failed because the array was not already there.
func (e *Engine) PreBufLen() int {
	if e.buf == nil {
		return 0
	}
	return e.buf.PreBufLen()
}

// Procs returns the procedure table of e.
func (e *Engine) Procs() *Table { return e.procs }

// Metrics returns a metrics map for the engine. It is safe for the caller to
// add additional metrics to the map.
func (e *Engine) Metrics() *expvar.Map { return e.metrics.emap }

// Register adds a local procedure with the given name, handler, and optional
// metadata, replacing any handler already registered with that name. It
// returns the local index of the procedure.
func (e *Engine) Register(name string, h Handler, md *Metadata) (Proc, error) {
	return e.procs.Register(name, h, md)
}

// Call calls the remote procedure at index proc with the given arguments,
// and blocks until its response arrives. Inbound calls that arrive while
// waiting are dispatched. An error reported by Call has concrete type
// *CallError.
//
// The response arguments are not affected by subsequent use of e.
func (e *Engine) Call(proc Proc, vals ...packet.Value) (*Response, error) {
	return e.call(MsgCall, proc, true, vals)
}

// CallAsync calls the remote procedure at index proc with the given
// arguments, without waiting for or requesting a response. An error reported
// by CallAsync has concrete type *CallError.
func (e *Engine) CallAsync(proc Proc, vals ...packet.Value) error {
	_, err := e.call(MsgData, proc, false, vals)
	return err
}

// CallName looks up the named remote procedure and calls it as Call does.
func (e *Engine) CallName(name string, vals ...packet.Value) (*Response, error) {
	p, err := e.GetProc(name, nil)
	if err != nil {
		return nil, err
	}
	return e.Call(p, vals...)
}

func (e *Engine) call(typ MsgType, proc Proc, sync bool, vals []packet.Value) (_ *Response, err error) {
	e.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			e.metrics.callOutErr.Add(1)
			err = &CallError{Type: typ, Proc: proc, Err: err}
		}
	}()

	if e.link == nil {
		return nil, fmt.Errorf("engine is not attached: %w", ErrNotConnected)
	} else if !typ.IsIntrinsic() && e.state != StateConnected {
		return nil, ErrNotConnected
	}

	e.buf.Reset()
	defer e.buf.Restore()
	err = e.buf.Assemble(vals...)
	e.countGrows()
	if err != nil {
		return nil, err
	}
	if err := e.sendRetry(Header{Type: typ, Proc: proc, Len: uint32(e.buf.Len())}); err != nil {
		return nil, err
	}
	if !sync {
		return nil, nil
	}

	for {
		h, err := e.recvMessage(true)
		if err != nil {
			return nil, err
		}
		if h.Type.IsResponse() {
			break
		}
		if err := e.dispatch(h); err != nil {
			if treatErrorAsSuccess(err) {
				return nil, err
			}
			e.opts.logf("dispatch %v while waiting: %v", h, err)
		}
	}

	args, err := e.parse(packet.ParseResponse)
	if err != nil {
		return nil, err
	}
	return &Response{Code: args[0].Int32(), Args: args[1:]}, nil
}

// parse parses a copy of the message in the buffer.
func (e *Engine) parse(flags packet.ParseFlag) ([]packet.Arg, error) {
	if !e.opts.hintInterested() {
		flags |= packet.SkipHints
	}
	return packet.Parse(bytes.Clone(e.buf.Bytes()), e.buf.HeaderLen(), flags)
}

// sendRetry sends the message in the buffer, retrying if the send fails.
// If every attempt fails, the connection is dropped.
func (e *Engine) sendRetry(h Header) error {
	var err error
	for i := range e.opts.retries() {
		if i > 0 {
			e.metrics.sendRetry.Add(1)
			e.opts.logf("resend %v (attempt %d): %v", h, i+1, err)
		}
		if err = e.frame.send(h); err == nil || treatErrorAsSuccess(err) {
			break
		}
	}
	if err == nil {
		e.metrics.msgSent.Add(1)
		if log := e.opts.logMessages(); log != nil {
			log(MessageInfo{Header: h, Payload: e.buf.Payload(), Sent: true})
		}
	}
	e.buf.Restore()
	if err != nil {
		e.disconnect(err)
	}
	return err
}

// recvMessage receives a message into the buffer.
func (e *Engine) recvMessage(wait bool) (Header, error) {
	h, err := e.frame.recv(wait)
	e.countGrows()
	if err != nil {
		return Header{}, err
	}
	e.metrics.msgRecv.Add(1)
	if log := e.opts.logMessages(); log != nil {
		log(MessageInfo{Header: h, Payload: e.buf.Payload(), Sent: false})
	}
	return h, nil
}

func (e *Engine) countGrows() {
	if n := e.buf.Grows(); n > e.grows {
		e.metrics.bufferGrows.Add(int64(n - e.grows))
		e.grows = n
	}
}

// disconnect drops the connection after a failure to send.
func (e *Engine) disconnect(err error) {
	if e.state == StateConnected {
		e.metrics.disconnects.Add(1)
		e.opts.logf("connection dropped: %v", err)
	}
	if e.state != StateUnattached {
		e.state = StateAttached
	}
	if e.cache != nil {
		e.cache.Purge()
	}
}

// dispatch handles the message in the buffer, and sends a response if the
// message is a call. It reports an error if the message could not be
// handled, or if the handler failed.
func (e *Engine) dispatch(h Header) (err error) {
	if h.Type.IsResponse() {
		e.metrics.msgDropped.Add(1)
		return fmt.Errorf("unexpected %v: %w", h.Type, ErrDispatch)
	}
	e.metrics.callIn.Add(1)
	defer func() {
		if err != nil {
			e.metrics.callInErr.Add(1)
		}
	}()

	req := &Request{Type: h.Type, Proc: h.Proc}
	var code int32
	var herr error
	req.Args, herr = e.parse(0)
	if herr == nil {
		if h.Type.IsIntrinsic() {
			code, herr = e.handleIntrinsic(req)
		} else {
			code, herr = e.invoke(req)
		}
	}
	if herr != nil {
		code = resultCode(herr)
		if errors.Is(herr, ErrDispatch) || errors.Is(herr, ErrParse) {
			e.metrics.msgDropped.Add(1)
		}
	}

	if h.Type.IsCall() {
		to := Proc(0)
		if !h.Type.IsIntrinsic() {
			to = e.procs.Remote(h.Proc)
		}
		if err := e.respond(h.Type, to, code, req.ret); err != nil {
			return err
		}
	}
	return herr
}

// respond sends a response with the given result code and values.
func (e *Engine) respond(typ MsgType, to Proc, code int32, ret []packet.Value) error {
	e.buf.Reset()
	defer e.buf.Restore()

	if err := e.buf.SetLen(4); err != nil { // room for the result code
		return err
	}
	err := e.buf.Assemble(ret...)
	e.countGrows()
	if err != nil {
		e.opts.logf("encoding response values: %v", err)
		e.buf.Reset()
		if err := e.buf.SetLen(4); err != nil {
			return err
		}
		code = ResultError
	}
	binary.LittleEndian.PutUint32(e.buf.Payload(), uint32(code))
	return e.sendRetry(Header{
		Type: MsgResponse | typ&^MsgCall,
		Proc: to,
		Len:  uint32(e.buf.Len()),
	})
}

// invoke calls the local handler for req.
func (e *Engine) invoke(req *Request) (code int32, err error) {
	ent := e.procs.entry(req.Proc)
	if ent == nil || ent.handler == nil {
		return ResultError, fmt.Errorf("procedure %d: %w", req.Proc, ErrDispatch)
	}
	name, handler := ent.name, ent.handler

	// Ensure a panic out of the handler is turned into a graceful response.
	defer func() {
		if x := recover(); x != nil {
			code, err = ResultError, fmt.Errorf("handler %q panicked (recovered): %v", name, x)
		}
	}()
	ctx := context.WithValue(context.Background(), engineContextKey{}, e)
	return handler(ctx, req)
}

// Run services inbound calls until ctx ends or the link closes. Errors
// receiving or dispatching individual messages are logged and do not stop
// the loop. Run reports nil if the link closed, and otherwise the error that
// stopped it.
func (e *Engine) Run(ctx context.Context) error {
	if e.link == nil {
		return fmt.Errorf("engine is not attached: %w", ErrNotConnected)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := e.recvMessage(true)
		if err != nil {
			if treatErrorAsSuccess(err) {
				return nil
			} else if !isProtocolError(err) {
				return err
			}
			if !isTimeout(err) {
				e.opts.logf("receive: %v", err)
			}
			continue
		}
		if err := e.dispatch(h); err != nil {
			if treatErrorAsSuccess(err) {
				return nil
			}
			e.opts.logf("dispatch %v: %v", h, err)
		}
	}
}

// Service handles any calls that have already begun to arrive, without
// waiting for new ones, and reports the number of messages handled. It
// reports an error only if receiving a message failed for a reason other
// than a timeout.
func (e *Engine) Service() (int, error) {
	if e.link == nil {
		return 0, fmt.Errorf("engine is not attached: %w", ErrNotConnected)
	}
	var n int
	for {
		h, err := e.recvMessage(false)
		if isTimeout(err) {
			return n, nil
		} else if err != nil {
			return n, err
		}
		if err := e.dispatch(h); err != nil {
			e.opts.logf("dispatch %v: %v", h, err)
		}
		n++
	}
}

// isProtocolError reports whether err affects only a single message.
func isProtocolError(err error) bool {
	return isTimeout(err) ||
		errors.Is(err, ErrChecksum) ||
		errors.Is(err, ErrMaxNak) ||
		errors.Is(err, ErrParse) ||
		errors.Is(err, ErrMemory)
}

type engineContextKey struct{}

// ContextEngine returns the Engine associated with the given context, or nil
// if none is defined. The context passed to a Handler has this value.
func ContextEngine(ctx context.Context) *Engine {
	if v := ctx.Value(engineContextKey{}); v != nil {
		return v.(*Engine)
	}
	return nil
}
