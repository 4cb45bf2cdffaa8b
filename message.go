// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/creachadair/chirplink/packet"
)

// MsgType is the type byte of a message header.
//
// The high bits of the type are flags. For intrinsic messages, the low bits
// select which built-in procedure is called.
type MsgType byte

const (
	MsgCall      MsgType = 0x80 // a call expecting a response
	MsgResponse  MsgType = 0x40 // the response to a call
	MsgIntrinsic MsgType = 0x20 // a built-in procedure of the protocol
	MsgData      MsgType = 0x10 // a one-shot call that has no response

	// Intrinsic calls. These are addressed to procedure 0.
	MsgEnumerate     = MsgCall | MsgIntrinsic | 0 // map a name to a procedure index
	MsgInit          = MsgCall | MsgIntrinsic | 1 // connection handshake
	MsgEnumerateInfo = MsgCall | MsgIntrinsic | 2 // describe a procedure

	intrinsicMask MsgType = 0x0f
)

// IsCall reports whether t expects a response.
func (t MsgType) IsCall() bool { return t&MsgCall != 0 }

// IsResponse reports whether t is a response.
func (t MsgType) IsResponse() bool { return t&MsgResponse != 0 }

// IsIntrinsic reports whether t addresses a built-in procedure.
func (t MsgType) IsIntrinsic() bool { return t&MsgIntrinsic != 0 }

func (t MsgType) String() string {
	switch t {
	case MsgEnumerate:
		return "ENUMERATE"
	case MsgInit:
		return "INIT"
	case MsgEnumerateInfo:
		return "ENUMERATE_INFO"
	case MsgCall:
		return "CALL"
	case MsgData:
		return "DATA"
	case MsgResponse:
		return "RESPONSE"
	}
	if t.IsResponse() && t.IsIntrinsic() {
		return (t&^MsgResponse | MsgCall).String() + "_RESPONSE"
	}
	return fmt.Sprintf("TYPE:0x%02x", byte(t))
}

// Header is the fixed header of a message.
type Header struct {
	Type MsgType
	Proc Proc   // the procedure index at the receiver
	Len  uint32 // the payload length in bytes
}

const headerSize = 8 // type, pad, proc, length

// encode writes the header to the front of buf.
func (h Header) encode(buf []byte) {
	buf[0] = byte(h.Type)
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:], uint16(h.Proc))
	binary.LittleEndian.PutUint32(buf[4:], h.Len)
}

// decodeHeader decodes a header from the front of buf.
func decodeHeader(buf []byte) Header {
	return Header{
		Type: MsgType(buf[0]),
		Proc: Proc(binary.LittleEndian.Uint16(buf[2:])),
		Len:  binary.LittleEndian.Uint32(buf[4:]),
	}
}

func (h Header) String() string {
	return fmt.Sprintf("Header(%v, proc=%d, len=%d)", h.Type, h.Proc, h.Len)
}

// A MessageLogger logs a message exchanged with the remote peer.
type MessageLogger func(msg MessageInfo)

// A MessageInfo combines a message header and payload with a flag indicating
// whether the message was sent or received. The payload is only valid for
// the duration of the logger call.
type MessageInfo struct {
	Header
	Payload []byte
	Sent    bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	flags := packet.ParseFlag(0)
	if m.Type.IsResponse() {
		flags |= packet.ParseResponse
	}
	args, err := packet.Parse(m.Payload, 0, flags)
	if err != nil {
		return fmt.Sprintf("%v %v [%d bytes, %v]", m.dir(), m.Header, len(m.Payload), err)
	}
	strs := make([]string, len(args))
	for i, a := range args {
		strs[i] = a.String()
	}
	return fmt.Sprintf("%v %v (%s)", m.dir(), m.Header, strings.Join(strs, ", "))
}

// Result codes reported by the intrinsic procedures and by dispatch when no
// more specific code applies.
const (
	ResultOK    int32 = 0
	ResultError int32 = -1
)

// Request is an inbound call delivered to a [Handler].
type Request struct {
	Type MsgType
	Proc Proc
	Args []packet.Arg // valid until the handler returns

	ret []packet.Value
}

// Scan decodes the arguments of the request. See [packet.Scan].
func (r *Request) Scan(into ...any) error { return packet.Scan(r.Args, into...) }

// Return adds values to the response sent to the caller, following the result
// code. Multiple calls append. Values added to a one-shot call are discarded.
func (r *Request) Return(vals ...packet.Value) { r.ret = append(r.ret, vals...) }

func (r *Request) String() string {
	return fmt.Sprintf("Request(%v, proc=%d, %d args)", r.Type, r.Proc, len(r.Args))
}

// Response is the result of a synchronous call.
type Response struct {
	Code int32        // the result code reported by the remote handler
	Args []packet.Arg // additional values returned by the remote handler
}

// Scan decodes the returned values of the response. See [packet.Scan].
func (r *Response) Scan(into ...any) error { return packet.Scan(r.Args, into...) }

func (r *Response) String() string {
	return fmt.Sprintf("Response(code=%d, %d args)", r.Code, len(r.Args))
}
