// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/chirplink/packet"
)

// Errors reported by the engine and by links. Errors are wrapped with
// additional context, so use errors.Is to check for them.
var (
	// ErrParse indicates a malformed argument list or message.
	ErrParse = packet.ErrParse

	// ErrMemory indicates a message buffer could not grow.
	ErrMemory = packet.ErrMemory

	// ErrChecksum indicates a chunk failed its checksum, or the peer
	// rejected a chunk.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrMaxNak indicates the receiver gave up after too many rejected
	// chunks in a row.
	ErrMaxNak = errors.New("too many rejected chunks")

	// ErrSendTimeout indicates data could not be sent in time.
	ErrSendTimeout = errors.New("send timeout")

	// ErrRecvTimeout indicates data did not arrive in time.
	ErrRecvTimeout = errors.New("receive timeout")

	// ErrNotConnected indicates an ordinary call was attempted before the
	// connection handshake succeeded, or after the connection was lost.
	ErrNotConnected = errors.New("not connected")

	// ErrDispatch indicates a message named a procedure that does not exist
	// or has no local handler.
	ErrDispatch = errors.New("dispatch failed")
)

// CallError is the concrete type of errors reported by the Call method of an
// [Engine] for a call that could not be completed.
type CallError struct {
	Type MsgType
	Proc Proc
	Err  error
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	return fmt.Sprintf("call %v %d: %v", c.Type, c.Proc, c.Err)
}

// resultCoder is an extension interface an error may implement to override the
// result code reported for the error.
type resultCoder interface{ ResultCode() int32 }

// ErrorCode is an error that reports a specific result code to the caller.
// A handler may return an ErrorCode to fail with a code other than
// ResultError.
type ErrorCode int32

func (e ErrorCode) Error() string     { return fmt.Sprintf("result code %d", int32(e)) }
func (e ErrorCode) ResultCode() int32 { return int32(e) }

// resultCode returns the result code reported for a handler error.
func resultCode(err error) int32 {
	var rc resultCoder
	if err == nil {
		return ResultOK
	} else if errors.As(err, &rc) {
		return rc.ResultCode()
	}
	return ResultError
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// isTimeout reports whether err is a link timeout.
func isTimeout(err error) bool {
	return errors.Is(err, ErrRecvTimeout) || errors.Is(err, ErrSendTimeout)
}
