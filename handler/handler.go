// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the chirplink.Handler type for
// functions with other signatures.
//
// Parameters may be any type whose pointer is supported by [packet.Scan], a
// type whose pointer implements the ArgUnmarshaler interface, or a type whose
// pointer supports one of the encoding.BinaryUnmarshaler (from a byte array)
// or encoding.TextUnmarshaler (from a string) interfaces.
//
// Results may be a packet.Value or []packet.Value, a scalar or slice type
// with a corresponding packet constructor, a string, or any type that
// supports one of the encoding.BinaryMarshaler or encoding.TextMarshaler
// interfaces.
//
// An error reported by an adapted function is reported to the caller as the
// result code of the call, as described by chirplink.Handler.
package handler

import (
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/chirplink"
	"github.com/creachadair/chirplink/packet"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *chirplink.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*chirplink.Request)
	}
	return nil
}

// ArgUnmarshaler is implemented by types that decode themselves from the
// arguments of a request.
type ArgUnmarshaler interface {
	UnmarshalArgs([]packet.Arg) error
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a chirplink.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) chirplink.Handler {
	return func(ctx context.Context, req *chirplink.Request) (int32, error) {
		var p P
		if err := unmarshal(req.Args, &p); err != nil {
			return chirplink.ResultError, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return chirplink.ResultError, err
		}
		return reply(req, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a chirplink.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) chirplink.Handler {
	return func(ctx context.Context, req *chirplink.Request) (int32, error) {
		var p P
		if err := unmarshal(req.Args, &p); err != nil {
			return chirplink.ResultError, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return reply(req, f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a chirplink.Handler.
func ParamError[P any](f func(context.Context, P) error) chirplink.Handler {
	return func(ctx context.Context, req *chirplink.Request) (int32, error) {
		var p P
		if err := unmarshal(req.Args, &p); err != nil {
			return chirplink.ResultError, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		if err := f(hctx, p); err != nil {
			return chirplink.ResultError, err
		}
		return chirplink.ResultOK, nil
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a chirplink.Handler.
func ResultError[R any](f func(context.Context) (R, error)) chirplink.Handler {
	return func(ctx context.Context, req *chirplink.Request) (int32, error) {
		if err := packet.Scan(req.Args); err != nil {
			return chirplink.ResultError, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return chirplink.ResultError, err
		}
		return reply(req, r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a chirplink.Handler.
func ResultOnly[R any](f func(context.Context) R) chirplink.Handler {
	return func(ctx context.Context, req *chirplink.Request) (int32, error) {
		if err := packet.Scan(req.Args); err != nil {
			return chirplink.ResultError, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return reply(req, f(hctx))
	}
}

// Code adapts a function f that accepts parameters of type P and returns a
// result code, to a chirplink.Handler.
func Code[P any](f func(context.Context, P) int32) chirplink.Handler {
	return func(ctx context.Context, req *chirplink.Request) (int32, error) {
		var p P
		if err := unmarshal(req.Args, &p); err != nil {
			return chirplink.ResultError, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx, p), nil
	}
}

// reply adds the encoding of r to the response for req.
func reply(req *chirplink.Request, r any) (int32, error) {
	vals, err := marshal(r)
	if err != nil {
		return chirplink.ResultError, err
	}
	req.Return(vals...)
	return chirplink.ResultOK, nil
}

// unmarshal decodes args into v. If v implements ArgUnmarshaler, it is
// given all the arguments. Otherwise if v implements one of the
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces, args
// must comprise a single byte array or string respectively. If v implements
// both, BinaryUnmarshaler is preferred. Any other v is passed to packet.Scan.
func unmarshal(args []packet.Arg, v any) error {
	switch t := v.(type) {
	case ArgUnmarshaler:
		return t.UnmarshalArgs(args)
	case encoding.BinaryUnmarshaler:
		var data []byte
		if err := packet.Scan(args, &data); err != nil {
			return err
		}
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		var s string
		if err := packet.Scan(args, &s); err != nil {
			return err
		}
		return t.UnmarshalText([]byte(s))
	default:
		return packet.Scan(args, v)
	}
}

// marshal encodes v as response values. As a special case, a nil v has no
// values.
func marshal(v any) ([]packet.Value, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case packet.Value:
		return []packet.Value{t}, nil
	case []packet.Value:
		return t, nil
	case int8:
		return one(packet.Int8(t))
	case uint8:
		return one(packet.Uint8(t))
	case bool:
		return one(packet.Bool(t))
	case int16:
		return one(packet.Int16(t))
	case uint16:
		return one(packet.Uint16(t))
	case int32:
		return one(packet.Int32(t))
	case uint32:
		return one(packet.Uint32(t))
	case float32:
		return one(packet.Float32(t))
	case string:
		return one(packet.String(t))
	case []byte:
		return one(packet.Bytes(t))
	case []int8:
		return one(packet.Int8s(t))
	case []int16:
		return one(packet.Int16s(t))
	case []uint16:
		return one(packet.Uint16s(t))
	case []int32:
		return one(packet.Int32s(t))
	case []uint32:
		return one(packet.Uint32s(t))
	case []float32:
		return one(packet.Float32s(t))
	case encoding.BinaryMarshaler:
		data, err := t.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return one(packet.Bytes(data))
	case encoding.TextMarshaler:
		text, err := t.MarshalText()
		if err != nil {
			return nil, err
		}
		return one(packet.String(string(text)))
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

func one(v packet.Value) ([]packet.Value, error) { return []packet.Value{v}, nil }
