// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import "time"

// Options control the behaviour of an [Engine]. A nil *Options is ready for
// use and provides default values as described on each field.
type Options struct {
	// HintInterested, if true, means the engine keeps argument hints sent by
	// the peer. Otherwise hints are discarded when messages are parsed.
	HintInterested bool

	// MaxNak is the number of consecutive rejected chunks after which a
	// receive gives up. If zero, a default of 3 is used.
	MaxNak int

	// Retries is the number of times a message is sent before the engine
	// gives up and drops the connection. It also bounds the number of times
	// a chunk is resent for want of an acknowledgement. If zero, a default
	// of 3 is used.
	Retries int

	// HeaderTimeout bounds the wait for the start of a message, and for the
	// acknowledgement of a header. If zero, a default of 1s is used.
	HeaderTimeout time.Duration

	// DataTimeout bounds the wait for each data chunk and its
	// acknowledgement. If zero, a default of 500ms is used.
	DataTimeout time.Duration

	// IdleTimeout bounds the wait for the remainder of a message whose start
	// has been received. If zero, a default of 500ms is used.
	IdleTimeout time.Duration

	// SendTimeout bounds each write to the link. If zero, a default of 1s
	// is used.
	SendTimeout time.Duration

	// ProcCacheSize is the number of remote procedure indices cached by name.
	// If zero, a default of 64 is used. If negative, no cache is used.
	ProcCacheSize int

	// OnInit, if set, is called for each connection handshake: after a
	// handshake started by Connect succeeds, or before the engine replies to
	// a handshake started by the peer. It may use the engine to look up
	// remote procedures. An error from OnInit during a handshake started by
	// the peer is reported to the peer as the result of the handshake.
	OnInit func(*Engine) error

	// LogMessages, if set, is called for each message sent or received.
	LogMessages MessageLogger

	// Logf, if set, is called to log diagnostic events.
	Logf func(msg string, args ...any)
}

func (o *Options) hintInterested() bool { return o != nil && o.HintInterested }

func (o *Options) maxNak() int {
	if o == nil || o.MaxNak <= 0 {
		return 3
	}
	return o.MaxNak
}

func (o *Options) retries() int {
	if o == nil || o.Retries <= 0 {
		return 3
	}
	return o.Retries
}

func (o *Options) headerTimeout() time.Duration { return o.timeout(o.get().HeaderTimeout, time.Second) }
func (o *Options) dataTimeout() time.Duration   { return o.timeout(o.get().DataTimeout, 500*time.Millisecond) }
func (o *Options) idleTimeout() time.Duration   { return o.timeout(o.get().IdleTimeout, 500*time.Millisecond) }
func (o *Options) sendTimeout() time.Duration   { return o.timeout(o.get().SendTimeout, time.Second) }

func (o *Options) procCacheSize() int {
	if o == nil || o.ProcCacheSize == 0 {
		return 64
	}
	return o.ProcCacheSize
}

func (o *Options) onInit() func(*Engine) error {
	if o == nil {
		return nil
	}
	return o.OnInit
}

func (o *Options) logMessages() MessageLogger {
	if o == nil {
		return nil
	}
	return o.LogMessages
}

func (o *Options) logf(msg string, args ...any) {
	if o != nil && o.Logf != nil {
		o.Logf(msg, args...)
	}
}

func (o *Options) get() Options {
	if o == nil {
		return Options{}
	}
	return *o
}

func (*Options) timeout(v, dflt time.Duration) time.Duration {
	if v <= 0 {
		return dflt
	}
	return v
}
