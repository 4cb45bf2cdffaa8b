// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package chirplink implements the chirp remote procedure call protocol.
//
// Chirp connects two peers, typically a small device and a host, over a raw
// byte link that may be slow, lossy, or deliver data in chunks. Either peer
// may register procedures and call the procedures registered by the other.
// Calls are synchronous, blocking for a response while continuing to serve
// calls from the peer, or one-shot, expecting no response.
//
// # Engines
//
// The core type defined by this package is the [Engine]. An engine owns a
// procedure table and a single message buffer, and exchanges messages with
// its peer over a [Link].
//
// To create a new engine and attach it to a link:
//
//	e := chirplink.NewEngine(nil).Attach(lnk)
//
// One of the two peers then performs the connection handshake:
//
//	if err := e.Connect(); err != nil {
//	   log.Fatalf("Connect failed: %v", err)
//	}
//
// The other peer serves calls, either by calling [Engine.Run] to block until
// the link closes, or by calling [Engine.Service] periodically to handle the
// messages that have arrived.
//
// # Links
//
// The [Link] interface defines the ability to send and receive bytes with a
// timeout. A link that corrects errors itself reports the [ErrorCorrected]
// flag, and messages are sent on it as single frames. Otherwise each message
// is sent as a checksummed header followed by numbered data chunks, each
// acknowledged by the receiver. A rejected chunk is resent, and a receiver
// gives up after Options.MaxNak consecutive rejections.
//
// The link package provides some basic implementations of this interface.
//
// # Procedures
//
// Procedures are identified by name, and each peer assigns its own index to
// each procedure it knows. To register a local procedure:
//
//	func add(ctx context.Context, req *chirplink.Request) (int32, error) {
//	   var a, b int32
//	   if err := req.Scan(&a, &b); err != nil {
//	      return 0, err
//	   }
//	   req.Return(packet.Int32(a + b))
//	   return chirplink.ResultOK, nil
//	}
//
//	e.Register("add", add, nil)
//
// To call a procedure on the peer, first look up its remote index with
// [Engine.GetProc], then call it with arguments built by the packet package:
//
//	p, err := e.GetProc("add", nil)
//	if err != nil {
//	   log.Fatalf("GetProc failed: %v", err)
//	}
//	rsp, err := e.Call(p, packet.Int32(3), packet.Int32(4))
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//	var sum int32
//	if err := rsp.Scan(&sum); err != nil {
//	   log.Fatalf("Bad response: %v", err)
//	}
//
// Errors returned by Call have concrete type [*CallError].
//
// # Callbacks
//
// A handler may call back to procedures of the peer. To do so, the handler
// uses [ContextEngine] to obtain the local engine and calls it as usual. The
// peer serves the callback while it waits for its original call to finish.
//
// # Metrics
//
// Each engine maintains a collection of metrics. Use the [Engine.Metrics]
// method to obtain an [expvar.Map] containing them:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - naks_sent: counter of chunks rejected by this engine
//   - naks_received: counter of chunks rejected by the peer
//   - send_retries: counter of messages resent after a failed send
//   - calls_in: counter of inbound calls received
//   - calls_in_failed: counter of inbound calls resulting in errors
//   - calls_out: counter of outbound calls sent
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - buffer_grows: counter of message buffer reallocations
//   - disconnects: counter of connections dropped after send failures
package chirplink
