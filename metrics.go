// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import "expvar"

// engineMetrics record engine activity counters.
type engineMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int // received messages that could not be dispatched
	nakSent     expvar.Int
	nakRecv     expvar.Int
	sendRetry   expvar.Int // messages resent after a failed send
	callIn      expvar.Int // number of inbound calls received
	callInErr   expvar.Int // number of inbound calls reporting an error
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	bufferGrows expvar.Int
	disconnects expvar.Int // connections dropped after send failures

	emap *expvar.Map
}

func newEngineMetrics() *engineMetrics {
	em := &engineMetrics{emap: new(expvar.Map)}
	em.emap.Set("messages_received", &em.msgRecv)
	em.emap.Set("messages_sent", &em.msgSent)
	em.emap.Set("messages_dropped", &em.msgDropped)
	em.emap.Set("naks_sent", &em.nakSent)
	em.emap.Set("naks_received", &em.nakRecv)
	em.emap.Set("send_retries", &em.sendRetry)
	em.emap.Set("calls_in", &em.callIn)
	em.emap.Set("calls_in_failed", &em.callInErr)
	em.emap.Set("calls_out", &em.callOut)
	em.emap.Set("calls_out_failed", &em.callOutErr)
	em.emap.Set("buffer_grows", &em.bufferGrows)
	em.emap.Set("disconnects", &em.disconnects)
	return em
}
