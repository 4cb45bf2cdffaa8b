// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirplink

import "time"

// A Link is a raw byte transport shared by two peers. A link may lose or
// corrupt data, and may deliver it in pieces of any size.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver, but an [Engine] only uses a link from one
// goroutine at a time.
type Link interface {
	// Send transmits all of data to the remote peer, blocking for at most
	// timeout. It reports the number of bytes sent. If not all of data could
	// be sent before the timeout, it reports an error wrapping ErrSendTimeout.
	Send(data []byte, timeout time.Duration) (int, error)

	// Receive fills buf with data from the remote peer, blocking for at most
	// timeout. A timeout of 0 means to return immediately if no data are
	// available. If buf cannot be filled before the timeout, Receive reports
	// the number of bytes read and an error wrapping ErrRecvTimeout.
	Receive(buf []byte, timeout time.Duration) (int, error)

	// BlockSize reports the preferred chunk size for data sent on the link.
	BlockSize() int

	// Flags reports the capabilities of the link.
	Flags() LinkFlags

	// Close closes the link. Pending and subsequent operations on the link
	// report an error wrapping net.ErrClosed.
	Close() error
}

// LinkFlags describe the capabilities of a [Link].
type LinkFlags int

const (
	// ErrorCorrected indicates the link delivers data intact and in order, so
	// messages are sent as single frames without checksums or acknowledgement.
	ErrorCorrected LinkFlags = 1 << iota

	// SharedMemory indicates the peers share a region of memory holding the
	// message buffer, so only the leading header region is transmitted.
	// A link with this flag must implement [SharedLink].
	SharedMemory
)

func (f LinkFlags) String() string {
	switch f {
	case 0:
		return "chunked"
	case ErrorCorrected:
		return "error-corrected"
	case SharedMemory:
		return "chunked+shared"
	case ErrorCorrected | SharedMemory:
		return "error-corrected+shared"
	}
	return "invalid"
}

// A SharedLink is a [Link] whose peers share a region of memory.
type SharedLink interface {
	Link

	// SharedBuffer returns the shared memory region. Messages are assembled
	// in place in this region, which never grows.
	SharedBuffer() []byte
}
