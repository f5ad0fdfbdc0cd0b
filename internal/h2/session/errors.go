package session

import "errors"

// Admission errors: the request is refused and no state was mutated.
var (
	ErrTooManyStreams  = errors.New("h2: concurrent stream limit reached")
	ErrOutOfMemory     = errors.New("h2: session memory budget exhausted")
	ErrHeaderBudget    = errors.New("h2: header budget exceeded")
	ErrTooManyPings    = errors.New("h2: too many outstanding pings")
	ErrTooManySettings = errors.New("h2: too many outstanding settings")
)

// Protocol and lifecycle errors.
var (
	// ErrUnsolicitedAck is connection-fatal: a PING or SETTINGS
	// acknowledgement arrived with no outstanding request to match it.
	ErrUnsolicitedAck = errors.New("h2: acknowledgement with no outstanding request")

	ErrSessionClosed = errors.New("h2: session closed")

	// ErrEndOfStream is returned by Stream.Write once the stream can no
	// longer accept outbound data.
	ErrEndOfStream = errors.New("h2: stream not writable")

	// ErrWriteCanceled completes a queued write whose stream or session was
	// destroyed before the bytes reached the transport. It is a cancellation
	// signal, not a failure to report upward.
	ErrWriteCanceled = errors.New("h2: queued write canceled")
)

// Frame-not-sent causes. The codec reports one of these (or any other error)
// through OnFrameNotSent when a submitted frame is dropped before it reaches
// the wire.
var (
	ErrSessionClosing = errors.New("h2: frame not sent, session closing")
	ErrStreamClosed   = errors.New("h2: frame not sent, stream closed")
	ErrStreamClosing  = errors.New("h2: frame not sent, stream closing")
)

// teardownCauses is the explicit allow-list of frame-not-sent causes that are
// expected during teardown and therefore swallowed instead of reported.
var teardownCauses = []error{ErrSessionClosing, ErrStreamClosed, ErrStreamClosing}

func isTeardownCause(err error) bool {
	for _, c := range teardownCauses {
		if errors.Is(err, c) {
			return true
		}
	}
	return false
}
