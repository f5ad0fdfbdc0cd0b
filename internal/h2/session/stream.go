package session

import (
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// StreamState tracks one stream's position in its lifecycle.
type StreamState int

const (
	StateAwaitingHeaders StreamState = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
	StateDestroyed
)

func (s StreamState) String() string {
	switch s {
	case StateAwaitingHeaders:
		return "awaiting-headers"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosed:
		return "closed"
	default:
		return "destroyed"
	}
}

// pendingWrite is one queued outbound byte range, optionally carrying a
// completion handle. The stream owns it until the outbound batch consumes
// its bytes.
type pendingWrite struct {
	data []byte
	done WriteDone
}

// Stream is one request/response (or push) exchange multiplexed on a
// Session. All methods must run on the session's event-loop goroutine.
type Stream struct {
	sess *Session
	id   uint32

	state StreamState

	// Lifecycle flags. Single-goroutine by the session's execution model;
	// these are not cross-thread synchronization.
	shutdown     bool
	destroyed    bool
	finalized    bool
	wantTrailers bool
	rstPending   bool

	code http2.ErrCode

	// Inbound header accumulation.
	collecting  bool
	category    HeadersCategory
	headers     []hpack.HeaderField
	headerBytes int

	// Outbound payload queue. available counts bytes queued but not yet
	// consumed by the codec.
	queue     []pendingWrite
	available int

	started time.Time
}

func newStream(sess *Session, id uint32, state StreamState) *Stream {
	return &Stream{
		sess:    sess,
		id:      id,
		state:   state,
		started: time.Now(),
	}
}

// ID returns the stream's wire identifier.
func (st *Stream) ID() uint32 { return st.id }

// State returns the current lifecycle state.
func (st *Stream) State() StreamState { return st.state }

// Session returns the owning session.
func (st *Stream) Session() *Session { return st.sess }

func (st *Stream) writable() bool {
	if st.shutdown || st.destroyed {
		return false
	}
	return st.state != StateClosed && st.state != StateHalfClosedLocal
}

// StartHeaders resets the header accumulator for a new block. Memory charged
// to the previous block is released here, so a block stays accounted until
// the next one begins or the stream is finalized.
func (st *Stream) StartHeaders(category HeadersCategory) error {
	if st.destroyed {
		return ErrEndOfStream
	}
	if st.headerBytes > 0 {
		st.sess.mem.release(st.headerBytes)
	}
	st.category = category
	// Fresh storage per block: the previous block's slice has been handed to
	// the application and must not be overwritten by this one.
	st.headers = nil
	st.headerBytes = 0
	st.collecting = true
	return nil
}

// AddHeader appends one pair to the accumulator. It returns false when the
// pair-count limit, the per-block byte limit, or the session memory budget
// would be exceeded; the caller resets the stream in that case.
func (st *Stream) AddHeader(name, value string, sensitive bool) bool {
	if !st.collecting || st.destroyed {
		return false
	}
	cost := len(name) + len(value) + headerPairOverhead
	if uint32(len(st.headers)) >= st.sess.opts.MaxHeaderListPairs {
		return false
	}
	if !st.sess.mem.has(cost) {
		return false
	}
	st.sess.mem.add(cost)
	st.headerBytes += cost
	st.headers = append(st.headers, hpack.HeaderField{Name: name, Value: value, Sensitive: sensitive})
	return true
}

// endHeaders closes the accumulator and returns the collected block.
func (st *Stream) endHeaders() []hpack.HeaderField {
	st.collecting = false
	return st.headers
}

// Write queues a byte range for transmission and charges its length to the
// session budget. done, if non-nil, fires once when the bytes have been
// written out (nil), canceled (ErrWriteCanceled), or failed. Returns
// ErrEndOfStream without queueing if the stream is no longer writable.
func (st *Stream) Write(p []byte, done WriteDone) error {
	if !st.writable() {
		return ErrEndOfStream
	}
	st.queue = append(st.queue, pendingWrite{data: p, done: done})
	st.available += len(p)
	st.sess.mem.add(len(p))
	st.sess.resumeStream(st)
	return nil
}

// Shutdown marks that no more writes will be queued. With an empty queue the
// codec observes end-of-stream on its next poll.
func (st *Stream) Shutdown() error {
	if st.destroyed {
		return ErrEndOfStream
	}
	st.shutdown = true
	st.sess.resumeStream(st)
	return nil
}

// SubmitRstStream resets the stream with code. If a transport write is in
// flight the submission is deferred until it completes, so data already
// handed to the transport is not truncated by a reset overtaking it.
func (st *Stream) SubmitRstStream(code http2.ErrCode) {
	if st.destroyed {
		return
	}
	st.code = code
	if st.sess.writeInFlight {
		st.rstPending = true
		st.sess.addPendingRst(st.id)
		return
	}
	st.flushRstStream()
}

func (st *Stream) flushRstStream() {
	if st.destroyed {
		return
	}
	st.rstPending = false
	st.sess.codec.SubmitRstStream(st.id, st.code)
}

// SubmitPriority sends an advisory PRIORITY frame for this stream.
func (st *Stream) SubmitPriority(pri http2.PriorityParam) error {
	if st.destroyed {
		return ErrEndOfStream
	}
	err := st.sess.codec.SubmitPriority(st.id, pri)
	st.sess.MaybeScheduleWrite()
	return err
}

// Respond submits the response header block (server role).
func (st *Stream) Respond(headers []hpack.HeaderField, opts StreamOptions) error {
	if st.destroyed {
		return ErrEndOfStream
	}
	if err := st.sess.codec.SubmitResponse(st.id, headers, opts); err != nil {
		return err
	}
	st.shutdown = st.shutdown || opts.EndStream
	st.wantTrailers = opts.WantTrailers
	st.sess.MaybeScheduleWrite()
	return nil
}

// Info submits an informational (1xx) header block ahead of the response.
func (st *Stream) Info(headers []hpack.HeaderField) error {
	if st.destroyed {
		return ErrEndOfStream
	}
	if err := st.sess.codec.SubmitInfo(st.id, headers); err != nil {
		return err
	}
	st.sess.MaybeScheduleWrite()
	return nil
}

// SubmitTrailers sends the trailing header block after a wants-trailers
// event. An empty block degrades to a bare end-of-stream signal.
func (st *Stream) SubmitTrailers(trailers []hpack.HeaderField) error {
	if st.destroyed {
		return ErrEndOfStream
	}
	if err := st.sess.codec.SubmitTrailers(st.id, trailers); err != nil {
		return err
	}
	st.sess.MaybeScheduleWrite()
	return nil
}

// PushPromise reserves a server-initiated stream against this one.
func (st *Stream) PushPromise(headers []hpack.HeaderField) (*Stream, error) {
	return st.sess.pushPromise(st, headers)
}

// Consume replenishes inbound flow-control credit after the application has
// processed n payload bytes delivered by the data callback.
func (st *Stream) Consume(n int) {
	if st.destroyed || n <= 0 {
		return
	}
	st.sess.codec.Consume(st.id, n)
	st.sess.MaybeScheduleWrite()
}

// close records the terminal error code. Resources are not freed here;
// Destroy handles that.
func (st *Stream) close(code http2.ErrCode) {
	if st.state == StateClosed || st.state == StateDestroyed {
		return
	}
	st.code = code
	st.state = StateClosed
	st.sess.stats.noteStreamClosed(time.Since(st.started))
}

// Destroy is idempotent. It flushes a still-pending reset, detaches the
// stream from the session, and defers freeing the outbound queue to the next
// scheduling turn: a Destroy may originate from deep inside codec callback
// processing, and the queued buffers may sit in an in-flight outbound batch.
func (st *Stream) Destroy() {
	if st.destroyed {
		return
	}
	if st.rstPending {
		st.flushRstStream()
	}
	st.destroyed = true
	st.state = StateDestroyed
	st.sess.removeStream(st)
	st.sess.sched.Defer(st.finalize)
}

// finalize frees the queue once no in-flight transport write references this
// stream, re-deferring itself while one does.
func (st *Stream) finalize() {
	if st.finalized {
		return
	}
	if st.sess.hasWritesInFlightFor(st.id) {
		st.sess.sched.Defer(st.finalize)
		return
	}
	st.finalized = true
	st.sess.mem.release(streamMemoryCost)
	if st.headerBytes > 0 {
		st.sess.mem.release(st.headerBytes)
		st.headerBytes = 0
	}
	st.sess.mem.release(st.available)
	st.available = 0
	q := st.queue
	st.queue = nil
	for _, pw := range q {
		if pw.done != nil {
			pw.done(ErrWriteCanceled)
		}
	}
}

// provideData answers one codec poll for outbound payload. Zero-length queue
// entries complete immediately: an empty write is how the application waits
// for a ready-to-send-more signal without sending bytes.
func (st *Stream) provideData(want int) DataChunk {
	for len(st.queue) > 0 && len(st.queue[0].data) == 0 {
		pw := st.queue[0]
		st.queue = st.queue[1:]
		if pw.done != nil {
			pw.done(nil)
		}
	}
	n := st.available
	if n > want {
		n = want
	}
	if n == 0 {
		if !st.shutdown {
			return DataChunk{Deferred: true}
		}
		st.localClose()
		return DataChunk{EndStream: true, WantTrailers: st.wantTrailers}
	}
	eof := st.shutdown && n == st.available
	if eof {
		st.localClose()
	}
	return DataChunk{Length: n, EndStream: eof, WantTrailers: eof && st.wantTrailers}
}

func (st *Stream) localClose() {
	switch st.state {
	case StateOpen, StateAwaitingHeaders:
		st.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		st.state = StateClosed
	}
}

func (st *Stream) remoteClose() {
	switch st.state {
	case StateOpen, StateAwaitingHeaders:
		st.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		st.state = StateClosed
	}
}
