// Package session implements the HTTP/2 connection multiplexing engine: one
// Session per transport connection, owning the stream table, the memory
// budget, the outstanding PING/SETTINGS queues, and outbound batch assembly.
//
// The engine is single-threaded by construction: every method of Session and
// Stream must run on the connection's event-loop goroutine. The sending,
// writeScheduled, and writeInFlight flags guard re-entrancy within that
// goroutine; they are not cross-thread synchronization.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionClosing
	sessionClosed
)

// errDiscardHeaders tells the codec to drop the rest of a header block whose
// stream no longer exists.
var errDiscardHeaders = errors.New("h2: header block discarded")

// Callbacks is the application-facing event surface. Nil members are
// skipped; OnData's nil default consumes flow-control credit automatically.
type Callbacks struct {
	// OnHeaders delivers a complete header block in insertion order.
	OnHeaders func(st *Stream, category HeadersCategory, headers []hpack.HeaderField, endStream bool)

	// OnData delivers one inbound payload chunk. The installed callback
	// owns flow-control replenishment: call Stream.Consume once the bytes
	// are processed. When nil, credit is returned immediately.
	OnData func(st *Stream, p []byte, endStream bool)

	// OnDataReady signals that the codec polled the stream for payload and
	// found nothing queued: the stream is ready to send more.
	OnDataReady func(st *Stream)

	// OnStreamClose reports the terminal error code. Return true to take
	// ownership of the stream; the caller must then invoke Destroy itself.
	OnStreamClose func(st *Stream, code http2.ErrCode) bool

	// OnSettings reports that new peer settings are available.
	OnSettings func(entries []http2.Setting)

	OnGoaway   func(code http2.ErrCode, lastStreamID uint32, debug []byte)
	OnAltSvc   func(streamID uint32, origin, value string)
	OnPriority func(streamID uint32, pri http2.PriorityParam)

	// OnWantTrailers asks for the trailing header block once a
	// wants-trailers stream drains. When nil, an empty block is submitted,
	// degrading to a bare end-of-stream signal.
	OnWantTrailers func(st *Stream)

	// OnFrameError reports a frame that could not be sent, except for
	// causes expected during teardown, which are swallowed.
	OnFrameError func(streamID uint32, ft http2.FrameType, cause error)

	// OnError reports a connection-fatal condition exactly once. The
	// caller should close the session afterward.
	OnError func(err error)

	// OnStats receives the final counter snapshot when the session closes.
	OnStats func(Stats)

	// GetPadding serves the PaddingCallback strategy; the result is clamped
	// to [frameLen, maxPayloadLen].
	GetPadding func(frameLen, maxPayloadLen int) int
}

// Session owns one HTTP/2 connection end to end.
type Session struct {
	role Role
	opts Options
	cb   Callbacks

	codec     Codec
	transport Transport
	sched     Scheduler
	log       *log.Logger

	mem      memoryTracker
	streams  map[uint32]*Stream
	pings    pingQueue
	settings settingsQueue

	padFn paddingFunc

	// pendingRst holds stream ids whose RST_STREAM was deferred because a
	// transport write was in flight.
	pendingRst []uint32

	// lastProcessedStream is the highest remote-originated stream id seen,
	// the default GOAWAY last-stream-id.
	lastProcessedStream uint32

	state         sessionState
	readStopped   bool
	errorReported bool

	// Event-loop re-entrancy flags (see package comment).
	sending        bool
	writeScheduled bool
	writeInFlight  bool

	batch outboundBatch
	stats sessionStats
}

// New builds a session with opts resolved against role defaults. sched may
// be nil, in which case an internal Loop is created; the caller is then
// responsible for ticking it (see Scheduler()).
func New(role Role, opts Options, cb Callbacks, sched Scheduler, logger *log.Logger) *Session {
	if sched == nil {
		sched = &Loop{}
	}
	if logger == nil {
		logger = log.Default()
	}
	opts = opts.withDefaults(role)
	s := &Session{
		role:     role,
		opts:     opts,
		cb:       cb,
		sched:    sched,
		log:      logger,
		mem:      memoryTracker{limit: opts.MaxSessionMemory},
		streams:  make(map[uint32]*Stream),
		pings:    pingQueue{max: opts.MaxOutstandingPings},
		settings: settingsQueue{max: opts.MaxOutstandingSettings},
		padFn:    resolvePadding(opts.Padding, cb.GetPadding),
	}
	s.stats.start = time.Now()
	return s
}

// BindCodec attaches the frame codec. Must happen before any traffic.
func (s *Session) BindCodec(c Codec) { s.codec = c }

// BindTransport attaches the byte transport. A nil transport leaves the
// session able to queue but not send; gathered batches are canceled.
func (s *Session) BindTransport(t Transport) { s.transport = t }

// Role returns which side of the connection this session plays.
func (s *Session) Role() Role { return s.role }

// Scheduler returns the deferred-task scheduler in use.
func (s *Session) Scheduler() Scheduler { return s.sched }

// Options returns the frozen configuration.
func (s *Session) Options() Options { return s.opts }

// ActiveStreams returns the number of live streams.
func (s *Session) ActiveStreams() int { return len(s.streams) }

// CurrentMemory returns the advisory budget's current charge, in bytes.
func (s *Session) CurrentMemory() uint64 { return s.mem.current }

// Closing reports whether Close has been called.
func (s *Session) Closing() bool { return s.state != sessionOpen }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats { return s.stats.snapshot() }

// Stream looks up a live stream by id.
func (s *Session) Stream(id uint32) *Stream { return s.streams[id] }

// concurrentCeiling is the effective live-stream limit: the configured
// ceiling combined with the peer-advertised SETTINGS value via min().
func (s *Session) concurrentCeiling() uint32 {
	ceiling := s.opts.PeerMaxConcurrentStreams
	if c := s.codec.PeerMaxConcurrentStreams(); c < ceiling {
		ceiling = c
	}
	return ceiling
}

func (s *Session) canAddStream() bool {
	return uint32(len(s.streams)) < s.concurrentCeiling() && s.mem.has(streamMemoryCost)
}

func (s *Session) adoptStream(id uint32, state StreamState) *Stream {
	st := newStream(s, id, state)
	s.mem.add(streamMemoryCost)
	s.streams[id] = st
	s.stats.streamCount++
	if n := uint32(len(s.streams)); n > s.stats.maxConcurrent {
		s.stats.maxConcurrent = n
	}
	return st
}

func (s *Session) removeStream(st *Stream) {
	delete(s.streams, st.id)
}

func (s *Session) addPendingRst(id uint32) {
	s.pendingRst = append(s.pendingRst, id)
}

func (s *Session) hasWritesInFlightFor(id uint32) bool {
	if !s.writeInFlight {
		return false
	}
	_, ok := s.batch.streams[id]
	return ok
}

func (s *Session) resumeStream(st *Stream) {
	if st.destroyed {
		return
	}
	s.codec.ResumeData(st.id)
	s.MaybeScheduleWrite()
}

func (s *Session) remoteOriginated(id uint32) bool {
	if s.role == RoleServer {
		return id%2 == 1
	}
	return id%2 == 0
}

// fatal reports a connection-fatal condition to the application exactly
// once.
func (s *Session) fatal(err error) {
	if s.errorReported {
		return
	}
	s.errorReported = true
	if s.cb.OnError != nil {
		s.cb.OnError(err)
		return
	}
	s.log.Printf("h2: %s session error: %v", s.role, err)
}

// OpenStream originates a stream with the given request header block. It
// fails with ErrTooManyStreams at the concurrency ceiling and ErrOutOfMemory
// when the budget cannot admit another stream; on success the stream is open
// and awaiting the peer's response.
func (s *Session) OpenStream(headers []hpack.HeaderField, pri *http2.PriorityParam, opts StreamOptions) (*Stream, error) {
	if s.state != sessionOpen {
		return nil, ErrSessionClosed
	}
	if s.role != RoleClient {
		return nil, fmt.Errorf("h2: server sessions originate streams via push promise")
	}
	if uint32(len(s.streams)) >= s.concurrentCeiling() {
		return nil, ErrTooManyStreams
	}
	if !s.mem.has(streamMemoryCost) {
		return nil, ErrOutOfMemory
	}
	id, err := s.codec.SubmitRequest(headers, pri, opts)
	if err != nil {
		return nil, err
	}
	st := s.adoptStream(id, StateOpen)
	st.shutdown = opts.EndStream
	st.wantTrailers = opts.WantTrailers
	s.MaybeScheduleWrite()
	return st, nil
}

// pushPromise reserves a server-initiated stream against parent.
func (s *Session) pushPromise(parent *Stream, headers []hpack.HeaderField) (*Stream, error) {
	if s.state != sessionOpen {
		return nil, ErrSessionClosed
	}
	if s.role != RoleServer {
		return nil, fmt.Errorf("h2: only server sessions push")
	}
	if uint32(len(s.streams)) >= s.concurrentCeiling() {
		return nil, ErrTooManyStreams
	}
	if !s.mem.has(streamMemoryCost) {
		return nil, ErrOutOfMemory
	}
	id, err := s.codec.SubmitPushPromise(parent.id, headers)
	if err != nil {
		return nil, err
	}
	// Reserved (local): the peer cannot send on a promised stream.
	st := s.adoptStream(id, StateHalfClosedRemote)
	s.MaybeScheduleWrite()
	return st, nil
}

// SetNextStreamID pins the next locally-originated stream id. Valid only
// before the first local stream.
func (s *Session) SetNextStreamID(id uint32) error {
	return s.codec.SetNextStreamID(id)
}

// Ping submits one PING round trip. A zero payload is replaced by the
// submission timestamp's 8-byte encoding. Fails with ErrTooManyPings at the
// outstanding-queue bound and ErrOutOfMemory under budget pressure; either
// way done is not retained.
func (s *Session) Ping(payload [8]byte, done PingDone) error {
	if s.state != sessionOpen {
		return ErrSessionClosed
	}
	if s.pings.len() >= s.pings.max {
		return ErrTooManyPings
	}
	if !s.mem.has(pingMemoryCost) {
		return ErrOutOfMemory
	}
	if payload == ([8]byte{}) {
		binary.LittleEndian.PutUint64(payload[:], uint64(time.Now().UnixNano()))
	}
	if err := s.codec.SubmitPing(payload); err != nil {
		return err
	}
	s.pings.add(done)
	s.mem.add(pingMemoryCost)
	s.MaybeScheduleWrite()
	return nil
}

// Settings submits a SETTINGS frame and tracks its acknowledgement.
func (s *Session) Settings(entries []http2.Setting, done SettingsDone) error {
	if s.state != sessionOpen {
		return ErrSessionClosed
	}
	if s.settings.len() >= s.settings.max {
		return ErrTooManySettings
	}
	if !s.mem.has(settingsMemoryCost) {
		return ErrOutOfMemory
	}
	if err := s.codec.SubmitSettings(entries); err != nil {
		return err
	}
	s.settings.add(done)
	s.mem.add(settingsMemoryCost)
	s.MaybeScheduleWrite()
	return nil
}

// Goaway submits an advisory GOAWAY; it does not close the session. A zero
// lastStreamID defaults to the highest remote stream id processed so far.
func (s *Session) Goaway(code http2.ErrCode, lastStreamID uint32, debug []byte) error {
	if s.state == sessionClosed {
		return ErrSessionClosed
	}
	if lastStreamID == 0 {
		lastStreamID = s.lastProcessedStream
	}
	if err := s.codec.SubmitGoaway(code, lastStreamID, debug); err != nil {
		return err
	}
	s.MaybeScheduleWrite()
	return nil
}

// AltSvc submits an RFC 7838 alternative-service advertisement. A zero
// streamID scopes it to the origin given; a nonzero streamID scopes it to
// that stream's origin, with origin left empty.
func (s *Session) AltSvc(streamID uint32, origin, value string) error {
	if s.state != sessionOpen {
		return ErrSessionClosed
	}
	if err := s.codec.SubmitAltSvc(streamID, origin, value); err != nil {
		return err
	}
	s.MaybeScheduleWrite()
	return nil
}

// Close tears the session down. Idempotent. Reading stops immediately; if
// the transport is still open a GOAWAY is submitted and pending writes are
// flushed best-effort. Outstanding pings and settings fail on the next
// scheduling turn, never inline, so teardown cannot re-enter application
// callbacks synchronously. The final statistics snapshot is emitted once.
func (s *Session) Close(code http2.ErrCode, transportClosed bool) {
	if s.state == sessionClosed {
		return
	}
	first := s.state == sessionOpen
	s.state = sessionClosing
	s.readStopped = true

	if first && !transportClosed && s.transport != nil {
		_ = s.Goaway(code, 0, nil)
		s.SendPendingData()
	}
	s.codec.FailPending(ErrSessionClosing)

	if s.pings.len() > 0 || s.settings.len() > 0 {
		s.mem.release(s.pings.len() * pingMemoryCost)
		s.mem.release(s.settings.len() * settingsMemoryCost)
		s.sched.Defer(func() {
			s.pings.failAll(ErrSessionClosed)
			s.settings.failAll(ErrSessionClosed)
		})
	}

	s.state = sessionClosed
	if s.cb.OnStats != nil {
		s.cb.OnStats(s.Stats())
	}
}

// Receive is the inbound entry point: raw transport bytes in, frame events
// dispatched, then one send pass for whatever the events produced.
func (s *Session) Receive(p []byte) error {
	if s.readStopped || s.state != sessionOpen {
		return nil
	}
	if err := s.codec.Receive(p); err != nil {
		s.fatal(err)
		return err
	}
	s.SendPendingData()
	return nil
}

// MaybeScheduleWrite arranges exactly one deferred SendPendingData when the
// codec has bytes to send and none is scheduled yet. Nested calls while a
// write is already scheduled are no-ops.
func (s *Session) MaybeScheduleWrite() {
	if s.writeScheduled || s.state == sessionClosed {
		return
	}
	if s.codec == nil || !s.codec.WantsWrite() {
		return
	}
	s.writeScheduled = true
	s.sched.Defer(func() {
		s.SendPendingData()
	})
}

// SendPendingData drains the codec and all writable streams into one
// outbound batch and issues a single vectored transport write. Returns true
// (busy) when re-entered while sending or while a previous write is still in
// flight.
func (s *Session) SendPendingData() bool {
	if s.sending || s.writeInFlight {
		return true
	}
	s.writeScheduled = false
	if s.codec == nil {
		return false
	}

	s.sending = true
	err := s.codec.GatherOutbound(s)
	s.sending = false
	if err != nil {
		s.fatal(err)
	}

	if s.batch.empty() {
		return false
	}
	if s.transport == nil {
		s.clearOutgoing(ErrWriteCanceled)
		return false
	}

	bufs := s.batch.resolve()
	s.writeInFlight = true
	if werr := s.transport.Write(bufs, s.onWriteDone); werr != nil {
		s.writeInFlight = false
		s.clearOutgoing(werr)
	}
	return false
}

func (s *Session) onWriteDone(err error) {
	s.writeInFlight = false
	s.clearOutgoing(err)
}

// clearOutgoing releases the current batch: every completion handle whose
// bytes rode in it fires with status, then any stream resets deferred by the
// in-flight write are flushed and one more send pass runs so the resets go
// out before application code can queue more data.
func (s *Session) clearOutgoing(status error) {
	// Hand the parts array to the snapshot before resetting: a completion
	// handle may re-enter SendPendingData and start a new batch.
	parts := s.batch.parts
	s.batch.parts = nil
	s.batch.reset()

	for _, p := range parts {
		if p.done != nil {
			p.done(status)
		}
	}

	if len(s.pendingRst) > 0 {
		pending := s.pendingRst
		s.pendingRst = nil
		for _, id := range pending {
			if st, ok := s.streams[id]; ok && st.rstPending {
				st.flushRstStream()
			}
		}
		s.SendPendingData()
	}
	s.MaybeScheduleWrite()
}

// --- Events: the codec-facing callback surface ---

func (s *Session) OnFrameReceived(http2.FrameType) { s.stats.framesReceived++ }

func (s *Session) OnFrameSent(http2.FrameType) { s.stats.framesSent++ }

func (s *Session) OnHeadersBegin(id uint32, category HeadersCategory) error {
	if s.remoteOriginated(id) && id > s.lastProcessedStream {
		s.lastProcessedStream = id
	}
	st := s.streams[id]
	if st == nil {
		if !s.canAddStream() {
			s.codec.SubmitRstStream(id, http2.ErrCodeEnhanceYourCalm)
			return ErrTooManyStreams
		}
		st = s.adoptStream(id, StateOpen)
	}
	return st.StartHeaders(category)
}

func (s *Session) OnHeaderPair(id uint32, name, value string, sensitive bool) error {
	st := s.streams[id]
	if st == nil {
		return errDiscardHeaders
	}
	if !st.AddHeader(name, value, sensitive) {
		s.codec.SubmitRstStream(id, http2.ErrCodeEnhanceYourCalm)
		return ErrHeaderBudget
	}
	return nil
}

func (s *Session) OnHeadersComplete(id uint32, endStream bool) {
	st := s.streams[id]
	if st == nil {
		return
	}
	headers := st.endHeaders()
	if s.cb.OnHeaders != nil {
		s.cb.OnHeaders(st, st.category, headers, endStream)
	}
	if endStream {
		st.remoteClose()
	}
}

func (s *Session) OnData(id uint32, data []byte, endStream bool) {
	if s.remoteOriginated(id) && id > s.lastProcessedStream {
		s.lastProcessedStream = id
	}
	st := s.streams[id]
	if st == nil {
		return
	}
	s.stats.dataReceived += uint64(len(data))
	if s.cb.OnData != nil {
		s.cb.OnData(st, data, endStream)
	} else if len(data) > 0 {
		s.codec.Consume(id, len(data))
	}
	if endStream {
		st.remoteClose()
	}
}

func (s *Session) OnPriority(id uint32, pri http2.PriorityParam) {
	if s.cb.OnPriority != nil {
		s.cb.OnPriority(id, pri)
	}
}

func (s *Session) OnSettings(ack bool, entries []http2.Setting) {
	if !ack {
		if s.cb.OnSettings != nil {
			s.cb.OnSettings(entries)
		}
		return
	}
	req, ok := s.settings.pop()
	if !ok {
		s.fatal(ErrUnsolicitedAck)
		return
	}
	s.mem.release(settingsMemoryCost)
	if req.done != nil {
		req.done(nil, time.Since(req.started))
	}
}

func (s *Session) OnPing(ack bool, payload [8]byte) {
	if !ack {
		// The codec acknowledges inbound pings itself.
		return
	}
	req, ok := s.pings.pop()
	if !ok {
		s.fatal(ErrUnsolicitedAck)
		return
	}
	s.mem.release(pingMemoryCost)
	rtt := time.Since(req.started)
	s.stats.pingRTT = rtt
	if req.done != nil {
		req.done(nil, rtt, payload)
	}
}

func (s *Session) OnGoaway(code http2.ErrCode, lastStreamID uint32, debug []byte) {
	if s.cb.OnGoaway != nil {
		s.cb.OnGoaway(code, lastStreamID, debug)
	}
}

func (s *Session) OnAltSvc(id uint32, origin, value string) {
	if s.cb.OnAltSvc != nil {
		s.cb.OnAltSvc(id, origin, value)
	}
}

func (s *Session) OnStreamClose(id uint32, code http2.ErrCode) {
	st := s.streams[id]
	if st == nil {
		return
	}
	st.close(code)
	owned := false
	if s.cb.OnStreamClose != nil {
		owned = s.cb.OnStreamClose(st, code)
	}
	if !owned {
		st.Destroy()
	}
}

func (s *Session) OnWantTrailers(id uint32) {
	st := s.streams[id]
	if st == nil {
		return
	}
	if s.cb.OnWantTrailers != nil {
		s.cb.OnWantTrailers(st)
		return
	}
	_ = st.SubmitTrailers(nil)
}

func (s *Session) OnFrameNotSent(id uint32, ft http2.FrameType, cause error) {
	if isTeardownCause(cause) {
		return
	}
	if s.cb.OnFrameError != nil {
		s.cb.OnFrameError(id, ft, cause)
	}
}

func (s *Session) OnInvalidFrame(err error, fatal bool) {
	if fatal {
		s.fatal(err)
		return
	}
	s.log.Printf("h2: %s session: invalid frame: %v", s.role, err)
}

func (s *Session) ProvideData(id uint32, want int) DataChunk {
	st := s.streams[id]
	if st == nil || st.destroyed {
		return DataChunk{EndStream: true}
	}
	chunk := st.provideData(want)
	if chunk.Deferred && s.cb.OnDataReady != nil {
		s.cb.OnDataReady(st)
	}
	return chunk
}

func (s *Session) SelectPadding(frameLen, maxPayloadLen int) int {
	return s.padFn(frameLen, maxPayloadLen)
}
