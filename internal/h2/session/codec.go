package session

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// frameHeaderLen is the fixed HTTP/2 frame header size.
const frameHeaderLen = 9

// HeadersCategory tags a header block with the role it plays in the
// exchange it belongs to.
type HeadersCategory int

const (
	CategoryRequest HeadersCategory = iota
	CategoryResponse
	CategoryPush
	// CategoryHeaders covers trailing and other non-initial blocks.
	CategoryHeaders
)

func (c HeadersCategory) String() string {
	switch c {
	case CategoryRequest:
		return "request"
	case CategoryResponse:
		return "response"
	case CategoryPush:
		return "push"
	default:
		return "headers"
	}
}

// StreamOptions shapes a locally-originated header block.
type StreamOptions struct {
	// EndStream closes the local side with the header block itself; no
	// payload follows.
	EndStream bool
	// WantTrailers keeps END_STREAM off the final DATA frame so a trailing
	// header block can follow once the payload drains.
	WantTrailers bool
}

// DataChunk is the session's answer when the codec asks for outbound payload
// on a stream.
type DataChunk struct {
	// Length is how many queued bytes may be consumed, at most the codec's
	// requested amount.
	Length int
	// EndStream reports that this chunk drains the stream and no further
	// writes can be queued.
	EndStream bool
	// WantTrailers qualifies EndStream: hold END_STREAM back and raise the
	// wants-trailers event instead.
	WantTrailers bool
	// Deferred reports that nothing is queued but the stream is still
	// writable; the codec must not poll again until data is resumed.
	Deferred bool
}

// WriteDone is the completion handle attached to queued outbound bytes. It
// fires exactly once: nil on transmission, ErrWriteCanceled on cancellation,
// or the transport's write error.
type WriteDone func(err error)

// Transport is the duplex byte stream under the session. Write hands over a
// single ordered vectored write; done fires when the transport has taken
// responsibility for (or failed) every slice.
type Transport interface {
	Write(bufs [][]byte, done WriteDone) error
	Close() error
}

// Codec is the frame-level collaborator. It parses inbound connection bytes
// into Events callbacks, serializes submitted frames, and tracks wire-level
// concerns (flow-control windows, HPACK state, peer settings) that the
// session deliberately does not duplicate.
type Codec interface {
	// Receive ingests raw transport bytes, buffering partial frames. A
	// non-nil error is connection-fatal.
	Receive(p []byte) error

	// WantsWrite reports whether a GatherOutbound call would produce bytes.
	WantsWrite() bool

	// GatherOutbound drains everything sendable right now into the sink:
	// control frames as copied byte runs, DATA frames as no-copy
	// consumption requests against stream queues.
	GatherOutbound(sink OutboundSink) error

	// FailPending drops every frame still queued, reporting each through
	// OnFrameNotSent with the given cause.
	FailPending(cause error)

	SubmitRequest(headers []hpack.HeaderField, pri *http2.PriorityParam, opts StreamOptions) (uint32, error)
	SubmitResponse(streamID uint32, headers []hpack.HeaderField, opts StreamOptions) error
	SubmitInfo(streamID uint32, headers []hpack.HeaderField) error
	SubmitTrailers(streamID uint32, trailers []hpack.HeaderField) error
	SubmitPushPromise(parentID uint32, headers []hpack.HeaderField) (uint32, error)
	SubmitSettings(entries []http2.Setting) error
	SubmitPing(payload [8]byte) error
	SubmitGoaway(code http2.ErrCode, lastStreamID uint32, debug []byte) error
	SubmitRstStream(streamID uint32, code http2.ErrCode)
	SubmitPriority(streamID uint32, pri http2.PriorityParam) error
	SubmitAltSvc(streamID uint32, origin, value string) error

	// ResumeData re-arms payload polling for a stream that previously
	// answered Deferred.
	ResumeData(streamID uint32)

	// Consume replenishes inbound flow-control credit after the application
	// has consumed n payload bytes on the stream.
	Consume(streamID uint32, n int)

	// SetNextStreamID pins the next locally-originated stream id. Valid
	// only before any local stream exists.
	SetNextStreamID(id uint32) error

	// MaxFrameSize is the peer-advertised maximum frame payload.
	MaxFrameSize() int

	// PeerMaxConcurrentStreams is the peer-advertised concurrency setting.
	PeerMaxConcurrentStreams() uint32
}

// Events is the callback surface the session presents to the codec. All
// methods run on the connection's event-loop goroutine.
//
// A non-nil error from OnHeadersBegin or OnHeaderPair tells the codec to
// discard the remainder of the header block (HPACK state is still advanced);
// it is never connection-fatal.
type Events interface {
	OnFrameReceived(ft http2.FrameType)
	OnFrameSent(ft http2.FrameType)
	OnHeadersBegin(streamID uint32, category HeadersCategory) error
	OnHeaderPair(streamID uint32, name, value string, sensitive bool) error
	OnHeadersComplete(streamID uint32, endStream bool)
	OnData(streamID uint32, data []byte, endStream bool)
	OnPriority(streamID uint32, pri http2.PriorityParam)
	OnSettings(ack bool, entries []http2.Setting)
	OnPing(ack bool, payload [8]byte)
	OnGoaway(code http2.ErrCode, lastStreamID uint32, debug []byte)
	OnAltSvc(streamID uint32, origin, value string)
	OnStreamClose(streamID uint32, code http2.ErrCode)
	OnWantTrailers(streamID uint32)
	OnFrameNotSent(streamID uint32, ft http2.FrameType, cause error)
	OnInvalidFrame(err error, fatal bool)

	// ProvideData asks for up to want bytes of outbound payload on a
	// stream. The bytes themselves are consumed later through
	// OutboundSink.SendData without copying.
	ProvideData(streamID uint32, want int) DataChunk

	// SelectPadding applies the configured padding strategy to one frame.
	SelectPadding(frameLen, maxPayloadLen int) int
}

// OutboundSink receives one outbound batch during GatherOutbound.
type OutboundSink interface {
	// CopyControl copies one serialized control frame into the batch's
	// scratch storage.
	CopyControl(frame []byte)

	// SendData appends one DATA frame: the 9-byte header (plus pad-length
	// byte when padLen > 0) is copied, then dataLen bytes are consumed from
	// the stream's outbound queue without copying, then padLen-1 zero bytes
	// follow. padLen counts the pad-length field byte itself, matching the
	// wire: payload length = dataLen + padLen.
	SendData(streamID uint32, frameHeader [frameHeaderLen]byte, dataLen, padLen int)
}
