// Package codec implements the frame-level collaborator under the session
// engine: raw connection bytes in, structured frame events out, submitted
// frames serialized back to bytes. It owns everything wire-shaped that the
// engine deliberately does not duplicate: HPACK state, flow-control windows,
// peer settings, and frame validation, built on golang.org/x/net/http2.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/h2mux/internal/h2/session"
)

const (
	clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	frameHeaderLen = 9

	defaultWindow       = 65535
	defaultMaxFrameSize = 16384
	minMaxFrameSize     = 16384
	maxMaxFrameSize     = 1<<24 - 1
	maxWindow           = 1<<31 - 1

	// Padding never exceeds 255 zero bytes plus the pad-length field.
	maxPadTotal = 256

	initialHeaderTableSize = 4096
)

// FrameAltSvc is the RFC 7838 extension frame type, absent from
// x/net/http2's frame table.
const FrameAltSvc = http2.FrameType(0xa)

// ConnError is a connection-fatal protocol failure carrying the GOAWAY
// error code the peer should see.
type ConnError struct {
	Code http2.ErrCode
	Err  error
}

func (e ConnError) Error() string {
	return fmt.Sprintf("h2 codec: connection error (%s): %v", e.Code, e.Err)
}

func (e ConnError) Unwrap() error { return e.Err }

// Config shapes the codec; zero values fall back to protocol defaults.
type Config struct {
	// MaxDeflateDynamicTableSize caps the HPACK encoder dynamic table even
	// when the peer advertises a larger one.
	MaxDeflateDynamicTableSize uint32
	// MaxSendHeaderBlockLength rejects oversized encoded header blocks at
	// submission; zero means unlimited.
	MaxSendHeaderBlockLength int
	// MaxReservedRemoteStreams caps concurrently reserved pushed streams.
	MaxReservedRemoteStreams uint32
	// MaxFrameSize is the largest inbound frame payload accepted.
	MaxFrameSize uint32

	Logger *log.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxDeflateDynamicTableSize == 0 {
		cfg.MaxDeflateDynamicTableSize = initialHeaderTableSize
	}
	if cfg.MaxReservedRemoteStreams == 0 {
		cfg.MaxReservedRemoteStreams = session.DefaultMaxReservedRemoteStreams
	}
	if cfg.MaxFrameSize < minMaxFrameSize || cfg.MaxFrameSize > maxMaxFrameSize {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return cfg
}

// streamState is the codec's wire-level view of one stream.
type streamState struct {
	id uint32

	sendWindow int32
	recvWindow int32

	localClosed  bool
	remoteClosed bool
	reset        bool
	reserved     bool
	sawHeaders   bool

	// providing is armed when a locally-submitted header block promises a
	// payload; deferred parks polling until the session resumes data.
	providing bool
	deferred  bool
}

// ctrlFrame is one serialized non-DATA frame awaiting transmission.
type ctrlFrame struct {
	bytes    []byte
	streamID uint32
	ft       http2.FrameType

	// endStream marks a HEADERS (or empty DATA) frame that closes the
	// local side once it reaches the wire.
	endStream bool

	rst     bool
	rstCode http2.ErrCode
}

// headerBlock tracks one inbound block across HEADERS/PUSH_PROMISE and any
// CONTINUATION frames. discard keeps HPACK state advancing after the
// session rejected the block.
type headerBlock struct {
	streamID  uint32
	endStream bool
	discard   bool
}

// Codec converts bytes to session events and submissions to bytes.
type Codec struct {
	role session.Role
	cfg  Config
	ev   session.Events
	log  *log.Logger

	// Inbound.
	in          []byte
	prefaceDone bool
	frameRd     bytes.Reader
	fr          *http2.Framer
	dec         *hpack.Decoder
	block       *headerBlock

	// Outbound.
	enc    *hpack.Encoder
	encBuf bytes.Buffer
	wbuf   bytes.Buffer
	wfr    *http2.Framer
	ctrl   []ctrlFrame

	streams   map[uint32]*streamState
	sendOrder []uint32

	nextStreamID     uint32
	localStarted     bool
	lastRemoteStream uint32
	reservedRemote   uint32
	remoteGoaway     bool

	connSendWindow    int32
	connRecvWindow    int32
	initialSendWindow int32
	initialRecvWindow int32

	peerMaxFrame      uint32
	peerMaxConcurrent uint32
}

// New builds a codec for one connection. ev is the session's event surface;
// every callback fires on the goroutine that calls Receive/GatherOutbound.
func New(role session.Role, cfg Config, ev session.Events) *Codec {
	cfg = cfg.withDefaults()
	c := &Codec{
		role:              role,
		cfg:               cfg,
		ev:                ev,
		log:               cfg.Logger,
		streams:           make(map[uint32]*streamState),
		nextStreamID:      1,
		connSendWindow:    defaultWindow,
		connRecvWindow:    defaultWindow,
		initialSendWindow: defaultWindow,
		initialRecvWindow: defaultWindow,
		peerMaxFrame:      defaultMaxFrameSize,
		peerMaxConcurrent: math.MaxUint32,
	}
	if role == session.RoleServer {
		c.nextStreamID = 2
	}
	c.fr = http2.NewFramer(io.Discard, &c.frameRd)
	c.fr.SetReuseFrames()
	c.fr.SetMaxReadFrameSize(cfg.MaxFrameSize)
	c.wfr = http2.NewFramer(&c.wbuf, nil)
	c.dec = hpack.NewDecoder(initialHeaderTableSize, c.onHeaderField)
	c.enc = hpack.NewEncoder(&c.encBuf)
	return c
}

func (c *Codec) stream(id uint32) *streamState { return c.streams[id] }

func (c *Codec) newStreamState(id uint32) *streamState {
	st := &streamState{
		id:         id,
		sendWindow: c.initialSendWindow,
		recvWindow: c.initialRecvWindow,
	}
	c.streams[id] = st
	return st
}

func (c *Codec) remoteParity(id uint32) bool {
	if c.role == session.RoleServer {
		return id%2 == 1
	}
	return id%2 == 0
}

// onHeaderField is the HPACK streaming emit hook: one decoded pair at a
// time, so the session can enforce its header budgets mid-block.
func (c *Codec) onHeaderField(f hpack.HeaderField) {
	b := c.block
	if b == nil || b.discard {
		return
	}
	if err := c.ev.OnHeaderPair(b.streamID, f.Name, f.Value, f.Sensitive); err != nil {
		b.discard = true
	}
}

// Receive ingests transport bytes, buffering partial frames across calls.
// The returned error, if any, is connection-fatal.
func (c *Codec) Receive(p []byte) error {
	c.in = append(c.in, p...)
	if c.role == session.RoleServer && !c.prefaceDone {
		if len(c.in) < len(clientPreface) {
			return nil
		}
		if string(c.in[:len(clientPreface)]) != clientPreface {
			return ConnError{http2.ErrCodeProtocol, errors.New("invalid client preface")}
		}
		c.in = c.in[len(clientPreface):]
		c.prefaceDone = true
	}

	for {
		if len(c.in) < frameHeaderLen {
			break
		}
		payloadLen := int(c.in[0])<<16 | int(c.in[1])<<8 | int(c.in[2])
		if payloadLen > int(c.cfg.MaxFrameSize) {
			return ConnError{http2.ErrCodeFrameSize,
				fmt.Errorf("frame payload %d exceeds limit %d", payloadLen, c.cfg.MaxFrameSize)}
		}
		total := frameHeaderLen + payloadLen
		if len(c.in) < total {
			break
		}

		c.frameRd.Reset(c.in[:total])
		f, err := c.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				c.SubmitRstStream(se.StreamID, se.Code)
				c.in = c.in[total:]
				continue
			}
			return ConnError{http2.ErrCodeProtocol, err}
		}
		if derr := c.dispatch(f); derr != nil {
			return derr
		}
		c.in = c.in[total:]
	}

	// The parse window slices into the receive buffer; keep only the
	// unconsumed tail in fresh storage.
	if len(c.in) == 0 {
		c.in = nil
	} else {
		c.in = append([]byte(nil), c.in...)
	}
	return nil
}

func (c *Codec) dispatch(f http2.Frame) error {
	c.ev.OnFrameReceived(f.Header().Type)

	switch f := f.(type) {
	case *http2.DataFrame:
		return c.handleData(f)
	case *http2.HeadersFrame:
		return c.handleHeaders(f)
	case *http2.ContinuationFrame:
		return c.handleContinuation(f)
	case *http2.PushPromiseFrame:
		return c.handlePushPromise(f)
	case *http2.PriorityFrame:
		c.ev.OnPriority(f.StreamID, f.PriorityParam)
	case *http2.RSTStreamFrame:
		if st := c.stream(f.StreamID); st != nil {
			c.closeStream(st, f.ErrCode)
		}
	case *http2.SettingsFrame:
		return c.handleSettings(f)
	case *http2.PingFrame:
		if f.IsAck() {
			c.ev.OnPing(true, f.Data)
			break
		}
		c.queuePingAck(f.Data)
		c.ev.OnPing(false, f.Data)
	case *http2.GoAwayFrame:
		c.remoteGoaway = true
		c.ev.OnGoaway(f.ErrCode, f.LastStreamID, f.DebugData())
	case *http2.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *http2.UnknownFrame:
		if f.Header().Type == FrameAltSvc {
			c.handleAltSvc(f)
		}
	}
	return nil
}

func (c *Codec) handleData(f *http2.DataFrame) error {
	id := f.StreamID
	payloadLen := int(f.Header().Length)

	c.connRecvWindow -= int32(payloadLen)
	if c.connRecvWindow < 0 {
		return ConnError{http2.ErrCodeFlowControl, errors.New("connection flow-control window exceeded")}
	}

	st := c.stream(id)
	if st == nil {
		if c.remoteParity(id) && id > c.lastRemoteStream {
			return ConnError{http2.ErrCodeProtocol, fmt.Errorf("DATA on idle stream %d", id)}
		}
		// Closed stream: return the credit and remind the peer.
		c.queueWindowUpdate(0, payloadLen)
		c.queueRstFor(id, http2.ErrCodeStreamClosed)
		return nil
	}
	if st.remoteClosed {
		c.queueWindowUpdate(0, payloadLen)
		c.SubmitRstStream(id, http2.ErrCodeStreamClosed)
		return nil
	}

	st.recvWindow -= int32(payloadLen)
	if st.recvWindow < 0 {
		c.SubmitRstStream(id, http2.ErrCodeFlowControl)
		return nil
	}

	// Padding and the pad-length byte never reach the application; their
	// credit comes straight back.
	if overhead := payloadLen - len(f.Data()); overhead > 0 {
		c.replenish(st, overhead)
	}

	end := f.StreamEnded()
	c.ev.OnData(id, f.Data(), end)
	if end {
		st.remoteClosed = true
		c.maybeCloseStream(st, http2.ErrCodeNo)
	}
	return nil
}

func (c *Codec) handleHeaders(f *http2.HeadersFrame) error {
	id := f.StreamID
	st := c.stream(id)
	block := &headerBlock{streamID: id, endStream: f.StreamEnded()}

	var category session.HeadersCategory
	switch {
	case st == nil:
		if !c.remoteParity(id) || id <= c.lastRemoteStream {
			// A block on a dead or impossible stream still advances
			// HPACK state; nothing is emitted.
			block.discard = true
			c.queueRstFor(id, http2.ErrCodeStreamClosed)
		} else {
			c.lastRemoteStream = id
			st = c.newStreamState(id)
			category = session.CategoryRequest
			if c.role == session.RoleClient {
				category = session.CategoryResponse
			}
		}
	case st.remoteClosed:
		block.discard = true
		c.SubmitRstStream(id, http2.ErrCodeStreamClosed)
	case st.reserved:
		st.reserved = false
		if c.reservedRemote > 0 {
			c.reservedRemote--
		}
		category = session.CategoryResponse
	case c.role == session.RoleClient && !st.sawHeaders:
		category = session.CategoryResponse
	default:
		category = session.CategoryHeaders
	}
	if st != nil {
		st.sawHeaders = true
	}

	if !block.discard {
		if err := c.ev.OnHeadersBegin(id, category); err != nil {
			block.discard = true
		}
	}
	if f.HasPriority() {
		c.ev.OnPriority(id, f.Priority)
	}

	c.block = block
	if _, err := c.dec.Write(f.HeaderBlockFragment()); err != nil {
		return ConnError{http2.ErrCodeCompression, err}
	}
	if f.HeadersEnded() {
		c.finishBlock()
	}
	return nil
}

func (c *Codec) handleContinuation(f *http2.ContinuationFrame) error {
	if c.block == nil || c.block.streamID != f.StreamID {
		return ConnError{http2.ErrCodeProtocol, errors.New("CONTINUATION without open header block")}
	}
	if _, err := c.dec.Write(f.HeaderBlockFragment()); err != nil {
		return ConnError{http2.ErrCodeCompression, err}
	}
	if f.HeadersEnded() {
		c.finishBlock()
	}
	return nil
}

func (c *Codec) handlePushPromise(f *http2.PushPromiseFrame) error {
	if c.role != session.RoleClient {
		return ConnError{http2.ErrCodeProtocol, errors.New("PUSH_PROMISE received by server")}
	}
	promised := f.PromiseID
	block := &headerBlock{streamID: promised}

	if c.reservedRemote >= c.cfg.MaxReservedRemoteStreams {
		block.discard = true
		c.queueRstFor(promised, http2.ErrCodeRefusedStream)
	} else {
		st := c.newStreamState(promised)
		st.reserved = true
		st.localClosed = true
		c.reservedRemote++
		if promised > c.lastRemoteStream {
			c.lastRemoteStream = promised
		}
		if err := c.ev.OnHeadersBegin(promised, session.CategoryPush); err != nil {
			block.discard = true
		}
	}

	c.block = block
	if _, err := c.dec.Write(f.HeaderBlockFragment()); err != nil {
		return ConnError{http2.ErrCodeCompression, err}
	}
	if f.HeadersEnded() {
		c.finishBlock()
	}
	return nil
}

func (c *Codec) finishBlock() {
	b := c.block
	c.block = nil
	if b.discard {
		return
	}
	c.ev.OnHeadersComplete(b.streamID, b.endStream)
	if b.endStream {
		if st := c.stream(b.streamID); st != nil {
			st.remoteClosed = true
			c.maybeCloseStream(st, http2.ErrCodeNo)
		}
	}
}

func (c *Codec) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		c.ev.OnSettings(true, nil)
		return nil
	}
	var entries []http2.Setting
	var fatal error
	_ = f.ForeachSetting(func(s http2.Setting) error {
		entries = append(entries, s)
		if err := c.applyPeerSetting(s); err != nil {
			fatal = err
		}
		return nil
	})
	if fatal != nil {
		return fatal
	}
	c.queueSettingsAck()
	c.ev.OnSettings(false, entries)
	return nil
}

func (c *Codec) applyPeerSetting(s http2.Setting) error {
	switch s.ID {
	case http2.SettingInitialWindowSize:
		if s.Val > maxWindow {
			return ConnError{http2.ErrCodeFlowControl, errors.New("SETTINGS_INITIAL_WINDOW_SIZE overflow")}
		}
		delta := int32(s.Val) - c.initialSendWindow
		c.initialSendWindow = int32(s.Val)
		for _, st := range c.streams {
			st.sendWindow += delta
		}
	case http2.SettingMaxFrameSize:
		if s.Val < minMaxFrameSize || s.Val > maxMaxFrameSize {
			return ConnError{http2.ErrCodeProtocol, errors.New("SETTINGS_MAX_FRAME_SIZE out of range")}
		}
		c.peerMaxFrame = s.Val
	case http2.SettingMaxConcurrentStreams:
		c.peerMaxConcurrent = s.Val
	case http2.SettingHeaderTableSize:
		size := s.Val
		if size > c.cfg.MaxDeflateDynamicTableSize {
			size = c.cfg.MaxDeflateDynamicTableSize
		}
		c.enc.SetMaxDynamicTableSize(size)
	}
	return nil
}

func (c *Codec) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	incr := int32(f.Increment)
	if f.StreamID == 0 {
		if c.connSendWindow > maxWindow-incr {
			return ConnError{http2.ErrCodeFlowControl, errors.New("connection send window overflow")}
		}
		c.connSendWindow += incr
		return nil
	}
	if st := c.stream(f.StreamID); st != nil {
		if st.sendWindow > maxWindow-incr {
			c.SubmitRstStream(f.StreamID, http2.ErrCodeFlowControl)
			return nil
		}
		st.sendWindow += incr
	}
	return nil
}

// handleAltSvc parses the RFC 7838 payload: a 16-bit origin length, the
// origin, then the field value.
func (c *Codec) handleAltSvc(f *http2.UnknownFrame) {
	payload := f.Payload()
	if len(payload) < 2 {
		return
	}
	originLen := int(payload[0])<<8 | int(payload[1])
	if len(payload) < 2+originLen {
		return
	}
	origin := string(payload[2 : 2+originLen])
	value := string(payload[2+originLen:])
	c.ev.OnAltSvc(f.Header().StreamID, origin, value)
}

// replenish returns flow-control credit that never reached the application
// (padding, overhead) on both the connection and the stream.
func (c *Codec) replenish(st *streamState, n int) {
	c.connRecvWindow += int32(n)
	st.recvWindow += int32(n)
	c.queueWindowUpdate(0, n)
	if !st.remoteClosed {
		c.queueWindowUpdate(st.id, n)
	}
}

// Consume replenishes credit for n application-consumed payload bytes.
func (c *Codec) Consume(id uint32, n int) {
	if n <= 0 {
		return
	}
	c.connRecvWindow += int32(n)
	c.queueWindowUpdate(0, n)
	if st := c.stream(id); st != nil {
		st.recvWindow += int32(n)
		if !st.remoteClosed {
			c.queueWindowUpdate(id, n)
		}
	}
}

func (c *Codec) maybeCloseStream(st *streamState, code http2.ErrCode) {
	if st.localClosed && st.remoteClosed {
		c.closeStream(st, code)
	}
}

// closeStream drops the wire-level record and tells the session. The
// session's own deferred-destroy machinery handles everything above.
func (c *Codec) closeStream(st *streamState, code http2.ErrCode) {
	delete(c.streams, st.id)
	c.dropFromSendOrder(st.id)
	if st.reserved && c.reservedRemote > 0 {
		c.reservedRemote--
	}
	c.ev.OnStreamClose(st.id, code)
}

func (c *Codec) dropFromSendOrder(id uint32) {
	for i, v := range c.sendOrder {
		if v == id {
			c.sendOrder = append(c.sendOrder[:i], c.sendOrder[i+1:]...)
			return
		}
	}
}

// MaxFrameSize is the peer-advertised maximum frame payload.
func (c *Codec) MaxFrameSize() int { return int(c.peerMaxFrame) }

// PeerMaxConcurrentStreams is the peer-advertised concurrency setting;
// unlimited until the peer's first SETTINGS arrives.
func (c *Codec) PeerMaxConcurrentStreams() uint32 { return c.peerMaxConcurrent }

// SetNextStreamID pins the next locally-originated stream id.
func (c *Codec) SetNextStreamID(id uint32) error {
	if c.localStarted {
		return errors.New("h2 codec: local streams already originated")
	}
	if id == 0 || (c.role == session.RoleClient) != (id%2 == 1) {
		return fmt.Errorf("h2 codec: stream id %d has wrong parity for %s role", id, c.role)
	}
	if id < c.nextStreamID {
		return fmt.Errorf("h2 codec: stream id %d already passed", id)
	}
	c.nextStreamID = id
	return nil
}

// ResumeData re-arms payload polling after a Deferred answer.
func (c *Codec) ResumeData(id uint32) {
	if st := c.stream(id); st != nil {
		st.deferred = false
	}
}
