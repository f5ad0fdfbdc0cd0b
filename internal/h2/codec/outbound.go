package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/h2mux/internal/h2/session"
)

// takeWire detaches the bytes the write framer just produced.
func (c *Codec) takeWire() []byte {
	b := append([]byte(nil), c.wbuf.Bytes()...)
	c.wbuf.Reset()
	return b
}

func (c *Codec) queueCtrl(id uint32, ft http2.FrameType) {
	c.ctrl = append(c.ctrl, ctrlFrame{bytes: c.takeWire(), streamID: id, ft: ft})
}

func (c *Codec) queueCtrlEndStream(id uint32, ft http2.FrameType) {
	c.ctrl = append(c.ctrl, ctrlFrame{bytes: c.takeWire(), streamID: id, ft: ft, endStream: true})
}

// queueRstFor serializes a RST_STREAM for a stream the codec holds no state
// for (already closed on our side). No stream-close event follows.
func (c *Codec) queueRstFor(id uint32, code http2.ErrCode) {
	_ = c.wfr.WriteRSTStream(id, code)
	c.queueCtrl(id, http2.FrameRSTStream)
}

func (c *Codec) queuePingAck(data [8]byte) {
	_ = c.wfr.WritePing(true, data)
	c.queueCtrl(0, http2.FramePing)
}

func (c *Codec) queueSettingsAck() {
	_ = c.wfr.WriteSettingsAck()
	c.queueCtrl(0, http2.FrameSettings)
}

func (c *Codec) queueWindowUpdate(id uint32, n int) {
	for n > 0 {
		incr := n
		if incr > maxWindow {
			incr = maxWindow
		}
		_ = c.wfr.WriteWindowUpdate(id, uint32(incr)) //nolint:gosec // G115: incr clamped to maxWindow
		c.queueCtrl(id, http2.FrameWindowUpdate)
		n -= incr
	}
}

// encodeBlock runs the header list through the shared HPACK encoder. The
// encoder's dynamic table advances in submission order, which is also send
// order, so state stays consistent.
func (c *Codec) encodeBlock(headers []hpack.HeaderField) ([]byte, error) {
	c.encBuf.Reset()
	for _, f := range headers {
		if err := c.enc.WriteField(f); err != nil {
			return nil, err
		}
	}
	block := append([]byte(nil), c.encBuf.Bytes()...)
	if c.cfg.MaxSendHeaderBlockLength > 0 && len(block) > c.cfg.MaxSendHeaderBlockLength {
		return nil, fmt.Errorf("h2 codec: encoded header block is %d bytes, limit %d",
			len(block), c.cfg.MaxSendHeaderBlockLength)
	}
	return block, nil
}

// queueHeaders emits one HEADERS frame plus CONTINUATION frames for an
// oversized block. Padding applies to the first frame only; the strategy
// sees the fragment length and the largest padded payload the peer accepts.
func (c *Codec) queueHeaders(id uint32, block []byte, endStream bool, pri *http2.PriorityParam) error {
	maxFrag := int(c.peerMaxFrame)
	first := block
	if len(first) > maxFrag {
		first = block[:maxFrag]
	}
	rest := block[len(first):]

	var padBytes uint8
	if len(first) < maxFrag {
		limit := len(first) + maxPadTotal - 1
		if m := maxFrag - 1; limit > m {
			limit = m
		}
		padded := c.ev.SelectPadding(len(first), limit)
		if padded > len(first) {
			padBytes = uint8(padded - len(first)) //nolint:gosec // G115: bounded by maxPadTotal
		}
	}

	param := http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     endStream && len(rest) == 0,
		EndHeaders:    len(rest) == 0,
		PadLength:     padBytes,
	}
	if pri != nil {
		param.Priority = *pri
	}
	if err := c.wfr.WriteHeaders(param); err != nil {
		return err
	}
	if endStream && len(rest) == 0 {
		c.queueCtrlEndStream(id, http2.FrameHeaders)
	} else {
		c.queueCtrl(id, http2.FrameHeaders)
	}

	for len(rest) > 0 {
		frag := rest
		if len(frag) > maxFrag {
			frag = rest[:maxFrag]
		}
		rest = rest[len(frag):]
		if err := c.wfr.WriteContinuation(id, len(rest) == 0, frag); err != nil {
			return err
		}
		if endStream && len(rest) == 0 {
			c.queueCtrlEndStream(id, http2.FrameContinuation)
		} else {
			c.queueCtrl(id, http2.FrameContinuation)
		}
	}
	return nil
}

// SubmitRequest originates a stream with a request header block and returns
// the allocated id.
func (c *Codec) SubmitRequest(headers []hpack.HeaderField, pri *http2.PriorityParam, opts session.StreamOptions) (uint32, error) {
	if c.role != session.RoleClient {
		return 0, errors.New("h2 codec: only client sessions submit requests")
	}
	if c.remoteGoaway {
		return 0, session.ErrSessionClosing
	}
	block, err := c.encodeBlock(headers)
	if err != nil {
		return 0, err
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	c.localStarted = true
	st := c.newStreamState(id)
	if err := c.queueHeaders(id, block, opts.EndStream, pri); err != nil {
		return 0, err
	}
	if !opts.EndStream {
		c.armProvider(st)
	}
	return id, nil
}

// SubmitResponse sends the response header block on a remote stream.
func (c *Codec) SubmitResponse(id uint32, headers []hpack.HeaderField, opts session.StreamOptions) error {
	st := c.stream(id)
	if st == nil || st.reset {
		return session.ErrStreamClosed
	}
	block, err := c.encodeBlock(headers)
	if err != nil {
		return err
	}
	if err := c.queueHeaders(id, block, opts.EndStream, nil); err != nil {
		return err
	}
	if !opts.EndStream {
		c.armProvider(st)
	}
	return nil
}

// SubmitInfo sends an informational (1xx) header block; any number may
// precede the final response.
func (c *Codec) SubmitInfo(id uint32, headers []hpack.HeaderField) error {
	st := c.stream(id)
	if st == nil || st.reset {
		return session.ErrStreamClosed
	}
	block, err := c.encodeBlock(headers)
	if err != nil {
		return err
	}
	return c.queueHeaders(id, block, false, nil)
}

// SubmitTrailers ends the stream with a trailing header block. An empty
// block degrades to a bare END_STREAM on an empty DATA frame.
func (c *Codec) SubmitTrailers(id uint32, trailers []hpack.HeaderField) error {
	st := c.stream(id)
	if st == nil || st.reset {
		return session.ErrStreamClosed
	}
	if len(trailers) == 0 {
		if err := c.wfr.WriteData(id, true, nil); err != nil {
			return err
		}
		c.queueCtrlEndStream(id, http2.FrameData)
		return nil
	}
	block, err := c.encodeBlock(trailers)
	if err != nil {
		return err
	}
	return c.queueHeaders(id, block, true, nil)
}

// SubmitPushPromise reserves the next even stream id against parentID.
func (c *Codec) SubmitPushPromise(parentID uint32, headers []hpack.HeaderField) (uint32, error) {
	if c.role != session.RoleServer {
		return 0, errors.New("h2 codec: only server sessions push")
	}
	parent := c.stream(parentID)
	if parent == nil || parent.reset {
		return 0, session.ErrStreamClosed
	}
	block, err := c.encodeBlock(headers)
	if err != nil {
		return 0, err
	}
	promised := c.nextStreamID
	c.nextStreamID += 2
	c.localStarted = true

	maxFrag := int(c.peerMaxFrame) - 4
	first := block
	if len(first) > maxFrag {
		first = block[:maxFrag]
	}
	rest := block[len(first):]
	if err := c.wfr.WritePushPromise(http2.PushPromiseParam{
		StreamID:      parentID,
		PromiseID:     promised,
		BlockFragment: first,
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return 0, err
	}
	c.queueCtrl(parentID, http2.FramePushPromise)
	for len(rest) > 0 {
		frag := rest
		if len(frag) > int(c.peerMaxFrame) {
			frag = rest[:c.peerMaxFrame]
		}
		rest = rest[len(frag):]
		if err := c.wfr.WriteContinuation(parentID, len(rest) == 0, frag); err != nil {
			return 0, err
		}
		c.queueCtrl(parentID, http2.FrameContinuation)
	}

	st := c.newStreamState(promised)
	st.remoteClosed = true // reserved (local): the peer cannot send on it
	return promised, nil
}

// SubmitSettings queues a SETTINGS frame and applies the local side effects.
func (c *Codec) SubmitSettings(entries []http2.Setting) error {
	for _, s := range entries {
		if err := c.applyLocalSetting(s); err != nil {
			return err
		}
	}
	if err := c.wfr.WriteSettings(entries...); err != nil {
		return err
	}
	c.queueCtrl(0, http2.FrameSettings)
	return nil
}

func (c *Codec) applyLocalSetting(s http2.Setting) error {
	switch s.ID {
	case http2.SettingInitialWindowSize:
		if s.Val > maxWindow {
			return errors.New("h2 codec: SETTINGS_INITIAL_WINDOW_SIZE overflow")
		}
		delta := int32(s.Val) - c.initialRecvWindow
		c.initialRecvWindow = int32(s.Val)
		for _, st := range c.streams {
			st.recvWindow += delta
		}
	case http2.SettingMaxFrameSize:
		if s.Val < minMaxFrameSize || s.Val > maxMaxFrameSize {
			return errors.New("h2 codec: SETTINGS_MAX_FRAME_SIZE out of range")
		}
		c.cfg.MaxFrameSize = s.Val
		c.fr.SetMaxReadFrameSize(s.Val)
	case http2.SettingHeaderTableSize:
		c.dec.SetMaxDynamicTableSize(s.Val)
	}
	return nil
}

// SubmitPing queues an outbound PING.
func (c *Codec) SubmitPing(payload [8]byte) error {
	if err := c.wfr.WritePing(false, payload); err != nil {
		return err
	}
	c.queueCtrl(0, http2.FramePing)
	return nil
}

// SubmitGoaway queues a GOAWAY frame.
func (c *Codec) SubmitGoaway(code http2.ErrCode, lastStreamID uint32, debug []byte) error {
	if err := c.wfr.WriteGoAway(lastStreamID, code, debug); err != nil {
		return err
	}
	c.queueCtrl(0, http2.FrameGoAway)
	return nil
}

// SubmitRstStream queues a reset. The stream-close event fires when the
// frame is gathered, so teardown never runs before the reset is ordered
// ahead of any later submissions.
func (c *Codec) SubmitRstStream(id uint32, code http2.ErrCode) {
	st := c.stream(id)
	if st == nil {
		c.ev.OnFrameNotSent(id, http2.FrameRSTStream, session.ErrStreamClosed)
		return
	}
	if st.reset {
		return
	}
	st.reset = true
	st.providing = false
	_ = c.wfr.WriteRSTStream(id, code)
	c.ctrl = append(c.ctrl, ctrlFrame{
		bytes:    c.takeWire(),
		streamID: id,
		ft:       http2.FrameRSTStream,
		rst:      true,
		rstCode:  code,
	})
}

// SubmitPriority queues an advisory PRIORITY frame; valid in any stream
// state.
func (c *Codec) SubmitPriority(id uint32, pri http2.PriorityParam) error {
	if err := c.wfr.WritePriority(id, pri); err != nil {
		return err
	}
	c.queueCtrl(id, http2.FramePriority)
	return nil
}

// SubmitAltSvc queues an RFC 7838 ALTSVC frame.
func (c *Codec) SubmitAltSvc(id uint32, origin, value string) error {
	payload := make([]byte, 2+len(origin)+len(value))
	binary.BigEndian.PutUint16(payload, uint16(len(origin))) //nolint:gosec // G115: origin length fits the wire field
	copy(payload[2:], origin)
	copy(payload[2+len(origin):], value)
	if err := c.wfr.WriteRawFrame(FrameAltSvc, 0, id, payload); err != nil {
		return err
	}
	c.queueCtrl(id, FrameAltSvc)
	return nil
}

func (c *Codec) armProvider(st *streamState) {
	if st.providing {
		return
	}
	st.providing = true
	st.deferred = false
	c.sendOrder = append(c.sendOrder, st.id)
}

// frameSendable decides whether a queued control frame may still go out.
// RST_STREAM, PRIORITY, WINDOW_UPDATE and connection-scoped frames are
// always sendable; anything else dies with its stream.
func (c *Codec) frameSendable(cf ctrlFrame) (bool, error) {
	if cf.streamID == 0 || cf.rst {
		return true, nil
	}
	switch cf.ft {
	case http2.FrameRSTStream, http2.FramePriority, http2.FrameWindowUpdate, FrameAltSvc:
		return true, nil
	}
	st := c.stream(cf.streamID)
	if st == nil {
		return false, session.ErrStreamClosed
	}
	if st.reset {
		return false, session.ErrStreamClosing
	}
	return true, nil
}

// WantsWrite reports whether GatherOutbound would produce bytes right now.
func (c *Codec) WantsWrite() bool {
	if c.role == session.RoleClient && !c.prefaceDone {
		return true
	}
	if len(c.ctrl) > 0 {
		return true
	}
	for _, id := range c.sendOrder {
		if st := c.stream(id); st != nil && st.providing && !st.deferred {
			return true
		}
	}
	return false
}

// FailPending drops every queued frame and disarms every payload provider,
// reporting each through the frame-not-sent event with cause.
func (c *Codec) FailPending(cause error) {
	ctrl := c.ctrl
	c.ctrl = nil
	for _, cf := range ctrl {
		c.ev.OnFrameNotSent(cf.streamID, cf.ft, cause)
	}
	order := append([]uint32(nil), c.sendOrder...)
	c.sendOrder = nil
	for _, id := range order {
		if st := c.stream(id); st != nil && st.providing {
			st.providing = false
			c.ev.OnFrameNotSent(id, http2.FrameData, cause)
		}
	}
}

// GatherOutbound drains everything sendable into the sink: the connection
// preface (client role) and queued control frames as copied byte runs, then
// DATA frames round-robin across providing streams while flow-control
// windows allow.
func (c *Codec) GatherOutbound(sink session.OutboundSink) error {
	if c.role == session.RoleClient && !c.prefaceDone {
		sink.CopyControl([]byte(clientPreface))
		c.prefaceDone = true
	}

	ctrl := c.ctrl
	c.ctrl = nil
	for _, cf := range ctrl {
		ok, cause := c.frameSendable(cf)
		if !ok {
			c.ev.OnFrameNotSent(cf.streamID, cf.ft, cause)
			continue
		}
		sink.CopyControl(cf.bytes)
		c.ev.OnFrameSent(cf.ft)
		if cf.rst {
			if st := c.stream(cf.streamID); st != nil {
				c.closeStream(st, cf.rstCode)
			}
			continue
		}
		if cf.endStream {
			if st := c.stream(cf.streamID); st != nil {
				st.localClosed = true
				c.maybeCloseStream(st, http2.ErrCodeNo)
			}
		}
	}

	for progress := true; progress; {
		progress = false
		order := append([]uint32(nil), c.sendOrder...)
		for _, id := range order {
			st := c.stream(id)
			if st == nil || !st.providing || st.deferred || st.reset {
				continue
			}
			if c.connSendWindow <= 0 {
				return nil
			}
			if st.sendWindow <= 0 {
				continue
			}
			if c.emitData(sink, st) {
				progress = true
			}
		}
	}
	return nil
}

// emitData produces at most one DATA frame for st; reports whether it made
// progress.
func (c *Codec) emitData(sink session.OutboundSink, st *streamState) bool {
	maxPayload := int(c.peerMaxFrame)
	if w := int(c.connSendWindow); w < maxPayload {
		maxPayload = w
	}
	if w := int(st.sendWindow); w < maxPayload {
		maxPayload = w
	}

	chunk := c.ev.ProvideData(st.id, maxPayload)
	if chunk.Deferred {
		st.deferred = true
		return false
	}
	n := chunk.Length
	if n == 0 && !chunk.EndStream {
		st.deferred = true
		return false
	}

	if n == 0 && chunk.EndStream && chunk.WantTrailers {
		// Nothing to flush; the trailing block carries END_STREAM.
		st.providing = false
		c.ev.OnWantTrailers(st.id)
		return true
	}

	padLimit := maxPayload
	if m := n + maxPadTotal; m < padLimit {
		padLimit = m
	}
	padded := c.ev.SelectPadding(n, padLimit)
	padLen := 0
	if padded > n {
		padLen = padded - n
	}

	payloadLen := n + padLen
	var flags http2.Flags
	if padLen > 0 {
		flags |= http2.FlagDataPadded
	}
	endStream := chunk.EndStream && !chunk.WantTrailers
	if endStream {
		flags |= http2.FlagDataEndStream
	}

	var hd [frameHeaderLen]byte
	hd[0] = byte(payloadLen >> 16)
	hd[1] = byte(payloadLen >> 8)
	hd[2] = byte(payloadLen)
	hd[3] = byte(http2.FrameData)
	hd[4] = byte(flags)
	binary.BigEndian.PutUint32(hd[5:], st.id&0x7fffffff)

	sink.SendData(st.id, hd, n, padLen)
	c.ev.OnFrameSent(http2.FrameData)
	c.connSendWindow -= int32(payloadLen) //nolint:gosec // G115: payloadLen bounded by the window
	st.sendWindow -= int32(payloadLen)    //nolint:gosec // G115: payloadLen bounded by the window

	if chunk.EndStream {
		st.providing = false
		if chunk.WantTrailers {
			c.ev.OnWantTrailers(st.id)
		} else {
			st.localClosed = true
			c.maybeCloseStream(st, http2.ErrCodeNo)
		}
	}
	return true
}
