package session

// zeroPad backs every padding slice; 255 is the largest pad a frame can
// carry.
var zeroPad [255]byte

// outPart is one slice of an outbound batch: either an (off, n) range into
// the batch's scratch storage, or an external no-copy reference into a
// stream's queued write. Scratch ranges are resolved to concrete slices only
// at write time, since scratch may reallocate while the batch grows.
type outPart struct {
	off int
	n   int
	ext []byte

	// done, when set, is the completion handle of a fully-consumed queued
	// write; it fires with the batch's write status.
	done WriteDone
}

// outboundBatch aggregates everything one SendPendingData pass produces into
// a single ordered vectored write.
type outboundBatch struct {
	scratch []byte
	parts   []outPart

	// streams records which streams contributed no-copy payload, so their
	// destruction can be held back until the batch completes.
	streams map[uint32]struct{}
}

func (b *outboundBatch) reset() {
	b.scratch = b.scratch[:0]
	b.parts = b.parts[:0]
	for id := range b.streams {
		delete(b.streams, id)
	}
}

func (b *outboundBatch) empty() bool { return len(b.parts) == 0 }

// resolve materializes the final slice list. Must run after the batch has
// stopped growing.
func (b *outboundBatch) resolve() [][]byte {
	bufs := make([][]byte, len(b.parts))
	for i, p := range b.parts {
		if p.ext != nil {
			bufs[i] = p.ext
			continue
		}
		bufs[i] = b.scratch[p.off : p.off+p.n]
	}
	return bufs
}

// CopyControl implements OutboundSink: control and header bytes are copied
// into scratch storage, deferring address resolution until the batch is
// sealed.
func (s *Session) CopyControl(frame []byte) {
	b := &s.batch
	off := len(b.scratch)
	b.scratch = append(b.scratch, frame...)
	b.parts = append(b.parts, outPart{off: off, n: len(frame)})
}

// SendData implements OutboundSink: the frame header (and pad-length byte)
// is copied, then dataLen bytes are consumed from the stream's outbound
// queue without copying, splitting the head entry if it is longer than
// needed. A fully-consumed entry's completion handle rides on its final
// part. Padding is a reference into the shared zero array.
func (s *Session) SendData(streamID uint32, frameHeader [frameHeaderLen]byte, dataLen, padLen int) {
	b := &s.batch
	off := len(b.scratch)
	b.scratch = append(b.scratch, frameHeader[:]...)
	n := frameHeaderLen
	if padLen > 0 {
		b.scratch = append(b.scratch, byte(padLen-1))
		n++
	}
	b.parts = append(b.parts, outPart{off: off, n: n})

	st := s.streams[streamID]
	if st != nil && dataLen > 0 {
		remaining := dataLen
		for remaining > 0 && len(st.queue) > 0 {
			pw := &st.queue[0]
			take := len(pw.data)
			if take > remaining {
				take = remaining
			}
			part := outPart{ext: pw.data[:take]}
			if take == len(pw.data) {
				part.done = pw.done
				st.queue = st.queue[1:]
			} else {
				pw.data = pw.data[take:]
			}
			b.parts = append(b.parts, part)
			remaining -= take
		}
		consumed := dataLen - remaining
		st.available -= consumed
		s.mem.release(consumed)
		if b.streams == nil {
			b.streams = make(map[uint32]struct{})
		}
		b.streams[streamID] = struct{}{}
		s.stats.dataSent += uint64(consumed)
	}

	if padLen > 1 {
		b.parts = append(b.parts, outPart{ext: zeroPad[:padLen-1]})
	}
}
