package session

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// fakeCodec records submissions and lets tests script gather behavior.
type fakeCodec struct {
	wants  bool
	gather func(sink OutboundSink)

	pings      [][8]byte
	settings   [][]http2.Setting
	goaways    []goawayCall
	rsts       []rstCall
	trailers   []trailersCall
	responses  []uint32
	consumed   map[uint32]int
	resumed    []uint32
	failedWith []error

	gatherCalls int
	nextID      uint32
}

type goawayCall struct {
	code http2.ErrCode
	last uint32
}

type rstCall struct {
	id   uint32
	code http2.ErrCode
}

type trailersCall struct {
	id       uint32
	trailers []hpack.HeaderField
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{consumed: make(map[uint32]int), nextID: 1}
}

func (f *fakeCodec) Receive([]byte) error { return nil }
func (f *fakeCodec) WantsWrite() bool     { return f.wants }

func (f *fakeCodec) GatherOutbound(sink OutboundSink) error {
	f.gatherCalls++
	if f.gather != nil {
		f.gather(sink)
	}
	return nil
}

func (f *fakeCodec) FailPending(cause error) { f.failedWith = append(f.failedWith, cause) }

func (f *fakeCodec) SubmitRequest([]hpack.HeaderField, *http2.PriorityParam, StreamOptions) (uint32, error) {
	id := f.nextID
	f.nextID += 2
	return id, nil
}

func (f *fakeCodec) SubmitResponse(id uint32, _ []hpack.HeaderField, _ StreamOptions) error {
	f.responses = append(f.responses, id)
	return nil
}

func (f *fakeCodec) SubmitInfo(uint32, []hpack.HeaderField) error { return nil }

func (f *fakeCodec) SubmitTrailers(id uint32, trailers []hpack.HeaderField) error {
	f.trailers = append(f.trailers, trailersCall{id: id, trailers: trailers})
	return nil
}

func (f *fakeCodec) SubmitPushPromise(uint32, []hpack.HeaderField) (uint32, error) {
	id := f.nextID
	f.nextID += 2
	return id, nil
}

func (f *fakeCodec) SubmitSettings(entries []http2.Setting) error {
	f.settings = append(f.settings, entries)
	return nil
}

func (f *fakeCodec) SubmitPing(payload [8]byte) error {
	f.pings = append(f.pings, payload)
	return nil
}

func (f *fakeCodec) SubmitGoaway(code http2.ErrCode, last uint32, _ []byte) error {
	f.goaways = append(f.goaways, goawayCall{code: code, last: last})
	return nil
}

func (f *fakeCodec) SubmitRstStream(id uint32, code http2.ErrCode) {
	f.rsts = append(f.rsts, rstCall{id: id, code: code})
}

func (f *fakeCodec) SubmitPriority(uint32, http2.PriorityParam) error { return nil }
func (f *fakeCodec) SubmitAltSvc(uint32, string, string) error        { return nil }
func (f *fakeCodec) ResumeData(id uint32)                             { f.resumed = append(f.resumed, id) }
func (f *fakeCodec) Consume(id uint32, n int)                         { f.consumed[id] += n }
func (f *fakeCodec) SetNextStreamID(uint32) error                     { return nil }
func (f *fakeCodec) MaxFrameSize() int                                { return 16384 }
func (f *fakeCodec) PeerMaxConcurrentStreams() uint32                 { return 1<<32 - 1 }

// fakeTransport captures vectored writes; completions fire on demand.
type fakeTransport struct {
	writes [][][]byte
	dones  []WriteDone
	auto   bool
	closed bool
}

func (t *fakeTransport) Write(bufs [][]byte, done WriteDone) error {
	if t.auto {
		done(nil)
		return nil
	}
	t.writes = append(t.writes, bufs)
	t.dones = append(t.dones, done)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func (t *fakeTransport) complete(i int, err error) {
	t.dones[i](err)
}

type harness struct {
	sess  *Session
	codec *fakeCodec
	tr    *fakeTransport
	loop  *Loop
}

func newHarness(t *testing.T, role Role, opts Options, cb Callbacks) *harness {
	t.Helper()
	loop := &Loop{}
	sess := New(role, opts, cb, loop, nil)
	fc := newFakeCodec()
	if role == RoleServer {
		fc.nextID = 2
	}
	sess.BindCodec(fc)
	tr := &fakeTransport{auto: true}
	sess.BindTransport(tr)
	return &harness{sess: sess, codec: fc, tr: tr, loop: loop}
}

func TestPingAckFIFOOrder(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})

	var order []int
	var rtts []time.Duration
	p1 := [8]byte{1}
	p2 := [8]byte{2}

	err := h.sess.Ping(p1, func(err error, rtt time.Duration, payload [8]byte) {
		if err != nil {
			t.Errorf("first ping failed: %v", err)
		}
		if payload != p1 {
			t.Errorf("first ack payload = %v, want %v", payload, p1)
		}
		order = append(order, 1)
		rtts = append(rtts, rtt)
	})
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	err = h.sess.Ping(p2, func(err error, rtt time.Duration, payload [8]byte) {
		if payload != p2 {
			t.Errorf("second ack payload = %v, want %v", payload, p2)
		}
		order = append(order, 2)
		rtts = append(rtts, rtt)
	})
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}

	h.sess.OnPing(true, p1)
	h.sess.OnPing(true, p2)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("completion order = %v, want [1 2]", order)
	}
	for i, rtt := range rtts {
		if rtt < 0 {
			t.Errorf("rtt[%d] = %v, want non-negative", i, rtt)
		}
	}
}

func TestPingCapacity(t *testing.T) {
	h := newHarness(t, RoleClient, Options{MaxOutstandingPings: 1}, Callbacks{})

	if err := h.sess.Ping([8]byte{1}, nil); err != nil {
		t.Fatalf("first ping: %v", err)
	}
	called := false
	err := h.sess.Ping([8]byte{2}, func(error, time.Duration, [8]byte) { called = true })
	if !errors.Is(err, ErrTooManyPings) {
		t.Errorf("second ping error = %v, want ErrTooManyPings", err)
	}
	if called {
		t.Error("rejected ping's completion must not be retained")
	}
	if len(h.codec.pings) != 1 {
		t.Errorf("submitted pings = %d, want 1", len(h.codec.pings))
	}
}

func TestPingZeroPayloadDefaulted(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})
	if err := h.sess.Ping([8]byte{}, nil); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if h.codec.pings[0] == ([8]byte{}) {
		t.Error("zero payload was not replaced")
	}
}

func TestUnsolicitedAckFatalOnce(t *testing.T) {
	var got []error
	h := newHarness(t, RoleClient, Options{}, Callbacks{
		OnError: func(err error) { got = append(got, err) },
	})

	h.sess.OnPing(true, [8]byte{})
	h.sess.OnSettings(true, nil)

	if len(got) != 1 {
		t.Fatalf("error count = %d, want 1", len(got))
	}
	if !errors.Is(got[0], ErrUnsolicitedAck) {
		t.Errorf("error = %v, want ErrUnsolicitedAck", got[0])
	}
}

func TestCloseFailsPingsOnNextTurn(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})

	var pingErr error
	fired := false
	_ = h.sess.Ping([8]byte{1}, func(err error, _ time.Duration, _ [8]byte) {
		fired = true
		pingErr = err
	})

	h.sess.Close(http2.ErrCodeNo, true)
	if fired {
		t.Fatal("ping completion fired inline from Close")
	}
	if h.sess.CurrentMemory() != 0 {
		t.Errorf("memory after close = %d, want 0", h.sess.CurrentMemory())
	}

	h.loop.Tick()
	if !fired {
		t.Fatal("ping completion did not fire on the next turn")
	}
	if !errors.Is(pingErr, ErrSessionClosed) {
		t.Errorf("ping error = %v, want ErrSessionClosed", pingErr)
	}
}

func TestCloseSubmitsGoawayOnce(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})

	h.sess.Close(http2.ErrCodeInternal, false)
	h.sess.Close(http2.ErrCodeInternal, false)

	if len(h.codec.goaways) != 1 {
		t.Fatalf("goaway count = %d, want 1", len(h.codec.goaways))
	}
	if h.codec.goaways[0].code != http2.ErrCodeInternal {
		t.Errorf("goaway code = %v, want INTERNAL_ERROR", h.codec.goaways[0].code)
	}
	if len(h.codec.failedWith) == 0 || !errors.Is(h.codec.failedWith[0], ErrSessionClosing) {
		t.Errorf("FailPending cause = %v, want ErrSessionClosing", h.codec.failedWith)
	}
}

func TestCloseEmitsStatsOnce(t *testing.T) {
	count := 0
	h := newHarness(t, RoleServer, Options{}, Callbacks{
		OnStats: func(Stats) { count++ },
	})
	h.sess.Close(http2.ErrCodeNo, true)
	h.sess.Close(http2.ErrCodeNo, true)
	if count != 1 {
		t.Errorf("OnStats fired %d times, want 1", count)
	}
}

func TestOpenStreamCeiling(t *testing.T) {
	h := newHarness(t, RoleClient, Options{PeerMaxConcurrentStreams: 1}, Callbacks{})

	if _, err := h.sess.OpenStream(nil, nil, StreamOptions{}); err != nil {
		t.Fatalf("first stream: %v", err)
	}
	_, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if !errors.Is(err, ErrTooManyStreams) {
		t.Errorf("second stream error = %v, want ErrTooManyStreams", err)
	}
}

func TestOpenStreamMemoryBudget(t *testing.T) {
	h := newHarness(t, RoleClient, Options{MaxSessionMemory: streamMemoryCost}, Callbacks{})

	if _, err := h.sess.OpenStream(nil, nil, StreamOptions{}); err != nil {
		t.Fatalf("first stream: %v", err)
	}
	_, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("second stream error = %v, want ErrOutOfMemory", err)
	}
}

func TestInboundAdmissionResetsStream(t *testing.T) {
	h := newHarness(t, RoleServer, Options{PeerMaxConcurrentStreams: 1}, Callbacks{})

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("first stream: %v", err)
	}
	err := h.sess.OnHeadersBegin(3, CategoryRequest)
	if !errors.Is(err, ErrTooManyStreams) {
		t.Errorf("admission error = %v, want ErrTooManyStreams", err)
	}
	if len(h.codec.rsts) != 1 || h.codec.rsts[0] != (rstCall{3, http2.ErrCodeEnhanceYourCalm}) {
		t.Errorf("rsts = %v, want one ENHANCE_YOUR_CALM on stream 3", h.codec.rsts)
	}
}

func TestHeaderPairBudgetResetsStream(t *testing.T) {
	h := newHarness(t, RoleServer, Options{MaxHeaderListPairs: 4}, Callbacks{})

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := h.sess.OnHeaderPair(1, "k", "v", false); err != nil {
			t.Fatalf("pair %d rejected: %v", i, err)
		}
	}
	err := h.sess.OnHeaderPair(1, "k", "v", false)
	if !errors.Is(err, ErrHeaderBudget) {
		t.Errorf("fifth pair error = %v, want ErrHeaderBudget", err)
	}
	if len(h.codec.rsts) != 1 || h.codec.rsts[0].code != http2.ErrCodeEnhanceYourCalm {
		t.Errorf("rsts = %v, want ENHANCE_YOUR_CALM", h.codec.rsts)
	}
}

func TestHeaderMemoryAccounting(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	base := h.sess.CurrentMemory()
	if err := h.sess.OnHeaderPair(1, "name", "value", false); err != nil {
		t.Fatalf("OnHeaderPair: %v", err)
	}
	want := base + uint64(len("name")+len("value")+headerPairOverhead)
	if h.sess.CurrentMemory() != want {
		t.Errorf("memory = %d, want %d", h.sess.CurrentMemory(), want)
	}
}

func TestGoawayDefaultsToLastProcessedStream(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})

	if err := h.sess.OnHeadersBegin(5, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	if err := h.sess.Goaway(http2.ErrCodeNo, 0, nil); err != nil {
		t.Fatalf("Goaway: %v", err)
	}
	if h.codec.goaways[0].last != 5 {
		t.Errorf("last stream id = %d, want 5", h.codec.goaways[0].last)
	}
}

func TestFrameNotSentAllowList(t *testing.T) {
	var reported []error
	h := newHarness(t, RoleServer, Options{}, Callbacks{
		OnFrameError: func(_ uint32, _ http2.FrameType, cause error) {
			reported = append(reported, cause)
		},
	})

	for _, cause := range []error{ErrSessionClosing, ErrStreamClosed, ErrStreamClosing} {
		h.sess.OnFrameNotSent(1, http2.FrameData, cause)
	}
	if len(reported) != 0 {
		t.Fatalf("teardown causes reported: %v", reported)
	}

	boom := errors.New("transport exploded")
	h.sess.OnFrameNotSent(1, http2.FrameData, boom)
	if len(reported) != 1 || !errors.Is(reported[0], boom) {
		t.Errorf("reported = %v, want [%v]", reported, boom)
	}
}

func TestDestroyDefersFinalize(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})

	st, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	var writeErr error
	fired := false
	if err := st.Write([]byte("abc"), func(err error) {
		fired = true
		writeErr = err
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	st.Destroy()
	if fired {
		t.Fatal("queued write canceled inline from Destroy")
	}
	if h.sess.Stream(st.ID()) != nil {
		t.Error("destroyed stream still registered")
	}

	h.loop.Tick()
	if !fired {
		t.Fatal("queued write not canceled on the next turn")
	}
	if !errors.Is(writeErr, ErrWriteCanceled) {
		t.Errorf("write error = %v, want ErrWriteCanceled", writeErr)
	}
	if h.sess.CurrentMemory() != 0 {
		t.Errorf("memory after finalize = %d, want 0", h.sess.CurrentMemory())
	}
}

func TestDestroyRedeferredWhileBatchInFlight(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})
	h.tr.auto = false

	st, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := st.Write([]byte("abc"), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// One DATA frame referencing the stream's queued bytes.
	h.codec.wants = true
	h.codec.gather = func(sink OutboundSink) {
		sink.SendData(st.ID(), [9]byte{}, 3, 0)
		h.codec.gather = nil
	}
	h.sess.SendPendingData()
	if len(h.tr.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(h.tr.writes))
	}

	st.Destroy()
	h.loop.Tick()
	if h.sess.CurrentMemory() == 0 {
		t.Fatal("finalize ran while the batch still referenced the stream")
	}

	h.tr.complete(0, nil)
	h.loop.Tick()
	if h.sess.CurrentMemory() != 0 {
		t.Errorf("memory after completion = %d, want 0", h.sess.CurrentMemory())
	}
}

func TestRstDeferredWhileWriteInFlight(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})
	h.tr.auto = false

	st, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	h.codec.wants = true
	h.codec.gather = func(sink OutboundSink) {
		sink.CopyControl([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0})
		h.codec.gather = nil
		h.codec.wants = false
	}
	h.sess.SendPendingData()

	st.SubmitRstStream(http2.ErrCodeCancel)
	if len(h.codec.rsts) != 0 {
		t.Fatal("reset submitted while a write was in flight")
	}

	gatherBefore := h.codec.gatherCalls
	h.tr.complete(0, nil)
	if len(h.codec.rsts) != 1 || h.codec.rsts[0] != (rstCall{st.ID(), http2.ErrCodeCancel}) {
		t.Fatalf("rsts = %v, want CANCEL on stream %d", h.codec.rsts, st.ID())
	}
	if h.codec.gatherCalls != gatherBefore+1 {
		t.Errorf("gather calls after completion = %d, want exactly one re-send", h.codec.gatherCalls-gatherBefore)
	}
}

func TestSendPendingDataBusyWhileInFlight(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})
	h.tr.auto = false

	h.codec.wants = true
	h.codec.gather = func(sink OutboundSink) {
		sink.CopyControl([]byte{1})
		h.codec.gather = nil
	}
	if busy := h.sess.SendPendingData(); busy {
		t.Fatal("first send reported busy")
	}
	if busy := h.sess.SendPendingData(); !busy {
		t.Error("send while write in flight did not report busy")
	}
}

func TestOnDataAutoConsumesWithoutCallback(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	h.sess.OnData(1, []byte("hello"), false)
	if h.codec.consumed[1] != 5 {
		t.Errorf("auto-consumed = %d, want 5", h.codec.consumed[1])
	}
}

func TestOnDataInstalledCallbackOwnsCredit(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{
		OnData: func(*Stream, []byte, bool) {},
	})

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	h.sess.OnData(1, []byte("hello"), false)
	if h.codec.consumed[1] != 0 {
		t.Errorf("credit replenished automatically: %d", h.codec.consumed[1])
	}
}

func TestStreamCloseOwnership(t *testing.T) {
	owned := true
	h := newHarness(t, RoleServer, Options{}, Callbacks{
		OnStreamClose: func(*Stream, http2.ErrCode) bool { return owned },
	})

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	st := h.sess.Stream(1)
	h.sess.OnStreamClose(1, http2.ErrCodeNo)
	if st.State() == StateDestroyed {
		t.Error("owned stream destroyed by the session")
	}
	st.Destroy()

	owned = false
	if err := h.sess.OnHeadersBegin(3, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	st3 := h.sess.Stream(3)
	h.sess.OnStreamClose(3, http2.ErrCodeNo)
	if st3.State() != StateDestroyed {
		t.Errorf("unowned stream state = %v, want destroyed", st3.State())
	}
}

func TestWantTrailersDefaultsToEmptyBlock(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	h.sess.OnWantTrailers(1)
	if len(h.codec.trailers) != 1 || h.codec.trailers[0].id != 1 || h.codec.trailers[0].trailers != nil {
		t.Errorf("trailers = %+v, want one empty block on stream 1", h.codec.trailers)
	}
}

func TestProvideDataUnknownStreamEndsStream(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})
	chunk := h.sess.ProvideData(99, 1024)
	if !chunk.EndStream || chunk.Length != 0 {
		t.Errorf("chunk = %+v, want bare EndStream", chunk)
	}
}

func TestProvideDataSplitsQueueHead(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})

	st, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := st.Write(make([]byte, 100), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	chunk := h.sess.ProvideData(st.ID(), 30)
	if chunk.Length != 30 || chunk.EndStream {
		t.Errorf("chunk = %+v, want 30 bytes, stream open", chunk)
	}
}

func TestProvideDataDrainAfterShutdown(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})

	st, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := st.Write([]byte("tail"), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	chunk := h.sess.ProvideData(st.ID(), 1024)
	if chunk.Length != 4 || !chunk.EndStream {
		t.Errorf("chunk = %+v, want 4 bytes with EndStream", chunk)
	}
}

func TestProvideDataDeferredSignalsReady(t *testing.T) {
	readyCount := 0
	h := newHarness(t, RoleClient, Options{}, Callbacks{
		OnDataReady: func(*Stream) { readyCount++ },
	})

	st, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	chunk := h.sess.ProvideData(st.ID(), 1024)
	if !chunk.Deferred {
		t.Errorf("chunk = %+v, want Deferred", chunk)
	}
	if readyCount != 1 {
		t.Errorf("OnDataReady fired %d times, want 1", readyCount)
	}
}

func TestZeroLengthWritesCompleteOnPoll(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})

	st, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	var zeroErr error
	fired := false
	if err := st.Write(nil, func(err error) {
		fired = true
		zeroErr = err
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := st.Write([]byte("x"), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	chunk := h.sess.ProvideData(st.ID(), 1024)
	if !fired || zeroErr != nil {
		t.Errorf("zero-length write completion fired=%v err=%v, want fired with nil", fired, zeroErr)
	}
	if chunk.Length != 1 {
		t.Errorf("chunk length = %d, want 1", chunk.Length)
	}
}

func TestWriteAfterShutdownFails(t *testing.T) {
	h := newHarness(t, RoleClient, Options{}, Callbacks{})

	st, err := h.sess.OpenStream(nil, nil, StreamOptions{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := st.Write([]byte("late"), nil); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Write after Shutdown = %v, want ErrEndOfStream", err)
	}
}

func TestStatsSnapshot(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})

	h.sess.OnFrameReceived(http2.FrameHeaders)
	h.sess.OnFrameReceived(http2.FrameData)
	h.sess.OnFrameSent(http2.FrameSettings)
	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	h.sess.OnData(1, []byte("1234"), false)

	s := h.sess.Stats()
	if s.FramesReceived != 2 {
		t.Errorf("FramesReceived = %d, want 2", s.FramesReceived)
	}
	if s.FramesSent != 1 {
		t.Errorf("FramesSent = %d, want 1", s.FramesSent)
	}
	if s.DataReceived != 4 {
		t.Errorf("DataReceived = %d, want 4", s.DataReceived)
	}
	if s.StreamCount != 1 || s.MaxConcurrentStreams != 1 {
		t.Errorf("stream counters = %d/%d, want 1/1", s.StreamCount, s.MaxConcurrentStreams)
	}
}

func TestReceiveAfterCloseIsNoop(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})
	h.sess.Close(http2.ErrCodeNo, true)
	if err := h.sess.Receive([]byte("garbage")); err != nil {
		t.Errorf("Receive after close = %v, want nil", err)
	}
}

func TestTrailingBlockLeavesEarlierHeadersIntact(t *testing.T) {
	var blocks [][]hpack.HeaderField
	h := newHarness(t, RoleServer, Options{}, Callbacks{
		OnHeaders: func(_ *Stream, _ HeadersCategory, headers []hpack.HeaderField, _ bool) {
			blocks = append(blocks, headers)
		},
	})

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	if err := h.sess.OnHeaderPair(1, ":method", "GET", false); err != nil {
		t.Fatalf("OnHeaderPair: %v", err)
	}
	if err := h.sess.OnHeaderPair(1, ":path", "/a", false); err != nil {
		t.Fatalf("OnHeaderPair: %v", err)
	}
	h.sess.OnHeadersComplete(1, false)

	if err := h.sess.OnHeadersBegin(1, CategoryHeaders); err != nil {
		t.Fatalf("trailing OnHeadersBegin: %v", err)
	}
	if err := h.sess.OnHeaderPair(1, "grpc-status", "0", false); err != nil {
		t.Fatalf("trailing OnHeaderPair: %v", err)
	}
	h.sess.OnHeadersComplete(1, true)

	if len(blocks) != 2 {
		t.Fatalf("delivered blocks = %d, want 2", len(blocks))
	}
	first := blocks[0]
	if len(first) != 2 || first[0].Value != "GET" || first[1].Value != "/a" {
		t.Errorf("retained request block = %v, corrupted by trailing block", first)
	}
	if len(blocks[1]) != 1 || blocks[1][0].Name != "grpc-status" {
		t.Errorf("trailing block = %v", blocks[1])
	}
}

func TestStreamSubmissionsScheduleWrites(t *testing.T) {
	h := newHarness(t, RoleServer, Options{}, Callbacks{})
	h.codec.wants = true

	if err := h.sess.OnHeadersBegin(1, CategoryRequest); err != nil {
		t.Fatalf("OnHeadersBegin: %v", err)
	}
	st := h.sess.Stream(1)
	if st == nil {
		t.Fatal("stream 1 not adopted")
	}

	if err := st.Respond(nil, StreamOptions{}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := st.Info(nil); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if err := st.SubmitTrailers(nil); err != nil {
		t.Fatalf("SubmitTrailers: %v", err)
	}
	if err := st.SubmitPriority(http2.PriorityParam{Weight: 1}); err != nil {
		t.Fatalf("SubmitPriority: %v", err)
	}
	st.Consume(10)

	if len(h.codec.responses) != 1 || len(h.codec.trailers) != 1 || h.codec.consumed[1] != 10 {
		t.Errorf("submissions not recorded: responses=%v trailers=%v consumed=%v",
			h.codec.responses, h.codec.trailers, h.codec.consumed)
	}
	// All five submissions coalesce into the one scheduled send pass.
	h.loop.Tick()
	if h.codec.gatherCalls != 1 {
		t.Errorf("gather calls = %d, want 1", h.codec.gatherCalls)
	}
}
