package h2mux

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/h2mux/internal/h2/codec"
	"github.com/albertbausili/h2mux/internal/h2/session"
	"github.com/albertbausili/h2mux/internal/h2/transport"
)

// Re-exported engine types so applications work against this package alone.
type (
	Session         = session.Session
	Stream          = session.Stream
	Callbacks       = session.Callbacks
	Stats           = session.Stats
	StreamOptions   = session.StreamOptions
	HeadersCategory = session.HeadersCategory
	PingDone        = session.PingDone
	SettingsDone    = session.SettingsDone
	WriteDone       = session.WriteDone
)

const (
	CategoryRequest  = session.CategoryRequest
	CategoryResponse = session.CategoryResponse
	CategoryPush     = session.CategoryPush
	CategoryHeaders  = session.CategoryHeaders
)

// Admission and teardown sentinels surfaced by the engine.
var (
	ErrTooManyStreams = session.ErrTooManyStreams
	ErrOutOfMemory    = session.ErrOutOfMemory
	ErrTooManyPings   = session.ErrTooManyPings
	ErrSessionClosed  = session.ErrSessionClosed
	ErrWriteCanceled  = session.ErrWriteCanceled
	ErrEndOfStream    = session.ErrEndOfStream
)

// Server multiplexes HTTP/2 sessions over the gnet transport, one session per
// accepted connection. The application observes streams through Callbacks;
// every callback runs on the owning connection's event-loop goroutine.
type Server struct {
	config Config
	cb     Callbacks
	srv    *transport.Server
}

// NewServer builds a server that invokes cb for stream events on every
// connection.
func NewServer(config Config, cb Callbacks) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Server{config: config, cb: cb}
	s.srv = transport.NewServer(s.bindConn, transport.Config{
		Addr:         config.Addr,
		Multicore:    config.Multicore,
		NumEventLoop: config.NumEventLoop,
		ReusePort:    config.ReusePort,
		Logger:       config.Logger,
	})
	return s, nil
}

// Start runs the server; it blocks until the engine stops.
func (s *Server) Start() error { return s.srv.Start() }

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error { return s.srv.Stop(ctx) }

// bindConn wires one accepted connection: session, codec, instrumentation,
// and the initial SETTINGS exchange.
func (s *Server) bindConn(c *transport.Conn) *session.Session {
	cb := s.instrument(s.cb)
	sess := session.New(session.RoleServer, s.config.sessionOptions(), cb, c, s.config.Logger)
	cd := codec.New(session.RoleServer, s.config.codecConfig(), sess)
	sess.BindCodec(cd)
	sessionsActive.Inc()

	if err := sess.Settings([]http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: s.config.HeaderTableSize},
		{ID: http2.SettingMaxConcurrentStreams, Val: s.config.MaxConcurrentStreams},
		{ID: http2.SettingMaxFrameSize, Val: s.config.MaxFrameSize},
		{ID: http2.SettingInitialWindowSize, Val: s.config.InitialWindowSize},
	}, nil); err != nil {
		s.config.Logger.Printf("h2mux: initial SETTINGS failed: %v", err)
	}
	return sess
}

// instrument layers metrics and tracing over the application callbacks. Span
// state is per connection; callbacks for one connection never race.
func (s *Server) instrument(app Callbacks) Callbacks {
	spans := make(map[uint32]trace.Span)
	cb := app

	cb.OnHeaders = func(st *Stream, category HeadersCategory, headers []hpack.HeaderField, endStream bool) {
		if category == CategoryRequest {
			streamsTotal.Inc()
			spans[st.ID()] = startStreamSpan(st.ID(), headers)
		}
		if app.OnHeaders != nil {
			app.OnHeaders(st, category, headers, endStream)
		}
	}
	cb.OnStreamClose = func(st *Stream, code http2.ErrCode) bool {
		if span, ok := spans[st.ID()]; ok {
			delete(spans, st.ID())
			endStreamSpan(span, code)
		}
		if app.OnStreamClose != nil {
			return app.OnStreamClose(st, code)
		}
		return false
	}
	cb.OnError = func(err error) {
		sessionErrorsTotal.Inc()
		if app.OnError != nil {
			app.OnError(err)
			return
		}
		s.config.Logger.Printf("h2mux: session error: %v", err)
	}
	cb.OnStats = func(stats Stats) {
		sessionsActive.Dec()
		observeSessionStats(stats)
		if app.OnStats != nil {
			app.OnStats(stats)
		}
	}
	return cb
}
