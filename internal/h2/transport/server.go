// Package transport runs HTTP/2 sessions over gnet's event-loop engine. One
// Conn wraps each accepted connection and serves as the session's byte
// transport (vectored async writes) and deferred-task scheduler, keeping
// every session callback on the connection's event-loop goroutine.
package transport

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	gneterrors "github.com/panjf2000/gnet/v2/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/albertbausili/h2mux/internal/h2/codec"
	"github.com/albertbausili/h2mux/internal/h2/session"
)

// Bind wires a fresh connection to a session: build the session with c as
// its scheduler, bind the codec, submit the initial SETTINGS, and return it.
// It runs on the connection's event loop.
type Bind func(c *Conn) *session.Session

// Config defines the transport server options.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	Logger       *log.Logger
}

// Server implements the gnet event handler, hosting one session per
// connection.
type Server struct {
	gnet.BuiltinEventEngine
	bind         Bind
	addr         string
	multicore    bool
	numEventLoop int
	reusePort    bool
	logger       *log.Logger
	engine       gnet.Engine

	activeConns   []gnet.Conn
	activeConnsMu sync.Mutex
}

// NewServer creates a server that invokes bind for every accepted connection.
func NewServer(bind Bind, config Config) *Server {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Server{
		bind:         bind,
		addr:         config.Addr,
		multicore:    config.Multicore,
		numEventLoop: config.NumEventLoop,
		reusePort:    config.ReusePort,
		logger:       config.Logger,
	}
}

// Start runs the gnet engine; it blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.multicore),
		gnet.WithReusePort(s.reusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}
	if s.numEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.numEventLoop))
	}
	s.logger.Printf("Starting HTTP/2 server on %s", s.addr)
	return gnet.Run(s, "tcp://"+s.addr, options...)
}

// Stop shuts the server down: every live session sends GOAWAY on its own
// event loop, then connections are closed and the engine stopped.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("Initiating graceful shutdown...")

	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()

	for _, c := range conns {
		if conn, ok := c.Context().(*Conn); ok {
			conn.closing.Store(true)
			_ = c.Wake(nil)
		}
	}

	// Give the event loops a moment to flush GOAWAY frames.
	time.Sleep(50 * time.Millisecond)
	for _, c := range conns {
		_ = c.Close()
	}

	stopCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Printf("Error stopping gnet engine: %v", err)
	}
	s.logger.Println("Server shutdown complete")
	return nil
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Printf("HTTP/2 server is listening on %s (multicore: %v)", s.addr, s.multicore)
	return gnet.None
}

// OnOpen builds the per-connection session and stores it via Conn.Context.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	conn := &Conn{gc: c, logger: s.logger}
	conn.sess = s.bind(conn)
	if conn.sess == nil {
		return nil, gnet.Close
	}
	conn.sess.BindTransport(conn)
	c.SetContext(conn)

	s.activeConnsMu.Lock()
	s.activeConns = append(s.activeConns, c)
	s.activeConnsMu.Unlock()

	// Flush whatever bind submitted (initial SETTINGS, typically).
	conn.drain()
	return nil, gnet.None
}

// OnClose tears down the session for a connection the peer (or engine)
// closed.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*Conn); ok {
		conn.sess.Close(http2.ErrCodeNo, true)
		conn.drain()
	}

	s.activeConnsMu.Lock()
	for i, conn := range s.activeConns {
		if conn == c {
			s.activeConns[i] = s.activeConns[len(s.activeConns)-1]
			s.activeConns = s.activeConns[:len(s.activeConns)-1]
			break
		}
	}
	s.activeConnsMu.Unlock()

	if !expectedCloseErr(err) {
		s.logger.Printf("Connection closed with error: %v", err)
	}
	return gnet.None
}

// expectedCloseErr reports whether a connection-close error is part of normal
// engine shutdown rather than a failure worth logging.
func expectedCloseErr(err error) bool {
	return err == nil || errors.Is(err, gneterrors.ErrEngineShutdown)
}

// OnTraffic feeds inbound bytes to the session and runs its deferred tasks.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Conn)
	if !ok {
		s.logger.Printf("Connection context not found")
		return gnet.Close
	}

	if conn.closing.Load() {
		conn.sess.Close(http2.ErrCodeNo, false)
		conn.drain()
		return gnet.Close
	}

	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Printf("Error reading data: %v", err)
		return gnet.Close
	}
	if len(buf) > 0 {
		if rerr := conn.sess.Receive(buf); rerr != nil {
			conn.sess.Close(goawayCode(rerr), false)
			conn.drain()
			return gnet.Close
		}
	}
	conn.drain()
	return gnet.None
}

// goawayCode extracts the protocol error code a fatal receive error carries.
func goawayCode(err error) http2.ErrCode {
	var ce codec.ConnError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return http2.ErrCodeInternal
}

// Conn adapts one gnet connection to the session's Transport and Scheduler
// interfaces. All methods run on the connection's event-loop goroutine;
// closing is the only cross-thread member.
type Conn struct {
	gc     gnet.Conn
	sess   *session.Session
	logger *log.Logger

	loop     session.Loop
	draining bool

	closing atomic.Bool
}

// Session returns the session bound to this connection.
func (c *Conn) Session() *session.Session { return c.sess }

// RemoteAddr returns the peer address string.
func (c *Conn) RemoteAddr() string { return c.gc.RemoteAddr().String() }

// Defer implements session.Scheduler. Tasks run on the next drain, which
// follows every traffic and write-completion event.
func (c *Conn) Defer(fn func()) { c.loop.Defer(fn) }

// Write implements session.Transport: one vectored async write, with the
// completion routed back through the event loop.
func (c *Conn) Write(bufs [][]byte, done session.WriteDone) error {
	return c.gc.AsyncWritev(bufs, func(_ gnet.Conn, err error) error {
		done(err)
		c.drain()
		return nil
	})
}

// Close implements session.Transport.
func (c *Conn) Close() error { return c.gc.Close() }

// drain runs deferred session tasks until none remain. Guarded against
// re-entry: a task may trigger a write whose completion callback drains too.
func (c *Conn) drain() {
	if c.draining {
		return
	}
	c.draining = true
	c.loop.Drain()
	c.draining = false
}
