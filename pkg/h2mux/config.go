// Package h2mux provides an HTTP/2 connection multiplexing server built on a
// gnet event-loop transport. Applications receive raw header blocks and data
// chunks per stream and drive responses through the Stream API.
package h2mux

import (
	"io"
	"log"

	"github.com/albertbausili/h2mux/internal/h2/codec"
	"github.com/albertbausili/h2mux/internal/h2/session"
)

// PaddingStrategy selects how outbound frame padding is chosen.
type PaddingStrategy = session.PaddingStrategy

const (
	PaddingNone     = session.PaddingNone
	PaddingAligned  = session.PaddingAligned
	PaddingMax      = session.PaddingMax
	PaddingCallback = session.PaddingCallback
)

// Config holds the server configuration options.
type Config struct {
	Addr         string // Server address to bind to
	Multicore    bool   // Enable multicore mode for better performance
	NumEventLoop int    // Number of event loops (0 for auto-detect)
	ReusePort    bool   // Enable SO_REUSEPORT for load balancing

	MaxConcurrentStreams uint32 // Maximum concurrent streams per session
	MaxFrameSize         uint32 // Maximum inbound frame payload size
	InitialWindowSize    uint32 // Initial per-stream flow control window
	HeaderTableSize      uint32 // Advertised HPACK dynamic table size

	MaxHeaderListPairs         uint32 // Maximum header pairs per block
	MaxOutstandingPings        int    // Outstanding PING queue bound
	MaxOutstandingSettings     int    // Outstanding SETTINGS queue bound
	MaxSessionMemory           uint64 // Advisory per-session memory budget, bytes
	MaxSendHeaderBlockLength   int    // Reject larger encoded header blocks (0 = unlimited)
	MaxReservedRemoteStreams   uint32 // Concurrently reserved pushed streams
	MaxDeflateDynamicTableSize uint32 // Cap on the outbound HPACK dynamic table

	Padding PaddingStrategy // Outbound frame padding strategy

	Logger *log.Logger // Logger for server events
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                       ":8080",
		Multicore:                  true,
		NumEventLoop:               0, // Auto-detect
		ReusePort:                  true,
		MaxConcurrentStreams:       100,
		MaxFrameSize:               16384,
		InitialWindowSize:          65535,
		HeaderTableSize:            4096,
		MaxHeaderListPairs:         128,
		MaxOutstandingPings:        10,
		MaxOutstandingSettings:     10,
		MaxSessionMemory:           10 << 20, // 10 MB
		MaxDeflateDynamicTableSize: 4096,
		Padding:                    PaddingNone,
		Logger:                     newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1 << 24) - 1
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.InitialWindowSize > (1<<31)-1 {
		c.InitialWindowSize = (1 << 31) - 1
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = 4096
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// sessionOptions maps the public config onto the engine's option set.
func (c *Config) sessionOptions() session.Options {
	return session.Options{
		PeerMaxConcurrentStreams: c.MaxConcurrentStreams,
		MaxHeaderListPairs:       c.MaxHeaderListPairs,
		MaxOutstandingPings:      c.MaxOutstandingPings,
		MaxOutstandingSettings:   c.MaxOutstandingSettings,
		MaxSessionMemory:         c.MaxSessionMemory,
		Padding:                  c.Padding,
	}
}

// codecConfig maps the public config onto the codec's option set.
func (c *Config) codecConfig() codec.Config {
	return codec.Config{
		MaxDeflateDynamicTableSize: c.MaxDeflateDynamicTableSize,
		MaxSendHeaderBlockLength:   c.MaxSendHeaderBlockLength,
		MaxReservedRemoteStreams:   c.MaxReservedRemoteStreams,
		MaxFrameSize:               c.MaxFrameSize,
		Logger:                     c.Logger,
	}
}
