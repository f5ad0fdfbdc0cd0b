// Package main runs a demo h2mux server: it echoes request bodies, serves a
// small greeting, and exposes Prometheus metrics on a sidecar HTTP listener.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/h2mux/pkg/h2mux"
)

func main() {
	config := h2mux.DefaultConfig()
	if addr := os.Getenv("EXAMPLE_ADDR"); addr != "" {
		config.Addr = addr
	}
	config.Logger = log.Default()
	// The demo keeps per-stream body state in a plain map shared across
	// sessions; run a single event loop so callbacks never race on it.
	config.Multicore = false
	config.NumEventLoop = 1

	server, err := h2mux.NewServer(config, h2mux.Callbacks{
		OnHeaders: onHeaders,
		OnData:    onData,
		OnStats: func(s h2mux.Stats) {
			log.Printf("session closed: %d streams, %d frames sent", s.StreamCount, s.FramesSent)
		},
		OnError: func(err error) { log.Printf("session error: %v", err) },
	})
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Metrics exposition on a plain HTTP sidecar.
	go func() {
		http.Handle("/metrics", h2mux.MetricsHandler())
		if err := http.ListenAndServe(":9090", nil); err != nil {
			log.Printf("metrics listener: %v", err)
		}
	}()

	go func() {
		log.Printf("Starting h2mux server on %s", config.Addr)
		if err := server.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Stop(ctx)
}

// pending accumulates request bodies per stream until end-of-stream.
var pending = map[*h2mux.Stream][]byte{}

func onHeaders(st *h2mux.Stream, category h2mux.HeadersCategory, headers []hpack.HeaderField, endStream bool) {
	if category != h2mux.CategoryRequest {
		return
	}
	var path string
	for _, f := range headers {
		if f.Name == ":path" {
			path = f.Value
		}
	}
	if !endStream {
		// Body follows; respond once it has been echoed back.
		pending[st] = nil
		return
	}
	body := []byte("hello from h2mux: " + path + "\n")
	respond(st, 200, body)
}

func onData(st *h2mux.Stream, p []byte, endStream bool) {
	pending[st] = append(pending[st], p...)
	st.Consume(len(p))
	if !endStream {
		return
	}
	body := pending[st]
	delete(pending, st)
	respond(st, 200, body)
}

func respond(st *h2mux.Stream, status int, body []byte) {
	headers := []hpack.HeaderField{
		{Name: ":status", Value: strconv.Itoa(status)},
		{Name: "content-type", Value: "text/plain"},
		{Name: "content-length", Value: strconv.Itoa(len(body))},
	}
	if err := st.Respond(headers, h2mux.StreamOptions{EndStream: len(body) == 0}); err != nil {
		log.Printf("respond stream %d: %v", st.ID(), err)
		return
	}
	if len(body) > 0 {
		_ = st.Write(body, nil)
		_ = st.Shutdown()
	}
}
