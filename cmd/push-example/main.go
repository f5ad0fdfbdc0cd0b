// Package main demonstrates HTTP/2 server push with h2mux: the homepage
// pushes its critical assets before the browser asks for them.
package main

import (
	"log"
	"os"
	"strconv"

	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/h2mux/pkg/h2mux"
)

var assets = map[string]struct {
	contentType string
	body        string
}{
	"/static/style.css": {"text/css", `
body {
    font-family: Arial, sans-serif;
    margin: 40px;
    background-color: #f0f0f0;
}

h1 {
    color: #333;
}
`},
	"/static/app.js": {"application/javascript", `
console.log('h2mux server push example');
console.log('This JavaScript was pushed by the server!');
`},
}

const homepage = `<!DOCTYPE html>
<html>
<head>
    <title>h2mux Server Push Example</title>
    <link rel="stylesheet" href="/static/style.css">
</head>
<body>
    <h1>Welcome to h2mux!</h1>
    <p>The CSS and JavaScript were pushed before you requested them.</p>
    <script src="/static/app.js"></script>
</body>
</html>`

func main() {
	config := h2mux.DefaultConfig()
	if addr := os.Getenv("EXAMPLE_ADDR"); addr != "" {
		config.Addr = addr
	}
	config.Logger = log.Default()

	server, err := h2mux.NewServer(config, h2mux.Callbacks{
		OnHeaders: onHeaders,
		OnError:   func(err error) { log.Printf("session error: %v", err) },
	})
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	log.Printf("Starting push example on %s", config.Addr)
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func onHeaders(st *h2mux.Stream, category h2mux.HeadersCategory, headers []hpack.HeaderField, endStream bool) {
	if category != h2mux.CategoryRequest || !endStream {
		return
	}
	var path, authority string
	for _, f := range headers {
		switch f.Name {
		case ":path":
			path = f.Value
		case ":authority":
			authority = f.Value
		}
	}

	if asset, ok := assets[path]; ok {
		respond(st, asset.contentType, []byte(asset.body))
		return
	}
	if path != "/" {
		respondStatus(st, 404, []byte("not found\n"))
		return
	}

	// Promise the assets before the homepage body so the peer sees the
	// reservations ahead of any references to them.
	for assetPath, asset := range assets {
		promised, err := st.PushPromise([]hpack.HeaderField{
			{Name: ":method", Value: "GET"},
			{Name: ":path", Value: assetPath},
			{Name: ":scheme", Value: "https"},
			{Name: ":authority", Value: authority},
		})
		if err != nil {
			// The peer may have push disabled; it will fetch normally.
			log.Printf("push not available for %s: %v", assetPath, err)
			continue
		}
		respond(promised, asset.contentType, []byte(asset.body))
	}
	respond(st, "text/html", []byte(homepage))
}

func respond(st *h2mux.Stream, contentType string, body []byte) {
	headers := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: contentType},
		{Name: "content-length", Value: strconv.Itoa(len(body))},
		{Name: "cache-control", Value: "max-age=3600"},
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

func respondStatus(st *h2mux.Stream, status int, body []byte) {
	headers := []hpack.HeaderField{
		{Name: ":status", Value: strconv.Itoa(status)},
		{Name: "content-type", Value: "text/plain"},
		{Name: "content-length", Value: strconv.Itoa(len(body))},
	}
	if err := st.Respond(headers, h2mux.StreamOptions{EndStream: len(body) == 0}); err != nil {
		return
	}
	if len(body) > 0 {
		_ = st.Write(body, nil)
		_ = st.Shutdown()
	}
}
