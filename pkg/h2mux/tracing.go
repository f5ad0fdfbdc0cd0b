package h2mux

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const tracerName = "h2mux"

var tracePropagator propagation.TextMapPropagator = propagation.TraceContext{}

// headerCarrier adapts a decoded header block to propagation.TextMapCarrier.
// Set is unused for extraction; inbound blocks are read-only.
type headerCarrier struct {
	headers []hpack.HeaderField
}

func (hc headerCarrier) Get(key string) string {
	for _, f := range hc.headers {
		if f.Name == key {
			return f.Value
		}
	}
	return ""
}

func (hc headerCarrier) Set(string, string) {}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.headers))
	for _, f := range hc.headers {
		keys = append(keys, f.Name)
	}
	return keys
}

// startStreamSpan opens a server span for one request exchange, extracting
// the parent context from the traceparent header when present.
func startStreamSpan(streamID uint32, headers []hpack.HeaderField) trace.Span {
	tracer := otel.Tracer(tracerName)
	parentCtx := tracePropagator.Extract(context.Background(), headerCarrier{headers: headers})

	var method, path, scheme, authority string
	for _, f := range headers {
		switch f.Name {
		case ":method":
			method = f.Value
		case ":path":
			path = f.Value
		case ":scheme":
			scheme = f.Value
		case ":authority":
			authority = f.Value
		}
	}

	_, span := tracer.Start(
		parentCtx,
		method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.target", path),
		attribute.String("http.scheme", scheme),
		attribute.String("http.host", authority),
		attribute.Int64("http2.stream_id", int64(streamID)),
	)
	return span
}

// endStreamSpan closes a stream span with a status derived from the terminal
// error code.
func endStreamSpan(span trace.Span, code http2.ErrCode) {
	if code != http2.ErrCodeNo {
		span.SetAttributes(attribute.String("http2.error_code", code.String()))
		span.SetStatus(codes.Error, code.String())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
