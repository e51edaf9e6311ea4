package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// syncBuffer is a log sink safe for the server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// instrumented is a relay-like mux behind Middleware with recording
// telemetry. The global tracer provider and default logger are swapped for
// the test's lifetime, so these tests do not run in parallel.
type instrumented struct {
	mux    *http.ServeMux
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	logs   *syncBuffer
}

func newInstrumented(t *testing.T) *instrumented {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(Views()...))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	logs := &syncBuffer{}
	origLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, nil)))
	t.Cleanup(func() { slog.SetDefault(origLog) })

	mw := Middleware(m)
	mux := http.NewServeMux()
	mux.Handle("GET /sessions/{id}", mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})))
	mux.Handle("GET /readyz", mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusServiceUnavailable)
	})))
	mux.Handle("/ws", mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	})))
	return &instrumented{mux: mux, reader: reader, spans: exp, logs: logs}
}

func (in *instrumented) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	in.mux.ServeHTTP(rec, req)
	return rec
}

func spanStatus(s tracetest.SpanStub) int64 {
	for _, a := range s.Attributes {
		if a.Key == "http.response.status_code" {
			return a.Value.AsInt64()
		}
	}
	return 0
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	in := newInstrumented(t)
	for _, id := range []string{"a1", "b2", "c3"} {
		in.do(httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil))
	}

	met := findMetric(collect(t, in.reader), metricHTTPDuration)
	if met == nil {
		t.Fatal("request duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want one series for the route", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value(attribute.Key("path")); v.AsString() != "/sessions/{id}" {
		t.Errorf("path label = %q, want the route pattern", v.AsString())
	}

	spans := in.spans.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if spans[0].Name != "GET /sessions/{id}" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if got := spanStatus(spans[0]); got != http.StatusNotFound {
		t.Errorf("span status = %d, want 404", got)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{"continues caller trace", "00-" + traceID + "-00f067aa0ba902b7-01", traceID},
		{"starts new trace", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newInstrumented(t)
			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := in.do(req)

			cid := rec.Header().Get("X-Correlation-ID")
			if len(cid) != 32 {
				t.Fatalf("X-Correlation-ID = %q, want a 32-char trace ID", cid)
			}
			if tt.want != "" && cid != tt.want {
				t.Errorf("X-Correlation-ID = %q, want %q", cid, tt.want)
			}
			if seen := rec.Header().Get("X-Seen-Correlation"); seen != cid {
				t.Errorf("handler saw correlation %q, response carries %q", seen, cid)
			}
			if !strings.Contains(rec.Header().Get("traceparent"), cid) {
				t.Errorf("traceparent %q does not carry %s", rec.Header().Get("traceparent"), cid)
			}
			if !strings.Contains(in.logs.String(), "trace_id="+cid) {
				t.Errorf("completion log missing trace_id, got: %s", in.logs.String())
			}
		})
	}
}

func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	in := newInstrumented(t)
	srv := httptest.NewServer(in.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial through middleware: %v", err)
	}
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("Read = %v, want normal closure", err)
	}
	conn.CloseNow()

	deadline := time.Now().Add(3 * time.Second)
	for len(in.spans.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	spans := in.spans.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span recorded for the upgrade")
	}
	if got := spanStatus(spans[0]); got != http.StatusSwitchingProtocols {
		t.Errorf("span status = %d, want 101", got)
	}
	if !strings.Contains(in.logs.String(), "upgraded=true") {
		t.Errorf("completion log missing upgraded=true, got: %s", in.logs.String())
	}
}
