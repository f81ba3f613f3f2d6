package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// fakeUpstream is an httptest MCP server speaking the legacy HTTP+SSE
// transport.
type fakeUpstream struct {
	t *testing.T

	mu       sync.Mutex
	posted   [][]byte
	headers  []http.Header
	frames   chan string
	server   *httptest.Server
	endpoint string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{t: t, frames: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", f.handleSSE)
	mux.HandleFunc("POST /message", f.handleMessage)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) url() *url.URL {
	u, err := url.Parse(f.server.URL + "/sse")
	if err != nil {
		f.t.Fatalf("parse server url: %v", err)
	}
	return u
}

func (f *fakeUpstream) handleSSE(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.headers = append(f.headers, r.Header.Clone())
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)

	endpoint := f.endpoint
	if endpoint == "" {
		endpoint = "/message?session_id=up-1"
	}
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	for {
		select {
		case frame := <-f.frames:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeUpstream) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.posted = append(f.posted, body)
	f.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeUpstream) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

func TestDialerRoundTrip(t *testing.T) {
	up := newFakeUpstream(t)
	d := NewDialer()

	ctx := context.Background()
	conn, err := d.Dial(ctx, up.url(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// Client frame goes out on the announced POST channel.
	msg, err := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`), mcp.ClientToServer)
	if err != nil {
		t.Fatalf("WrapMessage() error = %v", err)
	}
	if err := conn.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := up.postedCount(); got != 1 {
		t.Errorf("upstream received %d posts, want 1", got)
	}

	// Server frame arrives on Recv.
	up.frames <- `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`
	select {
	case got := <-conn.Recv():
		if !got.IsResponse() {
			t.Errorf("received frame = %s, want response", got.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server frame")
	}
}

func TestDialerResolvesRelativeEndpoint(t *testing.T) {
	up := newFakeUpstream(t)
	up.endpoint = "message?session_id=abc"

	cn, err := NewDialer().Dial(context.Background(), up.url(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cn.Close()

	want := up.server.URL + "/message?session_id=abc"
	if got := cn.(*conn).endpoint.String(); got != want {
		t.Errorf("endpoint = %s, want %s", got, want)
	}
}

func TestDialerForwardsHeaders(t *testing.T) {
	up := newFakeUpstream(t)

	hdr := http.Header{}
	hdr.Set("Cookie", "session=abc")
	hdr.Set("X-Real-Ip", "10.1.2.3")

	conn, err := NewDialer().Dial(context.Background(), up.url(), hdr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	up.mu.Lock()
	got := up.headers[0]
	up.mu.Unlock()
	if got.Get("Cookie") != "session=abc" {
		t.Errorf("Cookie header = %q, want session=abc", got.Get("Cookie"))
	}
	if got.Get("X-Real-Ip") != "10.1.2.3" {
		t.Errorf("X-Real-Ip header = %q, want 10.1.2.3", got.Get("X-Real-Ip"))
	}
}

func TestDialerRejectsNonSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	if _, err := NewDialer().Dial(context.Background(), u, nil); err == nil {
		t.Error("Dial() error = nil, want content-type failure")
	}
}

func TestDialerRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	if _, err := NewDialer().Dial(context.Background(), u, nil); err == nil {
		t.Error("Dial() error = nil, want status failure")
	}
}

func TestConnRecvClosesOnStreamEnd(t *testing.T) {
	up := newFakeUpstream(t)

	conn, err := NewDialer().Dial(context.Background(), up.url(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = conn.Close() // idempotent

	select {
	case _, ok := <-conn.Recv():
		if ok {
			t.Error("Recv() yielded a frame after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv() channel not closed after Close")
	}
}

func TestEventScanner(t *testing.T) {
	input := strings.Join([]string{
		": keepalive comment",
		"event: endpoint",
		"data: /message?session_id=1",
		"",
		"event: message",
		"data: {\"jsonrpc\":\"2.0\",",
		"data: \"id\":1}",
		"",
	}, "\n")

	s := newEventScanner(strings.NewReader(input))

	ev, err := s.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if ev.name != "endpoint" || ev.data != "/message?session_id=1" {
		t.Errorf("event = %+v, want endpoint", ev)
	}

	ev, err = s.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if ev.name != "message" {
		t.Errorf("event name = %q, want message", ev.name)
	}
	if want := "{\"jsonrpc\":\"2.0\",\n\"id\":1}"; ev.data != want {
		t.Errorf("event data = %q, want %q", ev.data, want)
	}

	if _, err := s.next(); err != io.EOF {
		t.Errorf("next() at end error = %v, want io.EOF", err)
	}
}
