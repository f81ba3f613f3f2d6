package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/authz"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/resolver"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/upstream"
	"github.com/Sentinel-Gate/overlay-mcp/internal/service"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []*mcp.Message
	recv chan *mcp.Message
	once sync.Once
}

func (c *fakeConn) Send(_ context.Context, msg *mcp.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Recv() <-chan *mcp.Message { return c.recv }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.recv) })
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, *url.URL, http.Header) (upstream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{recv: make(chan *mcp.Message, 16)}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// testProxy bundles the transport with its collaborators for scenario
// tests.
type testProxy struct {
	server  *httptest.Server
	manager *service.LocalManager
	dialer  *fakeDialer
}

func newTestProxy(t *testing.T, gate authz.Gate, opts ...Option) *testProxy {
	t.Helper()

	u, _ := url.Parse("http://upstream.local/sse")
	dialer := &fakeDialer{}
	manager := service.NewLocalManager(resolver.NewStatic([]*url.URL{u}), dialer, nil, nil)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	tr := NewTransport(manager, gate, opts...)
	srv := httptest.NewServer(tr.Handler())
	t.Cleanup(srv.Close)

	return &testProxy{server: srv, manager: manager, dialer: dialer}
}

// sseStream reads SSE events off an open response body.
type sseStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

func openSSE(t *testing.T, base, path string) *sseStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET %s: %v", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
	}
	s := &sseStream{resp: resp, scanner: bufio.NewScanner(resp.Body), cancel: cancel}
	t.Cleanup(s.close)
	return s
}

func (s *sseStream) close() {
	s.cancel()
	s.resp.Body.Close()
}

// nextEvent returns the next (event, data) pair off the stream.
func (s *sseStream) nextEvent(t *testing.T) (string, string) {
	t.Helper()
	var event string
	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if event != "" || len(data) > 0 {
				return event, strings.Join(data, "\n")
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		} else if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, v)
		}
	}
	t.Fatalf("sse stream ended while waiting for event: %v", s.scanner.Err())
	return "", ""
}

// sessionIDFromEndpoint extracts session_id from an endpoint event's URL.
func sessionIDFromEndpoint(t *testing.T, endpoint string) string {
	t.Helper()
	u, err := url.Parse(endpoint)
	if err != nil {
		t.Fatalf("parse endpoint %q: %v", endpoint, err)
	}
	id := u.Query().Get("session_id")
	if id == "" {
		t.Fatalf("endpoint %q carries no session_id", endpoint)
	}
	return id
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionRoundTrip(t *testing.T) {
	p := newTestProxy(t, authz.AllowAll{})

	stream := openSSE(t, p.server.URL, "/sse")

	event, data := stream.nextEvent(t)
	if event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}
	sessionID := sessionIDFromEndpoint(t, data)

	// Client frame goes upstream.
	resp, err := http.Post(p.server.URL+"/message?session_id="+sessionID,
		"application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /message status = %d, want 202", resp.StatusCode)
	}
	waitFor(t, func() bool {
		c := p.dialer.last()
		return c != nil && c.sentCount() == 1
	}, "frame to reach upstream")

	// Server frame comes back on the stream.
	reply, err := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`), mcp.ServerToClient)
	if err != nil {
		t.Fatalf("WrapMessage: %v", err)
	}
	p.dialer.last().recv <- reply

	event, data = stream.nextEvent(t)
	if event != "message" {
		t.Fatalf("event = %q, want message", event)
	}
	var decoded struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal([]byte(data), &decoded); err != nil || decoded.ID != 1 {
		t.Errorf("message data = %q, want reply with id 1 (err=%v)", data, err)
	}
}

func TestUnauthorizedEntry(t *testing.T) {
	gate := authz.NewStaticGate(authz.StaticRules{APIKeys: []string{"secret"}}, nil)
	p := newTestProxy(t, gate)

	resp, err := http.Get(p.server.URL + "/sse")
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /sse status = %d, want 401", resp.StatusCode)
	}
	if p.manager.Len() != 0 {
		t.Errorf("manager tracks %d sessions after refused entry, want 0", p.manager.Len())
	}
}

func TestToolCallDenial(t *testing.T) {
	gate := authz.NewStaticGate(authz.StaticRules{
		AllowAnonymous: true,
		DenyKeys:       []string{"tools/call/dangerous"},
	}, nil)
	p := newTestProxy(t, gate)

	stream := openSSE(t, p.server.URL, "/sse")
	_, data := stream.nextEvent(t)
	sessionID := sessionIDFromEndpoint(t, data)

	resp, err := http.Post(p.server.URL+"/message?session_id="+sessionID,
		"application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"dangerous"}}`))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /message status = %d, want 202", resp.StatusCode)
	}

	// The denial arrives as a synthesized error frame on the stream.
	event, data := stream.nextEvent(t)
	if event != "message" {
		t.Fatalf("event = %q, want message", event)
	}
	var denial struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &denial); err != nil {
		t.Fatalf("decode denial %q: %v", data, err)
	}
	if denial.ID != 7 || denial.Error.Code != -32600 || denial.Error.Message != "This method is not allowed" {
		t.Errorf("denial = %+v, want id 7, code -32600", denial)
	}

	// Nothing reached the upstream.
	if c := p.dialer.last(); c != nil && c.sentCount() != 0 {
		t.Errorf("upstream received %d frames, want 0", c.sentCount())
	}
}

func TestSessionNotFound(t *testing.T) {
	p := newTestProxy(t, authz.AllowAll{})

	resp, err := http.Post(p.server.URL+"/message?session_id=does-not-exist",
		"application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST /message status = %d, want 404", resp.StatusCode)
	}
}

func TestMessageRequiresSessionID(t *testing.T) {
	p := newTestProxy(t, authz.AllowAll{})

	resp, err := http.Post(p.server.URL+"/message",
		"application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /message status = %d, want 400", resp.StatusCode)
	}
}

func TestMessageRejectsMalformedBody(t *testing.T) {
	p := newTestProxy(t, authz.AllowAll{})

	stream := openSSE(t, p.server.URL, "/sse")
	_, data := stream.nextEvent(t)
	sessionID := sessionIDFromEndpoint(t, data)

	resp, err := http.Post(p.server.URL+"/message?session_id="+sessionID,
		"application/json", strings.NewReader(`{not json`))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /message status = %d, want 400", resp.StatusCode)
	}
}

func TestProtocolVersionRefusal(t *testing.T) {
	p := newTestProxy(t, authz.AllowAll{})

	req, _ := http.NewRequest(http.MethodGet, p.server.URL+"/sse", nil)
	req.Header.Set(mcp.ProtocolVersionHeader, "2025-03-26")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Errorf("GET /sse status = %d, want 406", resp.StatusCode)
	}

	// The matching legacy version passes.
	req, _ = http.NewRequest(http.MethodGet, p.server.URL+"/sse", nil)
	req.Header.Set(mcp.ProtocolVersionHeader, "2024-11-05")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /sse with legacy version status = %d, want 200", resp.StatusCode)
	}
}

func TestEndpointReappendsQueryAPIKey(t *testing.T) {
	gate := authz.NewStaticGate(authz.StaticRules{APIKeys: []string{"secret"}}, nil)
	ref, err := httpref.Parse("query:apikey")
	if err != nil {
		t.Fatalf("Parse ref: %v", err)
	}
	p := newTestProxy(t, gate, WithAPIKeyRefs([]httpref.Reference{ref}))

	stream := openSSE(t, p.server.URL, "/sse?apikey=secret")
	event, data := stream.nextEvent(t)
	if event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}

	u, err := url.Parse(data)
	if err != nil {
		t.Fatalf("parse endpoint %q: %v", data, err)
	}
	if got := u.Query().Get("apikey"); got != "secret" {
		t.Errorf("endpoint apikey = %q, want secret", got)
	}
	if u.Query().Get("session_id") == "" {
		t.Error("endpoint carries no session_id")
	}
}

func TestHealthEndpoint(t *testing.T) {
	p := newTestProxy(t, authz.AllowAll{})

	resp, err := http.Get(p.server.URL + "/.meta/health")
	if err != nil {
		t.Fatalf("GET /.meta/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("health.Status = %q, want healthy", health.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	p := newTestProxy(t, authz.AllowAll{})

	resp, err := http.Get(p.server.URL + "/.meta/metrics")
	if err != nil {
		t.Fatalf("GET /.meta/metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}
