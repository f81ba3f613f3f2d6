// Package mcp implements the upstream connector for MCP servers speaking
// the legacy HTTP+SSE transport: a long-lived GET carrying server frames
// as SSE message events, paired with a POST channel announced by the
// server in its initial endpoint event.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/upstream"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

const (
	// endpointEventTimeout bounds how long Dial waits for the server's
	// initial endpoint event.
	endpointEventTimeout = 10 * time.Second

	// scannerInitialBufSize is the initial buffer of the SSE line
	// scanner. Frames are typically small.
	scannerInitialBufSize = 256 * 1024

	// scannerMaxBufSize caps a single SSE line. Longer frames end the
	// stream with bufio.ErrTooLong.
	scannerMaxBufSize = 1024 * 1024

	// recvBufferSize is the server-frame channel capacity.
	recvBufferSize = 16
)

// Dialer opens HTTP+SSE connections to upstream MCP servers. It
// implements upstream.Dialer.
type Dialer struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// DialerOption is a functional option for configuring a Dialer.
type DialerOption func(*Dialer)

// WithHTTPClient sets a custom HTTP client. The client must not carry a
// global timeout: the SSE stream is long-lived.
func WithHTTPClient(client *http.Client) DialerOption {
	return func(d *Dialer) { d.httpClient = client }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DialerOption {
	return func(d *Dialer) { d.logger = l }
}

// NewDialer creates an upstream dialer.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		httpClient: &http.Client{
			// No Timeout: it would kill the long-lived SSE stream.
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial opens the SSE stream at target, waits for the endpoint event
// naming the POST channel, and spawns the frame reader. header carries
// the passthrough headers from the originating client request.
func (d *Dialer) Dial(ctx context.Context, target *url.URL, header http.Header) (upstream.Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create sse request: %w", err)
	}
	for name, values := range header {
		req.Header[name] = values
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.httpClient.Do(req) //nolint:bodyclose // closed by conn.Close or the reader
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open sse stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open sse stream: unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open sse stream: unexpected content type %q", ct)
	}

	events := newEventScanner(resp.Body)

	endpoint, err := readEndpointEvent(ctx, target, events)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}

	c := &conn{
		endpoint:   endpoint,
		header:     header,
		httpClient: d.httpClient,
		body:       resp.Body,
		recv:       make(chan *mcp.Message, recvBufferSize),
		cancel:     cancel,
		logger:     d.logger,
	}
	go c.readLoop(events)
	return c, nil
}

// readEndpointEvent consumes events until the endpoint announcement
// arrives, resolving its URL against the dial target.
func readEndpointEvent(ctx context.Context, target *url.URL, events *eventScanner) (*url.URL, error) {
	type result struct {
		ev  sseEvent
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			ev, err := events.next()
			if err != nil {
				ch <- result{err: err}
				return
			}
			if ev.name == "endpoint" {
				ch <- result{ev: ev}
				return
			}
		}
	}()

	timer := time.NewTimer(endpointEventTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("read endpoint event: %w", r.err)
		}
		ref, err := url.Parse(strings.TrimSpace(r.ev.data))
		if err != nil {
			return nil, fmt.Errorf("parse endpoint url %q: %w", r.ev.data, err)
		}
		return target.ResolveReference(ref), nil
	case <-timer.C:
		return nil, fmt.Errorf("read endpoint event: no event within %s", endpointEventTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// conn is an established HTTP+SSE connection. It implements
// upstream.Conn.
type conn struct {
	endpoint   *url.URL
	header     http.Header
	httpClient *http.Client
	body       io.ReadCloser
	recv       chan *mcp.Message
	cancel     context.CancelFunc
	logger     *slog.Logger

	closeOnce sync.Once
}

// readLoop parses message events off the SSE stream until it ends.
func (c *conn) readLoop(events *eventScanner) {
	defer close(c.recv)

	for {
		ev, err := events.next()
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("upstream sse stream ended", "error", err)
			}
			return
		}
		if ev.name != "message" {
			continue
		}
		msg, err := mcp.WrapMessage([]byte(ev.data), mcp.ServerToClient)
		if err != nil {
			c.logger.Error("discarding malformed upstream frame", "error", err)
			continue
		}
		c.recv <- msg
	}
}

// Send posts a client frame to the announced endpoint.
func (c *conn) Send(ctx context.Context, msg *mcp.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(msg.Raw))
	if err != nil {
		return fmt.Errorf("create message request: %w", err)
	}
	for name, values := range c.header {
		req.Header[name] = values
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post message: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Recv returns the stream of server frames.
func (c *conn) Recv() <-chan *mcp.Message { return c.recv }

// Close tears the SSE stream down. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.body.Close()
	})
	return nil
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// eventScanner incrementally parses SSE events off a stream.
type eventScanner struct {
	scanner *bufio.Scanner
}

func newEventScanner(r io.Reader) *eventScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)
	return &eventScanner{scanner: s}
}

// next returns the next event. Multi-line data fields are joined with
// newlines per the SSE format; comment lines are skipped.
func (e *eventScanner) next() (sseEvent, error) {
	var (
		ev      sseEvent
		data    []string
		started bool
	)
	for e.scanner.Scan() {
		line := e.scanner.Text()

		if line == "" {
			if !started {
				continue
			}
			ev.data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		started = true
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := e.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, io.EOF
}
