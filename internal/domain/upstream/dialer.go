// Package upstream defines the outbound port a session uses to reach an
// MCP server. The HTTP+SSE client adapter provides the implementation;
// tests substitute in-memory fakes.
package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// Conn is an established bidirectional connection to one upstream MCP
// server: a sink for client frames and a stream of server frames.
type Conn interface {
	// Send forwards a client-originated frame to the upstream server.
	Send(ctx context.Context, msg *mcp.Message) error

	// Recv returns the stream of server-originated frames. The channel
	// closes when the upstream ends the stream.
	Recv() <-chan *mcp.Message

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens connections to upstream MCP servers.
type Dialer interface {
	// Dial connects to the upstream at target. header carries the
	// passthrough headers from the originating client request.
	Dial(ctx context.Context, target *url.URL, header http.Header) (Conn, error)
}
