package mcp

import "net/http"

// ProtocolVersionHeader carries the protocol revision a client asks for.
// The overlay only serves the HTTP+SSE transport; newer revisions that use
// the single-endpoint transport are refused at the HTTP boundary.
const ProtocolVersionHeader = "MCP-Protocol-Version"

// Spec describes one revision of the MCP HTTP+SSE transport. The only part
// the session-plane cares about is where the session id travels.
type Spec interface {
	// Version returns the protocol revision date, e.g. "2024-11-05".
	Version() string

	// SessionID extracts the session id from an incoming request.
	// Returns false when the request carries none.
	SessionID(r *http.Request) (string, bool)
}

// Spec20241105 implements the 2024-11-05 HTTP+SSE transport, where the
// session id is the session_id query parameter of the message POST URL.
type Spec20241105 struct{}

// Version implements Spec.
func (Spec20241105) Version() string { return "2024-11-05" }

// SessionID implements Spec.
func (Spec20241105) SessionID(r *http.Request) (string, bool) {
	id := r.URL.Query().Get("session_id")
	return id, id != ""
}
