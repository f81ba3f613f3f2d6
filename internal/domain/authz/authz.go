// Package authz decides whether a client may open a session and whether
// each client-originated JSON-RPC frame may be forwarded upstream. The
// gate is a pure function over the connection's authentication and the
// frame; it holds no per-session state.
package authz

import (
	"context"

	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// Kind discriminates how the connection authenticated.
type Kind int

const (
	// NoAuth means the request carried no recognized credential.
	NoAuth Kind = iota
	// APIKeyAuth means a static API key was presented.
	APIKeyAuth
	// JWTAuth means a bearer token with parseable claims was presented.
	JWTAuth
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case APIKeyAuth:
		return "apikey"
	case JWTAuth:
		return "jwt"
	default:
		return "none"
	}
}

// Authentication describes the credential a connection presented. It is
// captured once when the SSE stream opens and reused for every frame on
// the session.
type Authentication struct {
	Kind Kind

	// Key is the raw API key for APIKeyAuth.
	Key string

	// Source records where the API key was found. A query-sourced key is
	// re-appended to the endpoint URL announced on the SSE stream.
	Source httpref.Reference

	// Claims are the decoded JWT claims for JWTAuth.
	Claims map[string]any
}

// Anonymous is the Authentication of a request with no credential.
func Anonymous() Authentication {
	return Authentication{Kind: NoAuth}
}

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Allow forwards the connection or frame normally.
	Allow Decision = iota
	// Deny rejects the frame without forwarding; for client messages the
	// proxy synthesizes an error reply on the bypass channel.
	Deny
	// Unauthorized means authentication failed or was absent where
	// required. Maps to 401.
	Unauthorized
)

// String returns the string representation of the Decision.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Gate evaluates authorization decisions for session entry and for each
// client-to-server frame.
type Gate interface {
	// AuthorizeEnter runs when a new SSE connection opens.
	AuthorizeEnter(ctx context.Context, auth Authentication) Decision

	// AuthorizeClientMessage runs for every client-originated frame.
	AuthorizeClientMessage(ctx context.Context, auth Authentication, msg *mcp.Message) Decision
}

// DecisionKey returns the policy key of a frame: tool calls are keyed per
// tool name, every other method by its method name alone.
func DecisionKey(msg *mcp.Message) string {
	if msg.IsToolCall() {
		return "tools/call/" + msg.ToolName()
	}
	return msg.Method()
}

// Chain combines gates: a connection or frame must pass every one. The
// first non-Allow decision wins.
type Chain []Gate

// AuthorizeEnter asks every gate in order.
func (c Chain) AuthorizeEnter(ctx context.Context, auth Authentication) Decision {
	for _, g := range c {
		if d := g.AuthorizeEnter(ctx, auth); d != Allow {
			return d
		}
	}
	return Allow
}

// AuthorizeClientMessage asks every gate in order.
func (c Chain) AuthorizeClientMessage(ctx context.Context, auth Authentication, msg *mcp.Message) Decision {
	for _, g := range c {
		if d := g.AuthorizeClientMessage(ctx, auth, msg); d != Allow {
			return d
		}
	}
	return Allow
}

// AllowAll is a gate that admits everything. Used when no authorization
// rules are configured.
type AllowAll struct{}

// AuthorizeEnter always allows.
func (AllowAll) AuthorizeEnter(context.Context, Authentication) Decision { return Allow }

// AuthorizeClientMessage always allows.
func (AllowAll) AuthorizeClientMessage(context.Context, Authentication, *mcp.Message) Decision {
	return Allow
}
