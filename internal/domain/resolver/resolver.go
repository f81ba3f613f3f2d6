// Package resolver chooses which upstream MCP server a new session binds
// to. The choice is made once per session; an established session never
// migrates.
package resolver

import (
	"context"
	"errors"
	"net/url"
)

// ErrNoUpstream is returned when the resolver currently knows no upstream
// candidates. The HTTP surface maps it to 503.
var ErrNoUpstream = errors.New("no upstream available")

// Resolver yields the upstream URL for a new session.
type Resolver interface {
	// Resolve returns the next upstream candidate.
	Resolve(ctx context.Context) (*url.URL, error)
}
