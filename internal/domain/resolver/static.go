package resolver

import (
	"context"
	"net/url"
	"sync/atomic"
)

// Static rotates round-robin over a fixed list of upstream URLs.
type Static struct {
	urls   []*url.URL
	cursor atomic.Uint64
}

// NewStatic builds a resolver over the given candidates. An empty list is
// valid; Resolve then reports ErrNoUpstream until the process restarts
// with a different configuration.
func NewStatic(urls []*url.URL) *Static {
	return &Static{urls: urls}
}

// Resolve returns the next candidate in rotation.
func (s *Static) Resolve(_ context.Context) (*url.URL, error) {
	if len(s.urls) == 0 {
		return nil, ErrNoUpstream
	}
	n := s.cursor.Add(1) - 1
	return s.urls[n%uint64(len(s.urls))], nil
}
