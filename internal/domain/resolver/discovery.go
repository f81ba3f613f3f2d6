package resolver

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"sync/atomic"
	"time"
)

// discoveryInterval is how often the DNS discovery re-resolves its host.
const discoveryInterval = 15 * time.Second

// LookupFunc resolves a hostname to its current addresses. The default is
// net.DefaultResolver; tests substitute a fake.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Discovery resolves upstream candidates from DNS: the configured URL's
// hostname is re-resolved on a fixed interval and each returned address
// becomes one candidate with the original scheme, port, and path. Rotation
// restarts from the head whenever the candidate set changes.
type Discovery struct {
	base     *url.URL
	lookup   LookupFunc
	interval time.Duration
	logger   *slog.Logger

	// onChange, when set, observes each new candidate list.
	onChange func([]*url.URL)

	urls   atomic.Pointer[[]*url.URL]
	cursor atomic.Uint64
}

// DiscoveryOption configures a Discovery resolver.
type DiscoveryOption func(*Discovery)

// WithLookup substitutes the DNS lookup function.
func WithLookup(fn LookupFunc) DiscoveryOption {
	return func(d *Discovery) { d.lookup = fn }
}

// WithInterval overrides the poll interval.
func WithInterval(iv time.Duration) DiscoveryOption {
	return func(d *Discovery) { d.interval = iv }
}

// WithOnChange registers a callback invoked with each new candidate list.
func WithOnChange(fn func([]*url.URL)) DiscoveryOption {
	return func(d *Discovery) { d.onChange = fn }
}

// WithDiscoveryLogger sets the logger.
func WithDiscoveryLogger(l *slog.Logger) DiscoveryOption {
	return func(d *Discovery) { d.logger = l }
}

// NewDiscovery builds a DNS discovery resolver for base. The candidate
// list is empty until the first successful refresh; call Refresh before
// serving, then run Run in the background.
func NewDiscovery(base *url.URL, opts ...DiscoveryOption) *Discovery {
	d := &Discovery{
		base:     base,
		interval: discoveryInterval,
		logger:   slog.Default(),
		lookup: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	empty := []*url.URL{}
	d.urls.Store(&empty)
	return d
}

// Resolve returns the next candidate in rotation.
func (d *Discovery) Resolve(_ context.Context) (*url.URL, error) {
	urls := *d.urls.Load()
	if len(urls) == 0 {
		return nil, ErrNoUpstream
	}
	n := d.cursor.Add(1) - 1
	return urls[n%uint64(len(urls))], nil
}

// Refresh re-resolves the host once. A lookup failure keeps the previous
// candidate list so transient DNS outages do not drop traffic.
func (d *Discovery) Refresh(ctx context.Context) error {
	host := d.base.Hostname()
	addrs, err := d.lookup(ctx, host)
	if err != nil {
		d.logger.Warn("upstream discovery lookup failed",
			"host", host, "error", err)
		return err
	}

	// Reply order is kept: rotation ties break on first-observed order.
	urls := make([]*url.URL, 0, len(addrs))
	for _, addr := range addrs {
		u := *d.base
		if port := d.base.Port(); port != "" {
			u.Host = net.JoinHostPort(addr, port)
		} else {
			u.Host = addr
		}
		urls = append(urls, &u)
	}

	if d.sameCandidates(urls) {
		return nil
	}

	d.urls.Store(&urls)
	d.cursor.Store(0)
	d.logger.Info("upstream candidates changed",
		"host", host, "count", len(urls))
	if d.onChange != nil {
		d.onChange(urls)
	}
	return nil
}

// sameCandidates compares candidate sets ignoring order, so a DNS reply
// that merely shuffles the same addresses does not reset rotation.
func (d *Discovery) sameCandidates(next []*url.URL) bool {
	cur := *d.urls.Load()
	if len(cur) != len(next) {
		return false
	}
	a := make([]string, len(cur))
	b := make([]string, len(next))
	for i := range cur {
		a[i] = cur[i].String()
		b[i] = next[i].String()
	}
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// Run polls DNS until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = d.Refresh(ctx)
		}
	}
}
