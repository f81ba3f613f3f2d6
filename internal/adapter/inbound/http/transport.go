package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/authz"
	"github.com/Sentinel-Gate/overlay-mcp/internal/service"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// Transport is the inbound adapter binding the session plane to HTTP
// clients: GET /sse for the downstream stream, POST /message for the
// upstream channel, plus the meta endpoints.
type Transport struct {
	manager    service.SessionManager
	gate       authz.Gate
	spec       mcp.Spec
	server     *http.Server
	addr       string
	publicURL  *url.URL
	apiKeyRefs []httpref.Reference
	certFile   string
	keyFile    string
	version    string
	metrics    *Metrics
	logger     *slog.Logger
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithPublicURL makes the endpoint event announce an absolute URL under
// the proxy's externally visible origin.
func WithPublicURL(u *url.URL) Option {
	return func(t *Transport) { t.publicURL = u }
}

// WithAPIKeyRefs configures where API keys are extracted from.
func WithAPIKeyRefs(refs []httpref.Reference) Option {
	return func(t *Transport) { t.apiKeyRefs = refs }
}

// WithTLS enables TLS with the provided certificate and key files. If not
// set, the server runs without TLS.
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithVersion sets the version string reported by the health endpoint.
func WithVersion(v string) Option {
	return func(t *Transport) { t.version = v }
}

// NewTransport creates the HTTP transport over the given session manager
// and authorization gate.
func NewTransport(manager service.SessionManager, gate authz.Gate, opts ...Option) *Transport {
	t := &Transport{
		manager: manager,
		gate:    gate,
		spec:    mcp.Spec20241105{},
		addr:    "127.0.0.1:8080",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handler builds the full middleware chain and mux. Exposed separately so
// tests can drive it through httptest.
func (t *Transport) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	h := NewHandler(t.manager, t.gate, t.spec, t.metrics, t.logger)
	h.publicURL = t.publicURL

	// Middleware order (outermost first): metrics capture the full
	// duration, then the server span, then request id enrichment, then
	// the protocol refusal, then credential extraction.
	var mcpChain http.Handler
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", h.ServeSSE)
	mux.HandleFunc("POST /message", h.ServeMessage)
	mcpChain = mux
	mcpChain = AuthnMiddleware(t.apiKeyRefs)(mcpChain)
	mcpChain = ProtocolVersionMiddleware(t.spec)(mcpChain)
	mcpChain = RequestIDMiddleware(t.logger)(mcpChain)
	mcpChain = TracingMiddleware()(mcpChain)
	mcpChain = MetricsMiddleware(t.metrics)(mcpChain)

	root := http.NewServeMux()
	root.Handle("/sse", mcpChain)
	root.Handle("/message", mcpChain)
	root.Handle("/.meta/health", NewHealthChecker(t.manager, t.version).Handler())
	root.Handle("/.meta/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	root.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	return root
}

// Start begins accepting connections. It blocks until ctx is cancelled or
// the server fails.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.Handler(),
		// No global timeouts: /sse responses are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown tears down the sessions first so the SSE streams end, then
// drains the server.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.manager.Shutdown(ctx)

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
