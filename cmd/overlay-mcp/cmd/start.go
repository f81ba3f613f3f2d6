package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/overlay-mcp/internal/adapter/inbound/http"
	mcpclient "github.com/Sentinel-Gate/overlay-mcp/internal/adapter/outbound/mcp"
	"github.com/Sentinel-Gate/overlay-mcp/internal/adapter/outbound/redis"
	"github.com/Sentinel-Gate/overlay-mcp/internal/config"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/authz"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/resolver"
	"github.com/Sentinel-Gate/overlay-mcp/internal/service"
	"github.com/Sentinel-Gate/overlay-mcp/internal/telemetry"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	Long: `Start the overlay-mcp proxy server.

The proxy terminates client SSE sessions on GET /sse, relays client
frames posted to POST /message, and keeps one upstream connection per
session. Upstreams come from a static URL list or DNS discovery of a
single hostname.

Examples:
  # Start with config file settings
  overlay-mcp start

  # Development mode with a single upstream
  OVERLAY_MCP_UPSTREAM_URLS=http://localhost:3000/sse overlay-mcp start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, anonymous access)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Signal context for graceful shutdown. stop() restores default
	// signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled: anonymous access may be allowed")
	}

	shutdownTracing, err := telemetry.Setup(ctx, "overlay-mcp", Version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("overlay-mcp stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	res, err := buildResolver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	passthrough, err := buildPassthrough(cfg)
	if err != nil {
		return err
	}

	dialer := mcpclient.NewDialer(mcpclient.WithLogger(logger))

	manager, closeStore, err := buildManager(ctx, cfg, res, dialer, passthrough, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	gate, err := buildGate(cfg, logger)
	if err != nil {
		return err
	}

	apiKeyRefs, err := buildAPIKeyRefs(cfg)
	if err != nil {
		return err
	}

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAPIKeyRefs(apiKeyRefs),
		http.WithLogger(logger),
		http.WithVersion(Version),
	}
	if cfg.Server.PublicURL != "" {
		pub, err := url.Parse(cfg.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("invalid public_url: %w", err)
		}
		opts = append(opts, http.WithPublicURL(pub))
	}
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
	}

	transport := http.NewTransport(manager, gate, opts...)
	return transport.Start(ctx)
}

// buildResolver creates the static or discovery resolver per config.
func buildResolver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (resolver.Resolver, error) {
	if len(cfg.Upstream.URLs) > 0 {
		urls := make([]*url.URL, 0, len(cfg.Upstream.URLs))
		for _, raw := range cfg.Upstream.URLs {
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid upstream url %q: %w", raw, err)
			}
			urls = append(urls, u)
		}
		logger.Info("using static upstreams", "count", len(urls))
		return resolver.NewStatic(urls), nil
	}

	base, err := url.Parse(cfg.Upstream.DiscoveryHost)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery_host: %w", err)
	}
	d := resolver.NewDiscovery(base, resolver.WithOnChange(func(urls []*url.URL) {
		logger.Info("upstream candidates changed", "count", len(urls))
	}))
	// First resolution happens before serving so early sessions have
	// candidates. A transient DNS failure here is not fatal: the
	// background refresh retries.
	if err := d.Refresh(ctx); err != nil {
		logger.Warn("initial upstream discovery failed", "host", base.Hostname(), "error", err)
	}
	go d.Run(ctx)
	logger.Info("using DNS discovery", "host", base.Hostname())
	return d, nil
}

// buildPassthrough assembles the header passthrough filter from the
// default list plus configured extras.
func buildPassthrough(cfg *config.Config) (*httpref.Passthrough, error) {
	extra := make([]httpref.MultiReference, 0, len(cfg.Passthrough))
	for _, raw := range cfg.Passthrough {
		ref, err := httpref.ParseMulti(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid passthrough reference %q: %w", raw, err)
		}
		extra = append(extra, ref)
	}
	return httpref.NewPassthrough(extra...), nil
}

// buildManager creates the local or replicated session manager. The
// returned func releases the cluster store, if any.
func buildManager(ctx context.Context, cfg *config.Config, res resolver.Resolver, dialer *mcpclient.Dialer, passthrough *httpref.Passthrough, logger *slog.Logger) (service.SessionManager, func(), error) {
	if cfg.Cluster.Mode != "redis" {
		return service.NewLocalManager(res, dialer, passthrough, logger), func() {}, nil
	}

	store, err := redis.New(ctx, redis.Config{
		Addrs:    cfg.Cluster.Redis.Addrs,
		Username: cfg.Cluster.Redis.Username,
		Password: cfg.Cluster.Redis.Password,
		PoolSize: cfg.RedisPoolSize(),
	}, redis.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect cluster store: %w", err)
	}

	nodeID := cfg.NodeID()
	manager := service.NewReplicatedManager(nodeID, store, res, dialer, passthrough, logger)
	go func() {
		if err := manager.Run(ctx); err != nil {
			logger.Error("cluster event loop stopped", "error", err)
		}
	}()
	logger.Info("replicated session manager enabled", "node_id", nodeID)
	return manager, func() { _ = store.Close() }, nil
}

// buildGate assembles the authorization gate from the configured static
// rules and CEL expressions. No rules at all means allow everything.
func buildGate(cfg *config.Config, logger *slog.Logger) (authz.Gate, error) {
	if !cfg.AuthzConfigured() {
		logger.Warn("no authorization rules configured: all connections allowed")
		return authz.AllowAll{}, nil
	}

	var chain authz.Chain

	a := cfg.Authz
	if len(a.APIKeys) > 0 || len(a.RequiredClaims) > 0 || a.AllowAnonymous ||
		len(a.DenyKeys) > 0 || len(a.AllowKeys) > 0 {
		chain = append(chain, authz.NewStaticGate(authz.StaticRules{
			APIKeys:        a.APIKeys,
			RequiredClaims: a.RequiredClaims,
			AllowAnonymous: a.AllowAnonymous,
			DenyKeys:       a.DenyKeys,
			AllowKeys:      a.AllowKeys,
		}, logger))
	}

	if a.CEL.Enter != "" || a.CEL.Message != "" {
		celGate, err := authz.NewCELGate(authz.CELRules{
			Enter:   a.CEL.Enter,
			Message: a.CEL.Message,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to compile authz expressions: %w", err)
		}
		chain = append(chain, celGate)
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

// buildAPIKeyRefs parses the configured API key locations, defaulting to
// the x-api-key header and the apikey query parameter.
func buildAPIKeyRefs(cfg *config.Config) ([]httpref.Reference, error) {
	raws := cfg.Auth.APIKeyRefs
	if len(raws) == 0 {
		raws = []string{"header:x-api-key", "query:apikey"}
	}
	refs := make([]httpref.Reference, 0, len(raws))
	for _, raw := range raws {
		ref, err := httpref.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid api key reference %q: %w", raw, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
