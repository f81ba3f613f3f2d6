// Package config provides the file- and environment-based configuration
// of the overlay proxy.
package config

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstream selects how upstream MCP servers are found: a static URL
	// list or DNS discovery of a single hostname.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Cluster configures session replication. Mode "none" keeps sessions
	// node-local.
	Cluster ClusterConfig `yaml:"cluster" mapstructure:"cluster"`

	// Auth configures credential extraction.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Authz configures the authorization gate. When the whole section is
	// empty every connection and frame is allowed.
	Authz AuthzConfig `yaml:"authz" mapstructure:"authz"`

	// Passthrough lists extra header references forwarded to the
	// upstream beyond the built-in set, e.g. "header:x-tenant" or
	// "header:/^x-custom-/".
	Passthrough []string `yaml:"passthrough" mapstructure:"passthrough"`

	// DevMode enables verbose logging and permissive defaults.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// PublicURL, when set, is the externally visible origin announced in
	// the SSE endpoint event (e.g. "https://mcp.example.com").
	PublicURL string `yaml:"public_url" mapstructure:"public_url" validate:"omitempty,url"`

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert" validate:"omitempty,file"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key" validate:"omitempty,file"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info"; DevMode overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// UpstreamConfig selects the upstream resolution strategy. Exactly one of
// URLs or DiscoveryHost must be set.
type UpstreamConfig struct {
	// URLs is the static round-robin candidate list.
	URLs []string `yaml:"urls" mapstructure:"urls" validate:"omitempty,dive,url"`

	// DiscoveryHost is a URL whose hostname is re-resolved through DNS;
	// each address becomes one candidate.
	DiscoveryHost string `yaml:"discovery_host" mapstructure:"discovery_host" validate:"omitempty,url"`
}

// ClusterConfig configures session replication across nodes.
type ClusterConfig struct {
	// Mode is "none" (node-local sessions) or "redis".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=none redis"`

	// Redis configures the store for mode "redis".
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Nodes lists the cluster members with their node-local settings.
	// Required in redis mode when NodeIndex is used; each node resolves
	// its own entry by NodeID or NodeIndex.
	Nodes []NodeConfig `yaml:"nodes" mapstructure:"nodes"`

	// NodeID names this node directly. Exactly one of NodeID or
	// NodeIndex must be set in redis mode.
	NodeID string `yaml:"node_id" mapstructure:"node_id"`

	// NodeIndex selects this node's entry out of Nodes. Pointer so the
	// zero index is distinguishable from unset.
	NodeIndex *int `yaml:"node_index" mapstructure:"node_index"`
}

// NodeConfig is one cluster member: its name plus the settings that vary
// per node.
type NodeConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// RedisPoolSize overrides cluster.redis.pool_size for this node.
	RedisPoolSize int `yaml:"redis_pool_size" mapstructure:"redis_pool_size" validate:"omitempty,min=1"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs" mapstructure:"addrs" validate:"omitempty,dive,hostname_port"`
	Username string   `yaml:"username" mapstructure:"username"`
	Password string   `yaml:"password" mapstructure:"password"`
	PoolSize int      `yaml:"pool_size" mapstructure:"pool_size" validate:"omitempty,min=1"`
}

// AuthConfig configures credential extraction.
type AuthConfig struct {
	// APIKeyRefs lists where API keys may arrive, in priority order,
	// e.g. "header:x-api-key" or "query:apikey".
	APIKeyRefs []string `yaml:"api_key_refs" mapstructure:"api_key_refs"`
}

// AuthzConfig configures the authorization gate. Static rules and CEL
// expressions may be combined; a frame must pass both.
type AuthzConfig struct {
	// APIKeys is the credential whitelist: plain keys, "sha256:" digests
	// or Argon2id PHC hashes.
	APIKeys []string `yaml:"api_keys" mapstructure:"api_keys"`

	// RequiredClaims must be present with equal values in JWT claims.
	RequiredClaims map[string]any `yaml:"required_claims" mapstructure:"required_claims"`

	// AllowAnonymous admits connections without a credential.
	AllowAnonymous bool `yaml:"allow_anonymous" mapstructure:"allow_anonymous"`

	// DenyKeys and AllowKeys filter frames by decision key
	// ("tools/call/<name>" for tool calls, the method name otherwise).
	DenyKeys  []string `yaml:"deny_keys" mapstructure:"deny_keys"`
	AllowKeys []string `yaml:"allow_keys" mapstructure:"allow_keys"`

	// CEL holds optional expressions evaluated per connection and per
	// frame.
	CEL CELConfig `yaml:"cel" mapstructure:"cel"`
}

// CELConfig holds the CEL gate expressions.
type CELConfig struct {
	Enter   string `yaml:"enter" mapstructure:"enter"`
	Message string `yaml:"message" mapstructure:"message"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Cluster.Mode == "" {
		c.Cluster.Mode = "none"
	}
	if c.Cluster.Mode == "redis" && c.Cluster.Redis.PoolSize == 0 {
		c.Cluster.Redis.PoolSize = 10
	}
}

// SetDevDefaults applies permissive defaults for development.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if len(c.Authz.APIKeys) == 0 && len(c.Authz.RequiredClaims) == 0 {
		c.Authz.AllowAnonymous = true
	}
}

// AuthzConfigured reports whether any authorization rule is present.
func (c *Config) AuthzConfigured() bool {
	a := c.Authz
	return len(a.APIKeys) > 0 || len(a.RequiredClaims) > 0 || a.AllowAnonymous ||
		len(a.DenyKeys) > 0 || len(a.AllowKeys) > 0 ||
		a.CEL.Enter != "" || a.CEL.Message != ""
}
