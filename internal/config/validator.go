package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
)

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUpstreamMutualExclusion(); err != nil {
		return err
	}
	if err := c.validateNodeIdentity(); err != nil {
		return err
	}
	if err := c.validateReferences(); err != nil {
		return err
	}
	return nil
}

// validateUpstreamMutualExclusion ensures exactly one resolution strategy
// is configured.
func (c *Config) validateUpstreamMutualExclusion() error {
	hasStatic := len(c.Upstream.URLs) > 0
	hasDiscovery := c.Upstream.DiscoveryHost != ""

	if hasStatic && hasDiscovery {
		return errors.New("upstream: specify urls OR discovery_host, not both")
	}
	if !hasStatic && !hasDiscovery {
		return errors.New("upstream: one of urls or discovery_host is required")
	}
	return nil
}

// validateNodeIdentity enforces the redis-mode node identity rule: the
// node is named either directly by node_id or by node_index into nodes,
// never both and never neither.
func (c *Config) validateNodeIdentity() error {
	if c.Cluster.Mode != "redis" {
		return nil
	}
	if len(c.Cluster.Redis.Addrs) == 0 {
		return errors.New("cluster: redis mode requires redis.addrs")
	}

	hasID := c.Cluster.NodeID != ""
	hasIndex := c.Cluster.NodeIndex != nil

	switch {
	case hasID && hasIndex:
		return errors.New("cluster: specify node_id OR node_index, not both")
	case !hasID && !hasIndex:
		return errors.New("cluster: one of node_id or node_index is required in redis mode")
	case hasIndex:
		idx := *c.Cluster.NodeIndex
		if idx < 0 || idx >= len(c.Cluster.Nodes) {
			return fmt.Errorf("cluster: node_index %d out of range for %d nodes", idx, len(c.Cluster.Nodes))
		}
	case len(c.Cluster.Nodes) > 0:
		if _, ok := c.LocalNode(); !ok {
			return fmt.Errorf("cluster: node_id %q not found in nodes", c.Cluster.NodeID)
		}
	}
	return nil
}

// validateReferences parses every reference string so bad configuration
// fails at startup rather than per request.
func (c *Config) validateReferences() error {
	for i, ref := range c.Auth.APIKeyRefs {
		if _, err := httpref.Parse(ref); err != nil {
			return fmt.Errorf("auth.api_key_refs[%d]: %w", i, err)
		}
	}
	for i, ref := range c.Passthrough {
		if _, err := httpref.ParseMulti(ref); err != nil {
			return fmt.Errorf("passthrough[%d]: %w", i, err)
		}
	}
	return nil
}

// NodeID resolves this node's cluster name from node_id or node_index.
// Call after Validate.
func (c *Config) NodeID() string {
	if c.Cluster.NodeID != "" {
		return c.Cluster.NodeID
	}
	if c.Cluster.NodeIndex != nil && *c.Cluster.NodeIndex < len(c.Cluster.Nodes) {
		return c.Cluster.Nodes[*c.Cluster.NodeIndex].Name
	}
	return ""
}

// LocalNode returns this node's entry in the cluster node list, resolved
// by node_index or by matching node_id against the entry names.
func (c *Config) LocalNode() (NodeConfig, bool) {
	if c.Cluster.NodeIndex != nil {
		idx := *c.Cluster.NodeIndex
		if idx >= 0 && idx < len(c.Cluster.Nodes) {
			return c.Cluster.Nodes[idx], true
		}
		return NodeConfig{}, false
	}
	for _, n := range c.Cluster.Nodes {
		if n.Name == c.Cluster.NodeID {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// RedisPoolSize returns the Redis connection pool size for this node:
// the node-local override when its list entry carries one, otherwise the
// cluster-wide setting.
func (c *Config) RedisPoolSize() int {
	if n, ok := c.LocalNode(); ok && n.RedisPoolSize > 0 {
		return n.RedisPoolSize
	}
	return c.Cluster.Redis.PoolSize
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a
// single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "file":
		return fmt.Sprintf("%s must be an existing file", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
