package authz

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// StaticRules configures the rule-list gate.
type StaticRules struct {
	// APIKeys is the credential whitelist: plain keys, "sha256:" digests,
	// or Argon2id PHC hashes. Empty means API keys are not accepted.
	APIKeys []string

	// RequiredClaims must all be present with equal values in a JWT's
	// claim set for the token to authenticate. Empty means any parseable
	// token authenticates.
	RequiredClaims map[string]any

	// AllowAnonymous admits connections with no credential.
	AllowAnonymous bool

	// DenyKeys rejects frames by decision key ("tools/call/<name>" for
	// tool calls, the method name otherwise).
	DenyKeys []string

	// AllowKeys, when non-empty, restricts tool calls to the listed
	// decision keys. Non-tool methods are always allowed.
	AllowKeys []string
}

// StaticGate authorizes against a fixed rule list from configuration.
type StaticGate struct {
	rules  StaticRules
	deny   map[string]struct{}
	allow  map[string]struct{}
	logger *slog.Logger
}

// NewStaticGate builds a gate from the given rules.
func NewStaticGate(rules StaticRules, logger *slog.Logger) *StaticGate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &StaticGate{
		rules:  rules,
		deny:   make(map[string]struct{}, len(rules.DenyKeys)),
		allow:  make(map[string]struct{}, len(rules.AllowKeys)),
		logger: logger,
	}
	for _, k := range rules.DenyKeys {
		g.deny[k] = struct{}{}
	}
	for _, k := range rules.AllowKeys {
		g.allow[k] = struct{}{}
	}
	return g
}

// AuthorizeEnter checks the connection credential against the whitelist.
func (g *StaticGate) AuthorizeEnter(_ context.Context, auth Authentication) Decision {
	switch auth.Kind {
	case APIKeyAuth:
		if g.verifyAPIKey(auth.Key) {
			return Allow
		}
		return Unauthorized

	case JWTAuth:
		if g.verifyClaims(auth.Claims) {
			return Allow
		}
		return Unauthorized

	default:
		if g.rules.AllowAnonymous {
			return Allow
		}
		return Unauthorized
	}
}

// AuthorizeClientMessage re-checks the credential and applies the per-key
// deny and allow lists.
func (g *StaticGate) AuthorizeClientMessage(ctx context.Context, auth Authentication, msg *mcp.Message) Decision {
	if d := g.AuthorizeEnter(ctx, auth); d != Allow {
		return d
	}

	key := DecisionKey(msg)
	if _, ok := g.deny[key]; ok {
		g.logger.Info("frame denied by rule", "key", key)
		return Deny
	}
	if msg.IsToolCall() && len(g.allow) > 0 {
		if _, ok := g.allow[key]; !ok {
			g.logger.Info("tool call outside allow list", "key", key)
			return Deny
		}
	}
	return Allow
}

func (g *StaticGate) verifyAPIKey(raw string) bool {
	for _, stored := range g.rules.APIKeys {
		match, err := VerifyKey(raw, stored)
		if err != nil {
			g.logger.Warn("skipping malformed key entry", "error", err)
			continue
		}
		if match {
			return true
		}
	}
	return false
}

func (g *StaticGate) verifyClaims(claims map[string]any) bool {
	for name, want := range g.rules.RequiredClaims {
		got, ok := claims[name]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
