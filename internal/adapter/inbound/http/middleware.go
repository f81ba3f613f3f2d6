package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Sentinel-Gate/overlay-mcp/internal/ctxkey"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/authz"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// LoggerKey is the context key for the enriched logger. Uses the shared
// key type from ctxkey to allow cross-package access without import
// cycles.
var LoggerKey = ctxkey.LoggerKey{}

// AuthKey is the context key for the extracted Authentication.
var AuthKey = ctxkey.AuthKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the
// logger. The request ID is stored in context using RequestIDKey; an
// enriched logger with a request_id field is stored using LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context. Returns
// slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ProtocolVersionMiddleware refuses requests that announce an MCP protocol
// version other than the legacy HTTP+SSE one this proxy speaks. Requests
// without the header pass: legacy clients predate it.
func ProtocolVersionMiddleware(spec mcp.Spec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v := r.Header.Get(mcp.ProtocolVersionHeader); v != "" && v != spec.Version() {
				LoggerFromContext(r.Context()).Info("refusing unsupported protocol version",
					"version", v)
				http.Error(w, "unsupported MCP protocol version", http.StatusNotAcceptable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthnMiddleware extracts the connection's credential: an API key found
// via one of the configured references, or the claims of a bearer JWT.
// Extraction only; the AuthzGate decides whether the credential is
// acceptable.
func AuthnMiddleware(apiKeyRefs []httpref.Reference) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := extractAuthentication(r, apiKeyRefs)
			ctx := context.WithValue(r.Context(), AuthKey, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthFromContext retrieves the extracted Authentication. Returns the
// anonymous credential if the middleware did not run.
func AuthFromContext(ctx context.Context) authz.Authentication {
	if auth, ok := ctx.Value(AuthKey).(authz.Authentication); ok {
		return auth
	}
	return authz.Anonymous()
}

func extractAuthentication(r *http.Request, apiKeyRefs []httpref.Reference) authz.Authentication {
	for _, ref := range apiKeyRefs {
		if key, ok := ref.Lookup(r); ok && key != "" {
			return authz.Authentication{Kind: authz.APIKeyAuth, Key: key, Source: ref}
		}
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		if claims := parseJWTClaims(token); claims != nil {
			return authz.Authentication{Kind: authz.JWTAuth, Claims: claims}
		}
		// A bearer credential that is not a JWT is treated as an API key.
		return authz.Authentication{
			Kind:   authz.APIKeyAuth,
			Key:    token,
			Source: httpref.Reference{Part: httpref.Header, Name: "authorization"},
		}
	}

	return authz.Anonymous()
}

// parseJWTClaims decodes the claims of a bearer token without verifying
// the signature. Signature verification happens at the OAuth2 boundary in
// front of this proxy; here the claims only feed authorization rules.
func parseJWTClaims(token string) map[string]any {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}
