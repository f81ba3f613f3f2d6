package http

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/authz"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/resolver"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/session"
	"github.com/Sentinel-Gate/overlay-mcp/internal/service"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// maxMessageBodySize caps the POST /message body.
const maxMessageBodySize = 1024 * 1024

// Handler serves the two MCP transport endpoints: the long-lived GET /sse
// stream and the short-lived POST /message channel.
type Handler struct {
	manager service.SessionManager
	gate    authz.Gate
	spec    mcp.Spec
	metrics *Metrics
	logger  *slog.Logger

	// publicURL, when set, makes the announced endpoint absolute.
	publicURL *url.URL
}

// NewHandler builds the transport handler.
func NewHandler(manager service.SessionManager, gate authz.Gate, spec mcp.Spec, metrics *Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if gate == nil {
		gate = authz.AllowAll{}
	}
	return &Handler{
		manager: manager,
		gate:    gate,
		spec:    spec,
		metrics: metrics,
		logger:  logger,
	}
}

// ServeSSE handles GET /sse: authorizes entry, creates or attaches to a
// session, and relays server frames as SSE message events until the
// client disconnects or the session closes.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := LoggerFromContext(ctx)
	auth := AuthFromContext(ctx)

	decision := h.gate.AuthorizeEnter(ctx, auth)
	h.metrics.AuthzDecisions.WithLabelValues(decision.String()).Inc()
	switch decision {
	case authz.Unauthorized:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case authz.Deny:
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s, created, err := h.findOrCreate(r)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}
	if created {
		h.metrics.SessionsCreated.Inc()
	}

	if err := s.EnsureStarted(ctx, r.Header); err != nil {
		h.writeError(w, logger, err)
		return
	}

	closeGuard, err := s.GuardClose()
	if err != nil {
		h.writeError(w, logger, err)
		return
	}
	defer closeGuard.Close()

	down, err := s.GuardDownstream(ctx)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}
	defer down.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, logger, errors.New("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", h.endpointURL(s.ID(), auth))
	flusher.Flush()

	h.metrics.ActiveStreams.Inc()
	defer h.metrics.ActiveStreams.Dec()
	logger.Info("sse stream opened", "session_id", s.ID())

	for {
		msg, err := down.Inner().Recv(ctx)
		if err != nil {
			var lag *session.LagError
			if errors.As(err, &lag) {
				logger.Warn("downstream receiver lagged",
					"session_id", s.ID(), "dropped", lag.Dropped)
				continue
			}
			logger.Info("sse stream closed", "session_id", s.ID(), "reason", err)
			return
		}
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg.Raw)
		flusher.Flush()
		h.metrics.FramesForwarded.WithLabelValues("downstream").Inc()
	}
}

// ServeMessage handles POST /message: authorizes the frame and forwards
// it upstream, or synthesizes a denial on the bypass channel.
func (h *Handler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := LoggerFromContext(ctx)
	auth := AuthFromContext(ctx)

	id, ok := h.spec.SessionID(r)
	if !ok {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	s, err := h.manager.Find(ctx, id)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	msg, err := mcp.WrapMessage(body, mcp.ClientToServer)
	if err != nil {
		http.Error(w, "malformed JSON-RPC frame", http.StatusBadRequest)
		return
	}

	decision := h.gate.AuthorizeClientMessage(ctx, auth, msg)
	h.metrics.AuthzDecisions.WithLabelValues(decision.String()).Inc()
	switch decision {
	case authz.Unauthorized:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case authz.Deny:
		if err := h.writeBypassDenial(r, s, msg); err != nil {
			h.writeError(w, logger, err)
			return
		}
		logger.Info("frame denied", "session_id", s.ID(), "key", authz.DecisionKey(msg))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := s.EnsureStarted(ctx, r.Header); err != nil {
		h.writeError(w, logger, err)
		return
	}

	up, err := s.GuardUpstream(ctx)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}
	defer up.Close()

	up.Inner().Send(msg)
	h.metrics.FramesForwarded.WithLabelValues("upstream").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// writeBypassDenial synthesizes the JSON-RPC error reply for a denied
// frame and writes it straight to the downstream SSE stream.
func (h *Handler) writeBypassDenial(r *http.Request, s *session.Session, msg *mcp.Message) error {
	denial, err := mcp.NewErrorMessage(msg.RawID(), mcp.CodeInvalidRequest, "This method is not allowed")
	if err != nil {
		return fmt.Errorf("synthesize denial: %w", err)
	}

	bypass, err := s.GuardBypassDownstream(r.Context())
	if err != nil {
		return err
	}
	defer bypass.Close()

	bypass.Inner().Send(denial)
	return nil
}

// findOrCreate attaches to the session named in the request, or creates a
// fresh one when no session id is present.
func (h *Handler) findOrCreate(r *http.Request) (*session.Session, bool, error) {
	if id, ok := h.spec.SessionID(r); ok {
		s, err := h.manager.Find(r.Context(), id)
		return s, false, err
	}
	s, err := h.manager.Create(r.Context(), r.Header)
	return s, true, err
}

// endpointURL builds the message-POST URL announced in the endpoint
// event. A query-sourced API key is re-appended under its original name
// so the client keeps authenticating without special handling.
func (h *Handler) endpointURL(sessionID string, auth authz.Authentication) string {
	u := url.URL{Path: "/message"}
	if h.publicURL != nil {
		u = *h.publicURL
		u.Path = "/message"
	}

	q := u.Query()
	q.Set("session_id", sessionID)
	if auth.Kind == authz.APIKeyAuth && auth.Source.Part == httpref.Query {
		q.Set(auth.Source.Name, auth.Key)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// writeError maps domain errors onto the HTTP status table.
func (h *Handler) writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)

	case errors.Is(err, resolver.ErrNoUpstream):
		http.Error(w, "no upstream available", http.StatusServiceUnavailable)

	case errors.Is(err, session.ErrAlreadyStarted),
		errors.Is(err, session.ErrAlreadyStopped),
		errors.Is(err, session.ErrAlreadyClosed):
		// Benign race with a concurrent request on the same session.
		logger.Warn("session state race", "error", err)
		http.Error(w, "session state conflict", http.StatusInternalServerError)

	case errors.Is(err, session.ErrTimeout):
		logger.Error("session operation timed out", "error", err)
		http.Error(w, "timeout", http.StatusInternalServerError)

	default:
		logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
