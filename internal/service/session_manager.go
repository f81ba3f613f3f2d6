// Package service wires the session domain to its collaborators: the
// upstream resolver, the authorization gate, and (in replicated mode) the
// cluster store. The HTTP adapter talks only to this layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/resolver"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/session"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/upstream"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
)

// ErrSessionNotFound is returned by Find when the session id refers to no
// known session. The HTTP surface maps it to 404.
var ErrSessionNotFound = errors.New("session not found")

// SessionManager creates and locates sessions. The local implementation
// keeps sessions in process memory; the replicated one additionally
// materializes sessions created on other nodes.
type SessionManager interface {
	// Create builds a new session bound to a freshly resolved upstream.
	Create(ctx context.Context, header http.Header) (*session.Session, error)

	// Find returns the session for id, or ErrSessionNotFound.
	Find(ctx context.Context, id string) (*session.Session, error)

	// Len reports the number of sessions this node currently tracks.
	Len() int

	// Shutdown tears down every tracked session.
	Shutdown(ctx context.Context)
}

// LocalManager is the single-node SessionManager.
type LocalManager struct {
	resolver    resolver.Resolver
	dialer      upstream.Dialer
	passthrough *httpref.Passthrough
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLocalManager creates a single-node manager.
func NewLocalManager(res resolver.Resolver, dialer upstream.Dialer, passthrough *httpref.Passthrough, logger *slog.Logger) *LocalManager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalManager{
		resolver:    res,
		dialer:      dialer,
		passthrough: passthrough,
		logger:      logger,
		sessions:    make(map[string]*session.Session),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Create resolves an upstream and registers a new session under a fresh
// id.
func (m *LocalManager) Create(ctx context.Context, _ http.Header) (*session.Session, error) {
	target, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	for {
		if _, exists := m.sessions[id]; !exists {
			break
		}
		id = uuid.NewString()
	}

	s := session.New(m.ctx, session.Config{
		ID:           id,
		SubsessionID: uuid.NewString(),
		UpstreamURL:  target,
		Dialer:       m.dialer,
		Passthrough:  m.passthrough,
		Logger:       m.logger,
	})
	m.sessions[id] = s
	go m.reap(s)

	m.logger.Info("session created", "session_id", id, "upstream", target)
	return s, nil
}

// Find returns a tracked session.
func (m *LocalManager) Find(_ context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Len reports the number of live sessions.
func (m *LocalManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown cancels every session.
func (m *LocalManager) Shutdown(_ context.Context) {
	m.cancel()
}

// reap removes the session from the map once its cancellation trips.
func (m *LocalManager) reap(s *session.Session) {
	<-s.Done()
	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	m.logger.Info("session reaped", "session_id", s.ID())
}
