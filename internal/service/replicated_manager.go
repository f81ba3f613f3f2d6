package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/cluster"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/resolver"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/session"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/upstream"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
)

// ReplicatedManager is the clustered SessionManager: session records live
// in the cluster store, so a session created on one node can be found and
// served from any other. Each node materializes its own subsession; the
// one holding the upstream socket is elected main under the session lock.
type ReplicatedManager struct {
	nodeID      string
	store       cluster.Store
	resolver    resolver.Resolver
	dialer      upstream.Dialer
	passthrough *httpref.Passthrough
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session

	// bus fans incoming cluster events out to every local pump.
	bus *session.Broadcast[cluster.Event]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReplicatedManager creates a clustered manager identified as nodeID.
// Run must be called before serving.
func NewReplicatedManager(nodeID string, store cluster.Store, res resolver.Resolver, dialer upstream.Dialer, passthrough *httpref.Passthrough, logger *slog.Logger) *ReplicatedManager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReplicatedManager{
		nodeID:      nodeID,
		store:       store,
		resolver:    res,
		dialer:      dialer,
		passthrough: passthrough,
		logger:      logger,
		sessions:    make(map[string]*session.Session),
		bus:         session.NewBroadcast[cluster.Event](),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run subscribes to the cluster event channel and fans events out to the
// local pumps until ctx is cancelled.
func (m *ReplicatedManager) Run(ctx context.Context) error {
	events, err := m.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cluster events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handleEvent(ev)
		}
	}
}

func (m *ReplicatedManager) handleEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.EventDeleteSession:
		// Another node closed the session; drop the local materialization
		// without re-publishing.
		m.mu.RLock()
		s, ok := m.sessions[ev.SessionID]
		m.mu.RUnlock()
		if ok {
			m.logger.Info("dropping session deleted by peer", "session_id", ev.SessionID)
			s.Detach()
		}

	case cluster.EventNewMainSession:
		m.logger.Debug("main subsession elected",
			"session_id", ev.SessionID, "subsession_id", ev.SubsessionID)
	}

	m.bus.Send(ev)
}

// Create resolves an upstream, writes the replicated session record, and
// materializes the local subsession.
func (m *ReplicatedManager) Create(ctx context.Context, _ http.Header) (*session.Session, error) {
	target, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream: %w", err)
	}

	id := uuid.NewString()
	if err := m.store.PutSession(ctx, &cluster.ConnectionState{
		SessionID:   id,
		UpstreamURL: target.String(),
	}); err != nil {
		return nil, fmt.Errorf("put session record: %w", err)
	}

	s, err := m.materialize(id, target)
	if err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", id, "upstream", target)
	return s, nil
}

// Find returns the local subsession for id, materializing one from the
// replicated record if another node created the session.
func (m *ReplicatedManager) Find(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	st, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session record: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}

	target, err := url.Parse(st.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("session %s: bad upstream url %q: %w", id, st.UpstreamURL, err)
	}

	s, err = m.materialize(id, target)
	if err != nil {
		return nil, err
	}
	m.logger.Info("session materialized from peer record",
		"session_id", id, "upstream", target)
	return s, nil
}

// materialize registers a local subsession for a replicated session id.
func (m *ReplicatedManager) materialize(id string, target *url.URL) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A concurrent Find may have beaten us here.
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	s := session.New(m.ctx, session.Config{
		ID:           id,
		SubsessionID: m.nodeID + "/" + uuid.NewString(),
		UpstreamURL:  target,
		Dialer:       m.dialer,
		Coordinator:  &coordinator{store: m.store, bus: m.bus},
		Passthrough:  m.passthrough,
		Logger:       m.logger,
	})
	m.sessions[id] = s
	go m.reap(s)
	return s, nil
}

// Len reports the number of locally materialized sessions.
func (m *ReplicatedManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown cancels every local subsession. Replicated records stay: other
// nodes may still be serving the sessions.
func (m *ReplicatedManager) Shutdown(_ context.Context) {
	m.cancel()
	m.bus.Close()
}

func (m *ReplicatedManager) reap(s *session.Session) {
	<-s.Done()
	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	m.logger.Info("session reaped", "session_id", s.ID())
}

// coordinator adapts the cluster store plus the manager's local event
// fan-out to the session package's Coordinator port.
type coordinator struct {
	store cluster.Store
	bus   *session.Broadcast[cluster.Event]
}

func (c *coordinator) Lock(ctx context.Context, sessionID string) (cluster.UnlockFunc, error) {
	return c.store.Lock(ctx, sessionID)
}

func (c *coordinator) State(ctx context.Context, sessionID string) (*cluster.ConnectionState, error) {
	return c.store.GetSession(ctx, sessionID)
}

func (c *coordinator) SetState(ctx context.Context, st *cluster.ConnectionState) error {
	return c.store.PutSession(ctx, st)
}

func (c *coordinator) RemoveState(ctx context.Context, sessionID string) error {
	return c.store.DeleteSession(ctx, sessionID)
}

func (c *coordinator) Publish(ctx context.Context, ev cluster.Event) error {
	return c.store.Publish(ctx, ev)
}

func (c *coordinator) SubscribeEvents() *session.Receiver[cluster.Event] {
	return c.bus.Subscribe()
}
