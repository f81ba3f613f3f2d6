// Package session implements the per-session state of the overlay proxy:
// the tunnel carrying JSON-RPC frames between HTTP handlers and the pump
// loop, the stream-guard protocol that serializes access to the tunnel
// endpoints, and the connection lifecycle state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/cluster"
	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/upstream"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/httpref"
	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// stopDrainTimeout bounds how long Stop waits for a cancelled pump to
// restore the connection state.
const stopDrainTimeout = 5 * time.Second

// Coordinator is the session's view of the replicated manager: the
// consensus-backed session directory plus the node-local fan-out of
// cluster bus events. Nil on a single-node deployment.
type Coordinator interface {
	// Lock takes the distributed lock for a session id.
	Lock(ctx context.Context, sessionID string) (cluster.UnlockFunc, error)

	// State reads the replicated ConnectionState; (nil, nil) when absent.
	State(ctx context.Context, sessionID string) (*cluster.ConnectionState, error)

	// SetState writes the replicated ConnectionState.
	SetState(ctx context.Context, st *cluster.ConnectionState) error

	// RemoveState deletes the replicated ConnectionState.
	RemoveState(ctx context.Context, sessionID string) error

	// Publish broadcasts an event to every node.
	Publish(ctx context.Context, ev cluster.Event) error

	// SubscribeEvents attaches to the node-local event fan-out.
	SubscribeEvents() *Receiver[cluster.Event]
}

// Config carries everything a Session needs at construction.
type Config struct {
	ID           string
	SubsessionID string
	UpstreamURL  *url.URL

	// Dialer opens the upstream connection when this node runs the
	// session in main mode.
	Dialer upstream.Dialer

	// Coordinator is nil on single-node deployments; when set, Start
	// performs main election and the pumps relay over the cluster bus.
	Coordinator Coordinator

	// Passthrough filters client request headers for the upstream dial.
	Passthrough *httpref.Passthrough

	Logger *slog.Logger
}

// Session is one logical duplex channel between a downstream client and an
// upstream MCP server. The upstream URL is immutable after creation; the
// lifecycle is Created -> Running -> Created (via Stop) -> Closed.
type Session struct {
	id           string
	subsessionID string
	upstreamURL  *url.URL

	dialer      upstream.Dialer
	coord       Coordinator
	passthrough *httpref.Passthrough
	logger      *slog.Logger

	tunnel *Tunnel

	upstreamSlot *slot[*Upstream]
	downstream   *slot[*Downstream]
	bypass       *slot[*BypassDownstream]

	conn   connState
	notify *notifier

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Session in the Created state. The session's
// cancellation derives from parent: cancelling the manager cancels every
// session.
func New(parent context.Context, cfg Config) *Session {
	ctx, cancel := context.WithCancel(parent)

	tunnel := NewTunnel()
	up, down, bypass, eps := tunnel.endpoints()

	s := &Session{
		id:           cfg.ID,
		subsessionID: cfg.SubsessionID,
		upstreamURL:  cfg.UpstreamURL,
		dialer:       cfg.Dialer,
		coord:        cfg.Coordinator,
		passthrough:  cfg.Passthrough,
		logger:       cfg.Logger,
		tunnel:       tunnel,
		upstreamSlot: newSlot(up),
		downstream:   newSlot(down),
		bypass:       newSlot(bypass),
		notify:       newNotifier(),
		ctx:          ctx,
		cancel:       cancel,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.passthrough == nil {
		s.passthrough = httpref.NewPassthrough()
	}
	s.conn.eps = eps

	// Tear the tunnel down once the session is cancelled so blocked
	// consumers observe the terminal close.
	go func() {
		<-ctx.Done()
		tunnel.Close()
		s.notify.notifyAll()
	}()

	return s
}

// ID returns the cluster-wide session id.
func (s *Session) ID() string { return s.id }

// SubsessionID returns this node's instance id for the session.
func (s *Session) SubsessionID() string { return s.subsessionID }

// UpstreamURL returns the upstream chosen at creation.
func (s *Session) UpstreamURL() *url.URL { return s.upstreamURL }

// Done is closed when the session's cancellation token trips.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) closed() bool {
	return s.ctx.Err() != nil
}

// GuardUpstream takes exclusive ownership of the upstream send endpoint.
// Blocks up to 5 seconds for the previous holder to return it.
func (s *Session) GuardUpstream(ctx context.Context) (*Guard[*Upstream], error) {
	if s.closed() {
		return nil, fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}
	up, err := acquireSlot(ctx, s.upstreamSlot, s.notify, s.ctx.Done())
	if err != nil {
		return nil, fmt.Errorf("session %s: guard upstream: %w", s.id, err)
	}
	return newGuard(up, func(v *Upstream) {
		s.upstreamSlot.put(v)
		s.notify.notifyAll()
		s.logger.Debug("upstream endpoint returned by guard", "session_id", s.id)
	}), nil
}

// GuardDownstream takes exclusive ownership of the downstream receive
// endpoint.
func (s *Session) GuardDownstream(ctx context.Context) (*Guard[*Downstream], error) {
	if s.closed() {
		return nil, fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}
	down, err := acquireSlot(ctx, s.downstream, s.notify, s.ctx.Done())
	if err != nil {
		return nil, fmt.Errorf("session %s: guard downstream: %w", s.id, err)
	}
	return newGuard(down, func(v *Downstream) {
		s.downstream.put(v)
		s.notify.notifyAll()
		s.logger.Debug("downstream endpoint returned by guard", "session_id", s.id)
	}), nil
}

// GuardBypassDownstream takes exclusive ownership of the bypass endpoint
// used to synthesize server frames.
func (s *Session) GuardBypassDownstream(ctx context.Context) (*Guard[*BypassDownstream], error) {
	if s.closed() {
		return nil, fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}
	bypass, err := acquireSlot(ctx, s.bypass, s.notify, s.ctx.Done())
	if err != nil {
		return nil, fmt.Errorf("session %s: guard bypass downstream: %w", s.id, err)
	}
	return newGuard(bypass, func(v *BypassDownstream) {
		s.bypass.put(v)
		s.notify.notifyAll()
		s.logger.Debug("bypass endpoint returned by guard", "session_id", s.id)
	}), nil
}

// GuardClose yields a guard whose Close cancels the session. Handlers hold
// it for the duration of an SSE response so the session dies with the
// stream.
func (s *Session) GuardClose() (*CloseGuard, error) {
	if s.closed() {
		return nil, fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}
	return &CloseGuard{sessionID: s.id, cancel: s.cancel}, nil
}

// IsStarted reports whether the pump loop is currently running.
func (s *Session) IsStarted() bool {
	if s.closed() {
		return false
	}
	return s.conn.isStarted()
}

// EnsureStarted starts the session if it is not already running.
func (s *Session) EnsureStarted(ctx context.Context, header http.Header) error {
	if s.IsStarted() {
		return nil
	}
	err := s.Start(ctx, header)
	if errors.Is(err, ErrAlreadyStarted) {
		// Lost a benign race with a concurrent request.
		return nil
	}
	return err
}

// Start transitions Created -> Running. On a single node it dials the
// upstream and spawns the bidirectional pump. Under a coordinator it first
// elects a main subsession under the distributed lock: the claimer dials
// the upstream, everyone else relays through the cluster bus.
func (s *Session) Start(ctx context.Context, header http.Header) error {
	if s.closed() {
		return fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}

	if s.coord == nil {
		s.logger.Info("starting session", "session_id", s.id)
		return s.startMain(ctx, header)
	}

	main, err := s.electMain(ctx)
	if err != nil {
		return err
	}
	if main {
		s.logger.Info("starting main session",
			"session_id", s.id, "subsession_id", s.subsessionID)
		return s.startMain(ctx, header)
	}
	s.logger.Info("starting sub session",
		"session_id", s.id, "subsession_id", s.subsessionID)
	return s.startSub()
}

// electMain claims the main role under the distributed lock. Returns true
// when this subsession holds (or just took) the main role.
func (s *Session) electMain(ctx context.Context) (bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, guardAcquireTimeout)
	defer cancel()
	unlock, err := s.coord.Lock(lockCtx, s.id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("session %s: lock: %w", s.id, ErrTimeout)
		}
		return false, fmt.Errorf("session %s: lock: %w", s.id, err)
	}

	st, err := s.coord.State(ctx, s.id)
	if err != nil {
		unlock()
		return false, fmt.Errorf("session %s: read state: %w", s.id, err)
	}
	if st == nil {
		unlock()
		return false, fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}

	claimed := false
	if st.MainSubsessionID == "" {
		st.MainSubsessionID = s.subsessionID
		if err := s.coord.SetState(ctx, st); err != nil {
			unlock()
			return false, fmt.Errorf("session %s: write state: %w", s.id, err)
		}
		claimed = true
	}
	unlock()

	if claimed {
		if err := s.coord.Publish(ctx, cluster.NewMainSession(s.id, s.subsessionID)); err != nil {
			s.logger.Warn("failed to announce main election",
				"session_id", s.id, "error", err)
		}
	}

	return st.MainSubsessionID == s.subsessionID, nil
}

// startMain dials the upstream and spawns the main pump.
func (s *Session) startMain(ctx context.Context, header http.Header) error {
	eps, stopCtx, ok := s.conn.take(s.ctx)
	if !ok {
		return fmt.Errorf("session %s: %w", s.id, ErrAlreadyStarted)
	}

	conn, err := s.dialer.Dial(ctx, s.upstreamURL, s.passthrough.FilterHeader(header))
	if err != nil {
		s.conn.restore(eps)
		s.notify.notifyAll()
		return fmt.Errorf("session %s: dial upstream %s: %w", s.id, s.upstreamURL, err)
	}

	var busRecv *Receiver[cluster.Event]
	if s.coord != nil {
		busRecv = s.coord.SubscribeEvents()
	}

	go s.runMainPump(conn, eps, stopCtx, busRecv)
	return nil
}

// startSub spawns the relay pump on a node that does not hold the
// upstream socket.
func (s *Session) startSub() error {
	eps, stopCtx, ok := s.conn.take(s.ctx)
	if !ok {
		return fmt.Errorf("session %s: %w", s.id, ErrAlreadyStarted)
	}

	busRecv := s.coord.SubscribeEvents()
	go s.runSubPump(eps, stopCtx, busRecv)
	return nil
}

// Stop transitions Running -> Created: demotes this subsession if it is
// main, cancels the pump, and waits up to 5 seconds for the drain.
func (s *Session) Stop(ctx context.Context) error {
	if s.closed() {
		return fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}

	if s.coord != nil {
		if err := s.demoteMain(ctx); err != nil {
			return err
		}
	}

	if !s.conn.cancelStop() {
		return fmt.Errorf("session %s: %w", s.id, ErrAlreadyStopped)
	}

	timer := time.NewTimer(stopDrainTimeout)
	defer timer.Stop()
	for {
		w := s.notify.wait()
		if !s.conn.isStarted() {
			return nil
		}
		select {
		case <-w:
		case <-timer.C:
			// Stopped but not restored within the drain window. Can be
			// delayed by the network; report rather than panic.
			return fmt.Errorf("session %s: stop drain: %w", s.id, ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// demoteMain clears the main designation if this subsession holds it.
func (s *Session) demoteMain(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, guardAcquireTimeout)
	defer cancel()
	unlock, err := s.coord.Lock(lockCtx, s.id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("session %s: lock: %w", s.id, ErrTimeout)
		}
		return fmt.Errorf("session %s: lock: %w", s.id, err)
	}
	defer unlock()

	st, err := s.coord.State(ctx, s.id)
	if err != nil {
		return fmt.Errorf("session %s: read state: %w", s.id, err)
	}
	if st == nil {
		return fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}
	if st.MainSubsessionID == s.subsessionID {
		st.MainSubsessionID = ""
		if err := s.coord.SetState(ctx, st); err != nil {
			return fmt.Errorf("session %s: write state: %w", s.id, err)
		}
	}
	return nil
}

// Close deletes the replicated ConnectionState, broadcasts DeleteSession,
// and trips the cancellation token. Closing an already-closed session
// returns ErrAlreadyClosed.
func (s *Session) Close(ctx context.Context) error {
	if s.closed() {
		return fmt.Errorf("session %s: %w", s.id, ErrAlreadyClosed)
	}

	if s.coord != nil {
		if err := s.coord.RemoveState(ctx, s.id); err != nil {
			return fmt.Errorf("session %s: delete state: %w", s.id, err)
		}
		if err := s.coord.Publish(ctx, cluster.DeleteSession(s.id)); err != nil {
			s.logger.Warn("failed to broadcast session delete",
				"session_id", s.id, "error", err)
		}
	}

	s.cancel()
	return nil
}

// Detach cancels the session locally without touching the replicated
// directory. Used when another node already deleted the session and
// broadcast the teardown.
func (s *Session) Detach() {
	s.cancel()
}

// runMainPump multiplexes the upstream connection, the local upstream
// channel, the cluster bus, and the stop token. Frames on a single source
// preserve order; ordering between sources is unspecified.
func (s *Session) runMainPump(conn upstream.Conn, eps *pumpEndpoints, stopCtx context.Context, busRecv *Receiver[cluster.Event]) {
	defer func() {
		_ = conn.Close()
		if busRecv != nil {
			busRecv.Unsubscribe()
		}
		s.conn.restore(eps)
		s.notify.notifyAll()
		s.logger.Info("session pump stopped", "session_id", s.id)
	}()

	var busC <-chan cluster.Event
	if busRecv != nil {
		busC = busRecv.C()
	}

	for {
		select {
		case <-stopCtx.Done():
			return

		case ev, ok := <-busC:
			if !ok {
				busC = nil
				continue
			}
			if ev.Type != cluster.EventNotifyToMainSession || ev.SessionID != s.id {
				continue
			}
			msg, err := mcp.WrapMessage(ev.RawJSON, mcp.ClientToServer)
			if err != nil {
				s.logger.Error("failed to decode bus frame",
					"session_id", s.id, "error", err)
				continue
			}
			if err := conn.Send(stopCtx, msg); err != nil {
				s.logger.Error("failed to forward bus frame upstream",
					"session_id", s.id, "error", err)
			}

		case msg, ok := <-conn.Recv():
			if !ok {
				s.logger.Info("upstream stream closed", "session_id", s.id)
				return
			}
			eps.svrSend.Send(msg)
			if s.coord != nil {
				if err := s.coord.Publish(stopCtx, cluster.NotifyToSubSession(s.id, msg.Raw)); err != nil {
					s.logger.Error("failed to publish server frame",
						"session_id", s.id, "error", err)
				}
			}

		case msg, ok := <-eps.cltRecv.C():
			if !ok {
				return
			}
			if n := eps.cltRecv.TakeLag(); n > 0 {
				s.logger.Warn("upstream channel lagged",
					"session_id", s.id, "dropped", n)
			}
			if err := conn.Send(stopCtx, msg); err != nil {
				s.logger.Error("failed to forward frame upstream",
					"session_id", s.id, "error", err)
			}
		}
	}
}

// runSubPump relays between the local tunnel and the cluster bus on a
// node that does not hold the upstream socket.
func (s *Session) runSubPump(eps *pumpEndpoints, stopCtx context.Context, busRecv *Receiver[cluster.Event]) {
	defer func() {
		busRecv.Unsubscribe()
		s.conn.restore(eps)
		s.notify.notifyAll()
		s.logger.Info("session relay stopped", "session_id", s.id)
	}()

	for {
		select {
		case <-stopCtx.Done():
			return

		case ev, ok := <-busRecv.C():
			if !ok {
				return
			}
			if ev.Type != cluster.EventNotifyToSubSession || ev.SessionID != s.id {
				continue
			}
			msg, err := mcp.WrapMessage(ev.RawJSON, mcp.ServerToClient)
			if err != nil {
				s.logger.Error("failed to decode bus frame",
					"session_id", s.id, "error", err)
				continue
			}
			eps.svrSend.Send(msg)

		case msg, ok := <-eps.cltRecv.C():
			if !ok {
				return
			}
			if n := eps.cltRecv.TakeLag(); n > 0 {
				s.logger.Warn("upstream channel lagged",
					"session_id", s.id, "dropped", n)
			}
			if err := s.coord.Publish(stopCtx, cluster.NotifyToMainSession(s.id, msg.Raw)); err != nil {
				s.logger.Error("failed to publish client frame",
					"session_id", s.id, "error", err)
			}
		}
	}
}

// connState is the tagged Stopped | Started pair of the lifecycle state
// machine. take swaps Stopped -> Started returning the pump endpoints;
// restore reverses it. Atomicity comes from holding the mutex across the
// swap.
type connState struct {
	mu         sync.Mutex
	started    bool
	stopCancel context.CancelFunc
	eps        *pumpEndpoints
}

func (c *connState) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// take transitions Stopped -> Started, deriving the pump's stop token
// from parent. Returns false if already started.
func (c *connState) take(parent context.Context) (*pumpEndpoints, context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, nil, false
	}
	stopCtx, cancel := context.WithCancel(parent)
	eps := c.eps
	c.eps = nil
	c.started = true
	c.stopCancel = cancel
	return eps, stopCtx, true
}

// restore transitions Started -> Stopped, re-depositing the endpoints.
func (c *connState) restore(eps *pumpEndpoints) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	if c.stopCancel != nil {
		c.stopCancel()
	}
	c.started = false
	c.stopCancel = nil
	c.eps = eps
}

// cancelStop cancels the running pump's stop token. Returns false when the
// pump is not running.
func (c *connState) cancelStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return false
	}
	c.stopCancel()
	return true
}
