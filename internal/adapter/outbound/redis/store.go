// Package redis implements the replicated session directory on Redis:
// session records as JSON values, the session lock as SET NX PX with a
// fenced release, and the cluster event bus as a pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/overlay-mcp/internal/domain/cluster"
)

const (
	sessionKeyPrefix = "overlay:session:"
	lockKeyPrefix    = "overlay:lock:"
	eventsChannel    = "overlay:events"

	// lockTTL caps how long a crashed holder can wedge a session.
	lockTTL = 10 * time.Second

	// lockRetryInterval is the poll interval while the lock is held
	// elsewhere.
	lockRetryInterval = 50 * time.Millisecond
)

// releaseScript deletes the lock only if the caller still holds it, so a
// slow holder whose TTL expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements cluster.Store on a Redis deployment.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Config selects the Redis deployment to connect to. A single address
// yields a plain client, several yield a cluster client.
type Config struct {
	Addrs    []string
	Username string
	Password string
	PoolSize int
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &Store{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetSession reads a session record; (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*cluster.ConnectionState, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	var st cluster.ConnectionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &st, nil
}

// PutSession writes a session record.
func (s *Store) PutSession(ctx context.Context, state *cluster.ConnectionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", state.SessionID, err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+state.SessionID, raw, 0).Err(); err != nil {
		return fmt.Errorf("put session %s: %w", state.SessionID, err)
	}
	return nil
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Lock takes the per-session lock with SET NX PX, polling until acquired
// or ctx expires.
func (s *Store) Lock(ctx context.Context, sessionID string) (cluster.UnlockFunc, error) {
	key := lockKeyPrefix + sessionID
	token := uuid.NewString()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
		}
		if ok {
			return func() {
				// Release on a fresh context: the caller's may already be
				// done.
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, s.client, []string{key}, token).Err(); err != nil {
					s.logger.Warn("failed to release session lock",
						"session_id", sessionID, "error", err)
				}
			}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("lock session %s: %w", sessionID, cluster.ErrLockTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

// Publish broadcasts a cluster event.
func (s *Store) Publish(ctx context.Context, ev cluster.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, eventsChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe attaches to the cluster event channel. The returned channel
// closes when ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context) (<-chan cluster.Event, error) {
	pubsub := s.client.Subscribe(ctx, eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	out := make(chan cluster.Event, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev cluster.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Error("failed to decode cluster event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the Redis connections.
func (s *Store) Close() error {
	return s.client.Close()
}
