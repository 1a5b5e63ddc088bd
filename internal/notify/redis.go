// internal/notify/redis.go
//
// Change-notification substrate for game sessions, layered on Redis
// pub/sub. Delivery is best effort: at-least-once, possibly delayed, with
// no ordering guarantee across separate phase writes. Consumers must treat
// every payload as a full snapshot of the row, never as a delta; the sync
// engine's round-then-phase comparison compensates for reordering.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sonarchy/gamesync/internal/phase"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// DefaultAuditQueueName is the Redis list holding the phase-transition
// audit trail.
var DefaultAuditQueueName = "gamesync_phase_audit"

// PhaseChange is the payload pushed to subscribers when a session's phase
// or round moves.
type PhaseChange struct {
	SessionID    uuid.UUID   `json:"session_id"`
	CurrentPhase phase.Phase `json:"current_phase"`
	CurrentRound int         `json:"current_round"`
	Timestamp    int64       `json:"timestamp"`
}

// State converts the payload into the authoritative pair.
func (pc PhaseChange) State() phase.State {
	return phase.State{Phase: pc.CurrentPhase, Round: pc.CurrentRound}
}

// ConnectRedis initializes the global Redis client with environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func ConnectRedis() error {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	Rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

func channelFor(sessionID uuid.UUID) string {
	return "phase:" + sessionID.String()
}

// PublishPhaseChange fans the new (phase, round) pair out to every
// subscribed client and appends an audit record to the transition log
// queue. Publish failures are returned but must not roll back the write
// that triggered them; subscribers fall back to their next mount check.
func PublishPhaseChange(ctx context.Context, sessionID uuid.UUID, st phase.State) error {
	pc := PhaseChange{
		SessionID:    sessionID,
		CurrentPhase: st.Phase,
		CurrentRound: st.Round,
		Timestamp:    time.Now().UnixMilli(),
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to marshal PhaseChange: %w", err)
	}

	if err := Rdb.Publish(ctx, channelFor(sessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish phase change for session %s: %w", sessionID, err)
	}

	queueName := getEnv("PHASE_AUDIT_QUEUE_NAME", DefaultAuditQueueName)
	if err := Rdb.RPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", queueName, err)
	}
	return nil
}

// Event is a single delivery on a subscription: either a state snapshot or
// a terminal channel error. After an Err delivery no further events arrive
// and the subscription must be re-established.
type Event struct {
	State *phase.State
	Err   error
}

// Subscription is a live interest registration for one session's updates.
// Close releases delivery; it is safe to call more than once.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Subscriber registers interest in update events for a session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID) (Subscription, error)
}

// RedisSubscriber implements Subscriber over the global Redis client.
type RedisSubscriber struct{}

// Subscribe opens a pub/sub channel scoped to the session and confirms the
// registration before returning, so a successful return means the server
// acknowledged interest.
func (RedisSubscriber) Subscribe(ctx context.Context, sessionID uuid.UUID) (Subscription, error) {
	ps := Rdb.Subscribe(ctx, channelFor(sessionID))

	// Receive forces the subscribe round trip; a timeout here is a channel
	// failure the caller should retry.
	confirmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe confirmation for session %s: %w", sessionID, err)
	}

	sub := &redisSubscription{
		ps:     ps,
		events: make(chan Event, 8),
	}
	go sub.pump(ctx)
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan Event
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

// pump decodes raw messages into Events until the channel dies. Undecodable
// payloads are dropped rather than surfaced as terminal errors; the next
// good payload or the next mount check recovers the client.
func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			s.events <- Event{Err: ctx.Err()}
			return
		case msg, ok := <-ch:
			if !ok {
				s.events <- Event{Err: fmt.Errorf("subscription channel closed")}
				return
			}
			var pc PhaseChange
			if err := json.Unmarshal([]byte(msg.Payload), &pc); err != nil {
				continue
			}
			st := pc.State()
			select {
			case s.events <- Event{State: &st}:
			case <-ctx.Done():
				s.events <- Event{Err: ctx.Err()}
				return
			}
		}
	}
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
