package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// mirrorTTL keeps abandoned event streams from accumulating in Redis.
const mirrorTTL = 24 * time.Hour

// Mirror copies events into a per-run Redis stream so external consumers
// can follow a run without touching the in-process bus.
type Mirror struct {
	client *redis.Client
}

// NewMirror wraps an existing Redis client. A nil client disables the
// mirror entirely.
func NewMirror(client *redis.Client) *Mirror {
	if client == nil {
		return nil
	}
	return &Mirror{client: client}
}

// NewMirrorWithFallback pings the given address and returns nil when Redis
// is unreachable, so the mirror stays strictly optional.
func NewMirrorWithFallback(ctx context.Context, addr string) *Mirror {
	if addr == "" {
		log.Printf("[EVENTS] ○ redis mirror disabled - no address configured")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("[EVENTS] ○ redis mirror unavailable at %s: %v", addr, err)
		_ = client.Close()
		return nil
	}
	log.Printf("[EVENTS] ✓ redis mirror connected at %s", addr)
	return &Mirror{client: client}
}

// StreamKey is the Redis stream holding a run's events.
func StreamKey(runID string) string {
	return "vpsim:events:" + runID
}

// Write appends one event to the run's stream. Errors are returned for
// the caller to log; the mirror never retries.
func (m *Mirror) Write(ctx context.Context, ev Event) error {
	if m == nil {
		return nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	key := StreamKey(ev.RunID)
	pipe := m.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			"id":      ev.ID,
			"kind":    string(ev.Kind),
			"round":   ev.Round,
			"payload": string(payload),
			"at":      ev.At.Format(time.RFC3339Nano),
		},
	})
	pipe.Expire(ctx, key, mirrorTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Close releases the underlying client.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
