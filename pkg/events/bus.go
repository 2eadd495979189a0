package events

import (
	"context"
	"log"
	"sync"
)

// defaultQueueCap bounds the per-run backlog. A consumer that far behind
// has effectively abandoned the stream.
const defaultQueueCap = 1024

// Bus holds one append-only event queue per run. Producers never block;
// each queue is meant for exactly one consumer, identified by the cursor
// it passes back to Drain.
type Bus struct {
	mu   sync.Mutex
	runs map[string]*queue
	cap  int
}

type queue struct {
	mu       sync.Mutex
	events   []Event
	notify   chan struct{}
	terminal bool
	dropped  int
}

// NewBus creates a bus with the default per-run backlog capacity.
func NewBus() *Bus {
	return &Bus{runs: make(map[string]*queue), cap: defaultQueueCap}
}

func (b *Bus) queueFor(runID string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.runs[runID]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		b.runs[runID] = q
	}
	return q
}

// Publish appends an event to its run's queue. Never blocks: when the
// backlog is full the event is counted and dropped.
func (b *Bus) Publish(ev Event) {
	q := b.queueFor(ev.RunID)

	q.mu.Lock()
	switch {
	case q.terminal:
		q.dropped++ // nothing follows a terminal event
	case len(q.events) >= b.cap && !ev.Terminal():
		q.dropped++
	default:
		q.events = append(q.events, ev)
		if ev.Terminal() {
			q.terminal = true
		}
	}
	dropped := q.dropped
	q.mu.Unlock()

	if dropped > 0 && dropped%100 == 1 {
		log.Printf("[EVENTS] run=%s backlog full, %d events dropped", ev.RunID, dropped)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain returns events at positions >= cursor, long-polling until at least
// one is available, the stream is terminal, or ctx ends. The returned
// cursor is passed to the next Drain call.
func (b *Bus) Drain(ctx context.Context, runID string, cursor int) ([]Event, int, error) {
	q := b.queueFor(runID)
	if cursor < 0 {
		cursor = 0
	}

	for {
		q.mu.Lock()
		if cursor < len(q.events) {
			out := make([]Event, len(q.events)-cursor)
			copy(out, q.events[cursor:])
			next := len(q.events)
			q.mu.Unlock()
			return out, next, nil
		}
		terminal := q.terminal
		q.mu.Unlock()

		if terminal {
			return nil, cursor, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		}
	}
}

// Forget discards a run's queue once its consumer is done with it.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}

// Dropped reports how many events a run's queue has discarded.
func (b *Bus) Dropped(runID string) int {
	q := b.queueFor(runID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
