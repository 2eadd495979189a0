package events

import (
	"context"
	"log"
	"time"

	"github.com/yoonmo01/VP2-sub000/pkg/httputil"
)

// Emitter is what the orchestrator holds: one call per significant step,
// guaranteed never to raise or block the worker. Bus delivery is
// synchronous and lock-cheap; the Redis mirror write runs on a bounded
// pool of fire-and-forget goroutines.
type Emitter struct {
	bus    *Bus
	mirror *Mirror
	sem    *httputil.Semaphore
}

// NewEmitter builds an emitter. mirror may be nil.
func NewEmitter(bus *Bus, mirror *Mirror) *Emitter {
	return &Emitter{
		bus:    bus,
		mirror: mirror,
		sem:    httputil.NewSemaphore(64),
	}
}

// Emit publishes an event. Mirror saturation drops the mirror copy only;
// the in-process stream always gets the event.
func (e *Emitter) Emit(runID string, kind Kind, round int, payload map[string]any) {
	ev := New(runID, kind, round, payload)
	e.bus.Publish(ev)

	if e.mirror == nil {
		return
	}
	if !e.sem.TryAcquire() {
		return
	}
	go func() {
		defer e.sem.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.mirror.Write(ctx, ev); err != nil {
			log.Printf("[EVENTS] mirror write failed run=%s kind=%s: %v", runID, kind, err)
		}
	}()
}

// Bus exposes the in-process stream for drain endpoints.
func (e *Emitter) Bus() *Bus { return e.bus }
