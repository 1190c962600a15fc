// Package eventbus implements the in-process typed publish/subscribe bus
// from spec.md §4.L: bounded per-subscriber FIFO inboxes with a
// critical-delivery guarantee. There is no priority queue: non-critical
// events of every priority enter the same inbox in publish order, and
// CRITICAL events bypass the inbox and are delivered synchronously.
// Generalized from the teacher's
// logger subscriber fan-out (internal/logger.Subscribe/AddLog) into a
// typed, prioritized event bus decoupled from logging.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/mcp-scooter/dbshell/internal/errs"
)

// Priority selects the delivery path: CRITICAL events are awaited by
// Publish, non-critical ones are fire-and-forget and are not reordered
// by priority.
type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Event is a typed payload published on the bus. Type is a caller-defined
// string key (components define their own small enums of event types).
type Event struct {
	Type     string
	Priority Priority
	Payload  any
}

// Handler processes one event. Its error is returned by a CRITICAL
// Publish; for non-critical events the bus discards it.
type Handler func(Event) error

const defaultInboxSize = 64

// Bus is safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber

	backpressureDeadline time.Duration
}

type subscriber struct {
	inbox   chan Event
	handler Handler
	done    chan struct{}
}

func New() *Bus {
	return &Bus{
		subscribers:          make(map[string][]*subscriber),
		backpressureDeadline: 2 * time.Second,
	}
}

// Subscribe registers handler for every Event whose Type matches typ.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(typ string, handler Handler) func() {
	s := &subscriber{inbox: make(chan Event, defaultInboxSize), handler: handler, done: make(chan struct{})}
	go s.drain()

	b.mu.Lock()
	b.subscribers[typ] = append(b.subscribers[typ], s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		list := b.subscribers[typ]
		for i, sub := range list {
			if sub == s {
				b.subscribers[typ] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(s.done)
	}
}

func (s *subscriber) drain() {
	for {
		select {
		case e := <-s.inbox:
			_ = s.handler(e)
		case <-s.done:
			return
		}
	}
}

// Publish delivers an event to every subscriber of e.Type. Defaults
// e.Priority to PriorityNormal when unset. For PriorityCritical events,
// Publish blocks until delivery completes for every subscriber (or the
// backpressure deadline elapses, in which case it fails Backpressure);
// non-critical events are enqueued best-effort and Publish returns
// immediately.
func (b *Bus) Publish(e Event) error {
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[e.Type]...)
	b.mu.RUnlock()

	if e.Priority != PriorityCritical {
		for _, s := range subs {
			select {
			case s.inbox <- e:
			default:
				// bounded inbox full: the event is dropped for this
				// subscriber, with no warning and no dropped-event count.
			}
		}
		return nil
	}

	// CRITICAL events are delivered synchronously so Publish only returns
	// once every subscriber's handler has actually run (or the
	// backpressure deadline elapses waiting for room to do so).
	ctx, cancel := context.WithTimeout(context.Background(), b.backpressureDeadline)
	defer cancel()
	for _, s := range subs {
		resultCh := make(chan error, 1)
		go func(s *subscriber) { resultCh <- s.handler(e) }(s)
		select {
		case err := <-resultCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return errs.New(errs.KindBackpressure, "critical event delivery timed out", ctx.Err())
		}
	}
	return nil
}
