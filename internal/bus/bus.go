// Package bus provides the in-process publish/subscribe channel between the
// engine, the P&L tracker, and the dashboard bridge. Delivery is per
// subscriber FIFO; a per-topic ring keeps recent history for late joiners.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// Handler consumes one event. Handlers run on the subscription's own
// goroutine; a panic is recovered and logged without affecting the publisher
// or other subscribers.
type Handler func(types.Event)

const defaultRetention = 256

// subscriber queue depth. Core topics (position.*, pnl.*) block when the
// queue is full instead of dropping; broadcast topics drop and count.
const queueDepth = 1024

type subscription struct {
	id      string
	topics  map[string]bool // empty = all topics
	handler Handler
	ch      chan types.Event
	done    chan struct{}
	wg      sync.WaitGroup
}

func (s *subscription) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Bus is the process-wide event bus. The zero value is not usable; call New.
type Bus struct {
	logger    *slog.Logger
	retention int

	mu      sync.RWMutex
	subs    map[string]*subscription
	history map[string][]types.Event
	dropped map[string]uint64
	closed  bool
}

// New creates a bus retaining up to retention events per topic. retention
// <= 0 selects the default.
func New(logger *slog.Logger, retention int) *Bus {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Bus{
		logger:    logger.With("component", "bus"),
		retention: retention,
		subs:      make(map[string]*subscription),
		history:   make(map[string][]types.Event),
		dropped:   make(map[string]uint64),
	}
}

// Subscribe registers a handler for the given topics (none = all). The
// returned id unsubscribes. Handlers start receiving events published after
// this call; use History to backfill.
func (b *Bus) Subscribe(handler Handler, topics ...string) string {
	sub := &subscription{
		id:      uuid.NewString(),
		topics:  make(map[string]bool, len(topics)),
		handler: handler,
		ch:      make(chan types.Event, queueDepth),
		done:    make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return sub.id
	}
	sub.wg.Add(1)
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.pump(sub)
	return sub.id
}

// Unsubscribe removes a subscription and waits for its handler goroutine to
// stop, so the handler is never invoked after this returns.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(sub.done)
	sub.wg.Wait()
}

// Publish delivers an event to every matching subscriber and records it in
// the topic ring. Zero timestamps are stamped here.
func (b *Bus) Publish(ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ring := append(b.history[ev.Topic], ev)
	if len(ring) > b.retention {
		ring = ring[len(ring)-b.retention:]
	}
	b.history[ev.Topic] = ring

	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(ev.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	core := isCoreTopic(ev.Topic)
	for _, sub := range targets {
		select {
		case sub.ch <- ev:
			continue
		case <-sub.done:
			continue
		default:
		}
		if core {
			// Lossless path: wait for the slow subscriber to drain.
			select {
			case sub.ch <- ev:
			case <-sub.done:
			}
			continue
		}
		b.mu.Lock()
		b.dropped[ev.Topic]++
		n := b.dropped[ev.Topic]
		b.mu.Unlock()
		if n == 1 || n%100 == 0 {
			b.logger.Warn("subscriber queue full, dropping event",
				"topic", ev.Topic, "subscription", sub.id, "dropped", n)
		}
	}
}

// History returns retained events for a topic published after since,
// oldest first.
func (b *Bus) History(topic string, since time.Time) []types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring := b.history[topic]
	out := make([]types.Event, 0, len(ring))
	for _, ev := range ring {
		if ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped returns the drop counter for a topic.
func (b *Bus) Dropped(topic string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[topic]
}

// Close stops all subscriptions. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
		sub.wg.Wait()
	}
}

func (b *Bus) pump(sub *subscription) {
	defer sub.wg.Done()
	for {
		select {
		case ev := <-sub.ch:
			b.invoke(sub, ev)
		case <-sub.done:
			// Drain anything already queued before stopping.
			for {
				select {
				case ev := <-sub.ch:
					b.invoke(sub, ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) invoke(sub *subscription, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", ev.Topic, "subscription", sub.id, "panic", r)
		}
	}()
	sub.handler(ev)
}

func isCoreTopic(topic string) bool {
	return strings.HasPrefix(topic, "position.") || strings.HasPrefix(topic, "pnl.")
}
