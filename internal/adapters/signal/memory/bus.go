// Package memory is the in-process SignalBus: topic fan-out with a
// per-subscriber queue so a handler that publishes from inside its own
// callback can never deadlock the bus.
package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

const subscriberQueue = 64

type subscriber struct {
	id        int
	queue     chan *domain.SignalEnvelope
	closeOnce sync.Once
}

func (s *subscriber) shutdown() {
	s.closeOnce.Do(func() { close(s.queue) })
}

type topic struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]*subscriber
	draining bool
}

type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

var _ core.SignalBus = (*Bus)(nil)

func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) OpenTopic(callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[callID]; !ok {
		b.topics[callID] = &topic{subs: make(map[int]*subscriber)}
	}
	return nil
}

// Publish delivers env to every subscriber of its topic, including the
// sender's own subscription. Fire-and-forget: unknown topics and full
// subscriber queues drop the message.
func (b *Bus) Publish(_ context.Context, env *domain.SignalEnvelope) {
	b.mu.Lock()
	t, ok := b.topics[env.CallID]
	b.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "signal.memory").Str("call_id", env.CallID).Msg("publish to unknown topic, dropping")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		select {
		case s.queue <- env:
		default:
			log.Warn().Str("module", "signal.memory").Str("call_id", env.CallID).Int("sub", s.id).Msg("subscriber queue full, dropping")
		}
	}
}

func (b *Bus) Subscribe(callID string, fn func(*domain.SignalEnvelope)) func() {
	b.mu.Lock()
	t, ok := b.topics[callID]
	b.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "signal.memory").Str("call_id", callID).Msg("subscribe to unknown topic")
		return func() {}
	}

	t.mu.Lock()
	s := &subscriber{
		id:    t.nextID,
		queue: make(chan *domain.SignalEnvelope, subscriberQueue),
	}
	t.nextID++
	t.subs[s.id] = s
	t.mu.Unlock()

	// One goroutine per subscription keeps delivery ordered per topic
	// while publishers never block on a handler.
	go func() {
		for env := range s.queue {
			fn(env)
		}
	}()

	return func() {
		t.mu.Lock()
		delete(t.subs, s.id)
		empty := t.draining && len(t.subs) == 0
		t.mu.Unlock()
		s.shutdown()
		if empty {
			b.gc(callID, t)
		}
	}
}

// CloseTopic releases this caller's claim on the topic. Subscriptions
// stay live until their own cancel runs, so one side's teardown never
// cuts off the peer; the topic is collected once the last one is gone.
func (b *Bus) CloseTopic(callID string) {
	b.mu.Lock()
	t, ok := b.topics[callID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.draining = true
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		b.gc(callID, t)
	}
}

func (b *Bus) gc(callID string, t *topic) {
	b.mu.Lock()
	if cur, ok := b.topics[callID]; ok && cur == t {
		delete(b.topics, callID)
	}
	b.mu.Unlock()
	log.Info().Str("module", "signal.memory").Str("call_id", callID).Msg("topic collected")
}
