// Package registry fans notifications out to the callbacks subscribed to
// their topic.
//
// Every subscription owns an unbounded mailbox drained by its own goroutine,
// so delivery to one subscriber is in receipt order while a slow subscriber
// never holds up the others or the caller of Dispatch.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/cyberinferno/rpcmux/frame"
	"github.com/cyberinferno/rpcmux/idgenerator"
	"github.com/cyberinferno/rpcmux/logger"
)

// Topic identifies a notification stream; see frame.Topic.
type Topic = frame.Topic

// Handle identifies one subscription. The zero Handle is never issued.
type Handle uint32

// Notification is one inbound event as handed to subscribers.
type Notification struct {
	Topic     Topic
	Payload   []byte
	Sequence  uint64
	Timestamp time.Time
}

// Handler receives notifications. A returned error or a panic is logged and
// does not affect other subscribers or later deliveries.
type Handler func(n Notification) error

// Matches reports whether a subscription on topic receives a notification
// published on n. An empty subscription scope matches every scope.
func Matches(topic Topic, n Topic) bool {
	return topic.Method == n.Method && (topic.Scope == "" || topic.Scope == n.Scope)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for handler failures.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// Registry maps topics to subscriptions. It is safe for concurrent use.
// Its lock is held only while the maps are updated or snapshotted, never
// while a handler runs.
type Registry struct {
	log logger.Logger
	ids *idgenerator.IdGenerator

	mu      sync.RWMutex
	subs    map[Handle]*subscription
	byTopic map[string][]*subscription

	wg sync.WaitGroup
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:     logger.NewNopLogger(),
		subs:    make(map[Handle]*subscription),
		byTopic: make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(r)
	}

	// called with r.mu held
	r.ids = idgenerator.NewRecyclingIdGenerator(0, func(id uint32) bool {
		_, ok := r.subs[Handle(id)]
		return ok
	})

	return r
}

// Subscribe registers handler for topic and starts its delivery goroutine.
//
// Parameters:
//   - topic: Topic to receive; an empty Scope receives every scope
//   - handler: Callback invoked once per matching notification
//
// Returns:
//   - The handle to pass to Unsubscribe
func (r *Registry) Subscribe(topic Topic, handler Handler) Handle {
	r.mu.Lock()
	h := Handle(r.ids.Id())
	s := newSubscription(h, topic, handler)
	r.subs[h] = s
	subs := r.byTopic[topic.Method]
	r.byTopic[topic.Method] = append(subs[:len(subs):len(subs)], s)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.run(r.log.With(logger.Field{Key: "subscription", Value: uint32(h)}, logger.Field{Key: "topic", Value: topic.String()}))
	}()

	return h
}

// Unsubscribe removes the subscription. Once it returns, no delivery to its
// handler starts; a delivery already started runs to completion. Unknown or
// already removed handles are ignored. It may be called from inside the
// handler itself.
//
// Returns:
//   - true if this call removed the subscription
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	s, ok := r.subs[h]
	if ok {
		delete(r.subs, h)
		r.removeFromTopicLocked(s)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	s.stop()
	return true
}

// Dispatch queues n for every subscription matching its topic, in
// registration order, and returns without waiting for any handler.
//
// Returns:
//   - The number of subscriptions n was queued for
func (r *Registry) Dispatch(n Notification) int {
	r.mu.RLock()
	candidates := r.byTopic[n.Topic.Method]
	r.mu.RUnlock()

	queued := 0
	for _, s := range candidates {
		if Matches(s.topic, n.Topic) && s.enqueue(n) {
			queued++
		}
	}

	return queued
}

// Clear removes every subscription, as on connection teardown. It does not
// wait for running handlers.
//
// Returns:
//   - The number of subscriptions removed
func (r *Registry) Clear() int {
	r.mu.Lock()
	removed := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		removed = append(removed, s)
	}
	r.subs = make(map[Handle]*subscription)
	r.byTopic = make(map[string][]*subscription)
	r.mu.Unlock()

	for _, s := range removed {
		s.stop()
	}

	return len(removed)
}

// Wait blocks until every delivery goroutine of removed subscriptions has
// exited. It must not be called from a handler.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Has reports whether h is an active subscription.
func (r *Registry) Has(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[h]
	return ok
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Topics returns the distinct topics currently subscribed to.
func (r *Registry) Topics() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Topic]struct{})
	var out []Topic
	for _, subs := range r.byTopic {
		for _, s := range subs {
			if _, ok := seen[s.topic]; !ok {
				seen[s.topic] = struct{}{}
				out = append(out, s.topic)
			}
		}
	}

	return out
}

// removeFromTopicLocked replaces the topic slice rather than editing it so
// that snapshots taken by Dispatch stay valid.
func (r *Registry) removeFromTopicLocked(s *subscription) {
	old := r.byTopic[s.topic.Method]
	next := make([]*subscription, 0, len(old))
	for _, other := range old {
		if other != s {
			next = append(next, other)
		}
	}

	if len(next) == 0 {
		delete(r.byTopic, s.topic.Method)
		return
	}

	r.byTopic[s.topic.Method] = next
}

type subscription struct {
	handle  Handle
	topic   Topic
	handler Handler

	mu      sync.Mutex
	active  bool
	mailbox *queue.Queue

	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func newSubscription(h Handle, topic Topic, handler Handler) *subscription {
	return &subscription{
		handle:  h,
		topic:   topic,
		handler: handler,
		active:  true,
		mailbox: queue.New(),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(n Notification) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	s.mailbox.Add(n)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return true
}

// next pops the oldest queued notification. Popping under s.mu while the
// subscription is active is the point at which a delivery starts.
func (s *subscription) next() (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || s.mailbox.Length() == 0 {
		return Notification{}, false
	}

	return s.mailbox.Remove().(Notification), true
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.active = false
	for s.mailbox.Length() > 0 {
		s.mailbox.Remove()
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *subscription) run(log logger.Logger) {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}

		for {
			n, ok := s.next()
			if !ok {
				break
			}
			s.invoke(log, n)
		}
	}
}

func (s *subscription) invoke(log logger.Logger, n Notification) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("notification handler panicked", logger.Field{Key: "panic", Value: fmt.Sprint(p)}, logger.Field{Key: "sequence", Value: n.Sequence})
		}
	}()

	if err := s.handler(n); err != nil {
		log.Warn("notification handler failed", logger.Err(err), logger.Field{Key: "sequence", Value: n.Sequence})
	}
}
