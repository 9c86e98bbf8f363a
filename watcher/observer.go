package watcher

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stellar-expert/notifier/filter"
)

// DefaultCacheSize bounds the per-subscription notification cache
const DefaultCacheSize = 1000

// Subscription is a client subscription. ID, Filter and Webhook are owned by
// whoever registers it; the watcher only touches the processed flag and the
// notification cache.
type Subscription struct {
	ID      string
	Filter  *filter.Filter
	Webhook string

	mu        sync.Mutex
	processed bool
	cacheSize int
	cache     *lru.Cache[uint64, Notification] // created on first notification
	acked     *lru.Cache[uint64, struct{}]     // delivered before they were cached
}

// NewSubscription creates a subscription with nothing in flight
func NewSubscription(id string, f *filter.Filter, webhook string, cacheSize int) *Subscription {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Subscription{
		ID:        id,
		Filter:    f,
		Webhook:   webhook,
		processed: true,
		cacheSize: cacheSize,
	}
}

// Processed reports whether the subscription has no notifications in flight
func (s *Subscription) Processed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

// Notifications returns cached undelivered notifications, oldest first
func (s *Subscription) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		return nil
	}
	keys := s.cache.Keys()
	out := make([]Notification, 0, len(keys))
	for _, k := range keys {
		if n, ok := s.cache.Peek(k); ok {
			out = append(out, n)
		}
	}
	return out
}

// Acknowledge removes a delivered notification from the cache. The
// subscription becomes processed again once the cache drains.
func (s *Subscription) Acknowledge(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil || !s.cache.Remove(id) {
		if s.acked == nil {
			s.acked, _ = lru.New[uint64, struct{}](s.cacheSize)
		}
		s.acked.Add(id, struct{}{})
	}
	s.settleLocked()
}

func (s *Subscription) markPending() {
	s.mu.Lock()
	s.processed = false
	s.mu.Unlock()
}

// settle restores processed when nothing is left in flight
func (s *Subscription) settle() {
	s.mu.Lock()
	s.settleLocked()
	s.mu.Unlock()
}

func (s *Subscription) settleLocked() {
	if s.cache == nil || s.cache.Len() == 0 {
		s.processed = true
	}
}

func (s *Subscription) cacheNotification(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acked != nil && s.acked.Contains(n.ID) {
		s.acked.Remove(n.ID)
		s.settleLocked()
		return
	}
	if s.cache == nil {
		s.cache, _ = lru.New[uint64, Notification](s.cacheSize)
	}
	s.cache.Add(n.ID, n)
}

// Observer is the context shared between the watcher and the rest of the
// service: the registered subscriptions, the observing flag and the
// notification sink.
type Observer struct {
	mu            sync.RWMutex
	subscriptions []*Subscription
	index         map[string]*Subscription

	observing atomic.Bool
	notifier  NotificationSink
}

// NewObserver creates an observer. It starts out observing.
func NewObserver(notifier NotificationSink) *Observer {
	o := &Observer{
		index:    make(map[string]*Subscription),
		notifier: notifier,
	}
	o.observing.Store(true)
	return o
}

// Add registers a subscription, replacing one with the same id in place
func (o *Observer) Add(sub *Subscription) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.index[sub.ID]; exists {
		for i, s := range o.subscriptions {
			if s.ID == sub.ID {
				o.subscriptions[i] = sub
				break
			}
		}
	} else {
		o.subscriptions = append(o.subscriptions, sub)
	}
	o.index[sub.ID] = sub
}

// Remove unregisters a subscription
func (o *Observer) Remove(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.index[id]; !exists {
		return false
	}
	delete(o.index, id)
	for i, s := range o.subscriptions {
		if s.ID == id {
			o.subscriptions = append(o.subscriptions[:i:i], o.subscriptions[i+1:]...)
			break
		}
	}
	return true
}

// Subscriptions returns a snapshot in registration order
func (o *Observer) Subscriptions() []*Subscription {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*Subscription, len(o.subscriptions))
	copy(out, o.subscriptions)
	return out
}

// Lookup finds a registered subscription by id
func (o *Observer) Lookup(id string) (*Subscription, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sub, ok := o.index[id]
	return sub, ok
}

// PendingSubscriptionCount counts subscriptions with notifications in flight
func (o *Observer) PendingSubscriptionCount() int {
	n := 0
	for _, sub := range o.Subscriptions() {
		if !sub.Processed() {
			n++
		}
	}
	return n
}

func (o *Observer) Observing() bool {
	return o.observing.Load()
}

// SetObserving pauses or resumes processing without touching the live stream
func (o *Observer) SetObserving(observing bool) {
	o.observing.Store(observing)
}

func (o *Observer) Notifier() NotificationSink {
	return o.notifier
}
