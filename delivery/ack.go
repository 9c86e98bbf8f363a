package delivery

import "sync"

type ackKey struct {
	seq uint64
	sub string
}

// ackTracker acknowledges a notification to its subscription once every
// sink has finished with it. Redeliveries from the same sink count once.
type ackTracker struct {
	lookup SubscriptionLookup

	mu      sync.Mutex
	sinks   int
	pending map[ackKey]map[string]struct{}
}

func newAckTracker(lookup SubscriptionLookup) *ackTracker {
	return &ackTracker{
		lookup:  lookup,
		pending: make(map[ackKey]map[string]struct{}),
	}
}

func (a *ackTracker) setSinks(n int) {
	a.mu.Lock()
	a.sinks = n
	a.mu.Unlock()
}

// delivered records that sink is done with notification seq for sub
func (a *ackTracker) delivered(sink string, seq uint64, sub string) {
	key := ackKey{seq: seq, sub: sub}

	a.mu.Lock()
	seen, ok := a.pending[key]
	if !ok {
		seen = make(map[string]struct{}, a.sinks)
		a.pending[key] = seen
	}
	seen[sink] = struct{}{}
	done := len(seen) >= a.sinks
	if done {
		delete(a.pending, key)
	}
	a.mu.Unlock()

	if done {
		a.acknowledge(seq, sub)
	}
}

// acknowledge drains the notification from the subscription cache
func (a *ackTracker) acknowledge(seq uint64, sub string) {
	if s, ok := a.lookup.Lookup(sub); ok {
		s.Acknowledge(seq)
	}
}

func (a *ackTracker) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
