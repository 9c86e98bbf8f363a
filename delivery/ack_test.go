package delivery

import (
	"sync"
	"testing"

	"github.com/stellar-expert/notifier/watcher"
	"github.com/stretchr/testify/assert"
)

type countingLookup struct {
	mu      sync.Mutex
	lookups []string
}

func (c *countingLookup) Lookup(id string) (*watcher.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups = append(c.lookups, id)
	return nil, false
}

func (c *countingLookup) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lookups)
}

func TestAckTrackerWaitsForEverySink(t *testing.T) {
	lookup := &countingLookup{}
	acks := newAckTracker(lookup)
	acks.setSinks(2)

	acks.delivered("kafka", 1, "a")
	assert.Zero(t, lookup.count())
	assert.Equal(t, 1, acks.pendingCount())

	// A redelivery from the same sink does not count twice
	acks.delivered("kafka", 1, "a")
	assert.Zero(t, lookup.count())

	acks.delivered("webhook", 1, "a")
	assert.Equal(t, 1, lookup.count())
	assert.Zero(t, acks.pendingCount())
}

func TestAckTrackerKeysBySubscription(t *testing.T) {
	lookup := &countingLookup{}
	acks := newAckTracker(lookup)
	acks.setSinks(1)

	acks.delivered("kafka", 1, "a")
	acks.delivered("kafka", 1, "b")
	acks.delivered("kafka", 2, "a")

	assert.Equal(t, []string{"a", "b", "a"}, lookup.lookups)
	assert.Zero(t, acks.pendingCount())
}

func TestLookupFunc(t *testing.T) {
	sub := watcher.NewSubscription("a", nil, "", 0)
	var lookup SubscriptionLookup = LookupFunc(func(id string) (*watcher.Subscription, bool) {
		return sub, id == "a"
	})

	found, ok := lookup.Lookup("a")
	assert.True(t, ok)
	assert.Same(t, sub, found)

	_, ok = lookup.Lookup("b")
	assert.False(t, ok)
}
