package delivery

import (
	"testing"
	"time"

	"github.com/stellar-expert/notifier/cfg"
	"github.com/stellar-expert/notifier/filter"
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stellar-expert/notifier/storage"
	"github.com/stellar-expert/notifier/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierAssignsLogSequence(t *testing.T) {
	store := newStore(t)
	registry, err := NewRegistry(RegistryConfig{Store: store, Lookup: newObserver()})
	require.NoError(t, err)
	notifier := NewNotifier(registry)

	before := time.Now().Add(-time.Second)
	out, err := notifier.CreateNotifications([]watcher.Draft{
		{Operation: ledger.Operation{Type: "payment"}, Subscriptions: []string{"a"}},
		{Operation: ledger.Operation{Type: "create_account"}, Subscriptions: []string{"a", "b"}},
	}).Get()
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, uint64(1), out[0].ID)
	assert.Equal(t, uint64(2), out[1].ID)
	assert.Equal(t, "create_account", out[1].Operation.Type)
	assert.Equal(t, []string{"a", "b"}, out[1].Subscriptions)
	assert.True(t, out[0].CreatedAt.After(before))

	records, err := store.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(2), records[1].Seq)
}

func TestNotifierReportsStoreFailure(t *testing.T) {
	store := newStore(t)
	registry, err := NewRegistry(RegistryConfig{Store: store, Lookup: newObserver()})
	require.NoError(t, err)
	notifier := NewNotifier(registry)

	require.NoError(t, store.Close())

	_, err = notifier.CreateNotifications([]watcher.Draft{
		{Operation: ledger.Operation{Type: "payment"}, Subscriptions: []string{"a"}},
	}).Get()
	assert.ErrorIs(t, err, storage.ErrClosed)
}

// pipeline wires a watcher to a notifier backed by a real store
type pipeline struct {
	store    *storage.Store
	observer *watcher.Observer
	registry *Registry
	watcher  *watcher.Watcher
}

func newPipeline(t *testing.T, sinks ...cfg.SinkConfiguration) *pipeline {
	t.Helper()

	p := &pipeline{store: newStore(t)}
	registry, err := NewRegistry(RegistryConfig{
		Store: p.store,
		Lookup: LookupFunc(func(id string) (*watcher.Subscription, bool) {
			return p.observer.Lookup(id)
		}),
		SinkConfigs: sinks,
	})
	require.NoError(t, err)
	p.registry = registry
	p.observer = watcher.NewObserver(NewNotifier(registry))

	w, err := watcher.New(watcher.Config{
		Observer: p.observer,
		Source:   noopSource{},
		Parser:   paymentParser{account: "GA"},
		Matcher:  watcher.FilterMatcher{},
		Cursors:  p.store,
	})
	require.NoError(t, err)
	p.watcher = w

	require.NoError(t, registry.Start())
	t.Cleanup(func() {
		w.Close()
		registry.Stop()
	})
	return p
}

func (p *pipeline) subscribe(t *testing.T, id string) *watcher.Subscription {
	t.Helper()
	f, err := filter.New(filter.Spec{Accounts: []string{"GA"}})
	require.NoError(t, err)
	sub := watcher.NewSubscription(id, f, "", 10)
	p.observer.Add(sub)
	return sub
}

func TestDeliveryDrainsSubscriptionCache(t *testing.T) {
	p := newPipeline(t, mockSinkConfig("events"))
	snk := lastMockSink.Load()
	sub := p.subscribe(t, "S1")

	p.watcher.Enqueue([]ledger.RawTransaction{
		{PagingToken: "100", Hash: "h100", Successful: true},
		{PagingToken: "101", Hash: "h101", Successful: true},
	})

	require.Eventually(t, func() bool { return p.watcher.LastCursor() == "101" }, waitFor, tick)
	require.Eventually(t, func() bool { return snk.eventCount() == 2 }, waitFor, tick)
	require.Eventually(t, sub.Processed, waitFor, tick)
	assert.Empty(t, sub.Notifications())

	token, err := p.store.GetLastIngested()
	require.NoError(t, err)
	assert.Equal(t, "101", token)

	events := snk.getEvents()
	assert.Equal(t, "S1", events[0].topic)
}

func TestDeliveryWaitsForEverySink(t *testing.T) {
	stuck := mockSinkConfig("stuck")
	stuck.RetryMaxMS = 20
	p := newPipeline(t, mockSinkConfig("fast"), stuck)
	stuckSink := lastMockSink.Load()
	stuckSink.failAlways.Store(true)
	sub := p.subscribe(t, "S1")

	p.watcher.Enqueue([]ledger.RawTransaction{{PagingToken: "100", Hash: "h100", Successful: true}})

	require.Eventually(t, func() bool { return p.watcher.LastCursor() == "100" }, waitFor, tick)
	require.Eventually(t, func() bool { return stuckSink.attempts.Load() > 0 }, waitFor, tick)

	// One sink is still retrying, so the notification stays cached
	assert.Never(t, sub.Processed, 50*time.Millisecond, tick)
	assert.Len(t, sub.Notifications(), 1)

	stuckSink.failAlways.Store(false)
	require.Eventually(t, sub.Processed, waitFor, tick)
}

func TestNoSinksAcknowledgesImmediately(t *testing.T) {
	p := newPipeline(t)
	sub := p.subscribe(t, "S1")

	p.watcher.Enqueue([]ledger.RawTransaction{{PagingToken: "100", Hash: "h100", Successful: true}})

	require.Eventually(t, func() bool { return p.watcher.LastCursor() == "100" }, waitFor, tick)
	require.Eventually(t, sub.Processed, waitFor, tick)
	assert.Empty(t, sub.Notifications())

	records, err := p.store.ReadFrom(0, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
