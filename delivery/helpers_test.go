package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellar-expert/notifier/cfg"
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stellar-expert/notifier/storage"
	"github.com/stellar-expert/notifier/watcher"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errPublish = errors.New("mock publish failure")

// lastMockSink is the sink most recently built by the "mock" factory
var lastMockSink atomic.Pointer[mockSink]

func init() {
	// The real sinks live in delivery/sink, which imports this package
	RegisterSink("mock", func(cfg.SinkConfiguration) (Sink, error) {
		s := &mockSink{}
		lastMockSink.Store(s)
		return s, nil
	})
	RegisterSink("mock-webhook", func(cfg.SinkConfiguration) (Sink, error) {
		return &webhookMock{}, nil
	})
	RegisterSink("broken", func(cfg.SinkConfiguration) (Sink, error) {
		return nil, errors.New("cannot connect")
	})
}

type publishCall struct {
	topic string
	key   string
	value []byte
}

type mockSink struct {
	mu         sync.Mutex
	events     []publishCall
	attempts   atomic.Int32
	failCount  atomic.Int32 // Number of times to fail before succeeding
	failAlways atomic.Bool
	closed     atomic.Bool
}

func (m *mockSink) Publish(topic, key string, value []byte) error {
	m.attempts.Add(1)
	if m.failAlways.Load() {
		return errPublish
	}
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return errPublish
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, publishCall{topic: topic, key: key, value: value})
	return nil
}

func (m *mockSink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockSink) getEvents() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]publishCall, len(m.events))
	copy(result, m.events)
	return result
}

func (m *mockSink) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// webhookMock addresses subscriptions by their webhook URL
type webhookMock struct {
	mockSink
}

func (w *webhookMock) Topic(sub *watcher.Subscription) string {
	return sub.Webhook
}

type deliveredCall struct {
	sink string
	seq  uint64
	sub  string
}

type deliveredRecorder struct {
	mu    sync.Mutex
	calls []deliveredCall
}

func (r *deliveredRecorder) record(sink string, seq uint64, sub string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, deliveredCall{sink: sink, seq: seq, sub: sub})
}

func (r *deliveredRecorder) get() []deliveredCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deliveredCall(nil), r.calls...)
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// appendNotifications stores one payment notification per subscription list
func appendNotifications(t *testing.T, store *storage.Store, subs ...[]string) {
	t.Helper()
	records := make([]storage.Notification, len(subs))
	for i, s := range subs {
		records[i] = storage.Notification{
			Operation:     ledger.Operation{Type: "payment", TxHash: "h"},
			Subscriptions: s,
			CreatedAt:     time.Now().UnixMilli(),
		}
	}
	require.NoError(t, store.Append(records))
}

func newObserver(ids ...string) *watcher.Observer {
	o := watcher.NewObserver(nil)
	for _, id := range ids {
		o.Add(watcher.NewSubscription(id, nil, "", 10))
	}
	return o
}

func workerConfig(store *storage.Store, lookup SubscriptionLookup, snk Sink) WorkerConfig {
	return WorkerConfig{
		Name:         "test",
		Log:          store,
		Sink:         snk,
		Transformer:  JSONTransformer{},
		Lookup:       lookup,
		PollInterval: 10 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

// noopSource never yields anything; tests feed the watcher through Enqueue
type noopSource struct{}

func (noopSource) FetchPage(context.Context, watcher.PageRequest) ([]ledger.RawTransaction, error) {
	return nil, nil
}

func (noopSource) SubscribeLedgerHead(context.Context, func(uint32)) (func(), error) {
	return func() {}, nil
}

// paymentParser turns every raw transaction into one payment touching account
type paymentParser struct {
	account string
}

func (p paymentParser) Parse(raw ledger.RawTransaction) (*ledger.Transaction, error) {
	op := ledger.Operation{
		TxHash:      raw.Hash,
		PagingToken: raw.PagingToken,
		Type:        "payment",
		Accounts:    []string{p.account},
	}
	return &ledger.Transaction{
		PagingToken: raw.PagingToken,
		Hash:        raw.Hash,
		Operations:  []ledger.Operation{op},
	}, nil
}
