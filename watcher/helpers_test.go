package watcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/stellar-expert/notifier/filter"
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errBoom = errors.New("boom")

// fakeSource serves pages from a function and records every request
type fakeSource struct {
	mu         sync.Mutex
	fetch      func(req PageRequest) ([]ledger.RawTransaction, error)
	requests   []PageRequest
	subscribes int
	releases   int
	onLedger   func(uint32)
	subErr     error
}

func (s *fakeSource) FetchPage(_ context.Context, req PageRequest) ([]ledger.RawTransaction, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fetch := s.fetch
	s.mu.Unlock()

	if fetch == nil {
		return nil, nil
	}
	return fetch(req)
}

func (s *fakeSource) SubscribeLedgerHead(_ context.Context, onLedger func(uint32)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribes++
	if s.subErr != nil {
		return nil, s.subErr
	}
	s.onLedger = onLedger

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.releases++
			s.onLedger = nil
			s.mu.Unlock()
		})
	}, nil
}

// push simulates a closed ledger. Returns false once the stream was released.
func (s *fakeSource) push(seq uint32) bool {
	s.mu.Lock()
	cb := s.onLedger
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(seq)
	return true
}

func (s *fakeSource) Requests() []PageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PageRequest(nil), s.requests...)
}

func (s *fakeSource) Counts() (subscribes, releases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes, s.releases
}

// fakeParser returns prepared transactions by paging token. Unknown tokens
// parse to nothing.
type fakeParser struct {
	mu   sync.Mutex
	txs  map[string]*ledger.Transaction
	errs map[string]error
}

func newFakeParser(txs ...*ledger.Transaction) *fakeParser {
	p := &fakeParser{
		txs:  make(map[string]*ledger.Transaction),
		errs: make(map[string]error),
	}
	for _, tx := range txs {
		p.txs[tx.PagingToken] = tx
	}
	return p
}

func (p *fakeParser) fail(token string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[token] = err
}

func (p *fakeParser) Parse(raw ledger.RawTransaction) (*ledger.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.errs[raw.PagingToken]; ok {
		return nil, err
	}
	return p.txs[raw.PagingToken], nil
}

// fakeCursors is an in-memory CursorStore recording every write
type fakeCursors struct {
	mu      sync.Mutex
	token   string
	history []string
	getErr  error
	setErr  error
}

func (c *fakeCursors) GetLastIngested() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.getErr
}

func (c *fakeCursors) SetLastIngested(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, token)
	if c.setErr != nil {
		return c.setErr
	}
	c.token = token
	return nil
}

func (c *fakeCursors) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

// fakeSink assigns sequential ids. A non-nil gate holds every batch until
// it is closed; failures lists call indexes (0-based) that fail.
type fakeSink struct {
	mu       sync.Mutex
	calls    [][]Draft
	created  []Notification
	nextID   uint64
	gate     chan struct{}
	failures map[int]bool

	active    atomic.Int32
	maxActive atomic.Int32
	cycles    atomic.Int32
}

func (s *fakeSink) CreateNotifications(drafts []Draft) *future.Future[[]Notification] {
	p := future.NewPromise[[]Notification]()

	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, drafts)
	gate := s.gate
	fail := s.failures[call]
	s.mu.Unlock()

	n := s.active.Add(1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	go func() {
		if gate != nil {
			<-gate
		}
		s.active.Add(-1)

		if fail {
			p.Set(nil, errBoom)
			return
		}

		s.mu.Lock()
		out := make([]Notification, 0, len(drafts))
		for _, d := range drafts {
			s.nextID++
			note := Notification{
				ID:            s.nextID,
				Operation:     d.Operation,
				Subscriptions: d.Subscriptions,
				CreatedAt:     time.Now(),
			}
			out = append(out, note)
			s.created = append(s.created, note)
		}
		s.mu.Unlock()
		p.Set(out, nil)
	}()

	return p.Future()
}

func (s *fakeSink) BeginDeliveryCycle() {
	s.cycles.Add(1)
}

func (s *fakeSink) Calls() [][]Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Draft(nil), s.calls...)
}

func (s *fakeSink) Created() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.created...)
}

// matcherFunc adapts a function to Matcher
type matcherFunc func(sub *Subscription, op ledger.Operation) bool

func (f matcherFunc) Match(sub *Subscription, op ledger.Operation) bool {
	return f(sub, op)
}

type harness struct {
	watcher  *Watcher
	observer *Observer
	source   *fakeSource
	parser   *fakeParser
	cursors  *fakeCursors
	sink     *fakeSink
}

type harnessOption func(*harness, *Config)

func withMatcher(m Matcher) harnessOption {
	return func(_ *harness, c *Config) { c.Matcher = m }
}

func withBacklog(n int) harnessOption {
	return func(_ *harness, c *Config) { c.MaxBacklog = n }
}

func withCursor(token string) harnessOption {
	return func(h *harness, _ *Config) { h.cursors.token = token }
}

func newHarness(t *testing.T, txs []*ledger.Transaction, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		source:  &fakeSource{},
		parser:  newFakeParser(txs...),
		cursors: &fakeCursors{},
		sink:    &fakeSink{failures: make(map[int]bool)},
	}
	h.observer = NewObserver(h.sink)

	config := Config{
		Observer: h.observer,
		Source:   h.source,
		Parser:   h.parser,
		Matcher:  FilterMatcher{},
		Cursors:  h.cursors,
	}
	for _, opt := range opts {
		opt(h, &config)
	}

	w, err := New(config)
	require.NoError(t, err)
	h.watcher = w
	t.Cleanup(w.Close)
	return h
}

// subscribe registers a subscription that matches operations touching account
func (h *harness) subscribe(t *testing.T, id, account string) *Subscription {
	t.Helper()
	f, err := filter.New(filter.Spec{Accounts: []string{account}})
	require.NoError(t, err)
	sub := NewSubscription(id, f, "", 10)
	h.observer.Add(sub)
	return sub
}

// live reports that the watcher holds a ledger stream
func (h *harness) live() bool {
	subscribes, releases := h.source.Counts()
	return h.watcher.State() == StateLive && subscribes > releases
}

// idle reports that the queue drained and no pass is running
func (h *harness) idle() bool {
	st := h.watcher.Status()
	return st.QueueLength == 0 && !st.Processing
}

func op(account string) ledger.Operation {
	return ledger.Operation{Type: "payment", Accounts: []string{account}}
}

func tx(token string, ops ...ledger.Operation) *ledger.Transaction {
	for i := range ops {
		ops[i].PagingToken = token
		ops[i].Index = i
	}
	return &ledger.Transaction{PagingToken: token, Hash: "h" + token, Operations: ops}
}

func raw(tokens ...string) []ledger.RawTransaction {
	out := make([]ledger.RawTransaction, len(tokens))
	for i, token := range tokens {
		out[i] = ledger.RawTransaction{PagingToken: token, Hash: "h" + token, Successful: true}
	}
	return out
}
