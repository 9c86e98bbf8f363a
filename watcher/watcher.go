package watcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stellar-expert/notifier/telemetry"
)

// State of the ingestion state machine
type State int32

const (
	StateIdle State = iota
	StateCatchUp
	StateLive
	StateStopped
)

var stateNames = []string{"idle", "catch_up", "live", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

const (
	modeCatchUp = "catch_up"
	modeLive    = "live"
)

const backlogPollInterval = 20 * time.Millisecond

// Config wires a Watcher to its collaborators. All fields except MaxBacklog
// are required.
type Config struct {
	Observer *Observer
	Source   Source
	Parser   Parser
	Matcher  Matcher
	Cursors  CursorStore

	MaxBacklog int // <= 0 uses DefaultMaxBacklog
}

// Watcher drives catch-up and live ingestion and owns the processing queue
type Watcher struct {
	observer *Observer
	source   Source
	parser   Parser
	matcher  Matcher
	cursors  CursorStore

	maxBacklog int

	state   atomic.Int32
	running atomic.Bool // catch-up in progress

	lifecycleMu sync.Mutex
	runCtx      context.Context // ingestion run started by the last Watch
	cancel      context.CancelFunc
	release     func() // live stream handle
	ingestWG    sync.WaitGroup

	ledgerMu   sync.Mutex
	ledgers    []uint32
	ledgerKick chan struct{}

	// owned by loop
	queue      []ledger.RawTransaction
	processing bool
	lastCursor string

	enqueueCh chan []ledger.RawTransaction
	kickCh    chan struct{}
	doneCh    chan passResult
	closeCh   chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	queueLen       atomic.Int64
	processingView atomic.Bool
	cursorView     atomic.Value
}

// Status is a point-in-time view for operators
type Status struct {
	State       string `json:"state"`
	Observing   bool   `json:"observing"`
	Processing  bool   `json:"processing"`
	QueueLength int    `json:"queue_length"`
	LastCursor  string `json:"last_cursor"`
}

// New creates a Watcher and starts its processing loop. Ingestion does not
// begin until Watch is called.
func New(config Config) (*Watcher, error) {
	if config.Observer == nil {
		return nil, fmt.Errorf("observer is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if config.Matcher == nil {
		return nil, fmt.Errorf("matcher is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if config.Observer.Notifier() == nil {
		return nil, fmt.Errorf("observer has no notification sink")
	}

	last, err := config.Cursors.GetLastIngested()
	if err != nil {
		return nil, fmt.Errorf("failed to load ingest cursor: %w", err)
	}

	maxBacklog := config.MaxBacklog
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxBacklog
	}

	w := &Watcher{
		maxBacklog: maxBacklog,
		observer:   config.Observer,
		source:     config.Source,
		parser:     config.Parser,
		matcher:    config.Matcher,
		cursors:    config.Cursors,
		ledgerKick: make(chan struct{}, 1),
		lastCursor: last,
		enqueueCh:  make(chan []ledger.RawTransaction),
		kickCh:     make(chan struct{}, 1),
		doneCh:     make(chan passResult),
		closeCh:    make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	w.cursorView.Store(last)
	w.setState(StateIdle)

	go w.loop()
	return w, nil
}

// Watch starts ingestion from the last persisted cursor. It is a no-op while
// a live stream is held or a catch-up is running.
func (w *Watcher) Watch(ctx context.Context) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.isClosed() || w.release != nil || w.running.Load() {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	w.runCtx = ctx
	w.cancel = cancel
	w.running.Store(true)

	w.ingestWG.Add(1)
	go w.ingest(ctx)
}

// StopWatching releases the live stream and stops fetching. In-flight
// requests are not awaited. Safe to call more than once.
func (w *Watcher) StopWatching() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	w.stopLocked()
}

func (w *Watcher) stopLocked() {
	if w.release != nil {
		w.release()
		w.release = nil
	}
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.runCtx = nil
	w.running.Store(false)
	if w.State() != StateStopped {
		w.setState(StateStopped)
		log.Info().Msg("Watcher stopped")
	}
}

// Close stops ingestion and the processing loop and waits for both to exit
func (w *Watcher) Close() {
	w.StopWatching()
	w.closeOnce.Do(func() { close(w.closeCh) })
	<-w.loopDone
	w.ingestWG.Wait()
}

func (w *Watcher) isClosed() bool {
	select {
	case <-w.closeCh:
		return true
	default:
		return false
	}
}

func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
	telemetry.SetWatcherState(s.String(), stateNames)
}

// Status reports the watcher state without touching the processing loop
func (w *Watcher) Status() Status {
	return Status{
		State:       w.State().String(),
		Observing:   w.observer.Observing(),
		Processing:  w.processingView.Load(),
		QueueLength: w.QueueLength(),
		LastCursor:  w.LastCursor(),
	}
}

// QueueLength is the number of transactions waiting for a pass
func (w *Watcher) QueueLength() int {
	return int(w.queueLen.Load())
}

// LastCursor is the paging token of the most recently completed transaction
func (w *Watcher) LastCursor() string {
	s, _ := w.cursorView.Load().(string)
	return s
}

// active reports whether a fetch continuation may proceed
func (w *Watcher) active(ctx context.Context) bool {
	return ctx.Err() == nil && w.observer.Observing()
}

func (w *Watcher) ingest(ctx context.Context) {
	defer w.ingestWG.Done()

	cursor, err := w.cursors.GetLastIngested()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load ingest cursor")
		w.failStop(ctx)
		return
	}

	if isSentinel(cursor) {
		log.Info().Msg("No ingest history, following the network head")
		w.trackLiveStream(ctx)
		return
	}

	log.Info().Str("cursor", cursor).Msg("Catching up from the last ingested transaction")
	w.trackTransactions(ctx, cursor)
}

// trackTransactions replays history page by page until an empty page
func (w *Watcher) trackTransactions(ctx context.Context, cursor string) {
	w.lifecycleMu.Lock()
	if ctx != w.runCtx {
		w.lifecycleMu.Unlock()
		return
	}
	w.setState(StateCatchUp)
	w.lifecycleMu.Unlock()

	for {
		if !w.awaitBacklog(ctx) {
			w.halt(ctx)
			return
		}

		start := time.Now()
		page, err := w.source.FetchPage(ctx, PageRequest{Cursor: cursor, Limit: PageSize})
		telemetry.FetchDurationSeconds.With(modeCatchUp).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				w.halt(ctx)
				return
			}
			telemetry.FetchErrorsTotal.With(modeCatchUp).Inc()
			log.Error().Err(err).Str("cursor", cursor).Msg("Catch-up fetch failed")
			w.failStop(ctx)
			return
		}

		if len(page) == 0 {
			log.Info().Str("cursor", cursor).Msg("Caught up, switching to live stream")
			w.trackLiveStream(ctx)
			return
		}

		if !w.active(ctx) {
			w.halt(ctx)
			return
		}
		telemetry.TransactionsFetchedTotal.With(modeCatchUp).Add(float64(len(page)))
		w.Enqueue(page)

		next := page[len(page)-1].PagingToken
		log.Debug().
			Str("from", cursor).
			Str("to", next).
			Int("records", len(page)).
			Msg("Advancing catch-up cursor")
		cursor = next
	}
}

// awaitBacklog blocks while the queue holds maxBacklog or more transactions.
// It returns false once the run may no longer fetch.
func (w *Watcher) awaitBacklog(ctx context.Context) bool {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if !w.active(ctx) {
			return false
		}
		if w.QueueLength() < w.maxBacklog {
			return true
		}

		if timer == nil {
			log.Debug().Int("queue_length", w.QueueLength()).Msg("Catch-up waiting for the queue to drain")
			timer = time.NewTimer(backlogPollInterval)
		} else {
			timer.Reset(backlogPollInterval)
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
}

// halt ends a catch-up that was paused or whose context ended. Runs that
// were superseded by StopWatching or a newer Watch leave the state alone.
func (w *Watcher) halt(ctx context.Context) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if ctx != w.runCtx {
		return
	}

	w.running.Store(false)
	if w.State() == StateCatchUp {
		w.setState(StateIdle)
		log.Info().Msg("Catch-up paused")
	}
}

// failStop stops the watcher after an unrecoverable ingestion error
func (w *Watcher) failStop(ctx context.Context) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if ctx == w.runCtx {
		w.stopLocked()
	}
}

func (w *Watcher) trackLiveStream(ctx context.Context) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if ctx != w.runCtx || w.release != nil {
		return
	}
	if ctx.Err() != nil {
		w.running.Store(false)
		return
	}

	w.setState(StateLive)
	release, err := w.source.SubscribeLedgerHead(ctx, w.onLedger)
	if err != nil {
		log.Error().Err(err).Msg("Failed to subscribe to ledger stream")
		w.stopLocked()
		return
	}
	w.release = release
	w.running.Store(false)

	w.ingestWG.Add(1)
	go w.liveLoop(ctx)
}

// onLedger is called by the source for every closed ledger. It never blocks.
// Ledgers received while observing is paused are dropped by the live fetcher.
func (w *Watcher) onLedger(sequence uint32) {
	if w.State() != StateLive {
		return
	}
	telemetry.LedgersReceivedTotal.Inc()

	w.ledgerMu.Lock()
	w.ledgers = append(w.ledgers, sequence)
	w.ledgerMu.Unlock()

	select {
	case w.ledgerKick <- struct{}{}:
	default:
	}
}

func (w *Watcher) nextLedger() (uint32, bool) {
	w.ledgerMu.Lock()
	defer w.ledgerMu.Unlock()

	if len(w.ledgers) == 0 {
		return 0, false
	}
	seq := w.ledgers[0]
	w.ledgers = w.ledgers[1:]
	return seq, true
}

func (w *Watcher) liveLoop(ctx context.Context) {
	defer w.ingestWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.ledgerKick:
		}

		for {
			seq, ok := w.nextLedger()
			if !ok {
				break
			}
			w.loadLedgerTransactions(ctx, seq)
		}
	}
}

// loadLedgerTransactions enqueues every transaction of one ledger. A page
// shorter than PageSize is the last one.
func (w *Watcher) loadLedgerTransactions(ctx context.Context, sequence uint32) {
	cursor := ""
	for {
		if !w.active(ctx) {
			return
		}

		start := time.Now()
		page, err := w.source.FetchPage(ctx, PageRequest{Cursor: cursor, Ledger: sequence, Limit: PageSize})
		telemetry.FetchDurationSeconds.With(modeLive).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			telemetry.FetchErrorsTotal.With(modeLive).Inc()
			log.Warn().Err(err).Uint32("ledger", sequence).Msg("Failed to load ledger transactions")
			return
		}
		if len(page) == 0 || !w.active(ctx) {
			return
		}

		telemetry.TransactionsFetchedTotal.With(modeLive).Add(float64(len(page)))
		w.Enqueue(page)

		if len(page) < PageSize {
			return
		}
		cursor = page[len(page)-1].PagingToken
	}
}
