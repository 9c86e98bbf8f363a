package watcher

import (
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stellar-expert/notifier/telemetry"
)

// passResult reports a finished notification batch back to the loop
type passResult struct {
	started       time.Time
	tx            *ledger.Transaction
	matched       []*Subscription
	notifications []Notification
	err           error
}

// Enqueue appends raw transactions to the processing queue in arrival order
// and triggers a pass. Items enqueued after Close are dropped.
func (w *Watcher) Enqueue(items []ledger.RawTransaction) {
	if len(items) == 0 {
		return
	}
	select {
	case w.enqueueCh <- items:
	case <-w.closeCh:
	}
}

// Kick triggers a pass, e.g. after observing was resumed
func (w *Watcher) Kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

// loop owns the queue, the single-flight guard and lastCursor
func (w *Watcher) loop() {
	defer close(w.loopDone)

	for {
		select {
		case items := <-w.enqueueCh:
			w.queue = append(w.queue, items...)
			w.publishQueueLength()
			w.processQueue()
		case <-w.kickCh:
			w.processQueue()
		case res := <-w.doneCh:
			w.completePass(res)
		case <-w.closeCh:
			return
		}
	}
}

func (w *Watcher) publishQueueLength() {
	w.queueLen.Store(int64(len(w.queue)))
	telemetry.QueueDepth.Set(float64(len(w.queue)))
}

func (w *Watcher) setProcessing(processing bool) {
	w.processing = processing
	w.processingView.Store(processing)
}

// processQueue starts passes until one goes async, yields or cannot run.
// Skipped transactions continue the pass immediately.
func (w *Watcher) processQueue() {
	for !w.processing && len(w.queue) > 0 {
		if !w.observer.Observing() {
			return
		}
		subs := w.observer.Subscriptions()
		if len(subs) == 0 {
			return
		}

		w.setProcessing(true)
		raw := w.queue[0]
		w.queue[0] = ledger.RawTransaction{}
		w.queue = w.queue[1:]
		w.publishQueueLength()

		if !w.runPass(raw, subs) {
			return
		}
	}
}

// runPass handles one transaction. It returns true when the pass finished
// synchronously and the next transaction can be taken right away.
func (w *Watcher) runPass(raw ledger.RawTransaction, subs []*Subscription) bool {
	started := time.Now()

	if raw.PagingToken != "" && !isSentinel(w.lastCursor) && compareCursors(raw.PagingToken, w.lastCursor) <= 0 {
		log.Debug().
			Str("paging_token", raw.PagingToken).
			Str("last_cursor", w.lastCursor).
			Msg("Skipping already ingested transaction")
		telemetry.TransactionsProcessedTotal.With("skipped").Inc()
		w.setProcessing(false)
		return true
	}

	tx, err := w.parser.Parse(raw)
	if err != nil {
		telemetry.ParseFailuresTotal.Inc()
		telemetry.TransactionsProcessedTotal.With("skipped").Inc()
		log.Warn().Err(err).Str("hash", raw.Hash).Str("paging_token", raw.PagingToken).Msg("Skipping unparseable transaction")
		w.setProcessing(false)
		return true
	}
	if tx == nil {
		telemetry.TransactionsProcessedTotal.With("skipped").Inc()
		w.setProcessing(false)
		return true
	}

	drafts, matched := w.match(tx, subs)

	if !w.observer.Observing() {
		// paused mid-pass: put the transaction back untouched
		for _, sub := range matched {
			sub.settle()
		}
		w.queue = slices.Insert(w.queue, 0, raw)
		w.publishQueueLength()
		w.setProcessing(false)
		return false
	}

	if len(drafts) == 0 {
		telemetry.TransactionsProcessedTotal.With("no_match").Inc()
		w.completePass(passResult{started: started, tx: tx})
		return false
	}

	fut := w.observer.Notifier().CreateNotifications(drafts)
	go func() {
		notifications, err := fut.Get()
		res := passResult{
			started:       started,
			tx:            tx,
			matched:       matched,
			notifications: notifications,
			err:           err,
		}
		select {
		case w.doneCh <- res:
		case <-w.closeCh:
		}
	}()
	return false
}

// match evaluates every operation against every subscription in registration
// order. Matched subscriptions are marked pending.
func (w *Watcher) match(tx *ledger.Transaction, subs []*Subscription) ([]Draft, []*Subscription) {
	var drafts []Draft
	var matched []*Subscription
	seen := make(map[string]bool)

	for _, op := range tx.Operations {
		var ids []string
		for _, sub := range subs {
			if !w.matcher.Match(sub, op) {
				continue
			}
			ids = append(ids, sub.ID)
			if !seen[sub.ID] {
				seen[sub.ID] = true
				matched = append(matched, sub)
				sub.markPending()
			}
		}
		if len(ids) > 0 {
			drafts = append(drafts, Draft{Operation: op, Subscriptions: ids})
		}
	}
	return drafts, matched
}

func (w *Watcher) completePass(res passResult) {
	defer func() {
		telemetry.PassDurationSeconds.Observe(time.Since(res.started).Seconds())
		w.setProcessing(false)
		w.Kick()
	}()

	if res.err != nil {
		telemetry.NotificationBatchFailuresTotal.Inc()
		telemetry.TransactionsProcessedTotal.With("dropped").Inc()
		log.Error().
			Err(res.err).
			Str("hash", res.tx.Hash).
			Str("paging_token", res.tx.PagingToken).
			Msg("Failed to create notifications, dropping transaction")
		for _, sub := range res.matched {
			sub.settle()
		}
		return
	}

	w.storeCursor(res.tx.PagingToken)

	for _, n := range res.notifications {
		for _, sub := range res.matched {
			if slices.Contains(n.Subscriptions, sub.ID) {
				sub.cacheNotification(n)
			}
		}
	}
	for _, sub := range res.matched {
		sub.settle()
	}

	if len(res.notifications) > 0 {
		telemetry.NotificationsCreatedTotal.Add(float64(len(res.notifications)))
		telemetry.TransactionsProcessedTotal.With("notified").Inc()
		log.Debug().
			Str("hash", res.tx.Hash).
			Int("notifications", len(res.notifications)).
			Int("subscriptions", len(res.matched)).
			Msg("Notifications created")
		w.observer.Notifier().BeginDeliveryCycle()
	}
}

// storeCursor persists token unless it would move the cursor backwards
func (w *Watcher) storeCursor(token string) {
	if token == "" {
		return
	}
	if !isSentinel(w.lastCursor) && compareCursors(token, w.lastCursor) <= 0 {
		log.Debug().Str("paging_token", token).Str("last_cursor", w.lastCursor).Msg("Cursor not advanced")
		return
	}

	w.lastCursor = token
	w.cursorView.Store(token)

	if err := w.cursors.SetLastIngested(token); err != nil {
		telemetry.CursorWriteFailuresTotal.Inc()
		log.Warn().Err(err).Str("paging_token", token).Msg("Failed to persist ingest cursor")
	}
}
