package delivery

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/storage"
	"github.com/stellar-expert/notifier/telemetry"
	"github.com/stellar-expert/notifier/watcher"
)

const (
	// Default batch size for reading notifications per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles when nothing kicks the worker
	DefaultPollInterval = time.Second
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of publish attempts before a payload is given up
	DefaultMaxRetries = 100
)

var errStopped = errors.New("worker stopped")

// NotificationLog is the part of storage.Store a worker reads and advances
type NotificationLog interface {
	ReadFrom(cursor uint64, limit int) ([]storage.Notification, error)
	GetCursor(sinkName string) (uint64, error)
	AdvanceCursor(sinkName string, newSeq uint64) error
}

// WorkerConfig configures a delivery worker
type WorkerConfig struct {
	Name            string             // Sink name (for cursor tracking)
	Log             NotificationLog    // Notification log to read from
	Sink            Sink               // Destination sink
	Transformer     Transformer        // Payload encoder
	Lookup          SubscriptionLookup // Resolves subscription ids
	TopicPrefix     string             // Topic prefix (e.g., "stellar.notifications")
	BatchSize       int                // Notifications per poll cycle
	PollInterval    time.Duration      // Poll interval
	RetryInitial    time.Duration      // Initial retry delay
	RetryMax        time.Duration      // Max retry delay
	RetryMultiplier float64            // Backoff multiplier
	MaxRetries      int                // Maximum publish attempts

	// OnDelivered is called once the worker is done with a notification for
	// a subscription, whether it was published, skipped or given up
	OnDelivered func(sink string, seq uint64, sub string)
}

// Worker reads the notification log and publishes every notification to
// its sink, once per addressed subscription
type Worker struct {
	config      WorkerConfig
	cursor      atomic.Uint64 // Current position
	kickCh      chan struct{}
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a delivery worker positioned at its stored cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("notification log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Lookup == nil {
		return nil, fmt.Errorf("subscription lookup is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// A new sink starts at the earliest notification still in the log
	if cursor == 0 {
		earliest, err := findEarliestEntry(config.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		cursor = earliest
	}

	w := &Worker{
		config: config,
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)
	return w, nil
}

// findEarliestEntry returns the cursor just before the oldest notification
func findEarliestEntry(nlog NotificationLog) (uint64, error) {
	records, err := nlog.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	// ReadFrom reads from cursor+1
	return records[0].Seq - 1, nil
}

func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the sequence of the last notification the worker finished
func (w *Worker) Cursor() uint64 {
	return w.cursor.Load()
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting delivery worker")

	go w.pollLoop()
}

// Stop stops the worker and waits for the in-flight publish to end
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping delivery worker")

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Delivery worker stopped")
}

// Kick wakes an idle worker without waiting for the poll interval
func (w *Worker) Kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		cursor := w.cursor.Load()
		records, err := w.config.Log.ReadFrom(cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", cursor).
				Msg("Failed to read from notification log")
			if !w.wait() {
				return
			}
			continue
		}

		if len(records) == 0 {
			if !w.wait() {
				return
			}
			continue
		}

		for _, record := range records {
			if err := w.processNotification(record); err != nil {
				// Only a stop interrupts a notification midway
				return
			}
			w.cursor.Store(record.Seq)
		}
	}
}

// processNotification publishes one notification to every subscription it
// addresses, then advances the cursor.
// Delivery semantics: at-least-once. A crash between publish and cursor
// advance redelivers the notification on restart.
func (w *Worker) processNotification(n storage.Notification) error {
	for _, subID := range n.Subscriptions {
		if err := w.deliver(n, subID); err != nil {
			return err
		}
		if w.config.OnDelivered != nil {
			w.config.OnDelivered(w.config.Name, n.Seq, subID)
		}
	}

	if err := w.config.Log.AdvanceCursor(w.config.Name, n.Seq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", n.Seq).
			Msg("Failed to advance cursor after delivery - notification may be redelivered")
	}
	return nil
}

// deliver returns an error only when the worker is stopped. Payloads that
// cannot be delivered are logged, counted and dropped.
func (w *Worker) deliver(n storage.Notification, subID string) error {
	sub, ok := w.config.Lookup.Lookup(subID)
	if !ok {
		log.Debug().
			Str("worker", w.config.Name).
			Str("subscription", subID).
			Uint64("seq", n.Seq).
			Msg("Subscription is no longer registered, skipping")
		telemetry.DeliveriesTotal.With(w.config.Name, "skipped").Inc()
		return nil
	}

	topic := w.buildTopic(sub)
	if topic == "" {
		telemetry.DeliveriesTotal.With(w.config.Name, "skipped").Inc()
		return nil
	}

	data, err := w.config.Transformer.Transform(Payload{
		ID:           n.Seq,
		Subscription: subID,
		Operation:    n.Operation,
		CreatedAt:    n.CreatedAt,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", n.Seq).
			Msg("Failed to transform notification")
		telemetry.DeliveriesTotal.With(w.config.Name, "failed").Inc()
		return nil
	}

	start := time.Now()
	err = w.publishWithRetry(topic, subID, data)
	telemetry.DeliveryDurationSeconds.With(w.config.Name).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, errStopped):
		return err
	case err != nil:
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("subscription", subID).
			Uint64("seq", n.Seq).
			Msg("Giving up on notification")
		telemetry.DeliveriesTotal.With(w.config.Name, "failed").Inc()
	default:
		telemetry.DeliveriesTotal.With(w.config.Name, "delivered").Inc()
	}
	return nil
}

// buildTopic addresses a subscription on this sink
func (w *Worker) buildTopic(sub *watcher.Subscription) string {
	if tb, ok := w.config.Sink.(TopicBuilder); ok {
		return tb.Topic(sub)
	}
	if w.config.TopicPrefix == "" {
		return sub.ID
	}
	return fmt.Sprintf("%s.%s", w.config.TopicPrefix, sub.ID)
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns errStopped if the worker is stopped while waiting.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish notification, retrying")
		telemetry.DeliveryRetriesTotal.With(w.config.Name).Inc()

		if !w.sleep(delay) {
			return errStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if sleep completed, false if stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// wait idles until kicked or the poll interval elapses
func (w *Worker) wait() bool {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-w.kickCh:
		return true
	case <-timer.C:
		return true
	}
}
