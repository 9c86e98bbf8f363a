package delivery

import (
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/storage"
	"github.com/stellar-expert/notifier/watcher"
)

// Notifier persists notifications to the log and hands them to the
// registry's workers. It is the watcher's NotificationSink.
type Notifier struct {
	store    Store
	registry *Registry
}

// NewNotifier creates a notifier writing to the registry's store
func NewNotifier(registry *Registry) *Notifier {
	return &Notifier{store: registry.store, registry: registry}
}

// CreateNotifications appends drafts to the log in one batch. Ids are the
// log sequence numbers.
func (n *Notifier) CreateNotifications(drafts []watcher.Draft) *future.Future[[]watcher.Notification] {
	p := future.NewPromise[[]watcher.Notification]()

	go func() {
		now := time.Now()
		records := make([]storage.Notification, len(drafts))
		for i, d := range drafts {
			records[i] = storage.Notification{
				Operation:     d.Operation,
				Subscriptions: d.Subscriptions,
				CreatedAt:     now.UnixMilli(),
			}
		}

		if err := n.store.Append(records); err != nil {
			p.Set(nil, fmt.Errorf("failed to store %d notifications: %w", len(drafts), err))
			return
		}

		out := make([]watcher.Notification, len(records))
		for i, rec := range records {
			out[i] = toWatcherNotification(rec)
		}

		if n.registry.WorkerCount() == 0 {
			log.Debug().Int("notifications", len(records)).Msg("No delivery sinks configured, acknowledging")
			n.registry.acknowledgeUndeliverable(records)
		}

		p.Set(out, nil)
	}()

	return p.Future()
}

// BeginDeliveryCycle wakes the delivery workers
func (n *Notifier) BeginDeliveryCycle() {
	n.registry.Kick()
}

func toWatcherNotification(rec storage.Notification) watcher.Notification {
	return watcher.Notification{
		ID:            rec.Seq,
		Operation:     rec.Operation,
		Subscriptions: rec.Subscriptions,
		CreatedAt:     time.UnixMilli(rec.CreatedAt),
	}
}
