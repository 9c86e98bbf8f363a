package delivery

import (
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stellar-expert/notifier/watcher"
)

// Payload is what a sink receives for one notification addressed to one
// subscription
type Payload struct {
	ID           uint64           `json:"id" msgpack:"id"`
	Subscription string           `json:"subscription" msgpack:"subscription"`
	Operation    ledger.Operation `json:"operation" msgpack:"operation"`
	CreatedAt    int64            `json:"created_at" msgpack:"ts"` // unix ms
}

// Sink represents a destination for notifications (e.g., webhook, Kafka, NATS)
type Sink interface {
	// Publish sends a payload to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// TopicBuilder is implemented by sinks that address subscriptions
// themselves. An empty topic means the subscription cannot be reached
// through this sink and the payload is skipped.
type TopicBuilder interface {
	Topic(sub *watcher.Subscription) string
}

// Transformer converts payloads to sink-specific formats
type Transformer interface {
	Transform(p Payload) ([]byte, error)
}

// SubscriptionLookup resolves subscription ids stored in the log
type SubscriptionLookup interface {
	Lookup(id string) (*watcher.Subscription, bool)
}

// LookupFunc adapts a function to SubscriptionLookup
type LookupFunc func(id string) (*watcher.Subscription, bool)

func (f LookupFunc) Lookup(id string) (*watcher.Subscription, bool) {
	return f(id)
}
