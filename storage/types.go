package storage

import "github.com/stellar-expert/notifier/ledger"

// Notification is the persisted form of a notification. Seq is assigned by
// Store.Append and serves as the notification id.
type Notification struct {
	Seq           uint64           `msgpack:"seq"`
	Operation     ledger.Operation `msgpack:"op"`
	Subscriptions []string         `msgpack:"subs"`
	CreatedAt     int64            `msgpack:"ts"` // unix ms
}
