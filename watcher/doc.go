// Package watcher ingests Stellar transactions and turns the operations that
// match registered subscriptions into notifications.
//
// A Watcher replays history from the last ingested paging token (catch-up),
// then follows closed ledgers from the network head (live). Fetched
// transactions land in a FIFO queue that a single owner goroutine drains one
// transaction per pass:
//
//	parse -> match every operation against every subscription
//	      -> CreateNotifications (async) -> persist cursor -> cache -> yield
//
// At most one pass is in flight. Triggers that arrive mid-pass are absorbed;
// the finishing pass reschedules the next one through a self-addressed kick
// instead of recursing.
//
// Failure handling:
//
//   - fetch error during catch-up: the watcher stops and waits for Watch
//   - fetch error for a live ledger: the ledger is abandoned, the stream stays up
//   - parse error: the transaction is skipped
//   - notification batch error: logged and dropped, the cursor is not advanced
//   - cursor write error: logged, the persisted cursor lags
package watcher
