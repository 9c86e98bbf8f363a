package watcher

import (
	"context"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/stellar-expert/notifier/ledger"
)

// PageSize is the number of transactions requested per page
const PageSize = 200

// DefaultMaxBacklog is the queue length at which catch-up stops fetching
// until passes drain the queue
const DefaultMaxBacklog = 10 * PageSize

// PageRequest selects one page of transactions in ascending order.
// Ledger == 0 means no ledger scope.
type PageRequest struct {
	Cursor string
	Ledger uint32
	Limit  int
}

// Source provides historical pages and a live feed of closed ledgers
type Source interface {
	// FetchPage returns transactions after req.Cursor in ascending order
	FetchPage(ctx context.Context, req PageRequest) ([]ledger.RawTransaction, error)
	// SubscribeLedgerHead calls onLedger for every ledger closed from now on.
	// onLedger must not block. The returned function releases the stream and
	// is safe to call more than once.
	SubscribeLedgerHead(ctx context.Context, onLedger func(sequence uint32)) (func(), error)
}

// Parser decodes raw transactions. (nil, nil) means the transaction is
// irrelevant and should be skipped.
type Parser interface {
	Parse(raw ledger.RawTransaction) (*ledger.Transaction, error)
}

// Matcher decides whether an operation satisfies a subscription.
// Implementations must be side-effect free.
type Matcher interface {
	Match(sub *Subscription, op ledger.Operation) bool
}

// CursorStore persists the paging token of the last processed transaction.
// "" and "0" mean nothing was ingested yet.
type CursorStore interface {
	GetLastIngested() (string, error)
	SetLastIngested(token string) error
}

// NotificationSink persists notifications and triggers their delivery
type NotificationSink interface {
	// CreateNotifications durably stores drafts, returning them with ids
	// assigned, in the same order
	CreateNotifications(drafts []Draft) *future.Future[[]Notification]
	// BeginDeliveryCycle wakes the delivery workers without waiting for them
	BeginDeliveryCycle()
}

// Draft is a notification that has not been persisted yet
type Draft struct {
	Operation     ledger.Operation
	Subscriptions []string
}

// Notification is a persisted notification about one operation
type Notification struct {
	ID            uint64
	Operation     ledger.Operation
	Subscriptions []string
	CreatedAt     time.Time
}

// FilterMatcher matches operations against the subscription's own filter
type FilterMatcher struct{}

func (FilterMatcher) Match(sub *Subscription, op ledger.Operation) bool {
	return sub.Filter != nil && sub.Filter.Match(op)
}
