package horizon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellar-expert/notifier/watcher"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient records requests and replays ledgers to stream handlers
type fakeClient struct {
	mu       sync.Mutex
	requests []horizonclient.TransactionRequest
	page     hProtocol.TransactionsPage
	err      error

	streams  []horizonclient.LedgerRequest
	ledgers  []int32
	dropOnce atomic.Bool
}

func (f *fakeClient) Transactions(request horizonclient.TransactionRequest) (hProtocol.TransactionsPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	return f.page, f.err
}

func (f *fakeClient) StreamLedgers(ctx context.Context, request horizonclient.LedgerRequest, handler horizonclient.LedgerHandler) error {
	f.mu.Lock()
	f.streams = append(f.streams, request)
	ledgers := f.ledgers
	f.mu.Unlock()

	for _, seq := range ledgers {
		l := hProtocol.Ledger{Sequence: seq}
		l.PT = "pt" + string(rune('0'+seq))
		handler(l)
	}

	if f.dropOnce.CompareAndSwap(true, false) {
		return errors.New("stream dropped")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeClient) Streams() []horizonclient.LedgerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]horizonclient.LedgerRequest(nil), f.streams...)
}

func TestFetchPageBuildsRequest(t *testing.T) {
	closed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tx := hProtocol.Transaction{
		Hash:            "abc",
		Ledger:          42,
		Successful:      true,
		Account:         "GSOURCE",
		EnvelopeXdr:     "ENVELOPE",
		ResultXdr:       "RESULT",
		LedgerCloseTime: closed,
	}
	tx.PT = "180388626432"

	client := &fakeClient{}
	client.page.Embedded.Records = []hProtocol.Transaction{tx}
	src := NewSource(client, 0)

	page, err := src.FetchPage(context.Background(), watcher.PageRequest{Cursor: "100", Ledger: 42})
	require.NoError(t, err)
	require.Len(t, page, 1)

	assert.Equal(t, "180388626432", page[0].PagingToken)
	assert.Equal(t, "abc", page[0].Hash)
	assert.Equal(t, uint32(42), page[0].Ledger)
	assert.True(t, page[0].Successful)
	assert.Equal(t, "GSOURCE", page[0].SourceAccount)
	assert.Equal(t, "ENVELOPE", page[0].EnvelopeXDR)
	assert.Equal(t, "RESULT", page[0].ResultXDR)
	assert.Equal(t, closed, page[0].CreatedAt)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, uint(42), req.ForLedger)
	assert.Equal(t, "100", req.Cursor)
	assert.Equal(t, horizonclient.OrderAsc, req.Order)
	assert.Equal(t, uint(watcher.PageSize), req.Limit)
	assert.False(t, req.IncludeFailed)
}

func TestFetchPageWrapsErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	src := NewSource(client, 0)

	_, err := src.FetchPage(context.Background(), watcher.PageRequest{Cursor: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFetchPageHonorsCancelledContext(t *testing.T) {
	client := &fakeClient{}
	src := NewSource(client, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.FetchPage(ctx, watcher.PageRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.requests)
}

func TestFetchPageAgainstServer(t *testing.T) {
	var gotPath, gotOrder, gotLimit, gotCursor string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotOrder = r.URL.Query().Get("order")
		gotLimit = r.URL.Query().Get("limit")
		gotCursor = r.URL.Query().Get("cursor")

		w.Header().Set("Content-Type", "application/hal+json")
		_, _ = w.Write([]byte(`{
  "_embedded": {
    "records": [
      {
        "paging_token": "3000",
        "successful": true,
        "hash": "h1",
        "ledger": 7,
        "created_at": "2024-05-01T12:00:00Z",
        "source_account": "GSRC",
        "envelope_xdr": "AAAA",
        "result_xdr": "BBBB"
      }
    ]
  }
}`))
	}))
	defer server.Close()

	src := NewSource(NewClient(server.URL, 5*time.Second), 0)

	page, err := src.FetchPage(context.Background(), watcher.PageRequest{Cursor: "2999", Ledger: 7})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "3000", page[0].PagingToken)
	assert.Equal(t, uint32(7), page[0].Ledger)
	assert.Equal(t, "GSRC", page[0].SourceAccount)

	assert.Equal(t, "/ledgers/7/transactions", gotPath)
	assert.Equal(t, "asc", gotOrder)
	assert.Equal(t, "200", gotLimit)
	assert.Equal(t, "2999", gotCursor)
}

func TestSubscribeLedgerHead(t *testing.T) {
	client := &fakeClient{ledgers: []int32{5, 6}}
	src := NewSource(client, time.Millisecond)

	var mu sync.Mutex
	var seen []uint32
	release, err := src.SubscribeLedgerHead(context.Background(), func(seq uint32) {
		mu.Lock()
		seen = append(seen, seq)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	release()
	release()

	mu.Lock()
	assert.Equal(t, []uint32{5, 6}, seen)
	mu.Unlock()

	streams := client.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "now", streams[0].Cursor)
}

func TestSubscribeLedgerHeadReconnects(t *testing.T) {
	client := &fakeClient{ledgers: []int32{5}}
	client.dropOnce.Store(true)
	src := NewSource(client, time.Millisecond)

	release, err := src.SubscribeLedgerHead(context.Background(), func(uint32) {})
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool { return len(client.Streams()) == 2 }, time.Second, 5*time.Millisecond)

	// The second stream resumes after the last ledger seen
	streams := client.Streams()
	assert.Equal(t, "now", streams[0].Cursor)
	assert.Equal(t, "pt5", streams[1].Cursor)
}

func TestSubscribeLedgerHeadCancelledContext(t *testing.T) {
	src := NewSource(&fakeClient{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.SubscribeLedgerHead(ctx, func(uint32) {})
	assert.ErrorIs(t, err, context.Canceled)
}
