// Package horizon adapts a Horizon server to the watcher's transaction source.
package horizon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stellar-expert/notifier/watcher"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
)

// DefaultStreamRetry is the pause before a dropped ledger stream is reopened
const DefaultStreamRetry = time.Second

// Client is the part of horizonclient.Client used by Source
type Client interface {
	Transactions(request horizonclient.TransactionRequest) (hProtocol.TransactionsPage, error)
	StreamLedgers(ctx context.Context, request horizonclient.LedgerRequest, handler horizonclient.LedgerHandler) error
}

// NewClient creates a Horizon client with a per-request timeout
func NewClient(url string, timeout time.Duration) *horizonclient.Client {
	return &horizonclient.Client{
		HorizonURL: url,
		HTTP:       &http.Client{Timeout: timeout},
		AppName:    "stellar-notifier",
	}
}

// Source serves transaction pages and closed-ledger notifications from Horizon
type Source struct {
	client      Client
	streamRetry time.Duration
}

// NewSource wraps client. streamRetry <= 0 uses DefaultStreamRetry.
func NewSource(client Client, streamRetry time.Duration) *Source {
	if streamRetry <= 0 {
		streamRetry = DefaultStreamRetry
	}
	return &Source{client: client, streamRetry: streamRetry}
}

// FetchPage loads successful transactions after req.Cursor in ascending
// order, optionally scoped to one ledger. A ledger Horizon does not know yet
// yields an empty page.
func (s *Source) FetchPage(ctx context.Context, req watcher.PageRequest) ([]ledger.RawTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = watcher.PageSize
	}

	page, err := s.client.Transactions(horizonclient.TransactionRequest{
		ForLedger:     uint(req.Ledger),
		Cursor:        req.Cursor,
		Order:         horizonclient.OrderAsc,
		Limit:         uint(limit),
		IncludeFailed: false,
	})
	if err != nil {
		if req.Ledger != 0 && horizonclient.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch transactions (cursor=%q ledger=%d): %w", req.Cursor, req.Ledger, err)
	}

	records := page.Embedded.Records
	out := make([]ledger.RawTransaction, 0, len(records))
	for _, r := range records {
		out = append(out, convertTransaction(r))
	}
	return out, nil
}

func convertTransaction(t hProtocol.Transaction) ledger.RawTransaction {
	return ledger.RawTransaction{
		PagingToken:   t.PagingToken(),
		Hash:          t.Hash,
		Ledger:        uint32(t.Ledger),
		Successful:    t.Successful,
		SourceAccount: t.Account,
		EnvelopeXDR:   t.EnvelopeXdr,
		ResultXDR:     t.ResultXdr,
		CreatedAt:     t.LedgerCloseTime,
	}
}

// SubscribeLedgerHead streams ledgers closed from now on. The stream is
// reopened from the last seen ledger whenever Horizon drops it. The returned
// function cancels the stream and waits for it to end.
func (s *Source) SubscribeLedgerHead(ctx context.Context, onLedger func(sequence uint32)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.streamLedgers(ctx, onLedger)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *Source) streamLedgers(ctx context.Context, onLedger func(uint32)) {
	cursor := "now"
	for {
		err := s.client.StreamLedgers(ctx, horizonclient.LedgerRequest{Cursor: cursor}, func(l hProtocol.Ledger) {
			cursor = l.PagingToken()
			onLedger(uint32(l.Sequence))
		})
		if ctx.Err() != nil {
			return
		}

		log.Warn().
			Err(err).
			Str("cursor", cursor).
			Dur("retry_delay", s.streamRetry).
			Msg("Ledger stream closed, reconnecting")

		timer := time.NewTimer(s.streamRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
