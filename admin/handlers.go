package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stellar-expert/notifier/watcher"
)

// WatcherControl is the part of the watcher driven by the admin API
type WatcherControl interface {
	Status() watcher.Status
	Watch(ctx context.Context)
	Kick()
}

// LagProvider reports undelivered notifications per sink
type LagProvider interface {
	DeliveryLag() map[string]uint64
}

// AdminHandlers serves the operator endpoints
type AdminHandlers struct {
	watcher  WatcherControl
	observer *watcher.Observer
	lag      LagProvider
	watchCtx context.Context
}

// NewAdminHandlers creates the handlers. watchCtx is the context ingestion
// is restarted with on resume. lag may be nil.
func NewAdminHandlers(watchCtx context.Context, w WatcherControl, observer *watcher.Observer, lag LagProvider) *AdminHandlers {
	return &AdminHandlers{
		watcher:  w,
		observer: observer,
		lag:      lag,
		watchCtx: watchCtx,
	}
}

type statusResponse struct {
	Watcher              watcher.Status    `json:"watcher"`
	Subscriptions        int               `json:"subscriptions"`
	PendingSubscriptions int               `json:"pending_subscriptions"`
	DeliveryLag          map[string]uint64 `json:"delivery_lag,omitempty"`
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Watcher:              h.watcher.Status(),
		Subscriptions:        len(h.observer.Subscriptions()),
		PendingSubscriptions: h.observer.PendingSubscriptionCount(),
	}
	if h.lag != nil {
		resp.DeliveryLag = h.lag.DeliveryLag()
	}
	writeJSONResponse(w, resp)
}

type subscriptionView struct {
	ID        string `json:"id"`
	Webhook   string `json:"webhook,omitempty"`
	Processed bool   `json:"processed"`
	Cached    int    `json:"cached"`
}

func (h *AdminHandlers) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.observer.Subscriptions()
	out := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionView{
			ID:        sub.ID,
			Webhook:   sub.Webhook,
			Processed: sub.Processed(),
			Cached:    len(sub.Notifications()),
		})
	}
	writeJSONResponse(w, out)
}

type notificationView struct {
	ID            uint64           `json:"id"`
	Operation     ledger.Operation `json:"operation"`
	Subscriptions []string         `json:"subscriptions"`
	CreatedAt     string           `json:"created_at"`
}

// handleSubscriptionNotifications lists undelivered notifications, oldest first
func (h *AdminHandlers) handleSubscriptionNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	sub, ok := h.observer.Lookup(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("subscription '%s' not found", id))
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	cached := sub.Notifications()
	if len(cached) > limit {
		cached = cached[:limit]
	}
	out := make([]notificationView, 0, len(cached))
	for _, n := range cached {
		out = append(out, notificationView{
			ID:            n.ID,
			Operation:     n.Operation,
			Subscriptions: n.Subscriptions,
			CreatedAt:     n.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSONResponse(w, out)
}

// handlePause stops processing. Transactions already queued are held, but
// ledgers closed while paused are not fetched and are only replayed by a
// catch-up after the next restart.
func (h *AdminHandlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.observer.SetObserving(false)
	log.Info().Str("user", callerName(r)).Msg("Observing paused")
	writeJSONResponse(w, h.watcher.Status())
}

// handleResume restarts processing of the queued backlog and ingestion if
// it halted while paused
func (h *AdminHandlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.observer.SetObserving(true)
	h.watcher.Kick()
	h.watcher.Watch(h.watchCtx)
	log.Info().Str("user", callerName(r)).Msg("Observing resumed")
	writeJSONResponse(w, h.watcher.Status())
}

func callerName(r *http.Request) string {
	if u := UserFromContext(r.Context()); u != nil && u.PublicKey != "" {
		return u.PublicKey
	}
	return "admin"
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}
	return limit, nil
}
