package sink

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stellar-expert/notifier/cfg"
	"github.com/stellar-expert/notifier/delivery"
	"github.com/stellar-expert/notifier/watcher"
)

const (
	DefaultWebhookTimeout = 10 * time.Second
	maxResponseDrain      = 64 << 10
)

func init() {
	delivery.RegisterSink("webhook", func(config cfg.SinkConfiguration) (delivery.Sink, error) {
		return NewWebhookSink(WebhookConfig{
			Timeout:     time.Duration(config.TimeoutMS) * time.Millisecond,
			ContentType: contentTypeFor(config.Format),
		}), nil
	})
}

func contentTypeFor(format string) string {
	if format == "msgpack" {
		return "application/msgpack"
	}
	return "application/json"
}

// WebhookConfig holds configuration for WebhookSink
type WebhookConfig struct {
	Timeout     time.Duration // Per-request timeout (default: 10s)
	ContentType string        // Content-Type of the payload (default: application/json)
}

// WebhookSink POSTs each payload to the webhook URL of its subscription
type WebhookSink struct {
	client      *http.Client
	contentType string
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(config WebhookConfig) *WebhookSink {
	if config.Timeout <= 0 {
		config.Timeout = DefaultWebhookTimeout
	}
	if config.ContentType == "" {
		config.ContentType = "application/json"
	}
	return &WebhookSink{
		client:      &http.Client{Timeout: config.Timeout},
		contentType: config.ContentType,
	}
}

// Topic addresses a subscription by its webhook URL. Subscriptions without
// one are not delivered through this sink.
func (w *WebhookSink) Topic(sub *watcher.Subscription) string {
	return sub.Webhook
}

// Publish POSTs value to the URL in topic. Any non-2xx response is an error.
func (w *WebhookSink) Publish(topic, key string, value []byte) error {
	req, err := http.NewRequest(http.MethodPost, topic, bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", topic, err)
	}
	req.Header.Set("Content-Type", w.contentType)
	req.Header.Set("User-Agent", "stellar-notifier")
	req.Header.Set("X-Subscription", key)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request to %s failed: %w", topic, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s responded with %d", topic, resp.StatusCode)
	}
	return nil
}

// Close releases idle connections
func (w *WebhookSink) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
