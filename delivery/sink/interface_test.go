package sink

import "github.com/stellar-expert/notifier/delivery"

// Compile-time interface verification
var (
	_ delivery.Sink         = (*KafkaSink)(nil)
	_ delivery.Sink         = (*NatsSink)(nil)
	_ delivery.Sink         = (*WebhookSink)(nil)
	_ delivery.Sink         = (*LogSink)(nil)
	_ delivery.TopicBuilder = (*WebhookSink)(nil)
)
