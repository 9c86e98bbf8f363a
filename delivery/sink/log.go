package sink

import (
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/cfg"
	"github.com/stellar-expert/notifier/delivery"
)

var errSinkClosed = errors.New("sink closed")

func init() {
	delivery.RegisterSink("log", func(config cfg.SinkConfiguration) (delivery.Sink, error) {
		return NewLogSink(log.Logger.With().Str("sink", config.Name).Logger()), nil
	})
}

// LogSink writes every notification to the service log instead of a remote
// transport. Useful for dry runs of a subscription set.
type LogSink struct {
	logger    zerolog.Logger
	published atomic.Uint64
	closed    atomic.Bool
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the payload. JSON payloads are embedded as-is, anything else
// is logged by size only.
func (l *LogSink) Publish(topic, key string, value []byte) error {
	if l.closed.Load() {
		return errSinkClosed
	}

	event := l.logger.Info().
		Str("topic", topic).
		Str("key", key)
	if json.Valid(value) {
		event = event.RawJSON("payload", value)
	} else {
		event = event.Int("bytes", len(value))
	}
	event.Msg("Notification")

	l.published.Add(1)
	return nil
}

// Published returns the number of payloads logged so far
func (l *LogSink) Published() uint64 {
	return l.published.Load()
}

func (l *LogSink) Close() error {
	l.closed.Store(true)
	return nil
}
