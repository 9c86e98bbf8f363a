package delivery

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/cfg"
	"github.com/stellar-expert/notifier/storage"
)

// Store is the notification log shared by the notifier and the workers
type Store interface {
	NotificationLog
	Append(records []storage.Notification) error
	LastSeq() uint64
}

// RegistryConfig configures the delivery registry
type RegistryConfig struct {
	Store       Store                   // Notification log
	Lookup      SubscriptionLookup      // Registered subscriptions
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry manages the lifecycle of all delivery workers
type Registry struct {
	store   Store
	lookup  SubscriptionLookup
	acks    *ackTracker
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker for every configured sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if config.Lookup == nil {
		return nil, fmt.Errorf("subscription lookup is required")
	}

	registry := &Registry{
		store:   config.Store,
		lookup:  config.Lookup,
		acks:    newAckTracker(config.Lookup),
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			registry.closeSinks()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Delivery registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("cannot add sink to a running registry")
	}
	for _, w := range r.workers {
		if w.Name() == config.Name {
			return fmt.Errorf("duplicate sink name %q", config.Name)
		}
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.store,
		Sink:            snk,
		Transformer:     trans,
		Lookup:          r.lookup,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
		OnDelivered:     r.acks.delivered,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	r.acks.setSinks(len(r.workers))

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added delivery sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting delivery registry")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks. The store stays open.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping delivery registry")

	for _, worker := range r.workers {
		worker.Stop()
	}
	r.closeSinks()

	log.Info().Msg("Delivery registry stopped")
}

func (r *Registry) closeSinks() {
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.Name()).Msg("Failed to close sink")
		}
	}
}

// Kick wakes every worker without waiting for them
func (r *Registry) Kick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, worker := range r.workers {
		worker.Kick()
	}
}

// WorkerCount returns the number of configured sinks
func (r *Registry) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// DeliveryLag reports how many notifications each sink is behind the log
func (r *Registry) DeliveryLag() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := r.store.LastSeq()
	lag := make(map[string]uint64, len(r.workers))
	for _, worker := range r.workers {
		cursor := worker.Cursor()
		if cursor < last {
			lag[worker.Name()] = last - cursor
		} else {
			lag[worker.Name()] = 0
		}
	}
	return lag
}

// acknowledgeUndeliverable settles notifications no sink will ever pick up
func (r *Registry) acknowledgeUndeliverable(records []storage.Notification) {
	for _, rec := range records {
		for _, sub := range rec.Subscriptions {
			r.acks.acknowledge(rec.Seq, sub)
		}
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
