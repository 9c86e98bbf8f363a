package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stellar-expert/notifier/admin"
	"github.com/stellar-expert/notifier/cfg"
	"github.com/stellar-expert/notifier/delivery"
	_ "github.com/stellar-expert/notifier/delivery/sink"
	"github.com/stellar-expert/notifier/filter"
	"github.com/stellar-expert/notifier/horizon"
	"github.com/stellar-expert/notifier/ledger"
	"github.com/stellar-expert/notifier/storage"
	"github.com/stellar-expert/notifier/telemetry"
	"github.com/stellar-expert/notifier/watcher"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	metricsInterval = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("network", cfg.Config.Horizon.Network).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Stellar notifier starting")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer store.Close()

	// The registry resolves subscriptions through the observer, which in turn
	// needs the notifier built on the registry
	var observer *watcher.Observer
	registry, err := delivery.NewRegistry(delivery.RegistryConfig{
		Store: store,
		Lookup: delivery.LookupFunc(func(id string) (*watcher.Subscription, bool) {
			return observer.Lookup(id)
		}),
		SinkConfigs: cfg.Config.Sinks,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize delivery registry")
		return
	}
	observer = watcher.NewObserver(delivery.NewNotifier(registry))

	if err := registerSubscriptions(observer); err != nil {
		log.Fatal().Err(err).Msg("Failed to register subscriptions")
		return
	}

	if err := registry.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start delivery registry")
		return
	}
	defer registry.Stop()

	client := horizon.NewClient(
		cfg.Config.Horizon.URL,
		time.Duration(cfg.Config.Horizon.TimeoutMS)*time.Millisecond,
	)
	source := horizon.NewSource(client, time.Duration(cfg.Config.Horizon.StreamRetryMS)*time.Millisecond)

	w, err := watcher.New(watcher.Config{
		Observer: observer,
		Source:   source,
		Parser:   ledger.NewXDRParser(),
		Matcher:  watcher.FilterMatcher{},
		Cursors:  store,

		MaxBacklog: cfg.Config.Watcher.MaxBacklog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize watcher")
		return
	}
	defer w.Close()

	collector := telemetry.NewMetricsCollector(observer, registry, metricsInterval)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(ctx, w, observer, registry)
		server := admin.NewServer(
			cfg.Config.Admin.BindAddress,
			cfg.Config.Admin.Port,
			admin.NewRouter(handlers, admin.NewAuthorizer(cfg.Config.Admin)),
		)
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	w.Watch(ctx)

	log.Info().
		Str("horizon", cfg.Config.Horizon.URL).
		Str("data_dir", cfg.Config.DataDir).
		Int("subscriptions", len(observer.Subscriptions())).
		Int("sinks", registry.WorkerCount()).
		Msg("Notifier is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	w.StopWatching()
}

// registerSubscriptions adds the statically configured subscriptions
func registerSubscriptions(observer *watcher.Observer) error {
	for _, sc := range cfg.Config.Subscriptions {
		f, err := filter.New(filter.Spec{
			Accounts:       sc.Accounts,
			OperationTypes: sc.OperationTypes,
			Assets:         sc.Assets,
		})
		if err != nil {
			return fmt.Errorf("subscription %q: %w", sc.ID, err)
		}
		observer.Add(watcher.NewSubscription(sc.ID, f, sc.Webhook, cfg.Config.Watcher.CacheSize))
		log.Info().Str("subscription", sc.ID).Str("webhook", sc.Webhook).Msg("Registered subscription")
	}
	return nil
}
