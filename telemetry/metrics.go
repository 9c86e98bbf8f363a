package telemetry

// Histogram bucket definitions
var (
	// PassBuckets for one processing pass (parse, match, persist)
	PassBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// FetchBuckets for Horizon page requests
	FetchBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// DeliveryBuckets for a single publish to a sink
	DeliveryBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Ingestion Metrics
var (
	// WatcherState is 1 for the current state label (idle, catch_up, live, stopped)
	WatcherState GaugeVec = noopGaugeVec{}

	// TransactionsFetchedTotal counts raw transactions received by mode (catch_up, live)
	TransactionsFetchedTotal CounterVec = noopCounterVec{}

	// FetchDurationSeconds measures page fetch latency by mode
	FetchDurationSeconds HistogramVec = noopHistogramVec{}

	// FetchErrorsTotal counts failed page fetches by mode
	FetchErrorsTotal CounterVec = noopCounterVec{}

	// LedgersReceivedTotal counts ledger closes pushed by the live stream
	LedgersReceivedTotal Counter = NoopStat{}
)

// Processing Metrics
var (
	// QueueDepth tracks raw transactions waiting for a pass
	QueueDepth Gauge = NoopStat{}

	// TransactionsProcessedTotal counts transactions by result (notified, no_match, skipped, dropped)
	TransactionsProcessedTotal CounterVec = noopCounterVec{}

	// ParseFailuresTotal counts transactions that could not be decoded
	ParseFailuresTotal Counter = NoopStat{}

	// NotificationsCreatedTotal counts persisted notifications
	NotificationsCreatedTotal Counter = NoopStat{}

	// NotificationBatchFailuresTotal counts notification batches that failed to persist
	NotificationBatchFailuresTotal Counter = NoopStat{}

	// CursorWriteFailuresTotal counts failed ingest cursor writes
	CursorWriteFailuresTotal Counter = NoopStat{}

	// PassDurationSeconds measures one processing pass
	PassDurationSeconds Histogram = NoopStat{}

	// PendingSubscriptions tracks subscriptions with notifications in flight
	PendingSubscriptions Gauge = NoopStat{}
)

// Delivery Metrics
var (
	// DeliveriesTotal counts payloads by sink and result (delivered, failed, skipped)
	DeliveriesTotal CounterVec = noopCounterVec{}

	// DeliveryRetriesTotal counts publish retries by sink
	DeliveryRetriesTotal CounterVec = noopCounterVec{}

	// DeliveryDurationSeconds measures publish latency by sink
	DeliveryDurationSeconds HistogramVec = noopHistogramVec{}

	// DeliveryLag tracks notifications not yet delivered by sink
	DeliveryLag GaugeVec = noopGaugeVec{}
)

// Admin Metrics
var (
	// AdminRequestsTotal counts admin API requests by route and status class
	AdminRequestsTotal CounterVec = noopCounterVec{}

	// AuthFailuresTotal counts rejected credentials by reason
	AuthFailuresTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Ingestion Metrics
	WatcherState = NewGaugeVec(
		"watcher_state",
		"Current watcher state (1 for the active state)",
		[]string{"state"},
	)
	TransactionsFetchedTotal = NewCounterVec(
		"transactions_fetched_total",
		"Raw transactions received from Horizon by mode",
		[]string{"mode"},
	)
	FetchDurationSeconds = NewHistogramVec(
		"fetch_duration_seconds",
		"Horizon page fetch duration in seconds",
		[]string{"mode"},
		FetchBuckets,
	)
	FetchErrorsTotal = NewCounterVec(
		"fetch_errors_total",
		"Failed Horizon page fetches by mode",
		[]string{"mode"},
	)
	LedgersReceivedTotal = NewCounter(
		"ledgers_received_total",
		"Ledger closes received from the live stream",
	)

	// Processing Metrics
	QueueDepth = NewGauge(
		"queue_depth",
		"Raw transactions waiting to be processed",
	)
	TransactionsProcessedTotal = NewCounterVec(
		"transactions_processed_total",
		"Processed transactions by result",
		[]string{"result"},
	)
	ParseFailuresTotal = NewCounter(
		"parse_failures_total",
		"Transactions that could not be decoded",
	)
	NotificationsCreatedTotal = NewCounter(
		"notifications_created_total",
		"Notifications persisted",
	)
	NotificationBatchFailuresTotal = NewCounter(
		"notification_batch_failures_total",
		"Notification batches that failed to persist",
	)
	CursorWriteFailuresTotal = NewCounter(
		"cursor_write_failures_total",
		"Failed ingest cursor writes",
	)
	PassDurationSeconds = NewHistogramWithBuckets(
		"pass_duration_seconds",
		"Processing pass duration in seconds",
		PassBuckets,
	)
	PendingSubscriptions = NewGauge(
		"pending_subscriptions",
		"Subscriptions with notifications in flight",
	)

	// Delivery Metrics
	DeliveriesTotal = NewCounterVec(
		"deliveries_total",
		"Notification deliveries by sink and result",
		[]string{"sink", "result"},
	)
	DeliveryRetriesTotal = NewCounterVec(
		"delivery_retries_total",
		"Delivery retries by sink",
		[]string{"sink"},
	)
	DeliveryDurationSeconds = NewHistogramVec(
		"delivery_duration_seconds",
		"Delivery duration in seconds by sink",
		[]string{"sink"},
		DeliveryBuckets,
	)
	DeliveryLag = NewGaugeVec(
		"delivery_lag",
		"Notifications not yet delivered by sink",
		[]string{"sink"},
	)

	// Admin Metrics
	AdminRequestsTotal = NewCounterVec(
		"admin_requests_total",
		"Admin API requests by route and status class",
		[]string{"route", "status"},
	)
	AuthFailuresTotal = NewCounterVec(
		"auth_failures_total",
		"Rejected admin credentials by reason",
		[]string{"reason"},
	)
}

// SetWatcherState marks state as the only active watcher state
func SetWatcherState(state string, all []string) {
	for _, s := range all {
		if s == state {
			WatcherState.With(s).Set(1)
		} else {
			WatcherState.With(s).Set(0)
		}
	}
}
